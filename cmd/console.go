package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/schollz/progressbar/v3"

	"nearshare/internal/consent"
	"nearshare/internal/engine"
	"nearshare/internal/transfer"
)

var (
	infoBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("205")).Padding(0, 1)
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	codeStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("220"))
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// console renders engine events on a terminal and asks the user for
// decisions. It is driven from a single goroutine.
type console struct {
	in         *bufio.Reader
	out        io.Writer
	autoAccept bool
	bars       map[string]*progressbar.ProgressBar
}

func newConsole(in io.Reader, out io.Writer, autoAccept bool) *console {
	return &console{
		in:         bufio.NewReader(in),
		out:        out,
		autoAccept: autoAccept,
		bars:       make(map[string]*progressbar.ProgressBar),
	}
}

func (c *console) println(style lipgloss.Style, format string, args ...any) {
	fmt.Fprintln(c.out, style.Render(fmt.Sprintf(format, args...)))
}

func (c *console) handle(eng *engine.Engine, ev engine.Event) {
	switch ev.Kind {
	case engine.EndpointDiscovered:
		c.println(statusStyle, "found %s (%s) via %s", ev.Endpoint.Name, ev.Endpoint.DeviceType, ev.Endpoint.Source)
	case engine.EndpointLost:
		c.println(statusStyle, "lost %s", ev.Endpoint.Name)
	case engine.DiscoveryDegraded:
		c.println(errorStyle, "discovery over %s unavailable: %v", ev.Channel, ev.Err)
	case engine.VerificationRequested:
		ok, err := consent.Prompt(c.in, c.out, fmt.Sprintf("Does the other device show %s?", codeStyle.Render(ev.Code)))
		if err != nil {
			c.println(errorStyle, "reading answer: %v", err)
		}
		if err := eng.ConfirmCode(ev.Session.ID, ok); err != nil {
			c.println(errorStyle, "%v", err)
		}
	case engine.ConsentRequested:
		c.offer(eng, ev.Session)
	case engine.ProgressUpdated:
		c.progress(ev.Session)
	case engine.PayloadReceived:
		c.received(ev.Received)
	case engine.SessionCompleted:
		c.finishBar(ev.Session.ID)
		c.println(successStyle, "transfer with %s complete", peerName(ev.Session.Peer))
	case engine.SessionRejected:
		c.dropBar(ev.Session.ID)
		c.println(errorStyle, "transfer with %s declined", peerName(ev.Session.Peer))
	case engine.SessionCancelled:
		c.dropBar(ev.Session.ID)
		c.println(errorStyle, "transfer with %s cancelled", peerName(ev.Session.Peer))
	case engine.SessionFailed:
		c.dropBar(ev.Session.ID)
		c.println(errorStyle, "transfer with %s failed: %v", peerName(ev.Session.Peer), ev.Err)
	}
}

func (c *console) offer(eng *engine.Engine, in transfer.Info) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s wants to share with you\n", titleStyle.Render(peerName(in.Peer)))
	fmt.Fprintf(&b, "PIN %s\n", codeStyle.Render(in.Code))
	for _, p := range in.Payloads {
		switch p.Kind {
		case transfer.KindText:
			fmt.Fprintf(&b, "\n  %s: %s", textLabel(p.TextType), p.Preview)
		default:
			fmt.Fprintf(&b, "\n  %s (%s)", p.Name, formatBytes(p.Size))
		}
	}
	fmt.Fprintln(c.out, infoBoxStyle.Render(b.String()))

	accept := c.autoAccept
	if !accept {
		var err error
		accept, err = consent.Prompt(c.in, c.out, "Accept?")
		if err != nil {
			c.println(errorStyle, "reading answer: %v", err)
		}
	}
	decide := eng.Reject
	if accept {
		decide = eng.Accept
	}
	if err := decide(in.ID); err != nil {
		c.println(errorStyle, "%v", err)
	}
}

func (c *console) progress(in transfer.Info) {
	if in.Progress.TotalBytes == 0 {
		return
	}
	bar, ok := c.bars[in.ID]
	if !ok {
		bar = progressbar.NewOptions64(int64(in.Progress.TotalBytes),
			progressbar.OptionSetWriter(c.out),
			progressbar.OptionSetDescription(peerName(in.Peer)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(c.out) }),
		)
		c.bars[in.ID] = bar
	}
	if in.Progress.ETA > 0 {
		bar.Describe(fmt.Sprintf("%s (%s left)", peerName(in.Peer), in.Progress.ETA.Round(time.Second)))
	}
	_ = bar.Set64(int64(in.Progress.BytesTransferred))
}

func (c *console) finishBar(id string) {
	if bar, ok := c.bars[id]; ok {
		_ = bar.Finish()
		delete(c.bars, id)
	}
}

func (c *console) dropBar(id string) {
	if bar, ok := c.bars[id]; ok {
		_ = bar.Exit()
		delete(c.bars, id)
	}
}

func (c *console) received(r transfer.Received) {
	switch {
	case r.Path != "":
		c.println(successStyle, "saved %s", r.Path)
	case r.Payload.Kind == transfer.KindText:
		c.println(successStyle, "%s: %s", textLabel(r.Payload.TextType), string(r.Data))
	default:
		c.println(successStyle, "received %s (%s)", r.Payload.Name, formatBytes(uint64(len(r.Data))))
	}
}

func peerName(p transfer.Peer) string {
	if p.Name != "" {
		return p.Name
	}
	return fmt.Sprintf("%x", p.DeviceID)
}

func textLabel(tt transfer.TextType) string {
	switch tt {
	case transfer.TextURL:
		return "link"
	case transfer.TextWiFi:
		return "wi-fi network"
	default:
		return "text"
	}
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
