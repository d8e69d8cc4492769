package transfer

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"nearshare/internal/protocol"
)

type (
	Kind     = protocol.PayloadKind
	TextType = protocol.TextType
)

const (
	KindFile  = protocol.KindFile
	KindText  = protocol.KindText
	KindBytes = protocol.KindBytes

	TextPlain = protocol.TextPlain
	TextURL   = protocol.TextURL
	TextWiFi  = protocol.TextWiFi
)

const previewLimit = 64

var (
	ErrOversize       = errors.New("transfer: chunk exceeds declared size")
	ErrNonContiguous  = errors.New("transfer: chunk offset is not contiguous")
	ErrDigestMismatch = errors.New("transfer: digest mismatch")
	ErrPayloadDone    = errors.New("transfer: payload already complete")
)

// PayloadInfo is the manifest view of a payload.
type PayloadInfo struct {
	ID       uint64
	Kind     Kind
	Name     string
	Size     uint64
	Mime     string
	Preview  string
	TextType TextType
	Digest   []byte
}

// Payload is one item of a session. Outbound payloads carry a source,
// inbound payloads a sink once accepted.
type Payload struct {
	PayloadInfo

	open        func() (io.ReadCloser, error)
	sink        Sink
	hash        hash.Hash
	transferred uint64
	done        bool
}

// NewFilePayload describes a regular file and precomputes its digest.
func NewFilePayload(path string) (*Payload, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !st.Mode().IsRegular() {
		return nil, fmt.Errorf("transfer: %s is not a regular file", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return nil, err
	}
	name := filepath.Base(path)
	mt := mime.TypeByExtension(filepath.Ext(name))
	if mt == "" {
		mt = "application/octet-stream"
	}
	return &Payload{
		PayloadInfo: PayloadInfo{
			Kind:   KindFile,
			Name:   name,
			Size:   uint64(n),
			Mime:   mt,
			Digest: h.Sum(nil),
		},
		open: func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

// NewTextPayload wraps text; the text type is detected when tt is zero.
func NewTextPayload(text string, tt TextType) *Payload {
	if tt == protocol.TextNone {
		tt = DetectTextType(text)
	}
	p := newMemoryPayload(KindText, "text", []byte(text), "text/plain; charset=utf-8")
	p.TextType = tt
	p.Preview = textPreview(text, tt)
	return p
}

func NewBytesPayload(name string, data []byte) *Payload {
	return newMemoryPayload(KindBytes, name, data, "application/octet-stream")
}

func newMemoryPayload(kind Kind, name string, data []byte, mt string) *Payload {
	sum := sha256.Sum256(data)
	buf := bytes.Clone(data)
	return &Payload{
		PayloadInfo: PayloadInfo{
			Kind:   kind,
			Name:   name,
			Size:   uint64(len(buf)),
			Mime:   mt,
			Digest: sum[:],
		},
		open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(buf)), nil },
	}
}

// DetectTextType classifies text as a link, Wi-Fi credentials or plain text.
func DetectTextType(text string) TextType {
	t := strings.TrimSpace(text)
	if strings.HasPrefix(strings.ToUpper(t), "WIFI:") {
		return TextWiFi
	}
	if u, err := url.Parse(t); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" && !strings.ContainsAny(t, " \n") {
		return TextURL
	}
	return TextPlain
}

func textPreview(text string, tt TextType) string {
	if tt == TextWiFi {
		return wifiSSID(text)
	}
	t := strings.TrimSpace(text)
	if utf8.RuneCountInString(t) <= previewLimit {
		return t
	}
	runes := []rune(t)
	return string(runes[:previewLimit]) + "…"
}

// wifiSSID extracts S:<ssid> from a WIFI: string so the password never
// lands in the preview.
func wifiSSID(text string) string {
	body := strings.TrimPrefix(strings.TrimSpace(text), "WIFI:")
	body = strings.TrimPrefix(body, "wifi:")
	for _, part := range strings.Split(body, ";") {
		if ssid, ok := strings.CutPrefix(part, "S:"); ok {
			return ssid
		}
	}
	return ""
}

func (p *Payload) Transferred() uint64 { return p.transferred }

func (p *Payload) Done() bool { return p.done }

func (p *Payload) entry() protocol.ManifestEntry {
	return protocol.ManifestEntry{
		PayloadID: p.ID,
		Kind:      p.Kind,
		Name:      p.Name,
		Size:      p.Size,
		Mime:      p.Mime,
		Digest:    p.Digest,
		Preview:   p.Preview,
		TextType:  p.TextType,
	}
}

func payloadFromEntry(e protocol.ManifestEntry) *Payload {
	return &Payload{
		PayloadInfo: PayloadInfo{
			ID:       e.PayloadID,
			Kind:     e.Kind,
			Name:     e.Name,
			Size:     e.Size,
			Mime:     e.Mime,
			Preview:  e.Preview,
			TextType: e.TextType,
			Digest:   bytes.Clone(e.Digest),
		},
		hash: sha256.New(),
	}
}

// accept checks a chunk against the payload before any byte is written.
func (p *Payload) accept(offset uint64, n int) error {
	if p.done {
		return ErrPayloadDone
	}
	if offset != p.transferred {
		return fmt.Errorf("%w: got=%d want=%d", ErrNonContiguous, offset, p.transferred)
	}
	if uint64(n) > p.Size-p.transferred {
		return fmt.Errorf("%w: %d+%d > %d", ErrOversize, p.transferred, n, p.Size)
	}
	return nil
}

// record feeds data that reached the sink into the digest.
func (p *Payload) record(data []byte) {
	p.hash.Write(data)
	p.transferred += uint64(len(data))
}

func (p *Payload) complete() bool { return p.transferred == p.Size }

// verify compares the running digest with the manifest digest.
func (p *Payload) verify() error {
	sum := p.hash.Sum(nil)
	if !bytes.Equal(sum, p.Digest) {
		return fmt.Errorf("%w: payload %d (%s)", ErrDigestMismatch, p.ID, p.Name)
	}
	return nil
}
