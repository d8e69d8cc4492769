// Package consent holds pending yes/no decisions: a transfer offer waiting
// for the receiver, or a verification code waiting to be compared.
package consent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

type Kind int

const (
	TransferOffer Kind = iota
	CodeComparison
)

func (k Kind) String() string {
	switch k {
	case TransferOffer:
		return "transfer-offer"
	case CodeComparison:
		return "code-comparison"
	default:
		return "unknown"
	}
}

var (
	ErrResolved = errors.New("consent: already decided")
	ErrTimeout  = errors.New("consent: timed out")
)

// Request is a one-shot decision. The first Resolve wins.
type Request struct {
	Kind     Kind
	Metadata map[string]string

	once     sync.Once
	decided  chan struct{}
	accepted bool
}

func NewRequest(kind Kind, metadata map[string]string) *Request {
	return &Request{
		Kind:     kind,
		Metadata: metadata,
		decided:  make(chan struct{}),
	}
}

// Resolve records the decision. It returns ErrResolved when a decision was
// already made.
func (r *Request) Resolve(accepted bool) error {
	err := ErrResolved
	r.once.Do(func() {
		r.accepted = accepted
		close(r.decided)
		err = nil
	})
	return err
}

// Decided is closed once Resolve has been called.
func (r *Request) Decided() <-chan struct{} { return r.decided }

// Accepted reports the decision. Only meaningful after Decided is closed.
func (r *Request) Accepted() bool {
	select {
	case <-r.decided:
		return r.accepted
	default:
		return false
	}
}

// Wait blocks until a decision, the timeout, or ctx. A timeout resolves the
// request as declined so late callers observe a consistent answer.
func (r *Request) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-r.decided:
		return r.accepted, nil
	case <-expired:
		if r.Resolve(false) == nil {
			return false, ErrTimeout
		}
		return r.accepted, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Prompt asks question on w and reads a y/n answer from in. Anything other
// than y or yes declines.
func Prompt(in io.Reader, w io.Writer, question string) (bool, error) {
	if _, err := fmt.Fprintf(w, "%s (y/n): ", question); err != nil {
		return false, err
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
