package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"nearshare/internal/protocol/schema"
	"nearshare/internal/protocol/tlv"
)

const (
	LengthPrefixLen = 4
	readChunk       = 32 * 1024
)

var (
	ErrIncomplete    = errors.New("frame: incomplete")
	ErrEmptyFrame    = errors.New("frame: empty body")
	ErrFrameTooLarge = errors.New("frame: declared length exceeds limit")
	ErrUnknownType   = errors.New("frame: unknown message type")
	ErrMalformed     = errors.New("frame: malformed body")
)

// Frame is one parsed wire message.
type Frame struct {
	Type   uint8
	Fields []tlv.Field
}

// Get returns the first field with id.
func (f Frame) Get(id uint16) (tlv.Field, bool) {
	return tlv.GetField(f.Fields, id)
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxFrameSize uint32
}

func DefaultLimits() Limits {
	return Limits{MaxFrameSize: 5 * 1024 * 1024}
}

// EncodeBody serialises the type byte and fields without the length prefix.
func EncodeBody(f Frame) ([]byte, error) {
	if err := schema.Validate(f.Type, f.Fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	body := make([]byte, 0, 1+fieldsLen(f.Fields))
	body = append(body, f.Type)
	body = append(body, tlv.EncodeFields(f.Fields)...)
	return body, nil
}

// Encode produces a length-prefixed frame using the default limits.
func Encode(f Frame) ([]byte, error) {
	return EncodeWithLimits(f, DefaultLimits())
}

func EncodeWithLimits(f Frame, limits Limits) ([]byte, error) {
	body, err := EncodeBody(f)
	if err != nil {
		return nil, err
	}
	if uint64(len(body)) > uint64(limits.MaxFrameSize) {
		return nil, ErrFrameTooLarge
	}
	out := make([]byte, LengthPrefixLen+len(body))
	binary.BigEndian.PutUint32(out[:LengthPrefixLen], uint32(len(body)))
	copy(out[LengthPrefixLen:], body)
	return out, nil
}

// Decode parses one frame from the front of buf. It returns the number of
// bytes consumed. ErrIncomplete means buf holds a valid prefix of a frame.
// Decode does not retain buf.
func Decode(buf []byte, limits Limits) (Frame, int, error) {
	if len(buf) < LengthPrefixLen {
		return Frame{}, 0, ErrIncomplete
	}
	n := binary.BigEndian.Uint32(buf[:LengthPrefixLen])
	if n == 0 {
		return Frame{}, 0, ErrEmptyFrame
	}
	if n > limits.MaxFrameSize {
		return Frame{}, 0, ErrFrameTooLarge
	}
	total := LengthPrefixLen + int(n)
	if len(buf) < total {
		return Frame{}, 0, ErrIncomplete
	}
	f, err := DecodeBody(buf[LengthPrefixLen:total])
	if err != nil {
		return Frame{}, 0, err
	}
	return f, total, nil
}

// DecodeBody parses a body (type byte + fields) and validates it.
func DecodeBody(body []byte) (Frame, error) {
	if len(body) == 0 {
		return Frame{}, ErrEmptyFrame
	}
	msgType := body[0]
	if !schema.Known(msgType) {
		return Frame{}, fmt.Errorf("%w: %#02x", ErrUnknownType, msgType)
	}
	fields, err := tlv.DecodeFields(body[1:])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := schema.Validate(msgType, fields); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Frame{Type: msgType, Fields: fields}, nil
}

func fieldsLen(fields []tlv.Field) int {
	n := 0
	for _, f := range fields {
		n += tlv.HeaderLen + len(f.Value)
	}
	return n
}

// Reader yields whole frames from a byte stream, buffering partial reads.
type Reader struct {
	src    io.Reader
	limits Limits
	buf    []byte
	tmp    []byte
	err    error
}

func NewReader(r io.Reader, limits Limits) *Reader {
	return &Reader{src: r, limits: limits, tmp: make([]byte, readChunk)}
}

// ReadFrame blocks until a full frame is available or the source fails.
// A stream that ends mid-frame returns io.ErrUnexpectedEOF.
func (r *Reader) ReadFrame() (Frame, error) {
	for {
		if len(r.buf) > 0 {
			f, n, err := Decode(r.buf, r.limits)
			if err == nil {
				r.buf = append(r.buf[:0], r.buf[n:]...)
				return f, nil
			}
			if !errors.Is(err, ErrIncomplete) {
				return Frame{}, err
			}
		}
		if r.err != nil {
			if errors.Is(r.err, io.EOF) && len(r.buf) > 0 {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, r.err
		}
		n, err := r.src.Read(r.tmp)
		if n > 0 {
			r.buf = append(r.buf, r.tmp[:n]...)
		}
		r.err = err
	}
}

// Writer serialises whole frames; safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	dst    io.Writer
	limits Limits
}

func NewWriter(w io.Writer, limits Limits) *Writer {
	return &Writer{dst: w, limits: limits}
}

func (w *Writer) WriteFrame(f Frame) error {
	buf, err := EncodeWithLimits(f, w.limits)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.dst.Write(buf)
	return err
}
