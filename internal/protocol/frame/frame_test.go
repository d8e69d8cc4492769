package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"nearshare/internal/protocol/schema"
	"nearshare/internal/protocol/tlv"
	"nearshare/internal/testutil/testlog"
)

func chunkFrame(data []byte) Frame {
	return Frame{Type: schema.MsgChunk, Fields: []tlv.Field{
		tlv.U64(schema.FieldPayloadID, 7),
		tlv.U64(schema.FieldOffset, 4096),
		tlv.Bytes(schema.FieldData, data),
	}}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := chunkFrame([]byte("hello"))
	buf, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, n, err := Decode(buf, DefaultLimits())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed got=%d want=%d", n, len(buf))
	}
	if out.Type != in.Type || len(out.Fields) != len(in.Fields) {
		t.Fatalf("frame mismatch: %+v", out)
	}
	data, _ := out.Get(schema.FieldData)
	if string(data.Value) != "hello" {
		t.Fatalf("data got=%q", data.Value)
	}
}

func TestDecodeTruncatedIsIncomplete(t *testing.T) {
	testlog.Start(t)
	buf, err := Encode(chunkFrame([]byte("truncate me")))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for i := 0; i < len(buf); i++ {
		if _, _, err := Decode(buf[:i], DefaultLimits()); !errors.Is(err, ErrIncomplete) {
			t.Fatalf("prefix %d: expected ErrIncomplete, got %v", i, err)
		}
	}
}

func TestDecodeRejectsOversizeBeforeBody(t *testing.T) {
	testlog.Start(t)
	hdr := make([]byte, LengthPrefixLen)
	binary.BigEndian.PutUint32(hdr, 5*1024*1024+1)
	if _, _, err := Decode(hdr, DefaultLimits()); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	testlog.Start(t)
	buf := []byte{0, 0, 0, 1, 0x7e}
	if _, _, err := Decode(buf, DefaultLimits()); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestDecodeRejectsMissingField(t *testing.T) {
	testlog.Start(t)
	body := append([]byte{schema.MsgChunk}, tlv.EncodeFields([]tlv.Field{tlv.U64(schema.FieldPayloadID, 1)})...)
	buf := make([]byte, LengthPrefixLen, LengthPrefixLen+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	buf = append(buf, body...)
	if _, _, err := Decode(buf, DefaultLimits()); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestEncodeRejectsInvalidFrame(t *testing.T) {
	testlog.Start(t)
	if _, err := Encode(Frame{Type: schema.MsgChunk}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

type oneByteReader struct{ r io.Reader }

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}

func TestReaderResumesAcrossSplitReads(t *testing.T) {
	testlog.Start(t)
	var stream bytes.Buffer
	w := NewWriter(&stream, DefaultLimits())
	for _, s := range []string{"a", "bb", "ccc"} {
		if err := w.WriteFrame(chunkFrame([]byte(s))); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := w.WriteFrame(Frame{Type: schema.MsgKeepAlive}); err != nil {
		t.Fatalf("write keepalive: %v", err)
	}

	r := NewReader(oneByteReader{&stream}, DefaultLimits())
	for _, want := range []string{"a", "bb", "ccc"} {
		f, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		data, _ := f.Get(schema.FieldData)
		if string(data.Value) != want {
			t.Fatalf("data got=%q want=%q", data.Value, want)
		}
	}
	f, err := r.ReadFrame()
	if err != nil || f.Type != schema.MsgKeepAlive {
		t.Fatalf("keepalive got=%+v err=%v", f, err)
	}
	if _, err := r.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReaderMidFrameEOF(t *testing.T) {
	testlog.Start(t)
	buf, _ := Encode(chunkFrame([]byte("partial")))
	r := NewReader(bytes.NewReader(buf[:len(buf)-2]), DefaultLimits())
	if _, err := r.ReadFrame(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}
