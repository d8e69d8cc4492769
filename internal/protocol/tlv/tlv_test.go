package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsRoundTrip(t *testing.T) {
	in := []Field{
		String(1, "photo.jpg"),
		U64(2, 1024),
		Bytes(3, []byte{0xde, 0xad}),
		U8(4, 7),
		Bool(5, true),
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("field count got=%d want=%d", len(out), len(in))
	}
	for i := range in {
		if out[i].ID != in[i].ID || out[i].Type != in[i].Type || !bytes.Equal(out[i].Value, in[i].Value) {
			t.Fatalf("field %d mismatch: got=%+v want=%+v", i, out[i], in[i])
		}
	}
}

func TestDecodeFieldsShortValue(t *testing.T) {
	buf := EncodeField(String(1, "abcdef"))
	_, err := DecodeFields(buf[:len(buf)-1])
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestDecodeFieldsShortHeader(t *testing.T) {
	_, err := DecodeFields([]byte{0, 1, 6})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestGetFieldsKeepsOrder(t *testing.T) {
	fields := []Field{String(9, "a"), U8(1, 1), String(9, "b")}
	got := GetFields(fields, 9)
	if len(got) != 2 || string(got[0].Value) != "a" || string(got[1].Value) != "b" {
		t.Fatalf("unexpected repeated fields: %+v", got)
	}
}

func TestFixedWidthDecoders(t *testing.T) {
	v, err := U64FromBytes(U64(1, 37149).Value)
	if err != nil || v != 37149 {
		t.Fatalf("u64 got=%d err=%v", v, err)
	}
	if _, err := U32FromBytes([]byte{1, 2}); err == nil {
		t.Fatalf("expected u32 length error")
	}
}
