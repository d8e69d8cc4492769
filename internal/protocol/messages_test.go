package protocol

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"testing"

	"nearshare/internal/protocol/frame"
	"nearshare/internal/protocol/schema"
	"nearshare/internal/protocol/tlv"
	"nearshare/internal/testutil/testlog"
)

func TestIntroductionRoundTrip(t *testing.T) {
	testlog.Start(t)
	digest := sha256.Sum256([]byte("x"))
	in := Introduction{
		DeviceName: "B",
		DeviceType: "phone",
		TotalBytes: 1024 + 11,
		Entries: []ManifestEntry{
			{PayloadID: 1, Kind: KindFile, Name: "a.txt", Size: 1024, Mime: "text/plain", Digest: digest[:]},
			{PayloadID: 2, Kind: KindText, Name: "link", Size: 11, Preview: "example.org", TextType: TextURL},
		},
	}
	body, err := MarshalBody(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg, err := UnmarshalBody(body)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	out, ok := msg.(Introduction)
	if !ok {
		t.Fatalf("unexpected type %T", msg)
	}
	if out.DeviceName != "B" || out.TotalBytes != in.TotalBytes || len(out.Entries) != 2 {
		t.Fatalf("introduction mismatch: %+v", out)
	}
	if !bytes.Equal(out.Entries[0].Digest, digest[:]) || out.Entries[0].Mime != "text/plain" {
		t.Fatalf("entry 0 mismatch: %+v", out.Entries[0])
	}
	if out.Entries[1].TextType != TextURL || out.Entries[1].Kind != KindText {
		t.Fatalf("entry 1 mismatch: %+v", out.Entries[1])
	}
}

func TestHandshakeInitSuitesList(t *testing.T) {
	testlog.Start(t)
	in := HandshakeInit{
		Versions:  []byte{1},
		Suites:    []string{"a", "b"},
		PublicKey: make([]byte, 32),
		DeviceID:  make([]byte, 16),
		Identity:  make([]byte, 32),
		Random:    make([]byte, 32),
	}
	msg, err := FromFrame(ToFrame(in))
	if err != nil {
		t.Fatalf("from frame: %v", err)
	}
	got := msg.(HandshakeInit)
	if len(got.Suites) != 2 || got.Suites[1] != "b" {
		t.Fatalf("suites got=%v", got.Suites)
	}
}

func TestManifestEntryBadKindRejected(t *testing.T) {
	testlog.Start(t)
	entry := tlv.EncodeFields([]tlv.Field{
		tlv.U64(schema.FieldPayloadID, 1),
		tlv.U8(schema.FieldKind, 9),
		tlv.String(schema.FieldName, "x"),
		tlv.U64(schema.FieldSize, 1),
	})
	f := frame.Frame{Type: schema.MsgIntroduction, Fields: []tlv.Field{
		tlv.String(schema.FieldDeviceName, "A"),
		tlv.U64(schema.FieldTotalBytes, 1),
		tlv.Bytes(schema.FieldManifestEntry, entry),
	}}
	if _, err := FromFrame(f); !errors.Is(err, frame.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestAbortCarriesCode(t *testing.T) {
	testlog.Start(t)
	body, err := MarshalBody(Abort{Code: AbortIntegrity, Reason: "digest mismatch"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg, err := UnmarshalBody(body)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if a := msg.(Abort); a.Code != AbortIntegrity || a.Reason != "digest mismatch" {
		t.Fatalf("abort got=%+v", a)
	}
}
