package transfer

import (
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"nearshare/internal/protocol"
	"nearshare/internal/testutil/testlog"
)

func TestNewFilePayload(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "report.txt")
	data := []byte("quarterly numbers")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := NewFilePayload(path)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	sum := sha256.Sum256(data)
	if p.Name != "report.txt" || p.Size != uint64(len(data)) || p.Kind != KindFile {
		t.Fatalf("unexpected info: %+v", p.PayloadInfo)
	}
	if string(p.Digest) != string(sum[:]) {
		t.Fatalf("digest mismatch")
	}
	if _, err := NewFilePayload(t.TempDir()); err == nil {
		t.Fatalf("expected directory to be refused")
	}
}

func TestDetectTextType(t *testing.T) {
	testlog.Start(t)
	cases := map[string]TextType{
		"https://example.com/a?b=c":        TextURL,
		"WIFI:S:home;T:WPA;P:secret;;":     TextWiFi,
		"see https://example.com for more": TextPlain,
		"just a note":                      TextPlain,
		"ftp://example.com/file":           TextPlain,
	}
	for in, want := range cases {
		if got := DetectTextType(in); got != want {
			t.Fatalf("DetectTextType(%q)=%s want %s", in, got, want)
		}
	}
}

func TestWiFiPreviewHidesPassword(t *testing.T) {
	testlog.Start(t)
	p := NewTextPayload("WIFI:S:home;T:WPA;P:secret;;", protocol.TextNone)
	if p.TextType != TextWiFi || p.Preview != "home" {
		t.Fatalf("preview=%q type=%s", p.Preview, p.TextType)
	}
}

func TestChunkAcceptance(t *testing.T) {
	testlog.Start(t)
	data := []byte("0123456789")
	sum := sha256.Sum256(data)
	p := payloadFromEntry(protocol.ManifestEntry{PayloadID: 1, Kind: KindBytes, Name: "b", Size: 10, Digest: sum[:]})

	if err := p.accept(0, 11); !errors.Is(err, ErrOversize) {
		t.Fatalf("oversize err=%v", err)
	}
	if err := p.accept(4, 2); !errors.Is(err, ErrNonContiguous) {
		t.Fatalf("gap err=%v", err)
	}
	if err := p.accept(0, 6); err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	p.record(data[:6])
	if err := p.accept(6, 5); !errors.Is(err, ErrOversize) {
		t.Fatalf("tail oversize err=%v", err)
	}
	if err := p.accept(6, 4); err != nil {
		t.Fatalf("tail chunk: %v", err)
	}
	p.record(data[6:])
	if !p.complete() {
		t.Fatalf("expected complete")
	}
	if err := p.verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyDetectsMismatch(t *testing.T) {
	testlog.Start(t)
	sum := sha256.Sum256([]byte("expected"))
	p := payloadFromEntry(protocol.ManifestEntry{PayloadID: 1, Kind: KindBytes, Name: "b", Size: 6, Digest: sum[:]})
	p.record([]byte("actual"))
	if err := p.verify(); !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("err=%v", err)
	}
}

func TestProgressWindow(t *testing.T) {
	testlog.Start(t)
	clock := time.Unix(1000, 0)
	tr := newProgressTracker(1000, func() time.Time { return clock })

	for i := 0; i < 10; i++ {
		clock = clock.Add(time.Second)
		tr.add(50)
	}
	snap := tr.snapshot()
	if snap.BytesTransferred != 500 || snap.Percent != 50 {
		t.Fatalf("snapshot %+v", snap)
	}
	if snap.Speed != 50 {
		t.Fatalf("speed=%v want 50", snap.Speed)
	}
	if snap.ETA != 10*time.Second {
		t.Fatalf("eta=%v want 10s", snap.ETA)
	}
	if len(tr.samples) > 7 {
		t.Fatalf("window kept %d samples", len(tr.samples))
	}
}
