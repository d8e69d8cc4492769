package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"testing"
)

func TestIsMatchesByType(t *testing.T) {
	err := Protocol("transfer", "chunk before accept", nil)
	wrapped := fmt.Errorf("session abc: %w", err)
	if !stderrors.Is(wrapped, Kind(ErrProtocol)) {
		t.Fatalf("expected protocol kind match")
	}
	if stderrors.Is(wrapped, Kind(ErrHandshake)) {
		t.Fatalf("unexpected handshake kind match")
	}
}

func TestUnwrapReachesCause(t *testing.T) {
	err := PayloadIO("fileshare", "write failed", io.ErrShortWrite)
	if !stderrors.Is(err, io.ErrShortWrite) {
		t.Fatalf("expected cause to be reachable")
	}
	typ, ok := TypeOf(fmt.Errorf("outer: %w", err))
	if !ok || typ != ErrPayloadIO {
		t.Fatalf("TypeOf got=%v ok=%v", typ, ok)
	}
}

func TestTypeOfPlainError(t *testing.T) {
	if _, ok := TypeOf(io.EOF); ok {
		t.Fatalf("plain error should not carry a type")
	}
}
