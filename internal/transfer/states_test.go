package transfer

import (
	"testing"

	"nearshare/internal/protocol/schema"
	"nearshare/internal/testutil/testlog"
)

func TestTransitions(t *testing.T) {
	testlog.Start(t)
	legal := [][2]State{
		{StateConnecting, StateHandshaking},
		{StateHandshaking, StateSendingIntroduction},
		{StateHandshaking, StateAwaitingIntroduction},
		{StateAwaitingConsent, StateAccepted},
		{StateAccepted, StateTransferring},
		{StateTransferring, StateCompleted},
		{StateConnecting, StateFailed},
		{StateAwaitingConsent, StateRejected},
		{StateTransferring, StateCancelled},
	}
	for _, tr := range legal {
		if !canTransition(tr[0], tr[1]) {
			t.Fatalf("%s -> %s should be legal", tr[0], tr[1])
		}
	}
	illegal := [][2]State{
		{StateConnecting, StateTransferring},
		{StateAwaitingConsent, StateCompleted},
		{StateCompleted, StateFailed},
		{StateRejected, StateCancelled},
		{StateFailed, StateHandshaking},
	}
	for _, tr := range illegal {
		if canTransition(tr[0], tr[1]) {
			t.Fatalf("%s -> %s should be illegal", tr[0], tr[1])
		}
	}
}

func TestFrameAllowed(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		dir  Direction
		st   State
		msg  uint8
		want bool
	}{
		{Inbound, StateAwaitingIntroduction, schema.MsgIntroduction, true},
		{Inbound, StateAwaitingIntroduction, schema.MsgChunk, false},
		{Inbound, StateAwaitingConsent, schema.MsgChunk, false},
		{Inbound, StateAwaitingConsent, schema.MsgCancel, true},
		{Inbound, StateTransferring, schema.MsgChunk, true},
		{Inbound, StateTransferring, schema.MsgAccept, false},
		{Outbound, StateAwaitingConsent, schema.MsgAccept, true},
		{Outbound, StateAwaitingConsent, schema.MsgComplete, false},
		{Outbound, StateTransferring, schema.MsgComplete, true},
		{Outbound, StateTransferring, schema.MsgChunk, false},
		{Outbound, StateCompleted, schema.MsgKeepAlive, false},
	}
	for _, c := range cases {
		if got := FrameAllowed(c.dir, c.st, c.msg); got != c.want {
			t.Fatalf("FrameAllowed(%s, %s, %#02x)=%v want %v", c.dir, c.st, c.msg, got, c.want)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	testlog.Start(t)
	for _, st := range []State{StateCompleted, StateRejected, StateCancelled, StateFailed} {
		if !st.Terminal() {
			t.Fatalf("%s should be terminal", st)
		}
	}
	if StateTransferring.Terminal() {
		t.Fatalf("transferring is not terminal")
	}
}
