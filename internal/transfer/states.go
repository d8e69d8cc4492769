package transfer

import "nearshare/internal/protocol/schema"

type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateAwaitingIntroduction
	StateSendingIntroduction
	StateAwaitingConsent
	StateAccepted
	StateTransferring
	StateCompleted
	StateRejected
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateAwaitingIntroduction:
		return "awaiting-introduction"
	case StateSendingIntroduction:
		return "sending-introduction"
	case StateAwaitingConsent:
		return "awaiting-consent"
	case StateAccepted:
		return "accepted"
	case StateTransferring:
		return "transferring"
	case StateCompleted:
		return "completed"
	case StateRejected:
		return "rejected"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateRejected || s == StateCancelled || s == StateFailed
}

type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// forward lists the non-terminal progressions. Rejected, Cancelled and
// Failed are reachable from every non-terminal state.
var forward = map[State][]State{
	StateConnecting:           {StateHandshaking},
	StateHandshaking:          {StateAwaitingIntroduction, StateSendingIntroduction},
	StateAwaitingIntroduction: {StateAwaitingConsent},
	StateSendingIntroduction:  {StateAwaitingConsent},
	StateAwaitingConsent:      {StateAccepted},
	StateAccepted:             {StateTransferring},
	StateTransferring:         {StateCompleted},
}

func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StateRejected, StateCancelled, StateFailed:
		return true
	}
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}

var (
	inboundFrames = map[State][]uint8{
		StateAwaitingIntroduction: {schema.MsgIntroduction, schema.MsgCancel, schema.MsgAbort, schema.MsgKeepAlive},
		StateAwaitingConsent:      {schema.MsgCancel, schema.MsgAbort, schema.MsgKeepAlive},
		StateAccepted:             {schema.MsgChunk, schema.MsgCancel, schema.MsgAbort, schema.MsgKeepAlive},
		StateTransferring:         {schema.MsgChunk, schema.MsgCancel, schema.MsgAbort, schema.MsgKeepAlive},
	}
	outboundFrames = map[State][]uint8{
		StateSendingIntroduction: {schema.MsgAccept, schema.MsgReject, schema.MsgCancel, schema.MsgAbort, schema.MsgKeepAlive},
		StateAwaitingConsent:     {schema.MsgAccept, schema.MsgReject, schema.MsgCancel, schema.MsgAbort, schema.MsgKeepAlive},
		StateAccepted:            {schema.MsgComplete, schema.MsgCancel, schema.MsgAbort, schema.MsgKeepAlive},
		StateTransferring:        {schema.MsgComplete, schema.MsgCancel, schema.MsgAbort, schema.MsgKeepAlive},
	}
)

// FrameAllowed reports whether a peer message of msgType is legal for a
// session of direction dir in state st.
func FrameAllowed(dir Direction, st State, msgType uint8) bool {
	table := outboundFrames
	if dir == Inbound {
		table = inboundFrames
	}
	for _, t := range table[st] {
		if t == msgType {
			return true
		}
	}
	return false
}
