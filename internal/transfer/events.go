package transfer

type EventKind int

const (
	EventStateChanged EventKind = iota
	EventConsentRequested
	EventProgress
	EventPayloadReceived
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state-changed"
	case EventConsentRequested:
		return "consent-requested"
	case EventProgress:
		return "progress"
	case EventPayloadReceived:
		return "payload-received"
	default:
		return "unknown"
	}
}

// Event is emitted by a session. Info is a snapshot taken when the event
// was raised. Received is set for EventPayloadReceived only.
type Event struct {
	Kind     EventKind
	Info     Info
	Received Received
}

// PayloadStatus is the per-payload part of Info.
type PayloadStatus struct {
	PayloadInfo
	Transferred uint64
	Done        bool
}

// Info is a point-in-time view of a session.
type Info struct {
	ID        string
	Direction Direction
	State     State
	Peer      Peer
	Code      string
	Confirmed bool
	Payloads  []PayloadStatus
	Progress  Progress
	Err       error
}
