package engine

import (
	"sync"

	"nearshare/internal/discovery"
	"nearshare/internal/transfer"
)

type EventKind int

const (
	EndpointDiscovered EventKind = iota
	EndpointUpdated
	EndpointLost
	DiscoveryDegraded
	VerificationRequested
	ConsentRequested
	ProgressUpdated
	PayloadReceived
	SessionState
	SessionCompleted
	SessionRejected
	SessionCancelled
	SessionFailed
)

var kindNames = map[EventKind]string{
	EndpointDiscovered:    "endpoint-discovered",
	EndpointUpdated:       "endpoint-updated",
	EndpointLost:          "endpoint-lost",
	DiscoveryDegraded:     "discovery-degraded",
	VerificationRequested: "verification-requested",
	ConsentRequested:      "consent-requested",
	ProgressUpdated:       "progress-updated",
	PayloadReceived:       "payload-received",
	SessionState:          "session-state",
	SessionCompleted:      "session-completed",
	SessionRejected:       "session-rejected",
	SessionCancelled:      "session-cancelled",
	SessionFailed:         "session-failed",
}

func (k EventKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Event is delivered to the presentation layer. Which fields are set depends
// on Kind: endpoint events carry Endpoint, session events carry Session,
// VerificationRequested carries Code, PayloadReceived carries Received,
// DiscoveryDegraded and SessionFailed carry Err.
type Event struct {
	Kind     EventKind
	Endpoint discovery.Endpoint
	Replaces []byte
	Channel  string
	Session  transfer.Info
	Code     string
	Received transfer.Received
	Err      error
}

// queue is unbounded so producers never block on a slow consumer.
type queue struct {
	mu     sync.Mutex
	items  []Event
	notify chan struct{}
	out    chan Event
	done   chan struct{}
	once   sync.Once
}

func newQueue() *queue {
	q := &queue{
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	go q.pump()
	return q
}

func (q *queue) push(ev Event) {
	select {
	case <-q.done:
		return
	default:
	}
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.notify:
				continue
			case <-q.done:
				return
			}
		}
		ev := q.items[0]
		q.items[0] = Event{}
		q.items = q.items[1:]
		q.mu.Unlock()
		select {
		case q.out <- ev:
		case <-q.done:
			return
		}
	}
}

func (q *queue) close() { q.once.Do(func() { close(q.done) }) }
