package transport

import (
	"sync"

	"github.com/driftmesh/driftmesh/internal/wire"
)

// inboxCapacity bounds the per-link inbound store. Overflow drops the oldest
// envelope; replies that were never claimed age out this way.
const inboxCapacity = 100

// Match selects an envelope from the inbox. A non-empty ReceiverID matches by
// address; otherwise kind and payload must both match.
type Match struct {
	ReceiverID string
	Kind       wire.Kind
	Payload    string
}

func (m Match) matches(env *wire.Envelope) bool {
	if m.ReceiverID != "" {
		return env.ReceiverID == m.ReceiverID
	}
	return env.Kind == m.Kind && env.Payload == m.Payload
}

// Inbox is the bounded store of received envelopes a blocking send polls for
// its correlated reply.
type Inbox struct {
	mu        sync.Mutex
	envelopes []*wire.Envelope
	capacity  int
}

// NewInbox creates an inbox with the given capacity (the protocol default
// when capacity is not positive).
func NewInbox(capacity int) *Inbox {
	if capacity <= 0 {
		capacity = inboxCapacity
	}
	return &Inbox{capacity: capacity}
}

// Put stores an envelope, evicting the oldest beyond capacity.
func (ib *Inbox) Put(env *wire.Envelope) {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	ib.envelopes = append(ib.envelopes, env)
	if len(ib.envelopes) > ib.capacity {
		ib.envelopes = ib.envelopes[len(ib.envelopes)-ib.capacity:]
	}
}

// TakeMatch removes and returns the oldest envelope satisfying the match, or
// nil when none is stored.
func (ib *Inbox) TakeMatch(m Match) *wire.Envelope {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	for i, env := range ib.envelopes {
		if m.matches(env) {
			ib.envelopes = append(ib.envelopes[:i], ib.envelopes[i+1:]...)
			return env
		}
	}
	return nil
}

// Len returns the number of stored envelopes.
func (ib *Inbox) Len() int {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return len(ib.envelopes)
}
