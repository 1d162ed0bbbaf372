// Package broadcast fans accepted operations out to every session editing
// the same document.
package broadcast

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/JonMunkholm/gridsync/internal/ot"
)

// DefaultBuffer is the per-subscription queue length used when none is given.
const DefaultBuffer = 64

// Message is an accepted operation together with where it came from. A
// message with Reset set carries no operation: the document was cleared and
// every session must reload it. A Presence message carries nothing either;
// sessions joined or left the document.
type Message struct {
	DocID     string       `json:"docId"`
	Revision  int          `json:"revision"`
	Origin    string       `json:"origin"`
	Operation ot.Operation `json:"operation"`
	Reset     bool         `json:"reset,omitempty"`
	Presence  bool         `json:"presence,omitempty"`
}

// Broadcaster delivers published messages to the subscribers of a document.
type Broadcaster interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(docID string) *Subscription
	Subscribers(docID string) int
	Close() error
}

// Subscription receives the messages of one document in publish order.
//
// A subscriber that falls behind by more than its buffer is dropped: its
// channel is closed and Lagged reports true. The session must then resync
// from the log.
type Subscription struct {
	docID  string
	ch     chan Message
	lagged atomic.Bool
	once   sync.Once
	local  *Local
}

// C returns the message channel. It is closed on Close or when the
// subscriber lags.
func (s *Subscription) C() <-chan Message { return s.ch }

// Lagged reports whether messages were dropped.
func (s *Subscription) Lagged() bool { return s.lagged.Load() }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.local.remove(s)
}

func (s *Subscription) closeChannel() {
	s.once.Do(func() { close(s.ch) })
}

// Local is an in-process Broadcaster.
type Local struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	closed bool
}

// NewLocal returns a Local whose subscriptions queue up to buffer messages.
func NewLocal(buffer int) *Local {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Local{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Publish delivers msg to every current subscriber of msg.DocID without
// blocking.
func (l *Local) Publish(_ context.Context, msg Message) error {
	l.deliver(msg)
	return nil
}

func (l *Local) deliver(msg Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for sub := range l.subs[msg.DocID] {
		select {
		case sub.ch <- msg:
		default:
			// Slow listener; drop it so it resyncs.
			sub.lagged.Store(true)
			sub.closeChannel()
			delete(l.subs[msg.DocID], sub)
		}
	}
	if len(l.subs[msg.DocID]) == 0 {
		delete(l.subs, msg.DocID)
	}
}

// Subscribe registers a subscriber for docID. After Close the returned
// subscription is already closed.
func (l *Local) Subscribe(docID string) *Subscription {
	sub := &Subscription{docID: docID, ch: make(chan Message, l.buffer), local: l}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		sub.closeChannel()
		return sub
	}
	if l.subs[docID] == nil {
		l.subs[docID] = make(map[*Subscription]struct{})
	}
	l.subs[docID][sub] = struct{}{}
	return sub
}

// Subscribers returns the number of live subscriptions to docID.
func (l *Local) Subscribers(docID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs[docID])
}

func (l *Local) remove(sub *Subscription) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if set, ok := l.subs[sub.docID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(l.subs, sub.docID)
		}
	}
	sub.closeChannel()
}

// Close closes every subscription.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, set := range l.subs {
		for sub := range set {
			sub.closeChannel()
		}
	}
	l.subs = make(map[string]map[*Subscription]struct{})
	l.closed = true
	return nil
}
