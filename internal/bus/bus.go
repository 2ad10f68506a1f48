// Package bus implements the in-memory lossy broadcast channel that fans one
// node stream out to every subscribed viewer. Freshness beats completeness
// here: a viewer that stalls misses payloads instead of back-pressuring the
// ingest pipeline.
package bus

import (
	"context"
	"errors"
	"sync"
)

// capacity is how many payloads a subscriber may fall behind before it starts
// losing them.
const capacity = 10

// ErrClosed is returned by Recv once the sender has been closed and all
// buffered payloads are drained.
var ErrClosed = errors.New("bus: sender closed")

// Sender is the publishing side of one (node, stream-kind) broadcast channel.
// It is safe for concurrent use.
type Sender struct {
	mu     sync.Mutex
	subs   map[*Receiver]struct{}
	closed bool
}

// NewSender creates an empty broadcast channel.
func NewSender() *Sender {
	return &Sender{subs: make(map[*Receiver]struct{})}
}

// Publish fans a payload out to every subscriber without blocking. With no
// subscribers attached it is a no-op. The payload slice is shared across
// subscribers, never copied; callers must not mutate it after publishing.
// A subscriber whose buffer is full loses its oldest buffered payload to make
// room for this one and will see a lag count on its next Recv.
func (s *Sender) Publish(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for r := range s.subs {
		select {
		case r.ch <- payload:
			continue
		default:
		}
		// Buffer full: advance the subscriber past its oldest payload so it
		// keeps the freshest data, and account the loss.
		select {
		case <-r.ch:
			r.mu.Lock()
			r.lost++
			r.mu.Unlock()
		default:
		}
		select {
		case r.ch <- payload:
		default:
			r.mu.Lock()
			r.lost++
			r.mu.Unlock()
		}
	}
}

// Subscribe attaches a new receiver starting at the current tail: it observes
// future publishes only.
func (s *Sender) Subscribe() *Receiver {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &Receiver{
		sender: s,
		ch:     make(chan []byte, capacity),
	}
	if s.closed {
		close(r.ch)
		return r
	}
	s.subs[r] = struct{}{}
	return r
}

// SubscriberCount reports how many receivers are attached. Producers use it to
// skip publishing entirely when nobody is listening.
func (s *Sender) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close detaches and closes every receiver. Subsequent Publish calls are
// no-ops and subsequent Subscribe calls return an already-closed receiver.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for r := range s.subs {
		close(r.ch)
	}
	s.subs = nil
}

// Receiver is one subscriber's view of the channel.
type Receiver struct {
	sender *Sender
	ch     chan []byte

	mu   sync.Mutex
	lost uint64
}

// Recv blocks until the next payload, the sender closes, or ctx is done.
// The returned lag count is how many payloads this receiver missed since the
// previous Recv; realtime consumers treat a non-zero lag as a soft warning.
// A closed channel drains its remaining buffered payloads before reporting
// ErrClosed.
func (r *Receiver) Recv(ctx context.Context) (payload []byte, lagged uint64, err error) {
	select {
	case p, ok := <-r.ch:
		if !ok {
			return nil, 0, ErrClosed
		}
		return p, r.takeLost(), nil
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

func (r *Receiver) takeLost() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.lost
	r.lost = 0
	return n
}

// Close detaches the receiver from its sender. Safe to call more than once
// and after the sender itself has closed.
func (r *Receiver) Close() {
	s := r.sender
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.subs[r]; ok {
		delete(s.subs, r)
		close(r.ch)
	}
}
