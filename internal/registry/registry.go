// Package registry holds the authoritative map of admitted capture nodes.
// A node gains a session only through control-connection admission; data
// connections attach streams to an existing session and never create one.
package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/joestump/sdrhub/internal/bus"
	"github.com/joestump/sdrhub/internal/proto"
)

var (
	// ErrAlreadyAdmitted means a control session for the node id is live.
	ErrAlreadyAdmitted = errors.New("registry: node already admitted")
	// ErrNoSession means no control session exists for the node id.
	ErrNoSession = errors.New("registry: no session for node")
	// ErrTerminated means the session was removed while the caller held it.
	ErrTerminated = errors.New("registry: session terminated")
	// ErrInboxFull means the control inbox has no room for another message.
	ErrInboxFull = errors.New("registry: control inbox full")
)

const controlInboxCap = 5

// Session is the live state of one admitted node. The registry owns the
// record; data sessions and the admin surface hold the pointer but touch only
// the independently locked fields, so the hot ingest path never contends the
// registry map.
type Session struct {
	id uuid.UUID

	inboxMu     sync.Mutex
	inbox       chan proto.ToNode
	inboxClosed bool

	// streams is guarded by the owning Registry's mutex.
	streams map[proto.StreamKind]*bus.Sender

	lastSeenMu sync.Mutex
	lastSeen   time.Time

	terminate atomic.Bool
}

// ID returns the node identity this session was admitted under.
func (s *Session) ID() uuid.UUID { return s.id }

// EnqueueControl queues a message for transmission over the node's control
// connection. It never blocks: a removed session returns ErrTerminated and a
// full inbox returns ErrInboxFull.
func (s *Session) EnqueueControl(m proto.ToNode) error {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	if s.inboxClosed {
		return ErrTerminated
	}
	select {
	case s.inbox <- m:
		return nil
	default:
		return ErrInboxFull
	}
}

// Touch advances the session's last-seen timestamp. It takes only the
// session's own lock, never the registry's, and never moves the clock
// backwards.
func (s *Session) Touch(ts time.Time) {
	s.lastSeenMu.Lock()
	if ts.After(s.lastSeen) {
		s.lastSeen = ts
	}
	s.lastSeenMu.Unlock()
}

// LastSeen returns the timestamp of the node's most recent frame.
func (s *Session) LastSeen() time.Time {
	s.lastSeenMu.Lock()
	defer s.lastSeenMu.Unlock()
	return s.lastSeen
}

// TerminateRequested reports whether the session has been removed from the
// registry. Data-ingest loops poll it every iteration so removal propagates
// within one inbound frame.
func (s *Session) TerminateRequested() bool {
	return s.terminate.Load()
}

func (s *Session) closeInbox() {
	s.inboxMu.Lock()
	if !s.inboxClosed {
		s.inboxClosed = true
		close(s.inbox)
	}
	s.inboxMu.Unlock()
}

// NodeStatus is one row of a registry snapshot.
type NodeStatus struct {
	ID       uuid.UUID
	LastSeen time.Time
}

// Registry maps node identity to its live session. All map operations run
// under one mutex with short critical sections; per-session state has its own
// finer locks.
type Registry struct {
	mu    sync.Mutex
	nodes map[uuid.UUID]*Session
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{nodes: make(map[uuid.UUID]*Session)}
}

// AdmitControl atomically checks and inserts a session for the node. The
// returned channel is the receive side of the control inbox; it closes when
// the session is removed.
func (r *Registry) AdmitControl(id uuid.UUID) (*Session, <-chan proto.ToNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; ok {
		return nil, nil, ErrAlreadyAdmitted
	}
	s := &Session{
		id:       id,
		inbox:    make(chan proto.ToNode, controlInboxCap),
		streams:  make(map[proto.StreamKind]*bus.Sender),
		lastSeen: time.Now().UTC(),
	}
	r.nodes[id] = s
	return s, s.inbox, nil
}

// AttachStream returns the broadcast sender for (node, kind), creating it on
// first attach. A reconnecting data worker gets the existing sender back so
// already-subscribed viewers keep receiving without disruption. Fails with
// ErrNoSession when the node has no control session.
func (r *Registry) AttachStream(id uuid.UUID, kind proto.StreamKind) (*bus.Sender, error) {
	r.mu.Lock()
	s, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNoSession
	}
	sender, ok := s.streams[kind]
	if !ok {
		sender = bus.NewSender()
		s.streams[kind] = sender
	}
	r.mu.Unlock()

	s.Touch(time.Now().UTC())
	return sender, nil
}

// StreamSender looks up the broadcast sender for (node, kind) without
// creating one. Used by frontend subscriptions.
func (r *Registry) StreamSender(id uuid.UUID, kind proto.StreamKind) (*bus.Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.nodes[id]
	if !ok {
		return nil, false
	}
	sender, ok := s.streams[kind]
	return sender, ok
}

// Lookup returns the live session for a node, if any.
func (r *Registry) Lookup(id uuid.UUID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.nodes[id]
	return s, ok
}

// Remove tears down a node's session: the terminate flag is set before the
// map entry disappears so data loops holding the session pointer observe it,
// then every broadcast sender closes so viewers see end-of-stream, then the
// control inbox closes so the outbound pump exits. Removing an unknown node
// is a no-op.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	s, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	s.terminate.Store(true)
	delete(r.nodes, id)
	streams := s.streams
	s.streams = nil
	r.mu.Unlock()

	for _, sender := range streams {
		sender.Close()
	}
	s.closeInbox()
}

// Touch updates a node's last-seen timestamp, best-effort: a node that was
// removed in the meantime is silently ignored.
func (r *Registry) Touch(id uuid.UUID, ts time.Time) {
	r.mu.Lock()
	s, ok := r.nodes[id]
	r.mu.Unlock()
	if ok {
		s.Touch(ts)
	}
}

// Snapshot lists every admitted node with its live last-seen timestamp.
func (r *Registry) Snapshot() []NodeStatus {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.nodes))
	for _, s := range r.nodes {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]NodeStatus, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, NodeStatus{ID: s.id, LastSeen: s.LastSeen()})
	}
	return out
}
