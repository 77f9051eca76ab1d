// Package broadcast implements the fan-out hub that pushes events and
// incident mutations to real-time subscribers. The hub itself is
// transport-agnostic: it talks to a Session through a bounded frame sink,
// in the spirit of spec §4.6's "subscriber is a session with an outgoing
// frame sink". conn.go adapts a gorilla/websocket connection into one.
package broadcast

import (
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/whisper-darkly/signalwatch/store"
)

// All is the sentinel channel name meaning "every service".
const All = "all"

const (
	sessionBufferSize = 64
	pingInterval      = 30 * time.Second
)

// FrameType identifies what kind of payload a Frame carries. Names and
// shapes follow the client-frame contract verbatim: connection on attach,
// subscribed in reply to a subscribe control message, event/incident for
// fan-out, pong in reply to ping, error for anything else.
type FrameType string

const (
	FrameConnection FrameType = "connection"
	FrameSubscribed FrameType = "subscribed"
	FrameEvent      FrameType = "event"
	FrameIncident   FrameType = "incident"
	FramePong       FrameType = "pong"
	FrameError      FrameType = "error"
)

// IncidentAction classifies an incident mutation frame.
type IncidentAction string

const (
	IncidentCreated        IncidentAction = "created"
	IncidentUpdated        IncidentAction = "updated"
	IncidentSummaryUpdated IncidentAction = "summary_updated"
	IncidentResolved       IncidentAction = "resolved"
)

// Frame is the wire envelope sent to subscribers. Data carries the event
// or incident payload under the single "data" key the contract specifies,
// rather than a type-specific field.
type Frame struct {
	Type      FrameType   `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Action    IncidentAction `json:"action,omitempty"`
	Channels  []string    `json:"channels,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Session is one attached subscriber.
type Session struct {
	ID       uuid.UUID
	sink     chan []byte
	closed   chan struct{}
	closeOne sync.Once

	mu       sync.Mutex
	channels map[string]bool
	paused   bool
	lastPong time.Time
}

// Send is the read side consumers (the transport adapter) drain from.
func (s *Session) Send() <-chan []byte { return s.sink }

// Closed reports whether the hub has dropped this session.
func (s *Session) Closed() <-chan struct{} { return s.closed }

// touch records that the session is still alive (on pong or any inbound
// control message).
func (s *Session) touch() {
	s.mu.Lock()
	s.lastPong = time.Now()
	s.mu.Unlock()
}

func (s *Session) subscribedTo(service string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[All] || s.channels[service]
}

func (s *Session) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Hub fans out Frames to attached Sessions. Safe for concurrent use.
type Hub struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session

	stopPing chan struct{}
	stopOnce sync.Once
}

// NewHub constructs a Hub and starts its ping-liveness loop.
func NewHub() *Hub {
	h := &Hub{
		sessions: make(map[uuid.UUID]*Session),
		stopPing: make(chan struct{}),
	}
	go h.pingLoop()
	return h
}

// Attach registers a new session and sends it a greeting frame. The
// returned Session's channels default to {all}.
func (h *Hub) Attach() *Session {
	s := &Session{
		ID:       uuid.New(),
		sink:     make(chan []byte, sessionBufferSize),
		closed:   make(chan struct{}),
		channels: map[string]bool{All: true},
		lastPong: time.Now(),
	}
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()

	h.deliver(s, Frame{Type: FrameConnection, Message: "connected", Timestamp: time.Now()})
	return s
}

// Detach removes a session from the hub and closes its Closed() channel;
// the sink itself is left for the transport to close.
func (h *Hub) Detach(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.ID)
	h.mu.Unlock()
	s.closeOne.Do(func() { close(s.closed) })
}

// Subscribe replaces a session's channel set. An empty list resets to
// {all}, per spec §4.6, and acks with a subscribed frame.
func (h *Hub) Subscribe(s *Session, channels []string) {
	set := make(map[string]bool, len(channels))
	for _, c := range channels {
		set[c] = true
	}
	if len(set) == 0 {
		set[All] = true
	}
	s.mu.Lock()
	s.channels = set
	s.mu.Unlock()
	s.touch()

	acked := make([]string, 0, len(set))
	for c := range set {
		acked = append(acked, c)
	}
	sort.Strings(acked)
	h.deliver(s, Frame{Type: FrameSubscribed, Channels: acked, Timestamp: time.Now()})
}

// Pause suppresses event frames for s; non-event frames still deliver.
func (h *Hub) Pause(s *Session, timestamp time.Time) {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.touch()
}

// Resume clears the paused flag. The client is expected to re-subscribe
// or request a backfill through the REST API to reconcile what it missed
// while paused; the hub sends no bounded summary frame.
func (h *Hub) Resume(s *Session) {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.touch()
}

// Pong records liveness from a client pong/control message.
func (h *Hub) Pong(s *Session) { s.touch() }

// Diagnostic sends an error frame for an unrecognized control message,
// per spec §4.6 ("unknown types elicit a diagnostic frame").
func (h *Hub) Diagnostic(s *Session, message string) {
	h.deliver(s, Frame{Type: FrameError, Message: message, Timestamp: time.Now()})
}

// PublishEvent fans an event out to every non-paused session subscribed
// to its service or to all.
func (h *Hub) PublishEvent(e *store.Event) {
	frame := Frame{Type: FrameEvent, Data: e, Timestamp: time.Now()}
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		if s.isPaused() || !s.subscribedTo(e.Service) {
			continue
		}
		h.deliver(s, frame)
	}
}

// PublishIncident fans an incident mutation out to all sessions,
// regardless of channel subscription; paused sessions receive it too.
func (h *Hub) PublishIncident(inc *store.Incident, action IncidentAction) {
	frame := Frame{Type: FrameIncident, Data: inc, Action: action, Timestamp: time.Now()}
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		h.deliver(s, frame)
	}
}

// deliver encodes and non-blockingly sends a frame. If the session's
// buffer is full, the session is dropped rather than blocking the
// publisher, per spec §4.6.
func (h *Hub) deliver(s *Session, frame Frame) {
	b, err := json.Marshal(frame)
	if err != nil {
		log.Printf("broadcast: marshal frame: %v", err)
		return
	}
	select {
	case s.sink <- b:
	default:
		log.Printf("broadcast: session %s buffer full, dropping session", s.ID)
		h.Detach(s)
	}
}

// SessionCount reports the current attached session count, for
// admin/debug telemetry.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopPing:
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sweep terminates sessions that haven't responded within one ping cycle.
func (h *Hub) sweep() {
	cutoff := time.Now().Add(-pingInterval)
	h.mu.RLock()
	stale := make([]*Session, 0)
	for _, s := range h.sessions {
		s.mu.Lock()
		last := s.lastPong
		s.mu.Unlock()
		if last.Before(cutoff) {
			stale = append(stale, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range stale {
		h.Detach(s)
	}
}

// Stop halts the ping loop. Sessions are left for the caller to detach.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopPing) })
}
