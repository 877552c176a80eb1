// Package session holds the in-memory state for active bridge sessions:
// one Session per client connection, a Registry keyed by connection id,
// and a Reaper that sweeps idle sessions.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/carebridge/scribe/pkg/protocol"
	"github.com/carebridge/scribe/pkg/suggest"
)

// Upstream is the session's handle on the upstream realtime leg.
// It is attached by start_suggestions and detached by stop_suggestions,
// an upstream socket failure, or session close.
type Upstream interface {
	SendAudio(audio string) error
	Close()
}

// Session is all mutable state for one active bridge connection.
// ConnectionID, PatientID, EncounterID, and UserRole are immutable after
// creation; everything else is guarded by the session mutex so the reaper
// can close a session concurrently with its owning connection goroutine.
type Session struct {
	ConnectionID string
	PatientID    string
	EncounterID  string
	UserRole     protocol.UserRole
	CreatedAt    time.Time

	mu                sync.Mutex
	upstream          Upstream
	upstreamSessionID string
	adapter           suggest.Adapter
	transcript        strings.Builder
	lastActivity      time.Time
	connected         bool
	closed            bool
}

// New creates a session for a freshly initialized connection.
func New(connectionID, patientID, encounterID string, role protocol.UserRole) *Session {
	now := time.Now()
	return &Session{
		ConnectionID: connectionID,
		PatientID:    patientID,
		EncounterID:  encounterID,
		UserRole:     role,
		CreatedAt:    now,
		lastActivity: now,
		connected:    true,
	}
}

// Touch records activity. lastActivity never moves backwards.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now := time.Now(); now.After(s.lastActivity) {
		s.lastActivity = now
	}
}

// LastActivity returns the time of the most recent inbound or outbound event.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// AppendTranscript appends a transcription fragment and returns the
// cumulative buffer. The buffer only grows for the life of the session.
func (s *Session) AppendTranscript(delta string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript.WriteString(delta)
	return s.transcript.String()
}

// Transcript returns the accumulated transcription buffer.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.String()
}

// SetAdapter attaches the suggestion adapter. Called once at init time.
func (s *Session) SetAdapter(a suggest.Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapter = a
}

// Adapter returns the attached suggestion adapter, or nil.
func (s *Session) Adapter() suggest.Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adapter
}

// SetUpstream attaches the upstream leg. At most one upstream handle is
// live per session; attaching over an existing one is a programming error
// guarded against by the start_suggestions precondition.
func (s *Session) SetUpstream(u Upstream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upstream = u
}

// Upstream returns the current upstream handle, or nil when detached.
func (s *Session) Upstream() Upstream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstream
}

// DetachUpstream clears and returns the upstream handle. The session
// itself stays alive so the client can start suggestions again.
func (s *Session) DetachUpstream() Upstream {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.upstream
	s.upstream = nil
	return u
}

// SetUpstreamSessionID records the id the upstream API assigned.
func (s *Session) SetUpstreamSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upstreamSessionID = id
}

// UpstreamSessionID returns the id assigned by the upstream API, if any.
func (s *Session) UpstreamSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstreamSessionID
}

// MarkDisconnected records that the client socket is no longer open.
func (s *Session) MarkDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
}

// Connected reports whether the client socket is still open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Close tears down the upstream leg and the adapter. It is safe to call
// more than once and safe to call concurrently with the owning goroutine;
// only the first call does the work.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	u := s.upstream
	s.upstream = nil
	a := s.adapter
	s.adapter = nil
	s.connected = false
	s.mu.Unlock()

	// Teardown happens outside the lock: both calls can block on socket
	// writes and neither touches session state.
	if u != nil {
		u.Close()
	}
	if a != nil {
		a.Close()
	}
}

// Closed reports whether Close has run.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
