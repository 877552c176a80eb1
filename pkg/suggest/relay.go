package suggest

import (
	"encoding/json"
	"sync"
)

// Relay is the reference adapter: it passes model-output events straight
// through to the client, gated only by the frozen flag. It keeps no model
// state of its own, which makes the bridge runnable end to end without an
// external suggestion engine.
type Relay struct {
	mu        sync.Mutex
	conn      UpstreamConn
	emit      EmitFunc
	patientID string
	sessionID string
	frozen    bool
	closed    bool
}

// NewRelay creates a pass-through adapter for one session.
func NewRelay(conn UpstreamConn, emit EmitFunc, patientID string) *Relay {
	return &Relay{
		conn:      conn,
		emit:      emit,
		patientID: patientID,
	}
}

// RelayFactory is a Factory producing Relay adapters.
func RelayFactory(conn UpstreamConn, emit EmitFunc, patientID string) Adapter {
	return NewRelay(conn, emit, patientID)
}

// UpdateConn swaps the upstream handle.
func (r *Relay) UpdateConn(conn UpstreamConn) {
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
}

// SetSessionID records the upstream session id.
func (r *Relay) SetSessionID(id string) {
	r.mu.Lock()
	r.sessionID = id
	r.mu.Unlock()
}

// ProcessTranscription accepts transcript text. The relay has no model of
// its own, so the text is acknowledged and dropped.
func (r *Relay) ProcessTranscription(text string) {}

// HandleAnalysis returns the event unchanged, or nil when frozen or closed.
func (r *Relay) HandleAnalysis(raw json.RawMessage) json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen || r.closed {
		return nil
	}
	return raw
}

// Freeze pauses emission.
func (r *Relay) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Unfreeze resumes emission.
func (r *Relay) Unfreeze() {
	r.mu.Lock()
	r.frozen = false
	r.mu.Unlock()
}

// Close marks the relay closed. Further events are swallowed.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	r.conn = nil
	r.mu.Unlock()
}
