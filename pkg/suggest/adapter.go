// Package suggest defines the boundary to the suggestion-generation
// collaborator. The bridge feeds an adapter transcript text and relays
// whatever it emits; how text becomes a clinical suggestion is entirely
// the adapter's business.
package suggest

import (
	"encoding/json"
)

// UpstreamConn is the slice of the upstream realtime leg an adapter may
// use. The handle is nil until suggestions are started and is replaced on
// every reconnect.
type UpstreamConn interface {
	SendAudio(audio string) error
}

// EmitFunc delivers an adapter-produced event to the session's client.
// Events pass through verbatim; the bridge never inspects them.
type EmitFunc func(event json.RawMessage)

// Factory constructs an adapter for one session. conn may be nil when the
// upstream leg is not yet connected.
type Factory func(conn UpstreamConn, emit EmitFunc, patientID string) Adapter

// Adapter turns transcript text into suggestion events.
//
// The bridge only ever calls these methods and relays emitted events; it
// never reaches into adapter internals. Adapters must tolerate calls after
// Close, since teardown can race the upstream read loop.
type Adapter interface {
	// UpdateConn swaps the upstream handle after a reconnect.
	UpdateConn(conn UpstreamConn)

	// SetSessionID records the upstream-assigned session id.
	SetSessionID(id string)

	// ProcessTranscription feeds the adapter a chunk of transcript text.
	ProcessTranscription(text string)

	// HandleAnalysis inspects a raw model-output event and returns the
	// event to relay to the client, or nil to swallow it.
	HandleAnalysis(raw json.RawMessage) json.RawMessage

	// Freeze pauses suggestion emission; Unfreeze resumes it. A frozen
	// adapter still receives transcript text.
	Freeze()
	Unfreeze()

	// Close releases adapter resources. Idempotent.
	Close()
}
