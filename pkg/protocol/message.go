// Package protocol defines the WebSocket message types exchanged between
// the clinician's browser and the scribe bridge.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Client → Bridge messages
	TypeInitSession          MessageType = "init_session"
	TypeStartSuggestions     MessageType = "start_suggestions"
	TypeStopSuggestions      MessageType = "stop_suggestions"
	TypeFreezeSuggestions    MessageType = "freeze_suggestions"
	TypeUnfreezeSuggestions  MessageType = "unfreeze_suggestions"
	TypeProcessTranscription MessageType = "process_transcription"
	TypeAudioChunk           MessageType = "audio_chunk"
	TypePing                 MessageType = "ping"

	// Bridge → Client messages
	TypeConnectionEstablished  MessageType = "connection_established"
	TypeSessionInitialized     MessageType = "session_initialized"
	TypeSessionError           MessageType = "session_error"
	TypeSuggestionsStarted     MessageType = "suggestions_started"
	TypeSuggestionsError       MessageType = "suggestions_error"
	TypeSuggestionsStopped     MessageType = "suggestions_stopped"
	TypeTranscriptionDelta     MessageType = "transcription.delta"
	TypeTranscriptionCompleted MessageType = "transcription.completed"
	TypeUpstreamError          MessageType = "openai_error"
	TypePong                   MessageType = "pong"
	TypeError                  MessageType = "error"
)

// clientTypes is the closed set of inbound message types the bridge dispatches.
var clientTypes = map[MessageType]bool{
	TypeInitSession:          true,
	TypeStartSuggestions:     true,
	TypeStopSuggestions:      true,
	TypeFreezeSuggestions:    true,
	TypeUnfreezeSuggestions:  true,
	TypeProcessTranscription: true,
	TypeAudioChunk:           true,
	TypePing:                 true,
}

// Known reports whether t is a recognized client message type.
// Unknown types are logged and ignored rather than answered with an error.
func Known(t MessageType) bool {
	return clientTypes[t]
}

// Message is one decoded inbound frame. The envelope is flat: the type
// discriminant sits alongside the payload fields, so the raw bytes are kept
// for a second, type-directed decode.
type Message struct {
	Type MessageType `json:"type"`

	raw []byte
}

// Parse decodes the envelope of an inbound frame.
func Parse(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message missing type field")
	}
	msg.raw = data
	return &msg, nil
}

// Decode unmarshals the full frame into a typed payload struct.
func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.raw, v)
}

// UserRole identifies who is dictating in a session.
type UserRole string

const (
	RoleNurse    UserRole = "nurse"
	RoleProvider UserRole = "provider"
)

// Valid reports whether the role is one of the recognized values.
func (r UserRole) Valid() bool {
	return r == RoleNurse || r == RoleProvider
}

// ID accepts either a JSON string or number and normalizes it to a string.
// Browser clients send patient ids both ways.
type ID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// =============================================================================
// Client → Bridge payloads
// =============================================================================

// InitSessionPayload carries the session context for init_session.
type InitSessionPayload struct {
	PatientID ID       `json:"patientId"`
	SessionID string   `json:"sessionId,omitempty"`
	UserRole  UserRole `json:"userRole"`
}

// Validate checks the required init_session fields.
func (p *InitSessionPayload) Validate() error {
	if p.PatientID == "" {
		return fmt.Errorf("init_session requires patientId")
	}
	if !p.UserRole.Valid() {
		return fmt.Errorf("init_session requires userRole of nurse or provider, got %q", p.UserRole)
	}
	return nil
}

// TranscriptionPayload carries text for process_transcription.
type TranscriptionPayload struct {
	Text string `json:"text"`
}

// AudioChunkPayload carries one base64-encoded PCM16 frame. The bridge
// forwards it upstream opaquely; no transcoding happens here.
type AudioChunkPayload struct {
	Audio string `json:"audio"`
}

// =============================================================================
// Bridge → Client events
// =============================================================================

// ConnectionEstablished is sent immediately after the socket is accepted.
type ConnectionEstablished struct {
	Type         MessageType `json:"type"`
	ConnectionID string      `json:"connectionId"`
}

// SessionInitialized acknowledges a successful init_session.
type SessionInitialized struct {
	Type         MessageType `json:"type"`
	ConnectionID string      `json:"connectionId"`
	PatientID    string      `json:"patientId"`
}

// SuggestionsStopped carries the final transcript buffer back to the client.
type SuggestionsStopped struct {
	Type            MessageType `json:"type"`
	FinalTranscript string      `json:"finalTranscript"`
}

// TranscriptionDelta is one incremental transcription fragment plus the
// cumulative buffer so the client can render without reassembling deltas.
type TranscriptionDelta struct {
	Type   MessageType `json:"type"`
	Delta  string      `json:"delta"`
	Buffer string      `json:"buffer"`
}

// TranscriptionCompleted carries the full transcript of a finished utterance.
type TranscriptionCompleted struct {
	Type       MessageType `json:"type"`
	Transcript string      `json:"transcript"`
}

// UpstreamErrorEvent relays an error-typed event from the upstream API.
type UpstreamErrorEvent struct {
	Type  MessageType     `json:"type"`
	Error json.RawMessage `json:"error"`
}

// Pong answers a client ping.
type Pong struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"ts"`
}

// ErrorEvent reports a protocol, session, or suggestions failure inline.
// The Type field distinguishes error, session_error, and suggestions_error.
type ErrorEvent struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// Ack is a bare event with no payload, e.g. suggestions_started.
type Ack struct {
	Type MessageType `json:"type"`
}

// NewPong builds a pong with the current timestamp in Unix milliseconds.
func NewPong() Pong {
	return Pong{Type: TypePong, Timestamp: time.Now().UnixMilli()}
}
