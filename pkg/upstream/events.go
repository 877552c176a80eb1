package upstream

import (
	"encoding/json"
	"fmt"
)

// EventType identifies an upstream event. The set the translator handles
// is closed; anything else is logged and dropped by the bridge.
type EventType string

const (
	EventSessionCreated         EventType = "session.created"
	EventSessionUpdated         EventType = "session.updated"
	EventTranscriptionDelta     EventType = "conversation.item.input_audio_transcription.delta"
	EventTranscriptionCompleted EventType = "conversation.item.input_audio_transcription.completed"
	EventResponseTextDelta      EventType = "response.text.delta"
	EventResponseTextDone       EventType = "response.text.done"
	EventError                  EventType = "error"
)

// Event is one decoded upstream frame. Only the fields relevant to the
// event's type are populated; Raw always holds the full frame so
// pass-through consumers never lose information.
type Event struct {
	Type       EventType
	SessionID  string          // session.created / session.updated
	Delta      string          // transcription or response text delta
	Transcript string          // transcription completed
	Text       string          // response text done
	Err        json.RawMessage // error payload
	Raw        json.RawMessage // the full frame as received
}

// ParseEvent decodes an upstream frame into an Event.
func ParseEvent(data []byte) (Event, error) {
	var frame struct {
		Type    EventType `json:"type"`
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
		Delta      string          `json:"delta"`
		Transcript string          `json:"transcript"`
		Text       string          `json:"text"`
		Error      json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return Event{}, fmt.Errorf("failed to parse upstream event: %w", err)
	}
	if frame.Type == "" {
		return Event{}, fmt.Errorf("upstream event missing type field")
	}

	return Event{
		Type:       frame.Type,
		SessionID:  frame.Session.ID,
		Delta:      frame.Delta,
		Transcript: frame.Transcript,
		Text:       frame.Text,
		Err:        frame.Error,
		Raw:        json.RawMessage(data),
	}, nil
}
