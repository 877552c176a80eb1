package suggest

import (
	"encoding/json"
	"sync"
	"time"
)

// Mock implements Adapter for testing.
// All methods can be customized via function fields.
type Mock struct {
	// HandleAnalysisFunc is called when HandleAnalysis is invoked.
	// If nil, events pass through unchanged.
	HandleAnalysisFunc func(raw json.RawMessage) json.RawMessage

	// ProcessTranscriptionFunc is called when ProcessTranscription is
	// invoked. If nil, the call is only recorded.
	ProcessTranscriptionFunc func(text string)

	// CloseFunc is called when Close is invoked. If nil, the call is only
	// recorded.
	CloseFunc func()

	// Tracking
	mu     sync.Mutex
	calls  []MockCall
	frozen bool
}

// MockCall records a method invocation for verification.
type MockCall struct {
	Method string
	Text   string
	Time   time.Time
}

// NewMock creates a mock adapter that records every call.
func NewMock() *Mock {
	return &Mock{}
}

// MockFactory is a Factory producing a shared, pre-built mock so tests can
// assert on the calls the bridge made.
func MockFactory(m *Mock) Factory {
	return func(conn UpstreamConn, emit EmitFunc, patientID string) Adapter {
		m.record("factory", patientID)
		return m
	}
}

func (m *Mock) record(method, text string) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Method: method, Text: text, Time: time.Now()})
	m.mu.Unlock()
}

// Calls returns a copy of the recorded calls.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times method was invoked.
func (m *Mock) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Frozen reports the current frozen flag.
func (m *Mock) Frozen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frozen
}

// UpdateConn implements Adapter.
func (m *Mock) UpdateConn(conn UpstreamConn) {
	m.record("UpdateConn", "")
}

// SetSessionID implements Adapter.
func (m *Mock) SetSessionID(id string) {
	m.record("SetSessionID", id)
}

// ProcessTranscription implements Adapter.
func (m *Mock) ProcessTranscription(text string) {
	m.record("ProcessTranscription", text)
	if m.ProcessTranscriptionFunc != nil {
		m.ProcessTranscriptionFunc(text)
	}
}

// HandleAnalysis implements Adapter.
func (m *Mock) HandleAnalysis(raw json.RawMessage) json.RawMessage {
	m.record("HandleAnalysis", string(raw))
	if m.HandleAnalysisFunc != nil {
		return m.HandleAnalysisFunc(raw)
	}
	return raw
}

// Freeze implements Adapter.
func (m *Mock) Freeze() {
	m.record("Freeze", "")
	m.mu.Lock()
	m.frozen = true
	m.mu.Unlock()
}

// Unfreeze implements Adapter.
func (m *Mock) Unfreeze() {
	m.record("Unfreeze", "")
	m.mu.Lock()
	m.frozen = false
	m.mu.Unlock()
}

// Close implements Adapter.
func (m *Mock) Close() {
	m.record("Close", "")
	if m.CloseFunc != nil {
		m.CloseFunc()
	}
}
