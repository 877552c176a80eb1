package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"

	"github.com/carebridge/scribe/pkg/session"
	"github.com/carebridge/scribe/pkg/suggest"
	"github.com/carebridge/scribe/pkg/upstream"
)

// fakeConn is a fake upstream leg that records forwarded audio and exposes
// the event callbacks so tests can inject upstream traffic.
type fakeConn struct {
	mu      sync.Mutex
	audio   []string
	closed  bool
	onEvent func(upstream.Event)
	onClose func(err error)
}

func (f *fakeConn) SendAudio(audio string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("fake upstream closed")
	}
	f.audio = append(f.audio, audio)
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) audioChunks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.audio))
	copy(out, f.audio)
	return out
}

// fakeDialer hands out fakeConns, one per start_suggestions.
type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	failWith error
}

func (d *fakeDialer) dial(cfg upstream.Config, onEvent func(upstream.Event), onClose func(err error)) (session.Upstream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failWith != nil {
		return nil, d.failWith
	}
	fc := &fakeConn{onEvent: onEvent, onClose: onClose}
	d.conns = append(d.conns, fc)
	return fc, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func startTestBridge(t *testing.T, port int, opts Options) *Bridge {
	t.Helper()

	b := New(opts)
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})
	b.RegisterRoutes(app)
	b.RegisterAPIRoutes(app.Group("/api"))

	go app.Listen(fmt.Sprintf(":%d", port))
	t.Cleanup(func() { app.Shutdown() })
	time.Sleep(100 * time.Millisecond)

	return b
}

func dialTestWS(t *testing.T, port int) *websocket.Conn {
	t.Helper()

	ws, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://localhost:%d/ws/scribe", port), nil)
	if err != nil {
		t.Fatalf("WebSocket dial error: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read error: %v", err)
	}

	var ev map[string]any
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("failed to decode event %s: %v", data, err)
	}
	return ev
}

func sendJSON(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	if err := ws.WriteJSON(v); err != nil {
		t.Fatalf("write error: %v", err)
	}
}

// barrier round-trips a ping so the server has processed everything the
// client sent before it.
func barrier(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	sendJSON(t, ws, map[string]any{"type": "ping"})
	ev := readEvent(t, ws)
	if ev["type"] != "pong" {
		t.Fatalf("barrier got %v, want pong", ev["type"])
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func initSession(t *testing.T, ws *websocket.Conn, patientID string) {
	t.Helper()
	sendJSON(t, ws, map[string]any{
		"type":      "init_session",
		"patientId": patientID,
		"userRole":  "provider",
	})
	ev := readEvent(t, ws)
	if ev["type"] != "session_initialized" {
		t.Fatalf("got %v, want session_initialized", ev["type"])
	}
}

func TestConnectionEstablished(t *testing.T) {
	startTestBridge(t, 19301, Options{})
	ws := dialTestWS(t, 19301)

	ev := readEvent(t, ws)
	if ev["type"] != "connection_established" {
		t.Errorf("type = %v, want connection_established", ev["type"])
	}
	if id, _ := ev["connectionId"].(string); id == "" {
		t.Error("connectionId should be set")
	}
}

// TestNoCredentialScenario walks the degraded-credential flow end to end:
// init succeeds, starting suggestions fails fast, the session survives and
// answers pings, and disconnecting empties the registry.
func TestNoCredentialScenario(t *testing.T) {
	b := startTestBridge(t, 19302, Options{APIKey: ""})
	ws := dialTestWS(t, 19302)
	readEvent(t, ws) // connection_established

	sendJSON(t, ws, map[string]any{
		"type":      "init_session",
		"patientId": 42,
		"userRole":  "provider",
	})
	ev := readEvent(t, ws)
	if ev["type"] != "session_initialized" {
		t.Fatalf("got %v, want session_initialized", ev["type"])
	}

	sendJSON(t, ws, map[string]any{"type": "start_suggestions"})
	ev = readEvent(t, ws)
	if ev["type"] != "suggestions_error" {
		t.Fatalf("got %v, want suggestions_error", ev["type"])
	}
	if b.Registry().Len() != 1 {
		t.Errorf("registry size = %d, want 1 after failed start", b.Registry().Len())
	}

	barrier(t, ws)

	ws.Close()
	waitFor(t, "registry drain", func() bool { return b.Registry().Len() == 0 })
}

func TestMalformedMessage(t *testing.T) {
	b := startTestBridge(t, 19303, Options{})
	ws := dialTestWS(t, 19303)
	readEvent(t, ws)

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":`)); err != nil {
		t.Fatalf("write error: %v", err)
	}
	ev := readEvent(t, ws)
	if ev["type"] != "error" {
		t.Errorf("got %v, want error", ev["type"])
	}
	if b.Registry().Len() != 0 {
		t.Error("malformed message must not create session state")
	}
}

func TestInitSessionValidation(t *testing.T) {
	b := startTestBridge(t, 19304, Options{})
	ws := dialTestWS(t, 19304)
	readEvent(t, ws)

	sendJSON(t, ws, map[string]any{"type": "init_session", "patientId": "42"})
	ev := readEvent(t, ws)
	if ev["type"] != "session_error" {
		t.Errorf("got %v, want session_error", ev["type"])
	}
	if b.Registry().Len() != 0 {
		t.Error("invalid init_session must not create a session")
	}

	// A valid init afterwards still works
	initSession(t, ws, "42")
	if b.Registry().Len() != 1 {
		t.Error("valid init_session should create a session")
	}
}

func TestDoubleInitRejected(t *testing.T) {
	b := startTestBridge(t, 19305, Options{})
	ws := dialTestWS(t, 19305)
	readEvent(t, ws)

	initSession(t, ws, "42")
	sendJSON(t, ws, map[string]any{
		"type":      "init_session",
		"patientId": "43",
		"userRole":  "nurse",
	})
	ev := readEvent(t, ws)
	if ev["type"] != "session_error" {
		t.Errorf("got %v, want session_error", ev["type"])
	}
	if b.Registry().Len() != 1 {
		t.Errorf("registry size = %d, want 1", b.Registry().Len())
	}
}

func TestStartDeltasStop(t *testing.T) {
	dialer := &fakeDialer{}
	startTestBridge(t, 19306, Options{Dialer: dialer.dial})
	ws := dialTestWS(t, 19306)
	readEvent(t, ws)

	initSession(t, ws, "42")
	sendJSON(t, ws, map[string]any{"type": "start_suggestions"})
	ev := readEvent(t, ws)
	if ev["type"] != "suggestions_started" {
		t.Fatalf("got %v, want suggestions_started", ev["type"])
	}

	fc := dialer.conn(0)
	if fc == nil {
		t.Fatal("dialer was not invoked")
	}

	// Upstream deltas arrive in order; the client must see them in the
	// same order with prefix-extending buffers.
	for _, d := range []string{"D1", "D2", "D3"} {
		fc.onEvent(upstream.Event{Type: upstream.EventTranscriptionDelta, Delta: d})
	}

	prevBuffer := ""
	for _, want := range []string{"D1", "D2", "D3"} {
		ev := readEvent(t, ws)
		if ev["type"] != "transcription.delta" {
			t.Fatalf("got %v, want transcription.delta", ev["type"])
		}
		if ev["delta"] != want {
			t.Errorf("delta = %v, want %v", ev["delta"], want)
		}
		buffer, _ := ev["buffer"].(string)
		if len(buffer) <= len(prevBuffer) || buffer[:len(prevBuffer)] != prevBuffer {
			t.Errorf("buffer %q is not a prefix-extension of %q", buffer, prevBuffer)
		}
		prevBuffer = buffer
	}

	fc.onEvent(upstream.Event{Type: upstream.EventTranscriptionCompleted, Transcript: "D1D2D3"})
	ev = readEvent(t, ws)
	if ev["type"] != "transcription.completed" {
		t.Fatalf("got %v, want transcription.completed", ev["type"])
	}
	if ev["transcript"] != "D1D2D3" {
		t.Errorf("transcript = %v, want D1D2D3", ev["transcript"])
	}

	sendJSON(t, ws, map[string]any{"type": "stop_suggestions"})
	ev = readEvent(t, ws)
	if ev["type"] != "suggestions_stopped" {
		t.Fatalf("got %v, want suggestions_stopped", ev["type"])
	}
	if ev["finalTranscript"] != "D1D2D3" {
		t.Errorf("finalTranscript = %v, want D1D2D3", ev["finalTranscript"])
	}

	waitFor(t, "upstream close", fc.isClosed)
}

func TestAudioForwarding(t *testing.T) {
	dialer := &fakeDialer{}
	startTestBridge(t, 19307, Options{Dialer: dialer.dial})
	ws := dialTestWS(t, 19307)
	readEvent(t, ws)

	initSession(t, ws, "42")

	// Audio before start has no upstream to go to
	sendJSON(t, ws, map[string]any{"type": "audio_chunk", "audio": "AAAA"})
	ev := readEvent(t, ws)
	if ev["type"] != "error" {
		t.Fatalf("got %v, want error for audio before start", ev["type"])
	}

	sendJSON(t, ws, map[string]any{"type": "start_suggestions"})
	readEvent(t, ws) // suggestions_started

	sendJSON(t, ws, map[string]any{"type": "audio_chunk", "audio": "AAAA"})
	sendJSON(t, ws, map[string]any{"type": "audio_chunk", "audio": "BBBB"})
	barrier(t, ws)

	fc := dialer.conn(0)
	chunks := fc.audioChunks()
	if len(chunks) != 2 || chunks[0] != "AAAA" || chunks[1] != "BBBB" {
		t.Errorf("forwarded audio = %v, want [AAAA BBBB]", chunks)
	}
}

func TestUpstreamErrorRelay(t *testing.T) {
	dialer := &fakeDialer{}
	b := startTestBridge(t, 19308, Options{Dialer: dialer.dial})
	ws := dialTestWS(t, 19308)
	readEvent(t, ws)

	initSession(t, ws, "42")
	sendJSON(t, ws, map[string]any{"type": "start_suggestions"})
	readEvent(t, ws)

	fc := dialer.conn(0)
	fc.onEvent(upstream.Event{
		Type: upstream.EventError,
		Err:  json.RawMessage(`{"message":"rate limited"}`),
	})

	ev := readEvent(t, ws)
	if ev["type"] != "openai_error" {
		t.Fatalf("got %v, want openai_error", ev["type"])
	}
	errPayload, _ := ev["error"].(map[string]any)
	if errPayload["message"] != "rate limited" {
		t.Errorf("error payload = %v", ev["error"])
	}

	// The upstream protocol error does not close anything
	if fc.isClosed() {
		t.Error("upstream should stay open after a protocol error")
	}
	if b.Registry().Len() != 1 {
		t.Error("session should survive an upstream protocol error")
	}
}

func TestUnknownUpstreamEventDropped(t *testing.T) {
	dialer := &fakeDialer{}
	startTestBridge(t, 19309, Options{Dialer: dialer.dial})
	ws := dialTestWS(t, 19309)
	readEvent(t, ws)

	initSession(t, ws, "42")
	sendJSON(t, ws, map[string]any{"type": "start_suggestions"})
	readEvent(t, ws)

	fc := dialer.conn(0)
	fc.onEvent(upstream.Event{
		Type: "response.output_item.added",
		Raw:  json.RawMessage(`{"type":"response.output_item.added"}`),
	})

	// The next thing the client sees must be the pong, not the unknown
	// event leaking through.
	barrier(t, ws)
}

func TestFreezeGatesSuggestionRelay(t *testing.T) {
	dialer := &fakeDialer{}
	startTestBridge(t, 19310, Options{Dialer: dialer.dial})
	ws := dialTestWS(t, 19310)
	readEvent(t, ws)

	initSession(t, ws, "42")
	sendJSON(t, ws, map[string]any{"type": "start_suggestions"})
	readEvent(t, ws)
	fc := dialer.conn(0)

	sendJSON(t, ws, map[string]any{"type": "freeze_suggestions"})
	barrier(t, ws)

	suggestion := `{"type":"response.text.delta","delta":"consider ECG"}`
	fc.onEvent(upstream.Event{Type: upstream.EventResponseTextDelta, Raw: json.RawMessage(suggestion)})
	barrier(t, ws) // frozen: nothing but the pong arrives

	sendJSON(t, ws, map[string]any{"type": "unfreeze_suggestions"})
	barrier(t, ws)

	fc.onEvent(upstream.Event{Type: upstream.EventResponseTextDelta, Raw: json.RawMessage(suggestion)})
	ev := readEvent(t, ws)
	if ev["type"] != "response.text.delta" {
		t.Fatalf("got %v, want relayed response.text.delta", ev["type"])
	}
	if ev["delta"] != "consider ECG" {
		t.Errorf("delta = %v, want verbatim relay", ev["delta"])
	}
}

func TestUpstreamCloseDetachesButKeepsSession(t *testing.T) {
	dialer := &fakeDialer{}
	b := startTestBridge(t, 19311, Options{Dialer: dialer.dial})
	ws := dialTestWS(t, 19311)
	readEvent(t, ws)

	initSession(t, ws, "42")
	sendJSON(t, ws, map[string]any{"type": "start_suggestions"})
	readEvent(t, ws)

	fc := dialer.conn(0)
	fc.onClose(errors.New("upstream went away"))

	waitFor(t, "upstream detach", func() bool {
		sessions := b.Registry().All()
		return len(sessions) == 1 && sessions[0].Upstream() == nil
	})

	// The session is still usable: suggestions can be started again
	sendJSON(t, ws, map[string]any{"type": "start_suggestions"})
	ev := readEvent(t, ws)
	if ev["type"] != "suggestions_started" {
		t.Fatalf("got %v, want suggestions_started on retry", ev["type"])
	}
	if dialer.conn(1) == nil {
		t.Error("retry should dial a fresh upstream")
	}
}

func TestProcessTranscription(t *testing.T) {
	mock := suggest.NewMock()
	b := startTestBridge(t, 19312, Options{AdapterFactory: suggest.MockFactory(mock)})
	ws := dialTestWS(t, 19312)
	readEvent(t, ws)

	initSession(t, ws, "42")
	sendJSON(t, ws, map[string]any{"type": "process_transcription", "text": "patient reports "})
	sendJSON(t, ws, map[string]any{"type": "process_transcription", "text": "dizziness"})
	barrier(t, ws)

	sessions := b.Registry().All()
	if len(sessions) != 1 {
		t.Fatalf("registry size = %d, want 1", len(sessions))
	}
	if got := sessions[0].Transcript(); got != "patient reports dizziness" {
		t.Errorf("transcript = %q", got)
	}
	if mock.CallCount("ProcessTranscription") != 2 {
		t.Errorf("adapter saw %d ProcessTranscription calls, want 2", mock.CallCount("ProcessTranscription"))
	}
}

func TestTwoSessionsIsolated(t *testing.T) {
	dialer := &fakeDialer{}
	startTestBridge(t, 19313, Options{Dialer: dialer.dial})

	ws1 := dialTestWS(t, 19313)
	readEvent(t, ws1)
	ws2 := dialTestWS(t, 19313)
	readEvent(t, ws2)

	initSession(t, ws1, "42")
	initSession(t, ws2, "77")

	sendJSON(t, ws1, map[string]any{"type": "start_suggestions"})
	readEvent(t, ws1)
	sendJSON(t, ws2, map[string]any{"type": "start_suggestions"})
	readEvent(t, ws2)

	fc1 := dialer.conn(0)
	fc2 := dialer.conn(1)

	// Interleave deltas across the two sessions
	fc1.onEvent(upstream.Event{Type: upstream.EventTranscriptionDelta, Delta: "alpha "})
	fc2.onEvent(upstream.Event{Type: upstream.EventTranscriptionDelta, Delta: "bravo "})
	fc1.onEvent(upstream.Event{Type: upstream.EventTranscriptionDelta, Delta: "one"})
	fc2.onEvent(upstream.Event{Type: upstream.EventTranscriptionDelta, Delta: "two"})

	var buf1, buf2 string
	for i := 0; i < 2; i++ {
		ev := readEvent(t, ws1)
		buf1, _ = ev["buffer"].(string)
	}
	for i := 0; i < 2; i++ {
		ev := readEvent(t, ws2)
		buf2, _ = ev["buffer"].(string)
	}

	if buf1 != "alpha one" {
		t.Errorf("session 1 buffer = %q, want %q", buf1, "alpha one")
	}
	if buf2 != "bravo two" {
		t.Errorf("session 2 buffer = %q, want %q", buf2, "bravo two")
	}
}

func TestUnknownClientMessageIgnored(t *testing.T) {
	startTestBridge(t, 19314, Options{})
	ws := dialTestWS(t, 19314)
	readEvent(t, ws)

	sendJSON(t, ws, map[string]any{"type": "make_coffee"})
	// No error, no reply; the connection keeps working
	barrier(t, ws)
}

func TestOperationsWithoutSession(t *testing.T) {
	startTestBridge(t, 19315, Options{})
	ws := dialTestWS(t, 19315)
	readEvent(t, ws)

	sendJSON(t, ws, map[string]any{"type": "start_suggestions"})
	ev := readEvent(t, ws)
	if ev["type"] != "suggestions_error" {
		t.Errorf("start without session: got %v, want suggestions_error", ev["type"])
	}

	sendJSON(t, ws, map[string]any{"type": "process_transcription", "text": "x"})
	ev = readEvent(t, ws)
	if ev["type"] != "error" {
		t.Errorf("transcription without session: got %v, want error", ev["type"])
	}
}

func TestCloseSessionIdempotent(t *testing.T) {
	b := New(Options{})
	sess := session.New("conn-x", "42", "", "provider")
	b.Registry().Add(sess)

	b.closeSession("conn-x")
	b.closeSession("conn-x")
	b.closeSession("never-existed")

	if b.Registry().Len() != 0 {
		t.Error("registry should be empty")
	}
	if got := b.GetStats().SessionsClosed; got != 1 {
		t.Errorf("SessionsClosed = %d, want 1", got)
	}
}

func TestStatsEndpointCounters(t *testing.T) {
	b := startTestBridge(t, 19316, Options{})
	ws := dialTestWS(t, 19316)
	readEvent(t, ws)

	initSession(t, ws, "42")
	barrier(t, ws)

	stats := b.GetStats()
	if stats.ActiveSessions != 1 {
		t.Errorf("ActiveSessions = %d, want 1", stats.ActiveSessions)
	}
	if stats.SessionsInitialized != 1 {
		t.Errorf("SessionsInitialized = %d, want 1", stats.SessionsInitialized)
	}
	if stats.MessagesReceived < 2 {
		t.Errorf("MessagesReceived = %d, want >= 2", stats.MessagesReceived)
	}
	if stats.MessagesSent < 3 {
		t.Errorf("MessagesSent = %d, want >= 3", stats.MessagesSent)
	}
}
