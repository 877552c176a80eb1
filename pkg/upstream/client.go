// Package upstream provides the client for the external realtime
// speech+language API. It owns the secondary WebSocket of a bridge
// session: it dials, sends the one-time configuration frame, forwards
// audio, and decodes upstream events for the translator.
package upstream

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// RealtimeURL is the upstream realtime endpoint.
	RealtimeURL = "wss://api.openai.com/v1/realtime"

	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	readTimeout      = 120 * time.Second
	keepAlivePeriod  = 30 * time.Second
)

// Config holds the parameters for the session.update frame sent when the
// socket opens.
type Config struct {
	Model              string
	Language           string        // forced transcription language hint
	TranscriptionModel string        // e.g. "whisper-1"
	VADThreshold       float64       // turn detection activation 0.0-1.0
	VADPrefixPadding   time.Duration // audio included before speech start
	VADSilenceDuration time.Duration // silence that ends a turn
	MaxResponseTokens  int
}

// DefaultConfig returns a Config with sensible defaults for clinical
// dictation.
func DefaultConfig(model string) Config {
	return Config{
		Model:              model,
		Language:           "en",
		TranscriptionModel: "whisper-1",
		VADThreshold:       0.5,
		VADPrefixPadding:   300 * time.Millisecond,
		VADSilenceDuration: 500 * time.Millisecond,
		MaxResponseTokens:  4096,
	}
}

// Client manages one WebSocket connection to the upstream realtime API.
// The configuration frame is sent before Dial returns, so no audio can
// reach the socket unconfigured.
type Client struct {
	cfg Config

	ws   *websocket.Conn
	wsMu sync.Mutex

	mu     sync.Mutex
	closed bool

	onEvent func(Event)
	onClose func(err error)
}

// Dial connects to the upstream realtime API and sends the session.update
// configuration frame. onEvent receives each decoded upstream event from a
// single reader goroutine; onClose fires once when the socket dies for any
// reason other than an explicit Close.
func Dial(apiKey string, cfg Config, onEvent func(Event), onClose func(err error)) (*Client, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}

	url := fmt.Sprintf("%s?model=%s", RealtimeURL, cfg.Model)

	header := make(map[string][]string)
	header["Authorization"] = []string{"Bearer " + apiKey}
	header["OpenAI-Beta"] = []string{"realtime=v1"}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	ws, _, err := dialer.Dial(url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to realtime API: %w", err)
	}

	c := &Client{
		cfg:     cfg,
		ws:      ws,
		onEvent: onEvent,
		onClose: onClose,
	}

	// The upstream protocol has no configuration ack; the socket being
	// open is the only gate. Configure before handing the socket to
	// anything that could write audio.
	if err := c.configureSession(); err != nil {
		ws.Close()
		return nil, fmt.Errorf("failed to configure session: %w", err)
	}

	c.ws.SetPingHandler(func(appData string) error {
		c.wsMu.Lock()
		defer c.wsMu.Unlock()
		return c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})
	c.ws.SetReadDeadline(time.Now().Add(readTimeout))

	go c.handleMessages()
	go c.keepAlive()

	return c, nil
}

// configureSession sends the one-time session.update frame.
func (c *Client) configureSession() error {
	msg := map[string]interface{}{
		"type": "session.update",
		"session": map[string]interface{}{
			"modalities":         []string{"text"},
			"input_audio_format": "pcm16",
			"input_audio_transcription": map[string]interface{}{
				"model":    c.cfg.TranscriptionModel,
				"language": c.cfg.Language,
			},
			"turn_detection": map[string]interface{}{
				"type":                "server_vad",
				"threshold":           c.cfg.VADThreshold,
				"prefix_padding_ms":   c.cfg.VADPrefixPadding.Milliseconds(),
				"silence_duration_ms": c.cfg.VADSilenceDuration.Milliseconds(),
			},
			"max_response_output_tokens": c.cfg.MaxResponseTokens,
		},
	}

	return c.sendJSON(msg)
}

// SendAudio forwards one base64-encoded PCM16 chunk. The payload arrives
// base64 from the browser and is passed through opaquely.
func (c *Client) SendAudio(audio string) error {
	if c.isClosed() {
		return ErrClosed
	}

	msg := map[string]string{
		"type":  "input_audio_buffer.append",
		"audio": audio,
	}

	return c.sendJSON(msg)
}

// CommitAudio commits the input buffer, forcing the upstream to process
// whatever audio it is holding.
func (c *Client) CommitAudio() error {
	return c.sendJSON(map[string]string{
		"type": "input_audio_buffer.commit",
	})
}

// Close shuts the socket down. onClose does not fire for an explicit
// Close. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.wsMu.Lock()
	c.ws.Close()
	c.wsMu.Unlock()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// keepAlive sends periodic pings so idle dictation pauses don't drop the
// socket.
func (c *Client) keepAlive() {
	ticker := time.NewTicker(keepAlivePeriod)
	defer ticker.Stop()

	for range ticker.C {
		if c.isClosed() {
			return
		}
		c.wsMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := c.ws.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeTimeout))
		c.wsMu.Unlock()
		if err != nil {
			return
		}
	}
}

// handleMessages reads and decodes upstream frames until the socket dies.
func (c *Client) handleMessages() {
	for {
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))

		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.isClosed() && c.onClose != nil {
				c.onClose(err)
			}
			return
		}

		ev, err := ParseEvent(data)
		if err != nil {
			// An undecodable frame is dropped, not fatal.
			continue
		}

		if c.onEvent != nil {
			c.onEvent(ev)
		}
	}
}

// sendJSON sends a JSON message over the socket.
func (c *Client) sendJSON(v interface{}) error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}
