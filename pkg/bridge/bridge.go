// Package bridge is the realtime session bridge: it accepts clinician
// WebSocket connections, relays their audio to the upstream realtime
// speech+language API, and streams transcription and suggestion events
// back. Each connection owns disjoint session state; the registry is the
// only thing shared across connections.
package bridge

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/carebridge/scribe/internal/log"
	"github.com/carebridge/scribe/pkg/protocol"
	"github.com/carebridge/scribe/pkg/session"
	"github.com/carebridge/scribe/pkg/suggest"
	"github.com/carebridge/scribe/pkg/upstream"
)

// DefaultIdleTimeout is both the reaper's sweep period and the idle
// threshold past which a session is force-closed.
const DefaultIdleTimeout = 5 * time.Minute

// Dialer opens the upstream leg for a session. Injectable so tests can
// substitute a fake upstream.
type Dialer func(cfg upstream.Config, onEvent func(upstream.Event), onClose func(err error)) (session.Upstream, error)

// Options configures a Bridge.
type Options struct {
	// APIKey is the upstream credential. Empty is allowed: the bridge
	// still accepts connections, and every start_suggestions fails with a
	// suggestions_error until the credential is configured.
	APIKey string

	// Model is the upstream realtime model identifier.
	Model string

	// IdleTimeout overrides the reaper threshold. Zero means
	// DefaultIdleTimeout.
	IdleTimeout time.Duration

	// AdapterFactory builds the suggestion adapter for each session. Nil
	// means the pass-through relay.
	AdapterFactory suggest.Factory

	// Dialer overrides how the upstream leg is opened. Nil means dialing
	// the real upstream API.
	Dialer Dialer
}

// Bridge owns the session registry and translates between the client and
// upstream protocols.
type Bridge struct {
	registry    *session.Registry
	factory     suggest.Factory
	dial        Dialer
	upstreamCfg upstream.Config
	idleTimeout time.Duration

	// Stats
	messagesReceived    atomic.Uint64
	messagesSent        atomic.Uint64
	sessionsInitialized atomic.Uint64
	sessionsClosed      atomic.Uint64
	sessionsReaped      atomic.Uint64
	upstreamConnects    atomic.Uint64
}

// New creates a bridge from options.
func New(opts Options) *Bridge {
	b := &Bridge{
		registry:    session.NewRegistry(),
		factory:     opts.AdapterFactory,
		dial:        opts.Dialer,
		upstreamCfg: upstream.DefaultConfig(opts.Model),
		idleTimeout: opts.IdleTimeout,
	}
	if b.factory == nil {
		b.factory = suggest.RelayFactory
	}
	if b.idleTimeout <= 0 {
		b.idleTimeout = DefaultIdleTimeout
	}
	if b.dial == nil {
		apiKey := opts.APIKey
		b.dial = func(cfg upstream.Config, onEvent func(upstream.Event), onClose func(err error)) (session.Upstream, error) {
			return upstream.Dial(apiKey, cfg, onEvent, onClose)
		}
	}
	return b
}

// Registry exposes the session registry, mainly for tests and stats.
func (b *Bridge) Registry() *session.Registry {
	return b.registry
}

// RegisterRoutes registers the WebSocket endpoint on a Fiber app.
func (b *Bridge) RegisterRoutes(app *fiber.App) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/scribe", websocket.New(b.handleConn))
}

// RegisterAPIRoutes registers the stats endpoints.
func (b *Bridge) RegisterAPIRoutes(api fiber.Router) {
	api.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(b.GetStats())
	})

	api.Get("/sessions", func(c *fiber.Ctx) error {
		return c.JSON(b.SessionInfos())
	})
}

// StartReaper runs the stale-session sweep until ctx is cancelled.
func (b *Bridge) StartReaper(ctx context.Context) {
	reaper := session.NewReaper(b.registry, b.idleTimeout, b.idleTimeout, func(s *session.Session) {
		b.sessionsReaped.Add(1)
		b.closeSession(s.ConnectionID)
	})
	go reaper.Run(ctx)
}

// handleConn drives one client connection: it is the only goroutine that
// reads the socket and the only one that mutates the session's fields,
// apart from the reaper's narrow close path.
func (b *Bridge) handleConn(c *websocket.Conn) {
	cl := newClient(uuid.NewString(), c)
	go cl.writePump()

	defer func() {
		// The client leg dying tears down the whole session.
		b.closeSession(cl.id)
		cl.shutdown()
	}()

	log.Info("client connected", "connection_id", cl.id)

	cl.enqueue(protocol.ConnectionEstablished{
		Type:         protocol.TypeConnectionEstablished,
		ConnectionID: cl.id,
	})
	b.messagesSent.Add(1)

	c.SetReadLimit(maxMessageSize)
	c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error {
		c.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			log.Info("client disconnected", "connection_id", cl.id, "error", err)
			return
		}
		c.SetReadDeadline(time.Now().Add(pongWait))

		b.messagesReceived.Add(1)
		b.handleMessage(cl, data)
	}
}

// closeSession performs the full close sequence exactly once: registry
// removal decides the winner, then the upstream leg and the adapter are
// torn down. Closing an unknown or already-closed connection id is a
// no-op.
func (b *Bridge) closeSession(connectionID string) {
	sess := b.registry.Remove(connectionID)
	if sess == nil {
		return
	}
	sess.Close()
	b.sessionsClosed.Add(1)
	log.Info("session closed",
		"connection_id", connectionID,
		"patient_id", sess.PatientID,
		"transcript_len", len(sess.Transcript()))
}

// CloseAll tears down every active session. Used at shutdown.
func (b *Bridge) CloseAll() {
	for _, s := range b.registry.All() {
		b.closeSession(s.ConnectionID)
	}
}

// Stats is a snapshot of bridge counters.
type Stats struct {
	ActiveSessions      int    `json:"active_sessions"`
	MessagesReceived    uint64 `json:"messages_received"`
	MessagesSent        uint64 `json:"messages_sent"`
	SessionsInitialized uint64 `json:"sessions_initialized"`
	SessionsClosed      uint64 `json:"sessions_closed"`
	SessionsReaped      uint64 `json:"sessions_reaped"`
	UpstreamConnects    uint64 `json:"upstream_connects"`
}

// GetStats returns a snapshot of the bridge counters.
func (b *Bridge) GetStats() Stats {
	return Stats{
		ActiveSessions:      b.registry.Len(),
		MessagesReceived:    b.messagesReceived.Load(),
		MessagesSent:        b.messagesSent.Load(),
		SessionsInitialized: b.sessionsInitialized.Load(),
		SessionsClosed:      b.sessionsClosed.Load(),
		SessionsReaped:      b.sessionsReaped.Load(),
		UpstreamConnects:    b.upstreamConnects.Load(),
	}
}

// SessionInfo describes one active session for the API.
type SessionInfo struct {
	ConnectionID string    `json:"connection_id"`
	PatientID    string    `json:"patient_id"`
	UserRole     string    `json:"user_role"`
	Suggestions  bool      `json:"suggestions_active"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// SessionInfos lists the active sessions.
func (b *Bridge) SessionInfos() []SessionInfo {
	sessions := b.registry.All()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, SessionInfo{
			ConnectionID: s.ConnectionID,
			PatientID:    s.PatientID,
			UserRole:     string(s.UserRole),
			Suggestions:  s.Upstream() != nil,
			CreatedAt:    s.CreatedAt,
			LastActivity: s.LastActivity(),
		})
	}
	return infos
}
