package bridge

import (
	"encoding/json"

	"github.com/carebridge/scribe/internal/log"
	"github.com/carebridge/scribe/pkg/protocol"
	"github.com/carebridge/scribe/pkg/session"
	"github.com/carebridge/scribe/pkg/upstream"
)

// send queues an outbound event, dropping the whole connection if the
// client cannot keep up.
func (b *Bridge) send(cl *client, v any) {
	if cl.enqueue(v) {
		b.messagesSent.Add(1)
		return
	}
	b.closeSession(cl.id)
	cl.shutdown()
}

// sendRaw queues a pre-encoded outbound event.
func (b *Bridge) sendRaw(cl *client, data []byte) {
	if cl.enqueueRaw(data) {
		b.messagesSent.Add(1)
		return
	}
	b.closeSession(cl.id)
	cl.shutdown()
}

func (b *Bridge) sendError(cl *client, t protocol.MessageType, msg string) {
	b.send(cl, protocol.ErrorEvent{Type: t, Message: msg})
}

// handleMessage parses and dispatches one inbound frame. A failure in any
// handler becomes a structured error event, never a crash of the
// connection goroutine.
func (b *Bridge) handleMessage(cl *client, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic handling client message", "connection_id", cl.id, "panic", r)
			b.sendError(cl, protocol.TypeError, "internal error")
		}
	}()

	msg, err := protocol.Parse(data)
	if err != nil {
		b.sendError(cl, protocol.TypeError, "invalid message: "+err.Error())
		return
	}

	if sess := b.registry.Get(cl.id); sess != nil {
		sess.Touch()
	}

	switch msg.Type {
	case protocol.TypePing:
		b.send(cl, protocol.NewPong())

	case protocol.TypeInitSession:
		b.handleInitSession(cl, msg)

	case protocol.TypeStartSuggestions:
		b.handleStartSuggestions(cl)

	case protocol.TypeStopSuggestions:
		b.handleStopSuggestions(cl)

	case protocol.TypeFreezeSuggestions:
		if sess := b.requireSession(cl, protocol.TypeError); sess != nil {
			if ad := sess.Adapter(); ad != nil {
				ad.Freeze()
			}
		}

	case protocol.TypeUnfreezeSuggestions:
		if sess := b.requireSession(cl, protocol.TypeError); sess != nil {
			if ad := sess.Adapter(); ad != nil {
				ad.Unfreeze()
			}
		}

	case protocol.TypeProcessTranscription:
		b.handleProcessTranscription(cl, msg)

	case protocol.TypeAudioChunk:
		b.handleAudioChunk(cl, msg)

	default:
		log.Warn("ignoring unrecognized message type", "connection_id", cl.id, "type", string(msg.Type))
	}
}

// requireSession fetches the connection's session or reports its absence
// with an error event of the given type.
func (b *Bridge) requireSession(cl *client, errType protocol.MessageType) *session.Session {
	sess := b.registry.Get(cl.id)
	if sess == nil {
		b.sendError(cl, errType, "no active session, send init_session first")
	}
	return sess
}

func (b *Bridge) handleInitSession(cl *client, msg *protocol.Message) {
	if b.registry.Get(cl.id) != nil {
		b.sendError(cl, protocol.TypeSessionError, "session already initialized")
		return
	}

	var p protocol.InitSessionPayload
	if err := msg.Decode(&p); err != nil {
		b.sendError(cl, protocol.TypeSessionError, "invalid init_session: "+err.Error())
		return
	}
	if err := p.Validate(); err != nil {
		b.sendError(cl, protocol.TypeSessionError, err.Error())
		return
	}

	sess := session.New(cl.id, string(p.PatientID), p.SessionID, p.UserRole)

	// The adapter publishes into the connection's outbound queue; the
	// writer goroutine drains it, so adapter execution is decoupled from
	// socket I/O.
	emit := func(event json.RawMessage) {
		sess.Touch()
		b.sendRaw(cl, event)
	}
	sess.SetAdapter(b.factory(nil, emit, string(p.PatientID)))

	b.registry.Add(sess)
	b.sessionsInitialized.Add(1)

	log.Info("session initialized",
		"connection_id", cl.id,
		"patient_id", sess.PatientID,
		"user_role", string(sess.UserRole))

	b.send(cl, protocol.SessionInitialized{
		Type:         protocol.TypeSessionInitialized,
		ConnectionID: cl.id,
		PatientID:    sess.PatientID,
	})
}

func (b *Bridge) handleStartSuggestions(cl *client) {
	sess := b.requireSession(cl, protocol.TypeSuggestionsError)
	if sess == nil {
		return
	}
	if sess.Upstream() != nil {
		b.sendError(cl, protocol.TypeSuggestionsError, "suggestions already started")
		return
	}

	onEvent := func(ev upstream.Event) {
		b.translate(cl, sess, ev)
	}
	// An upstream failure detaches the leg but keeps the session alive;
	// the client may start suggestions again on the same connection.
	onClose := func(err error) {
		log.Warn("upstream connection lost", "connection_id", cl.id, "error", err)
		if u := sess.DetachUpstream(); u != nil {
			u.Close()
		}
	}

	u, err := b.dial(b.upstreamCfg, onEvent, onClose)
	if err != nil {
		log.Warn("failed to start suggestions", "connection_id", cl.id, "error", err)
		b.sendError(cl, protocol.TypeSuggestionsError, err.Error())
		return
	}

	sess.SetUpstream(u)
	if ad := sess.Adapter(); ad != nil {
		ad.UpdateConn(u)
	}
	b.upstreamConnects.Add(1)

	log.Info("suggestions started", "connection_id", cl.id, "patient_id", sess.PatientID)
	b.send(cl, protocol.Ack{Type: protocol.TypeSuggestionsStarted})
}

func (b *Bridge) handleStopSuggestions(cl *client) {
	sess := b.requireSession(cl, protocol.TypeSuggestionsError)
	if sess == nil {
		return
	}

	if ad := sess.Adapter(); ad != nil {
		ad.Freeze()
	}
	if u := sess.DetachUpstream(); u != nil {
		u.Close()
	}

	b.send(cl, protocol.SuggestionsStopped{
		Type:            protocol.TypeSuggestionsStopped,
		FinalTranscript: sess.Transcript(),
	})
}

func (b *Bridge) handleProcessTranscription(cl *client, msg *protocol.Message) {
	sess := b.requireSession(cl, protocol.TypeError)
	if sess == nil {
		return
	}

	var p protocol.TranscriptionPayload
	if err := msg.Decode(&p); err != nil {
		b.sendError(cl, protocol.TypeError, "invalid process_transcription: "+err.Error())
		return
	}

	sess.AppendTranscript(p.Text)
	if ad := sess.Adapter(); ad != nil {
		ad.ProcessTranscription(p.Text)
	}
}

func (b *Bridge) handleAudioChunk(cl *client, msg *protocol.Message) {
	sess := b.requireSession(cl, protocol.TypeError)
	if sess == nil {
		return
	}

	u := sess.Upstream()
	if u == nil {
		b.sendError(cl, protocol.TypeError, "suggestions not started, no upstream to forward audio to")
		return
	}

	var p protocol.AudioChunkPayload
	if err := msg.Decode(&p); err != nil {
		b.sendError(cl, protocol.TypeError, "invalid audio_chunk: "+err.Error())
		return
	}

	if err := u.SendAudio(p.Audio); err != nil {
		// A hung or dead upstream leg detaches; the session survives.
		log.Warn("failed to forward audio upstream", "connection_id", cl.id, "error", err)
		if detached := sess.DetachUpstream(); detached != nil {
			detached.Close()
		}
		b.sendError(cl, protocol.TypeSuggestionsError, "upstream connection lost")
	}
}
