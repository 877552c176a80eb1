package bridge

import (
	"github.com/carebridge/scribe/internal/log"
	"github.com/carebridge/scribe/pkg/protocol"
	"github.com/carebridge/scribe/pkg/session"
	"github.com/carebridge/scribe/pkg/upstream"
)

// translate maps one upstream event onto the client-facing vocabulary,
// side-effecting the session as needed. It runs on the upstream reader
// goroutine, so events for a session arrive here already serialized.
func (b *Bridge) translate(cl *client, sess *session.Session, ev upstream.Event) {
	sess.Touch()

	switch ev.Type {
	case upstream.EventSessionCreated, upstream.EventSessionUpdated:
		if ev.SessionID != "" {
			sess.SetUpstreamSessionID(ev.SessionID)
			if ad := sess.Adapter(); ad != nil {
				ad.SetSessionID(ev.SessionID)
			}
		}

	case upstream.EventTranscriptionDelta:
		buffer := sess.AppendTranscript(ev.Delta)
		b.send(cl, protocol.TranscriptionDelta{
			Type:   protocol.TypeTranscriptionDelta,
			Delta:  ev.Delta,
			Buffer: buffer,
		})

	case upstream.EventTranscriptionCompleted:
		transcript := sess.Transcript()
		if ad := sess.Adapter(); ad != nil {
			ad.ProcessTranscription(transcript)
		}
		b.send(cl, protocol.TranscriptionCompleted{
			Type:       protocol.TypeTranscriptionCompleted,
			Transcript: transcript,
		})

	case upstream.EventResponseTextDelta, upstream.EventResponseTextDone:
		// Suggestion text is the adapter's domain; relay whatever it
		// decides to emit, verbatim.
		if ad := sess.Adapter(); ad != nil {
			if out := ad.HandleAnalysis(ev.Raw); out != nil {
				b.sendRaw(cl, out)
			}
		}

	case upstream.EventError:
		// An upstream protocol error is reported to the client but does
		// not itself close the upstream socket.
		b.send(cl, protocol.UpstreamErrorEvent{
			Type:  protocol.TypeUpstreamError,
			Error: ev.Err,
		})

	default:
		log.Debug("dropping unknown upstream event", "connection_id", cl.id, "type", string(ev.Type))
	}
}
