package stream

import (
	"encoding/json"

	"github.com/user/chatstream/internal/metrics"
	"github.com/user/chatstream/pkg/chat/sse"
)

// Event types sent by the AI backend.
const (
	EventConnected = "connected"
	EventMetadata  = "metadata"
	EventToken     = "token"
	EventDone      = "done"
)

// tokenPayload carries the cumulative text generated so far. Token is the
// latest fragment and is informational only.
type tokenPayload struct {
	Token    string  `json:"token"`
	FullText *string `json:"fullText"`
}

type donePayload struct {
	FullText *string       `json:"fullText"`
	Metadata map[string]any `json:"metadata"`
}

// OnEvent implements sse.Listener for one handle.
func (s *session) OnEvent(ev sse.Event) {
	c := s.c
	c.mu.Lock()
	if !c.live(s) {
		c.mu.Unlock()
		return
	}
	c.handleEventLocked(s.t, ev)
	c.mu.Unlock()

	c.flush()
}

// OnError implements sse.Listener for one handle.
func (s *session) OnError(err error) {
	c := s.c
	c.mu.Lock()
	if !c.live(s) {
		c.mu.Unlock()
		return
	}
	c.transportErrorLocked(s.t, err)
	c.mu.Unlock()

	c.flush()
}

func (c *Controller) handleEventLocked(t *turn, ev sse.Event) {
	switch ev.Type {
	case EventConnected:
		t.attempts = 0
		c.setPhase(t, PhaseStreaming)
		c.changedLocked()

	case EventMetadata:
		var m map[string]any
		if err := json.Unmarshal(ev.Data, &m); err != nil {
			c.malformed(ev, err)
			return
		}
		t.acc.mergeMetadata(m)
		c.changedLocked()

	case EventToken:
		var p tokenPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			c.malformed(ev, err)
			return
		}
		c.setPhase(t, PhaseStreaming)
		if t.acc.applyFullText(p.FullText) {
			c.changedLocked()
		}

	case EventDone:
		c.setPhase(t, PhaseFinalizing)
		var p donePayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			// The turn still ends so the reply is not left streaming forever.
			c.malformed(ev, err)
		} else {
			t.acc.mergeMetadata(p.Metadata)
			t.acc.applyFullText(p.FullText)
			if p.FullText == nil && len(p.Metadata) == 0 {
				c.logger.Warn("done event carried no text or metadata, finalizing accumulated text",
					"conversation_id", string(c.cfg.ConversationID),
					"chars", len(t.acc.content),
				)
			}
		}
		c.finishLocked(t, t.acc.message(t.message, false), "streamed")

	default:
		c.logger.Debug("ignoring event", "type", ev.Type)
	}
}

// malformed logs and drops an event whose payload cannot be parsed. The
// stream stays open.
func (c *Controller) malformed(ev sse.Event, err error) {
	c.logger.Warn("malformed event payload",
		"conversation_id", string(c.cfg.ConversationID),
		"type", ev.Type,
		"error", err,
	)
	metrics.IncMalformedFrame(ev.Type)
}
