package session

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/persistence/historystore"
)

type EventType string

const (
	EventHistoryLoaded   EventType = "history.loaded"
	EventMessageAppended EventType = "message.appended"
	EventHistoryCleared  EventType = "history.cleared"
	EventSessionExpired  EventType = "session.expired"
	EventReplyPending    EventType = "reply.pending"
	EventVoiceError      EventType = "voice.error"
)

// Event is the JSON frame published for every history change.
type Event struct {
	Type      EventType              `json:"type"`
	SessionID string                 `json:"sessionId"`
	Message   *historystore.Message  `json:"message,omitempty"`
	History   []historystore.Message `json:"history,omitempty"`
	Pending   *bool                  `json:"pending,omitempty"`
	Notice    string                 `json:"notice,omitempty"`
	TimeMs    int64                  `json:"ts"`
}

// Publisher delivers serialized events for a session. *eventbus.Bus
// satisfies it.
type Publisher interface {
	Publish(sessionID string, payload []byte) error
}

type PublisherFunc func(sessionID string, payload []byte) error

func (f PublisherFunc) Publish(sessionID string, payload []byte) error { return f(sessionID, payload) }

func (c *Controller) publish(ev Event) {
	if c.events == nil {
		return
	}
	ev.SessionID = c.id
	if ev.TimeMs == 0 {
		ev.TimeMs = c.clock.Now().UnixMilli()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Warn().Err(err).Str("component", "session").Str("event", string(ev.Type)).Msg("failed to encode session event")
		return
	}
	if err := c.events.Publish(c.id, payload); err != nil {
		log.Warn().Err(err).Str("component", "session").Str("session_id", c.id).Str("event", string(ev.Type)).Msg("failed to publish session event")
	}
}

func (c *Controller) publishMessage(t EventType, msg historystore.Message) {
	c.publish(Event{Type: t, Message: &msg})
}

func (c *Controller) publishHistory(t EventType, history []historystore.Message) {
	c.publish(Event{Type: t, History: history})
}

func (c *Controller) publishPending(pending bool) {
	c.publish(Event{Type: EventReplyPending, Pending: &pending})
}

// DecodeEvent parses a published frame.
func DecodeEvent(payload []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(payload, &ev)
	return ev, err
}
