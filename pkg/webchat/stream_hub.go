package webchat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/eventbus"
	"github.com/go-go-golems/chatwidget/pkg/persistence/historystore"
)

type StreamHubConfig struct {
	SessionID  string
	Subscriber message.Subscriber
}

// StreamHub relays the session's event topic to attached websocket clients.
type StreamHub struct {
	sessionID string
	sub       message.Subscriber
	pool      *ConnectionPool

	readyOnce sync.Once
	ready     chan struct{}
	readyErr  error
}

type helloFrame struct {
	Type         string                 `json:"type"`
	ConnectionID string                 `json:"connectionId"`
	SessionID    string                 `json:"sessionId"`
	History      []historystore.Message `json:"history"`
	ServerTime   int64                  `json:"serverTime"`
}

type pongFrame struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	ServerTime int64  `json:"serverTime"`
}

func NewStreamHub(cfg StreamHubConfig) (*StreamHub, error) {
	if strings.TrimSpace(cfg.SessionID) == "" {
		return nil, errors.New("stream hub session id is empty")
	}
	if cfg.Subscriber == nil {
		return nil, errors.New("stream hub subscriber is nil")
	}
	return &StreamHub{
		sessionID: cfg.SessionID,
		sub:       cfg.Subscriber,
		pool:      NewConnectionPool(cfg.SessionID),
		ready:     make(chan struct{}),
	}, nil
}

func (h *StreamHub) Pool() *ConnectionPool { return h.pool }

// Ready is closed once Run has subscribed to the session topic, or has
// failed to. Err reports which.
func (h *StreamHub) Ready() <-chan struct{} { return h.ready }

// Err returns the subscribe error once Ready is closed, nil on success.
func (h *StreamHub) Err() error {
	select {
	case <-h.ready:
		return h.readyErr
	default:
		return nil
	}
}

func (h *StreamHub) markReady(err error) {
	h.readyOnce.Do(func() {
		h.readyErr = err
		close(h.ready)
	})
}

// Run forwards every event until ctx is cancelled or the subscription ends,
// then closes all clients.
func (h *StreamHub) Run(ctx context.Context) error {
	defer h.pool.CloseAll()
	ch, err := h.sub.Subscribe(ctx, eventbus.Topic(h.sessionID))
	if err != nil {
		err = errors.Wrap(err, "subscribe to session events")
		h.markReady(err)
		return err
	}
	h.markReady(nil)
	log.Debug().Str("component", "webchat").Str("session_id", h.sessionID).Msg("stream hub subscribed")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h.pool.Broadcast(msg.Payload)
			msg.Ack()
		}
	}
}

// Attach registers conn, sends the hello frame with the current history and
// starts its read loop. The read loop answers pings and detaches the client
// when the socket closes.
func (h *StreamHub) Attach(conn *websocket.Conn, history []historystore.Message) {
	connID := uuid.NewString()
	wsLog := log.With().
		Str("component", "webchat").
		Str("remote", conn.RemoteAddr().String()).
		Str("session_id", h.sessionID).
		Str("connection_id", connID).
		Logger()

	hello, err := json.Marshal(helloFrame{
		Type:         "ws.hello",
		ConnectionID: connID,
		SessionID:    h.sessionID,
		History:      history,
		ServerTime:   time.Now().UnixMilli(),
	})
	if err != nil {
		wsLog.Warn().Err(err).Msg("ws hello encode failed")
		_ = conn.Close()
		return
	}
	h.pool.Add(conn, hello)
	wsLog.Info().Msg("ws connected")

	go func() {
		defer h.pool.Remove(conn)
		defer wsLog.Info().Msg("ws disconnected")
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				wsLog.Debug().Err(err).Msg("ws read loop end")
				return
			}
			if msgType == websocket.TextMessage && isPing(data) {
				b, _ := json.Marshal(pongFrame{Type: "ws.pong", SessionID: h.sessionID, ServerTime: time.Now().UnixMilli()})
				h.pool.SendToOne(conn, b)
			}
		}
	}()
}

func isPing(data []byte) bool {
	text := strings.TrimSpace(strings.ToLower(string(data)))
	if text == "ping" {
		return true
	}
	var v struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return false
	}
	return strings.EqualFold(v.Type, "ws.ping")
}
