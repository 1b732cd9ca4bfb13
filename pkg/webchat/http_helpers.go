package webchat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/persistence/historystore"
	"github.com/go-go-golems/chatwidget/pkg/session"
	"github.com/go-go-golems/chatwidget/pkg/speech"
)

const maxRequestBody = 64 << 10

// SessionService is the controller surface used by the HTTP handlers.
// *session.Controller satisfies it.
type SessionService interface {
	SessionID() string
	Degraded() bool
	Capabilities() session.Capabilities
	History() []historystore.Message
	Open(ctx context.Context) []historystore.Message
	SendUserMessage(ctx context.Context, text string) (historystore.Message, bool)
	Reset(ctx context.Context) []historystore.Message
	VoiceInput(ctx context.Context) session.VoiceResult
	SpeakMessage(index int) error
}

type SessionResponse struct {
	SessionID    string               `json:"sessionId"`
	Degraded     bool                 `json:"degraded"`
	Capabilities session.Capabilities `json:"capabilities"`
}

type HistoryResponse struct {
	SessionID string                 `json:"sessionId"`
	History   []historystore.Message `json:"history"`
}

type SendRequest struct {
	Text string `json:"text"`
}

type SendResponse struct {
	Sent    bool                   `json:"sent"`
	Reply   *historystore.Message  `json:"reply,omitempty"`
	History []historystore.Message `json:"history"`
}

type VoiceResponse struct {
	session.VoiceResult
	History []historystore.Message `json:"history"`
}

type SpeakRequest struct {
	Index int `json:"index"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "webchat").Msg("response write failed")
	}
}

func decodeBody(req *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(req.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "invalid request body")
	}
	return nil
}

func methodGuard(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != method {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, req)
	}
}

func NewSessionHTTPHandler(svc SessionService) http.HandlerFunc {
	return methodGuard(http.MethodGet, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, SessionResponse{
			SessionID:    svc.SessionID(),
			Degraded:     svc.Degraded(),
			Capabilities: svc.Capabilities(),
		})
	})
}

func NewHistoryHTTPHandler(svc SessionService) http.HandlerFunc {
	return methodGuard(http.MethodGet, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, HistoryResponse{SessionID: svc.SessionID(), History: svc.History()})
	})
}

func NewOpenHTTPHandler(svc SessionService) http.HandlerFunc {
	return methodGuard(http.MethodPost, func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, HistoryResponse{SessionID: svc.SessionID(), History: svc.Open(req.Context())})
	})
}

func NewResetHTTPHandler(svc SessionService) http.HandlerFunc {
	return methodGuard(http.MethodPost, func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, HistoryResponse{SessionID: svc.SessionID(), History: svc.Reset(req.Context())})
	})
}

func NewMessagesHTTPHandler(svc SessionService) http.HandlerFunc {
	return methodGuard(http.MethodPost, func(w http.ResponseWriter, req *http.Request) {
		var in SendRequest
		if err := decodeBody(req, &in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		reply, ok := svc.SendUserMessage(req.Context(), in.Text)
		resp := SendResponse{Sent: ok, History: svc.History()}
		if ok {
			resp.Reply = &reply
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

func NewVoiceHTTPHandler(svc SessionService) http.HandlerFunc {
	return methodGuard(http.MethodPost, func(w http.ResponseWriter, req *http.Request) {
		if !svc.Capabilities().SpeechInput {
			http.Error(w, "speech input unavailable", http.StatusNotImplemented)
			return
		}
		res := svc.VoiceInput(req.Context())
		writeJSON(w, http.StatusOK, VoiceResponse{VoiceResult: res, History: svc.History()})
	})
}

func NewSpeakHTTPHandler(svc SessionService) http.HandlerFunc {
	return methodGuard(http.MethodPost, func(w http.ResponseWriter, req *http.Request) {
		var in SpeakRequest
		if err := decodeBody(req, &in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := svc.SpeakMessage(in.Index); err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, speech.ErrUnavailable) {
				status = http.StatusNotImplemented
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func NewWSHTTPHandler(svc SessionService, hub *StreamHub, upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if hub == nil {
			http.Error(w, "stream hub not initialized", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		hub.Attach(conn, svc.History())
	}
}
