package webchat

import (
	"io/fs"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Settings configures the HTTP surface.
type Settings struct {
	Addr string `mapstructure:"addr"`
	// AllowedOrigins restricts websocket upgrades; empty allows same-origin only.
	AllowedOrigins []string `mapstructure:"allowed-origins"`
}

// Router mounts the chat API, the websocket stream and the optional UI.
type Router struct {
	svc      SessionService
	hub      *StreamHub
	staticFS fs.FS
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

func NewRouter(svc SessionService, hub *StreamHub, opts ...RouterOption) (*Router, error) {
	if svc == nil {
		return nil, errors.New("session service is nil")
	}
	r := &Router{
		svc: svc,
		hub: hub,
		mux: http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	r.registerAPIHandlers(r.mux)
	r.registerUIHandlers(r.mux)
	return r, nil
}

// Handler returns the mux with API, websocket and UI routes.
func (r *Router) Handler() http.Handler { return r.mux }

// APIHandler serves only the API and websocket routes.
func (r *Router) APIHandler() http.Handler {
	mux := http.NewServeMux()
	r.registerAPIHandlers(mux)
	return mux
}

func (r *Router) StreamHub() *StreamHub { return r.hub }

// BuildHTTPServer wraps the router in an http.Server listening on addr.
func (r *Router) BuildHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		// no WriteTimeout: /api/messages waits on the remote exchange
		IdleTimeout: 120 * time.Second,
	}
}

func (r *Router) registerAPIHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/api/session", NewSessionHTTPHandler(r.svc))
	mux.HandleFunc("/api/history", NewHistoryHTTPHandler(r.svc))
	mux.HandleFunc("/api/open", NewOpenHTTPHandler(r.svc))
	mux.HandleFunc("/api/messages", NewMessagesHTTPHandler(r.svc))
	mux.HandleFunc("/api/reset", NewResetHTTPHandler(r.svc))
	mux.HandleFunc("/api/voice", NewVoiceHTTPHandler(r.svc))
	mux.HandleFunc("/api/speak", NewSpeakHTTPHandler(r.svc))
	mux.HandleFunc("/ws", NewWSHTTPHandler(r.svc, r.hub, r.upgrader))
}

func (r *Router) registerUIHandlers(mux *http.ServeMux) {
	logger := log.With().Str("component", "webchat").Logger()

	if r.staticFS == nil {
		logger.Debug().Msg("static FS not configured; UI handler disabled")
		return
	}
	if staticSub, err := fs.Sub(r.staticFS, "static"); err == nil {
		mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/" {
			http.NotFound(w, req)
			return
		}
		b, err := fs.ReadFile(r.staticFS, "static/index.html")
		if err != nil {
			logger.Error().Err(err).Msg("index not found in static FS")
			http.Error(w, "index not found", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(b)
	})
}
