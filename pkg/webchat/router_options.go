package webchat

import (
	"io/fs"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// RouterOption configures optional dependencies for a Router.
type RouterOption func(*Router) error

func WithStaticFS(staticFS fs.FS) RouterOption {
	return func(r *Router) error {
		if staticFS == nil {
			return errors.New("static FS is nil")
		}
		r.staticFS = staticFS
		return nil
	}
}

func WithWebSocketUpgrader(u websocket.Upgrader) RouterOption {
	return func(r *Router) error {
		r.upgrader = u
		return nil
	}
}

// WithAllowedOrigins accepts websocket upgrades from the listed origins in
// addition to same-origin requests. "*" accepts any origin.
func WithAllowedOrigins(origins []string) RouterOption {
	return func(r *Router) error {
		allowed := map[string]bool{}
		for _, o := range origins {
			o = strings.TrimRight(strings.TrimSpace(o), "/")
			if o != "" {
				allowed[strings.ToLower(o)] = true
			}
		}
		if len(allowed) == 0 {
			return nil
		}
		r.upgrader.CheckOrigin = func(req *http.Request) bool {
			origin := req.Header.Get("Origin")
			if origin == "" || allowed["*"] || allowed[strings.ToLower(origin)] {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && strings.EqualFold(u.Host, req.Host)
		}
		return nil
	}
}
