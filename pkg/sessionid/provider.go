// Package sessionid produces and recovers the stable identifier of the local
// chat session.
//
// The identifier is read from a durable Slot under SlotKey. When the slot is
// empty or unreadable a new id is generated and written back; when that write
// fails the id is kept in memory for the lifetime of the Provider, so the
// session still works but will not be recovered on the next run.
package sessionid

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// SlotKey is the slot entry holding the session id.
const SlotKey = "chatbot_session_id"

const (
	suffixLen = 6
	base36    = "0123456789abcdefghijklmnopqrstuvwxyz"
)

type Provider struct {
	slot Slot
	now  func() time.Time

	mu      sync.Mutex
	id      string
	durable bool
}

type Option func(*Provider)

func WithNow(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProvider returns a Provider reading from slot. A nil slot behaves like a
// slot whose storage is disabled.
func NewProvider(slot Slot, opts ...Option) *Provider {
	p := &Provider{slot: slot, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetOrCreate returns the session id, creating and storing it on first use.
// It never fails; storage problems only degrade durability.
func (p *Provider) GetOrCreate() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.id != "" {
		return p.id
	}

	if p.slot != nil {
		v, ok, err := p.slot.Get(SlotKey)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("component", "sessionid").Msg("session id slot unreadable, generating a new id")
		case ok && strings.TrimSpace(v) != "":
			p.id = strings.TrimSpace(v)
			p.durable = true
			return p.id
		}
	}

	p.id = Generate(p.now())
	if p.slot == nil {
		log.Warn().Str("component", "sessionid").Str("session_id", p.id).Msg("no session id slot, id is memory-only")
		return p.id
	}
	if err := p.slot.Set(SlotKey, p.id); err != nil {
		log.Warn().Err(err).Str("component", "sessionid").Str("session_id", p.id).Msg("could not persist session id, id is memory-only")
		return p.id
	}
	p.durable = true
	log.Info().Str("component", "sessionid").Str("session_id", p.id).Msg("created session id")
	return p.id
}

// Durable reports whether the current id is stored in the slot.
func (p *Provider) Durable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.durable
}

// Generate builds "<millis base36>-<6 random base36 chars>".
func Generate(now time.Time) string {
	var sb strings.Builder
	sb.WriteString(strconv.FormatInt(now.UnixMilli(), 36))
	sb.WriteByte('-')
	for i := 0; i < suffixLen; i++ {
		sb.WriteByte(base36[rand.IntN(len(base36))])
	}
	return sb.String()
}
