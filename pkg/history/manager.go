// Package history keeps the authoritative in-memory copy of the active
// session's messages and mediates every read and write to the history store.
//
// Reads happen synchronously in Load. Writes are queued to a single writer
// goroutine and applied in order; callers never see store errors, they are
// logged and the in-memory copy stays authoritative.
package history

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/go-go-golems/chatwidget/pkg/persistence/historystore"
)

// WelcomeMessage seeds every new or reset history.
const WelcomeMessage = "Selamat datang! Saya INA, asisten virtual dari Hubunk. Saya siap membantu Anda dengan informasi seputar layanan kami. Ada yang bisa saya bantu?"

type Manager struct {
	store   historystore.Store
	w       *writer
	welcome string
	now     func() time.Time

	loads singleflight.Group

	mu        sync.Mutex
	sessionID string
	messages  []historystore.Message
	loaded    bool
}

type Option func(*managerOptions)

type managerOptions struct {
	welcome   string
	now       func() time.Time
	queueSize int
}

func WithWelcome(text string) Option {
	return func(o *managerOptions) {
		if strings.TrimSpace(text) != "" {
			o.welcome = text
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(o *managerOptions) {
		if now != nil {
			o.now = now
		}
	}
}

func WithQueueSize(n int) Option {
	return func(o *managerOptions) { o.queueSize = n }
}

// NewManager starts the writer goroutine; Close stops it.
func NewManager(store historystore.Store, opts ...Option) *Manager {
	o := managerOptions{welcome: WelcomeMessage, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if store == nil {
		store = historystore.NewInMemoryStore()
	}
	return &Manager{
		store:   store,
		w:       newWriter(store, o.queueSize),
		welcome: o.welcome,
		now:     o.now,
	}
}

func (m *Manager) Welcome() historystore.Message { return historystore.BotMessage(m.welcome) }

// Load makes sessionID the active session and returns its history, reseeding
// (and persisting) the welcome message when the store has nothing usable.
// Concurrent loads of the same session share a single store read.
func (m *Manager) Load(ctx context.Context, sessionID string) []historystore.Message {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = m.SessionID()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	v, _, _ := m.loads.Do(sessionID, func() (any, error) {
		return m.load(ctx, sessionID), nil
	})
	msgs, _ := v.([]historystore.Message)
	return cloneMessages(msgs)
}

func (m *Manager) load(ctx context.Context, sessionID string) []historystore.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	// a caller going away must not turn into a reseed over the stored history
	ctx = context.WithoutCancel(ctx)

	// queued writes must land before we read, or the reload would drop them
	if err := m.w.flush(ctx); err != nil {
		log.Warn().Err(err).Str("component", "history").Str("session_id", sessionID).Msg("pending history writes not flushed before load")
	}

	var msgs []historystore.Message
	if sessionID != "" {
		rec, ok, err := m.store.Get(ctx, sessionID)
		switch {
		case isContextErr(err):
			log.Warn().Err(err).Str("component", "history").Str("session_id", sessionID).Msg("chat history load interrupted, keeping current history")
			return m.keepLocked(sessionID)
		case err != nil:
			log.Error().Err(err).Str("component", "history").Str("session_id", sessionID).Msg("failed to load chat history, reseeding welcome message")
		case ok && len(rec.History) > 0:
			msgs = rec.History
		default:
			log.Debug().Str("component", "history").Str("session_id", sessionID).Msg("no chat history, seeding welcome message")
		}
	}

	m.sessionID = sessionID
	m.loaded = true
	if len(msgs) == 0 {
		m.messages = []historystore.Message{m.Welcome()}
		m.enqueuePutLocked()
	} else {
		m.messages = cloneMessages(msgs)
	}
	return cloneMessages(m.messages)
}

// keepLocked returns the in-memory history without touching the store. A
// session that was never loaded gets an unsaved welcome message.
func (m *Manager) keepLocked(sessionID string) []historystore.Message {
	if !m.loaded || m.sessionID != sessionID || len(m.messages) == 0 {
		m.sessionID = sessionID
		m.loaded = true
		m.messages = []historystore.Message{m.Welcome()}
	}
	return cloneMessages(m.messages)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Append adds msg to the in-memory history and queues the write of the full
// record.
func (m *Manager) Append(msg historystore.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	m.enqueuePutLocked()
}

// Clear deletes the stored record and replaces the history with the welcome
// message, which is persisted again.
func (m *Manager) Clear() []historystore.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionID != "" {
		m.w.enqueue(writeOp{kind: opDelete, sessionID: m.sessionID})
	}
	m.messages = []historystore.Message{m.Welcome()}
	m.enqueuePutLocked()
	log.Info().Str("component", "history").Str("session_id", m.sessionID).Msg("chat history cleared")
	return cloneMessages(m.messages)
}

// Messages returns a copy of the in-memory history.
func (m *Manager) Messages() []historystore.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneMessages(m.messages)
}

func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

func (m *Manager) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

// Flush blocks until every write queued so far has been applied.
func (m *Manager) Flush(ctx context.Context) error {
	return m.w.flush(ctx)
}

// Close drains pending writes and stops the writer. The store is not closed.
func (m *Manager) Close() error {
	m.w.close()
	return nil
}

func (m *Manager) enqueuePutLocked() {
	if m.sessionID == "" {
		log.Debug().Str("component", "history").Msg("no active session, history kept in memory only")
		return
	}
	rec := historystore.Record{
		SessionID:     m.sessionID,
		History:       cloneMessages(m.messages),
		LastUpdatedMs: m.now().UnixMilli(),
	}
	if !m.w.enqueue(writeOp{kind: opPut, record: rec}) {
		log.Warn().Str("component", "history").Str("session_id", m.sessionID).Msg("history writer closed, write dropped")
	}
}

func cloneMessages(in []historystore.Message) []historystore.Message {
	if in == nil {
		return nil
	}
	return append([]historystore.Message(nil), in...)
}
