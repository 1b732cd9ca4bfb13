// Package inactivity expires a session after a period without user activity.
package inactivity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultIdle     = 30 * time.Minute
	DefaultInterval = time.Minute
)

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

type Option func(*Monitor)

func WithIdle(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.idle = d
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

func WithClock(c Clock) Option {
	return func(m *Monitor) {
		if c != nil {
			m.clock = c
		}
	}
}

// Monitor tracks the last user activity and calls onExpire on every tick
// where the session has been idle longer than the threshold.
type Monitor struct {
	onExpire func(context.Context)
	clock    Clock
	idle     time.Duration
	interval time.Duration

	mu           sync.Mutex
	lastActivity time.Time
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewMonitor stamps the initial activity with the current time.
func NewMonitor(onExpire func(context.Context), opts ...Option) *Monitor {
	m := &Monitor{
		onExpire: onExpire,
		clock:    wallClock{},
		idle:     DefaultIdle,
		interval: DefaultInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.lastActivity = m.clock.Now()
	return m
}

func (m *Monitor) Idle() time.Duration     { return m.idle }
func (m *Monitor) Interval() time.Duration { return m.interval }

// Touch records user activity.
func (m *Monitor) Touch() {
	now := m.clock.Now()
	m.mu.Lock()
	m.lastActivity = now
	m.mu.Unlock()
}

func (m *Monitor) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// CheckOnce fires onExpire when now is more than the idle threshold past the
// last activity. The activity clock is left untouched, so an idle session
// keeps expiring on every check until the next Touch.
func (m *Monitor) CheckOnce(ctx context.Context, now time.Time) bool {
	if now.IsZero() {
		now = m.clock.Now()
	}
	m.mu.Lock()
	last := m.lastActivity
	m.mu.Unlock()

	idleFor := now.Sub(last)
	if idleFor <= m.idle {
		return false
	}
	log.Info().
		Str("component", "inactivity").
		Dur("idle_for", idleFor).
		Dur("threshold", m.idle).
		Msg("session idle, expiring history")
	if m.onExpire != nil {
		m.onExpire(ctx)
	}
	return true
}

// Start runs the periodic check until ctx is cancelled or Stop is called.
// Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	if ctx == nil {
		panic("inactivity: Start requires non-nil ctx")
	}
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go m.run(runCtx, done)
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// compare against the injected clock, not the ticker's timestamp
			m.CheckOnce(ctx, m.clock.Now())
		}
	}
}

// Stop cancels the loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}
