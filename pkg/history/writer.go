package history

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/persistence/historystore"
)

type opKind int

const (
	opPut opKind = iota
	opDelete
	opBarrier
)

type writeOp struct {
	kind      opKind
	record    historystore.Record
	sessionID string
	done      chan struct{}
}

// writer applies store writes one at a time, in submission order, so a slow
// early write can never land after a later one for the same key.
type writer struct {
	store historystore.Store
	ops   chan writeOp

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newWriter(store historystore.Store, queueSize int) *writer {
	if queueSize <= 0 {
		queueSize = 64
	}
	w := &writer{store: store, ops: make(chan writeOp, queueSize)}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *writer) run() {
	defer w.wg.Done()
	for op := range w.ops {
		w.apply(op)
	}
}

func (w *writer) apply(op writeOp) {
	ctx := context.Background()
	switch op.kind {
	case opPut:
		if err := w.store.Put(ctx, op.record); err != nil {
			log.Error().Err(err).Str("component", "history").Str("session_id", op.record.SessionID).Int("messages", len(op.record.History)).Msg("failed to save chat history")
		}
	case opDelete:
		if err := w.store.Delete(ctx, op.sessionID); err != nil {
			log.Error().Err(err).Str("component", "history").Str("session_id", op.sessionID).Msg("failed to delete chat history")
		}
	case opBarrier:
	}
	if op.done != nil {
		close(op.done)
	}
}

// enqueue reports false once the writer is closed.
func (w *writer) enqueue(op writeOp) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.ops <- op
	return true
}

// flush waits until every op enqueued before the call has been applied.
func (w *writer) flush(ctx context.Context) error {
	done := make(chan struct{})
	if !w.enqueue(writeOp{kind: opBarrier, done: done}) {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *writer) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.ops)
	w.mu.Unlock()
	w.wg.Wait()
}
