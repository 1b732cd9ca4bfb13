package history

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/go-go-golems/chatwidget/pkg/persistence/historystore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingStore wraps an in-memory store, counts calls and can inject
// failures or delays.
type recordingStore struct {
	*historystore.InMemoryStore

	gets   atomic.Int32
	puts   atomic.Int32
	getErr error
	// honorCtx makes Get fail with ctx.Err() like a database driver would
	honorCtx bool

	mu        sync.Mutex
	putDelay  func(historystore.Record) time.Duration
	putErr    error
	getGate   chan struct{}
	putOrder  []int
	deleteLog []string
}

func newRecordingStore() *recordingStore {
	return &recordingStore{InMemoryStore: historystore.NewInMemoryStore()}
}

func (s *recordingStore) Get(ctx context.Context, id string) (historystore.Record, bool, error) {
	s.gets.Add(1)
	if s.getGate != nil {
		<-s.getGate
	}
	if s.getErr != nil {
		return historystore.Record{}, false, s.getErr
	}
	if s.honorCtx && ctx.Err() != nil {
		return historystore.Record{}, false, ctx.Err()
	}
	return s.InMemoryStore.Get(ctx, id)
}

func (s *recordingStore) Put(ctx context.Context, r historystore.Record) error {
	s.puts.Add(1)
	s.mu.Lock()
	delay := s.putDelay
	err := s.putErr
	s.putOrder = append(s.putOrder, len(r.History))
	s.mu.Unlock()
	if delay != nil {
		time.Sleep(delay(r))
	}
	if err != nil {
		return err
	}
	return s.InMemoryStore.Put(ctx, r)
}

func (s *recordingStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	s.deleteLog = append(s.deleteLog, id)
	s.mu.Unlock()
	return s.InMemoryStore.Delete(ctx, id)
}

func newTestManager(t *testing.T, store historystore.Store, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(store, opts...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func stored(t *testing.T, s historystore.Store, id string) (historystore.Record, bool) {
	t.Helper()
	rec, ok, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return rec, ok
}

func TestLoad_FreshSessionSeedsAndPersistsWelcome(t *testing.T) {
	store := newRecordingStore()
	m := newTestManager(t, store)
	ctx := context.Background()

	got := m.Load(ctx, "abc-123")
	want := []historystore.Message{{Role: historystore.RoleBot, Content: WelcomeMessage}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected history (-want +got):\n%s", diff)
	}

	require.NoError(t, m.Flush(ctx))
	rec, ok := stored(t, store, "abc-123")
	require.True(t, ok)
	require.Equal(t, want, rec.History)
	require.Equal(t, "abc-123", m.SessionID())
	require.True(t, m.Loaded())
}

func TestLoad_IsIdempotent(t *testing.T) {
	store := newRecordingStore()
	m := newTestManager(t, store)
	ctx := context.Background()

	first := m.Load(ctx, "s1")
	m.Append(historystore.UserMessage("hi"))
	second := m.Load(ctx, "s1")
	third := m.Load(ctx, "s1")

	require.Len(t, first, 1)
	require.Equal(t, second, third)
	require.Equal(t, []historystore.Message{historystore.BotMessage(WelcomeMessage), historystore.UserMessage("hi")}, third)
}

func TestLoad_ExistingHistory(t *testing.T) {
	store := newRecordingStore()
	ctx := context.Background()
	existing := []historystore.Message{historystore.BotMessage("welcome"), historystore.UserMessage("hi")}
	require.NoError(t, store.InMemoryStore.Put(ctx, historystore.Record{SessionID: "s1", History: existing}))

	m := newTestManager(t, store)
	require.Equal(t, existing, m.Load(ctx, "s1"))
	require.NoError(t, m.Flush(ctx))
	require.Equal(t, int32(0), store.puts.Load(), "loading an existing history does not write")
}

func TestLoad_EmptyStoredHistoryIsReseeded(t *testing.T) {
	store := newRecordingStore()
	ctx := context.Background()
	require.NoError(t, store.InMemoryStore.Put(ctx, historystore.Record{SessionID: "s1", History: []historystore.Message{}}))

	m := newTestManager(t, store)
	got := m.Load(ctx, "s1")
	require.Equal(t, []historystore.Message{historystore.BotMessage(WelcomeMessage)}, got)

	require.NoError(t, m.Flush(ctx))
	rec, ok := stored(t, store, "s1")
	require.True(t, ok)
	require.Len(t, rec.History, 1)
}

func TestLoad_StoreFailureReseedsAndPersists(t *testing.T) {
	store := newRecordingStore()
	store.getErr = errors.Wrap(historystore.ErrCorruptRecord, "boom")
	m := newTestManager(t, store)
	ctx := context.Background()

	got := m.Load(ctx, "s1")
	require.Equal(t, []historystore.Message{historystore.BotMessage(WelcomeMessage)}, got)

	require.NoError(t, m.Flush(ctx))
	require.Equal(t, int32(1), store.puts.Load())
}

func TestLoad_CancelledCallerKeepsStoredHistory(t *testing.T) {
	store := newRecordingStore()
	store.honorCtx = true
	bg := context.Background()
	existing := []historystore.Message{
		historystore.BotMessage(WelcomeMessage),
		historystore.UserMessage("hi"),
		historystore.BotMessage("hello"),
	}
	require.NoError(t, store.InMemoryStore.Put(bg, historystore.Record{SessionID: "s1", History: existing}))

	m := newTestManager(t, store)
	ctx, cancel := context.WithCancel(bg)
	cancel()

	require.Equal(t, existing, m.Load(ctx, "s1"))
	require.NoError(t, m.Flush(bg))
	require.Equal(t, int32(0), store.puts.Load())
	rec, ok := stored(t, store, "s1")
	require.True(t, ok)
	require.Equal(t, existing, rec.History)
}

func TestLoad_ContextErrorDoesNotOverwriteStore(t *testing.T) {
	store := newRecordingStore()
	bg := context.Background()
	existing := []historystore.Message{historystore.BotMessage(WelcomeMessage), historystore.UserMessage("hi")}
	require.NoError(t, store.InMemoryStore.Put(bg, historystore.Record{SessionID: "s1", History: existing}))

	m := newTestManager(t, store)
	require.Equal(t, existing, m.Load(bg, "s1"))

	for _, err := range []error{context.Canceled, errors.Wrap(context.DeadlineExceeded, "query")} {
		store.getErr = err
		require.Equal(t, existing, m.Load(bg, "s1"), "in-memory history is kept")
	}

	fresh := newTestManager(t, store)
	require.Equal(t, []historystore.Message{historystore.BotMessage(WelcomeMessage)}, fresh.Load(bg, "s1"))

	require.NoError(t, m.Flush(bg))
	require.NoError(t, fresh.Flush(bg))
	require.Equal(t, int32(0), store.puts.Load())
	rec, ok := stored(t, store.InMemoryStore, "s1")
	require.True(t, ok)
	require.Equal(t, existing, rec.History)
}

func TestLoad_ConcurrentLoadsShareOneRead(t *testing.T) {
	store := newRecordingStore()
	store.getGate = make(chan struct{})
	m := newTestManager(t, store)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([][]historystore.Message, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.Load(ctx, "s1")
		}(i)
	}
	require.Eventually(t, func() bool { return store.gets.Load() == 1 }, time.Second, 5*time.Millisecond)
	// give the other callers time to join the in-flight load
	time.Sleep(20 * time.Millisecond)
	close(store.getGate)
	wg.Wait()

	require.Equal(t, int32(1), store.gets.Load())
	for _, r := range results {
		require.Equal(t, results[0], r)
	}
}

func TestAppend_PersistedRecordMatchesMemory(t *testing.T) {
	store := newRecordingStore()
	m := newTestManager(t, store)
	ctx := context.Background()
	m.Load(ctx, "s1")

	for _, text := range []string{"a", "b", "c", "d"} {
		m.Append(historystore.UserMessage(text))
		m.Append(historystore.BotMessage("re: " + text))
	}
	require.NoError(t, m.Flush(ctx))

	rec, ok := stored(t, store, "s1")
	require.True(t, ok)
	if diff := cmp.Diff(m.Messages(), rec.History); diff != "" {
		t.Fatalf("store diverged from memory (-memory +store):\n%s", diff)
	}
	require.Len(t, rec.History, 9)
}

func TestAppend_WritesAreSequential(t *testing.T) {
	store := newRecordingStore()
	// the first write is much slower than the later ones
	store.putDelay = func(r historystore.Record) time.Duration {
		if len(r.History) == 2 {
			return 50 * time.Millisecond
		}
		return 0
	}
	m := newTestManager(t, store)
	ctx := context.Background()
	m.Load(ctx, "s1")
	require.NoError(t, m.Flush(ctx))

	m.Append(historystore.UserMessage("slow"))
	m.Append(historystore.BotMessage("fast"))
	require.NoError(t, m.Flush(ctx))

	rec, _ := stored(t, store, "s1")
	require.Len(t, rec.History, 3)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, []int{1, 2, 3}, store.putOrder)
}

func TestAppend_StoreFailureKeepsMemory(t *testing.T) {
	store := newRecordingStore()
	m := newTestManager(t, store)
	ctx := context.Background()
	m.Load(ctx, "s1")
	require.NoError(t, m.Flush(ctx))

	store.mu.Lock()
	store.putErr = errors.New("disk full")
	store.mu.Unlock()

	m.Append(historystore.UserMessage("hi"))
	require.NoError(t, m.Flush(ctx))
	require.Len(t, m.Messages(), 2)

	rec, _ := stored(t, store, "s1")
	require.Len(t, rec.History, 1)
}

func TestClear_ResetsToWelcome(t *testing.T) {
	store := newRecordingStore()
	m := newTestManager(t, store)
	ctx := context.Background()
	m.Load(ctx, "s1")
	m.Append(historystore.UserMessage("hi"))
	m.Append(historystore.BotMessage("hello"))

	got := m.Clear()
	require.Len(t, got, 1)
	require.Equal(t, WelcomeMessage, got[0].Content)
	require.Equal(t, historystore.RoleBot, got[0].Role)

	require.NoError(t, m.Flush(ctx))
	rec, ok := stored(t, store, "s1")
	require.True(t, ok)
	require.Equal(t, got, rec.History)

	store.mu.Lock()
	require.Equal(t, []string{"s1"}, store.deleteLog)
	store.mu.Unlock()
}

func TestWithWelcome(t *testing.T) {
	m := newTestManager(t, newRecordingStore(), WithWelcome("Hello there"))
	got := m.Load(context.Background(), "s1")
	require.Equal(t, "Hello there", got[0].Content)
}

func TestWithNow_StampsLastUpdated(t *testing.T) {
	fixed := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	store := newRecordingStore()
	m := newTestManager(t, store, WithNow(func() time.Time { return fixed }))
	ctx := context.Background()
	m.Load(ctx, "s1")
	require.NoError(t, m.Flush(ctx))

	rec, _ := stored(t, store, "s1")
	require.Equal(t, fixed.UnixMilli(), rec.LastUpdatedMs)
}

func TestClose_DrainsPendingWrites(t *testing.T) {
	store := newRecordingStore()
	m := NewManager(store)
	m.Load(context.Background(), "s1")
	m.Append(historystore.UserMessage("last words"))
	require.NoError(t, m.Close())

	rec, ok := stored(t, store, "s1")
	require.True(t, ok)
	require.Len(t, rec.History, 2)

	// writes after close are dropped, not panicking
	m.Append(historystore.UserMessage("ignored"))
	require.NoError(t, m.Close())
}
