package historystore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// InMemoryStore keeps records for the lifetime of the process. It is also the
// fallback when no durable store can be opened.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	closed  bool
}

var (
	_ Store  = &InMemoryStore{}
	_ Lister = &InMemoryStore{}
)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: map[string]Record{}}
}

func (s *InMemoryStore) Get(_ context.Context, sessionID string) (Record, bool, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Record{}, false, errors.New("in-memory history store: sessionID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, false, errors.Wrap(ErrUnavailable, "in-memory history store: closed")
	}
	r, ok := s.records[sessionID]
	if !ok {
		return Record{}, false, nil
	}
	return cloneRecord(r), true, nil
}

func (s *InMemoryStore) Put(_ context.Context, record Record) error {
	record, err := normalizeRecord(record, nowMs())
	if err != nil {
		return errors.Wrap(err, "in-memory history store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Wrap(ErrUnavailable, "in-memory history store: closed")
	}
	s.records[record.SessionID] = cloneRecord(record)
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("in-memory history store: sessionID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Wrap(ErrUnavailable, "in-memory history store: closed")
	}
	delete(s.records, sessionID)
	return nil
}

func (s *InMemoryStore) List(_ context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.Wrap(ErrUnavailable, "in-memory history store: closed")
	}
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, cloneRecord(r))
	}
	sortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func sortNewestFirst(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].LastUpdatedMs == records[j].LastUpdatedMs {
			return records[i].SessionID < records[j].SessionID
		}
		return records[i].LastUpdatedMs > records[j].LastUpdatedMs
	})
}
