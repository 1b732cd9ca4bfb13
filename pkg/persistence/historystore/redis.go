package historystore

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "chatwidget:history:"

// RedisStore keeps each record as a JSON string under <prefix><sessionID>.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	ownClient bool
}

var (
	_ Store  = &RedisStore{}
	_ Lister = &RedisStore{}
)

type redisPayload struct {
	History       json.RawMessage `json:"history"`
	LastUpdatedMs int64           `json:"lastUpdated"`
}

// NewRedisStore connects to addr and verifies the connection with PING.
func NewRedisStore(ctx context.Context, opts *redis.Options, prefix string) (*RedisStore, error) {
	if opts == nil || strings.TrimSpace(opts.Addr) == "" {
		return nil, errors.New("redis history store: empty addr")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(ErrUnavailable, "redis history store: ping %s: %v", opts.Addr, err)
	}
	s := NewRedisStoreFromClient(client, prefix)
	s.ownClient = true
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client; Close leaves it open.
func NewRedisStoreFromClient(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(sessionID string) string { return s.prefix + sessionID }

func (s *RedisStore) Get(ctx context.Context, sessionID string) (Record, bool, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Record{}, false, errors.New("redis history store: sessionID is empty")
	}
	b, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, errors.Wrap(err, "redis history store: get")
	}
	r, err := decodeRedisRecord(sessionID, b)
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

func (s *RedisStore) Put(ctx context.Context, record Record) error {
	record, err := normalizeRecord(record, nowMs())
	if err != nil {
		return errors.Wrap(err, "redis history store")
	}
	b, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "redis history store: encode")
	}
	if err := s.client.Set(ctx, s.key(record.SessionID), b, 0).Err(); err != nil {
		return errors.Wrap(err, "redis history store: set")
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("redis history store: sessionID is empty")
	}
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return errors.Wrap(err, "redis history store: del")
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var out []Record
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		b, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "redis history store: list get")
		}
		r, err := decodeRedisRecord(strings.TrimPrefix(key, s.prefix), b)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "redis history store: scan")
	}
	sortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil || !s.ownClient {
		return nil
	}
	return s.client.Close()
}

func decodeRedisRecord(sessionID string, b []byte) (Record, error) {
	var p redisPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return Record{}, errors.Wrapf(ErrCorruptRecord, "session %s: %v", sessionID, err)
	}
	r := Record{SessionID: sessionID, LastUpdatedMs: p.LastUpdatedMs}
	if len(p.History) > 0 {
		msgs, err := decodeHistory(sessionID, string(p.History))
		if err != nil {
			return Record{}, err
		}
		r.History = msgs
	}
	return r, nil
}
