package historystore

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"

	// DefaultName names the SQLite database file when no DSN is given.
	DefaultName = "ChatBotDB"
)

// Settings selects and configures a Store backend.
type Settings struct {
	Backend string `mapstructure:"backend"`
	Name    string `mapstructure:"name"`
	Dir     string `mapstructure:"dir"`
	DSN     string `mapstructure:"dsn"`

	RedisAddr     string `mapstructure:"redis-addr"`
	RedisPassword string `mapstructure:"redis-password"`
	RedisDB       int    `mapstructure:"redis-db"`
	RedisPrefix   string `mapstructure:"redis-prefix"`
}

// Open creates the configured store, running schema migrations where the
// backend has a schema. Failures wrap ErrUnavailable.
func Open(ctx context.Context, s Settings) (Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	switch strings.ToLower(strings.TrimSpace(s.Backend)) {
	case "", BackendSQLite:
		dsn := strings.TrimSpace(s.DSN)
		if dsn == "" {
			path, err := s.sqlitePath()
			if err != nil {
				return nil, err
			}
			if dir := filepath.Dir(path); dir != "" && dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, errors.Wrapf(ErrUnavailable, "create history db dir: %v", err)
				}
			}
			dsn, err = SQLiteDSNForFile(path)
			if err != nil {
				return nil, err
			}
		}
		return NewSQLiteStore(ctx, dsn)
	case BackendRedis:
		return NewRedisStore(ctx, &redis.Options{
			Addr:     s.RedisAddr,
			Password: s.RedisPassword,
			DB:       s.RedisDB,
		}, s.RedisPrefix)
	case BackendMemory:
		return NewInMemoryStore(), nil
	default:
		return nil, errors.Errorf("unknown history store backend %q", s.Backend)
	}
}

func (s Settings) sqlitePath() (string, error) {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		name = DefaultName
	}
	if !strings.HasSuffix(name, ".db") {
		name += ".db"
	}
	dir := strings.TrimSpace(s.Dir)
	if dir == "" {
		return "", errors.New("history store: neither dsn nor dir configured")
	}
	return filepath.Join(os.ExpandEnv(dir), name), nil
}
