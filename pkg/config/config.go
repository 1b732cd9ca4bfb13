// Package config loads chatwidget settings from defaults, an optional YAML
// file, CHATWIDGET_* environment variables and command line flags, in
// increasing order of precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-go-golems/chatwidget/pkg/eventbus"
	"github.com/go-go-golems/chatwidget/pkg/exchange"
	"github.com/go-go-golems/chatwidget/pkg/logging"
	"github.com/go-go-golems/chatwidget/pkg/persistence/historystore"
	"github.com/go-go-golems/chatwidget/pkg/speech"
	"github.com/go-go-golems/chatwidget/pkg/webchat"
)

const (
	AppName   = "chatwidget"
	EnvPrefix = "CHATWIDGET"
)

type SessionSettings struct {
	SlotFile      string        `mapstructure:"slot-file"`
	Welcome       string        `mapstructure:"welcome"`
	IdleTimeout   time.Duration `mapstructure:"idle-timeout"`
	CheckInterval time.Duration `mapstructure:"check-interval"`
}

type Settings struct {
	Session  SessionSettings       `mapstructure:"session"`
	Store    historystore.Settings `mapstructure:"store"`
	Exchange exchange.Settings     `mapstructure:"exchange"`
	Speech   speech.Settings       `mapstructure:"speech"`
	Events   eventbus.Settings     `mapstructure:"events"`
	Server   webchat.Settings      `mapstructure:"server"`
	Log      logging.Settings      `mapstructure:"log"`
}

// DefaultDir is where the config, slot and history files live by default.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "." + AppName
	}
	return filepath.Join(home, "."+AppName)
}

func SetDefaults(v *viper.Viper) {
	dir := DefaultDir()
	v.SetDefault("session.slot-file", filepath.Join(dir, "slot.yaml"))
	v.SetDefault("session.welcome", "")
	v.SetDefault("session.idle-timeout", 30*time.Minute)
	v.SetDefault("session.check-interval", time.Minute)

	v.SetDefault("store.backend", historystore.BackendSQLite)
	v.SetDefault("store.name", historystore.DefaultName)
	v.SetDefault("store.dir", dir)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.redis-addr", "localhost:6379")
	v.SetDefault("store.redis-password", "")
	v.SetDefault("store.redis-db", 0)
	v.SetDefault("store.redis-prefix", historystore.DefaultRedisPrefix)

	v.SetDefault("exchange.endpoint", "")
	v.SetDefault("exchange.timeout", time.Duration(0))

	v.SetDefault("speech.language", speech.DefaultLanguage)
	v.SetDefault("speech.speak-command", []string{"espeak-ng", "-v", "id"})
	v.SetDefault("speech.recognize-command", []string{})
	v.SetDefault("speech.disable-speak", false)
	v.SetDefault("speech.disable-recognizer", false)

	v.SetDefault("events.redis", false)
	v.SetDefault("events.redis-addr", "localhost:6379")
	v.SetDefault("events.redis-group", "")
	v.SetDefault("events.redis-consumer", "")
	v.SetDefault("events.buffer", 256)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed-origins", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.with-caller", false)
}

// New returns a viper instance with defaults and env binding. When
// configFile is empty, <DefaultDir>/config.yaml is read if it exists.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", configFile)
		}
		return v, nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(DefaultDir())
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}
	return v, nil
}

// BindFlags lets flags override config keys. Flag names map to keys through
// names, e.g. {"log-level": "log.level"}.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet, names map[string]string) error {
	for flag, key := range names {
		f := flags.Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "bind flag --%s", flag)
		}
	}
	return nil
}

// Load decodes v into Settings and expands ~ and $VARS in paths.
func Load(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, errors.Wrap(err, "decode settings")
	}
	s.Session.SlotFile = expandPath(s.Session.SlotFile)
	s.Store.Dir = expandPath(s.Store.Dir)
	if s.Session.IdleTimeout < 0 || s.Session.CheckInterval < 0 {
		return nil, errors.New("session timeouts must not be negative")
	}
	return &s, nil
}

func expandPath(p string) string {
	p = os.ExpandEnv(strings.TrimSpace(p))
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
