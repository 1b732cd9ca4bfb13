package sessionid

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Slot is a simple, non-versioned durable key/value slot, kept
// apart from the history store.
type Slot interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// FileSlot keeps slot values in a small YAML file.
type FileSlot struct {
	path string
	mu   sync.Mutex
}

var _ Slot = &FileSlot{}

func NewFileSlot(path string) (*FileSlot, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("file slot: empty path")
	}
	return &FileSlot{path: path}, nil
}

func (s *FileSlot) Path() string { return s.path }

func (s *FileSlot) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.readLocked()
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

func (s *FileSlot) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.readLocked()
	if err != nil {
		// an unreadable file is replaced rather than preserved
		values = map[string]string{}
	}
	values[key] = value

	out, err := yaml.Marshal(values)
	if err != nil {
		return errors.Wrap(err, "file slot: marshal")
	}
	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "file slot: create dir")
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".slot-*.yaml")
	if err != nil {
		return errors.Wrap(err, "file slot: create temp file")
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(out); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "file slot: write")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "file slot: close")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return errors.Wrap(err, "file slot: rename")
	}
	return nil
}

func (s *FileSlot) readLocked() (map[string]string, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "file slot: read")
	}
	values := map[string]string{}
	if err := yaml.Unmarshal(b, &values); err != nil {
		return nil, errors.Wrap(err, "file slot: decode")
	}
	// a null document decodes to a nil map
	if values == nil {
		values = map[string]string{}
	}
	return values, nil
}

// MemorySlot is a process-local Slot.
type MemorySlot struct {
	mu     sync.Mutex
	values map[string]string
}

var _ Slot = &MemorySlot{}

func NewMemorySlot() *MemorySlot {
	return &MemorySlot{values: map[string]string{}}
}

func (s *MemorySlot) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemorySlot) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}
