package docstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

// JSONFileStateBackend keeps the whole instance state in one JSON file. Each
// save is synced to a temporary file and renamed over the previous one,
// which is kept as ".bak" and read back when the main file does not parse.
// An advisory lock on ".lock" keeps a second process off the same file.
type JSONFileStateBackend struct {
	Path string

	mu   sync.Mutex
	lock *os.File
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || b.Path == "" {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.acquireLocked(); err != nil {
		return nil, err
	}
	snapshot, err := readSnapshot(b.Path)
	if err == nil {
		return snapshot, nil
	}
	if backup, backupErr := readSnapshot(b.Path + ".bak"); backupErr == nil && backup != nil {
		return backup, nil
	}
	return nil, err
}

func readSnapshot(path string) (*persistedState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, path, err)
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || b.Path == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.acquireLocked(); err != nil {
		return err
	}
	tmp := b.Path + ".tmp"
	if err := writeSynced(tmp, data); err != nil {
		return err
	}
	_ = os.Remove(b.Path + ".bak.new")
	if err := os.Link(b.Path, b.Path+".bak.new"); err == nil {
		_ = os.Rename(b.Path+".bak.new", b.Path+".bak")
	}
	return os.Rename(tmp, b.Path)
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (b *JSONFileStateBackend) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lock == nil {
		return nil
	}
	unlockFile(b.lock)
	err := b.lock.Close()
	b.lock = nil
	return err
}

func (b *JSONFileStateBackend) acquireLocked() error {
	if b.lock != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(b.Path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(b.Path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("state file %s is locked by another process: %w", b.Path, err)
	}
	b.lock = f
	return nil
}

// InMemoryStateBackend holds the last snapshot serialized, so a Load never
// shares memory with the store that saved it.
type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot []byte
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*persistedState, error) {
	b.mu.Lock()
	data := b.snapshot
	b.mu.Unlock()
	if data == nil {
		return nil, nil
	}
	var clone persistedState
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

func (b *InMemoryStateBackend) Save(state *persistedState) error {
	if state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.snapshot = data
	b.mu.Unlock()
	return nil
}

// SchemeTable maps DSN schemes to constructors plugged in at run time.
type SchemeTable[F any] struct {
	mu      sync.RWMutex
	entries map[string]F
}

func (t *SchemeTable[F]) Register(scheme string, factory F) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries == nil {
		t.entries = map[string]F{}
	}
	t.entries[scheme] = factory
}

func (t *SchemeTable[F]) Lookup(scheme string) (F, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	factory, ok := t.entries[scheme]
	return factory, ok
}

type StateBackendFactory func(dsn string) (StateBackend, error)

var stateBackendFactories SchemeTable[StateBackendFactory]

func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	if factory != nil {
		stateBackendFactories.Register(scheme, factory)
	}
}

// ParseDSN splits a DSN into its lowercased scheme and the parsed URL.
func ParseDSN(dsn string) (string, *url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return "", nil, err
	}
	return strings.ToLower(strings.TrimSpace(parsed.Scheme)), parsed, nil
}

// BuildStateBackendFromDSN returns nil for an empty dsn, which keeps the store
// purely in memory.
func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	scheme, parsed, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if factory, ok := stateBackendFactories.Lookup(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, err := DSNPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewJSONFileStateBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	case "couchdb", "http", "https":
		return nil, fmt.Errorf("%w: state backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

// DSNPath extracts a filesystem path from a file DSN or a bare path.
func DSNPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if parsed.Scheme == "" {
		if raw = strings.TrimSpace(raw); raw != "" {
			return raw, nil
		}
		return "", ErrInvalidInput
	}
	for _, candidate := range []string{parsed.Path, parsed.Opaque, parsed.Host} {
		if candidate = strings.TrimSpace(candidate); candidate != "" {
			return candidate, nil
		}
	}
	return "", ErrInvalidInput
}
