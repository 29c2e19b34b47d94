package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrWatching is returned by Watch when the store already has a
// watcher running.
var ErrWatching = errors.New("config: already watching")

const reloadDebounce = 500 * time.Millisecond

// Store holds the current configuration and optionally watches the
// backing file for changes. Reloads are atomic: a file that fails to
// parse or validate is rejected and the previous configuration stays
// in force. Subscribers registered with OnChange are called with the
// new global snapshot whenever a reload changes the content hash.
type Store struct {
	path   string
	logger *zap.Logger

	mu       sync.RWMutex
	layered  *Layered
	snapshot Snapshot
	onChange []func(Snapshot)

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger. Defaults to a nop logger.
func WithStoreLogger(l *zap.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l.With(zap.String("component", "config"))
		}
	}
}

// NewStore loads path and returns a store serving its content. The
// initial load must succeed, including validation of every overlay.
func NewStore(path string, opts ...StoreOption) (*Store, error) {
	s := &Store{path: path, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStatic wraps an already resolved configuration in a Store with no
// backing file. Reload and Watch are not available.
func NewStatic(cfg Config) (*Store, error) {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode static config: %w", err)
	}
	layered, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if _, err := layered.Resolve("", ""); err != nil {
		return nil, err
	}
	return &Store{
		logger:   zap.NewNop(),
		layered:  layered,
		snapshot: NewSnapshot(cfg, time.Now()),
	}, nil
}

// Reload re-reads the file, validates every layer, and swaps the
// store content in one step. On any error the previous configuration
// is kept.
func (s *Store) Reload() error {
	if s.path == "" {
		return errors.New("config: store has no backing file")
	}
	layered, err := Load(s.path)
	if err != nil {
		return err
	}
	global, err := layered.Resolve("", "")
	if err != nil {
		return err
	}
	for _, p := range layered.Principals() {
		if _, err := layered.Resolve(p, ""); err != nil {
			return fmt.Errorf("principal %q: %w", p, err)
		}
	}
	for _, w := range layered.Workflows() {
		if _, err := layered.Resolve("", w); err != nil {
			return fmt.Errorf("workflow %q: %w", w, err)
		}
	}
	snap := NewSnapshot(global, time.Now())

	s.mu.Lock()
	changed := snap.Hash != s.snapshot.Hash
	s.layered = layered
	if changed {
		s.snapshot = snap
	}
	subs := make([]func(Snapshot), len(s.onChange))
	copy(subs, s.onChange)
	s.mu.Unlock()

	if changed {
		s.logger.Info("configuration reloaded",
			zap.String("path", s.path),
			zap.String("hash", snap.Hash))
		for _, fn := range subs {
			fn(snap)
		}
	}
	return nil
}

// Resolve returns the effective configuration for a caller.
func (s *Store) Resolve(principal, workflowRef string) (Config, error) {
	s.mu.RLock()
	layered := s.layered
	s.mu.RUnlock()
	return layered.Resolve(principal, workflowRef)
}

// Snapshot returns the current global snapshot.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// SnapshotFor resolves and captures the configuration for one caller,
// for attachment to a new session.
func (s *Store) SnapshotFor(principal, workflowRef string) (Snapshot, error) {
	cfg, err := s.Resolve(principal, workflowRef)
	if err != nil {
		return Snapshot{}, err
	}
	return NewSnapshot(cfg, time.Now()), nil
}

// OnChange registers a callback invoked after every reload that
// changed the configuration. Callbacks run on the reloading goroutine
// and must not block.
func (s *Store) OnChange(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Watch starts an fsnotify watcher on the configuration file and
// reloads on changes, debounced so editor write-rename sequences
// trigger a single reload. A reload failure keeps the previous
// configuration and is logged. Watch returns once the watcher is
// installed; it stops when ctx is cancelled or Close is called.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return errors.New("config: store has no backing file")
	}
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher != nil {
		return ErrWatching
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files by
	// rename, which would silently detach a file watch.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch config dir: %w", err)
	}
	s.watcher = watcher
	s.done = make(chan struct{})
	go s.watchLoop(ctx, watcher, s.done)
	s.logger.Info("watching configuration file", zap.String("path", s.path))
	return nil
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDebounce, func() {
				if err := s.Reload(); err != nil {
					s.logger.Error("config reload failed, keeping previous configuration",
						zap.String("path", s.path),
						zap.Error(err))
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("config watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher, if any.
func (s *Store) Close() error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Close()
	<-s.done
	s.watcher = nil
	s.done = nil
	return err
}
