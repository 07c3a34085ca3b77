package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gatekeep-io/gatekeep/pkg/interp"
)

// Store holds the currently published policy set and swaps it atomically on
// reload. Requests resolve their entry point once, so a request started
// against one set finishes against it even if a reload lands mid-flight.
type Store struct {
	path     string
	compiler *Compiler
	log      *slog.Logger

	set     atomic.Pointer[Set]
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
}

// NewStore loads and compiles the policy file once. Reload failures after
// this point keep the previous set.
func NewStore(path string, compiler *Compiler, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve policy path: %w", err)
	}
	s := &Store{path: abs, compiler: compiler, log: log}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Lookup resolves a policy entry point in the current set.
func (s *Store) Lookup(name string) (interp.Node, error) {
	return s.set.Load().Lookup(name)
}

// Names lists the published policy names.
func (s *Store) Names() []string {
	return s.set.Load().Names()
}

// Reload re-reads and re-compiles the policy file, publishing the new set on
// success and keeping the old one on failure.
func (s *Store) Reload() error {
	return s.reload()
}

func (s *Store) reload() error {
	//nolint:gosec // Policy file path is controlled by admin/operator.
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return err
	}
	set, err := s.compiler.Compile(doc)
	if err != nil {
		return err
	}
	s.set.Store(set)
	s.log.Info("policy set published", "path", s.path, "policies", set.Names())
	return nil
}

// Watch starts watching the policy file for changes until the context is
// cancelled or Close is called. Rapid write bursts are debounced.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch policy directory: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.watcher = watcher
	s.cancel = cancel

	go s.watchLoop(ctx)
	return nil
}

// Close stops the watcher, if any.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *Store) watchLoop(ctx context.Context) {
	var debounce *time.Timer
	const debounceDelay = 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Chmod) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, func() {
					if err := s.reload(); err != nil {
						s.log.Error("policy reload failed, keeping previous set",
							"path", s.path, "error", err)
					}
				})
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Error("policy watcher error", "error", err)
		}
	}
}
