package policy

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Store holds the active policy and supports atomic hot reload. Readers never
// block: Current returns a pointer to an immutable Policy, so an evaluation
// in flight keeps the policy it started with even if a reload lands mid-way.
type Store struct {
	current atomic.Pointer[Policy]
	path    string
	cond    *ConditionEvaluator
	logger  *slog.Logger

	// watcher state
	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewStore creates a Store serving the built-in default policy. If path is
// non-empty the file is loaded immediately and becomes the reload source.
func NewStore(path string, cond *ConditionEvaluator, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:   path,
		cond:   cond,
		logger: logger.With("component", "policy.Store"),
	}

	if path == "" {
		p := Default()
		if err := p.Validate(cond); err != nil {
			return nil, fmt.Errorf("default policy invalid: %w", err)
		}
		s.current.Store(p)
		return s, nil
	}

	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStaticStore wraps an already-validated policy with no file backing.
// Reload and Watch are unavailable on a static store.
func NewStaticStore(p *Policy) *Store {
	s := &Store{logger: slog.Default()}
	s.current.Store(p)
	return s
}

// Current returns the active policy. The returned value must not be mutated.
func (s *Store) Current() *Policy {
	return s.current.Load()
}

// Reload re-reads the policy file and swaps it in. On any failure the
// previous policy stays active.
func (s *Store) Reload() error {
	if s.path == "" {
		return fmt.Errorf("no policy file configured")
	}
	p, err := LoadFile(s.path, s.cond)
	if err != nil {
		s.logger.Error("policy reload failed, keeping previous policy", "path", s.path, "error", err)
		return err
	}
	s.current.Store(p)
	s.logger.Info("policy loaded",
		"path", s.path,
		"rules", len(p.ActionRules),
		"checkpoint_trigger", p.RiskThresholds.CheckpointTrigger,
		"session_budget", p.RiskThresholds.SessionBudget,
	)
	return nil
}

// LoadFile parses and validates a policy YAML file.
func LoadFile(path string, cond *ConditionEvaluator) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return Parse(data, cond)
}

// Parse parses and validates policy YAML. Omitted sections fall back to the
// built-in defaults.
func Parse(data []byte, cond *ConditionEvaluator) (*Policy, error) {
	p := Default()
	p.ActionRules = nil
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse policy yaml: %w", err)
	}
	if err := p.Validate(cond); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return p, nil
}

// Watch starts an fsnotify watcher on the policy file and reloads on change.
// Call StopWatch to clean up.
func (s *Store) Watch() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return fmt.Errorf("no policy file configured")
	}
	if s.watcher != nil {
		s.stopWatchLocked()
	}

	absPath, err := filepath.Abs(s.path)
	if err != nil {
		return fmt.Errorf("failed to resolve policy path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// Watch the directory rather than the file to catch editor
	// rename-and-replace patterns (e.g. vim, nano).
	dir := filepath.Dir(absPath)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	s.watcher = w
	s.watchDone = make(chan struct{})

	go s.watchLoop(absPath)

	s.logger.Info("watching policy file for changes", "path", absPath)
	return nil
}

func (s *Store) watchLoop(targetPath string) {
	defer close(s.watchDone)

	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			absEvent, _ := filepath.Abs(event.Name)
			if absEvent != targetPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				s.logger.Info("policy file changed, reloading", "path", targetPath)
				_ = s.Reload()
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("fsnotify error", "error", err)
		}
	}
}

// StopWatch stops the policy file watcher, if running.
func (s *Store) StopWatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopWatchLocked()
}

func (s *Store) stopWatchLocked() {
	if s.watcher != nil {
		_ = s.watcher.Close()
		if s.watchDone != nil {
			<-s.watchDone
		}
		s.watcher = nil
		s.watchDone = nil
	}
}
