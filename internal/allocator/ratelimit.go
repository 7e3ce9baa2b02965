package allocator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/agenttree/agenttree/internal/apierr"
	"github.com/agenttree/agenttree/internal/hook"
	"github.com/agenttree/agenttree/internal/lock"
	"gopkg.in/yaml.v3"
)

// hookStateEntry is the on-disk shape of one hook's rate-limit bookkeeping
// in .sync_hook_state.yaml.
type hookStateEntry struct {
	LastRunAt time.Time `yaml:"last_run_at"`
	RunCount  int       `yaml:"run_count"`
	Ticks     int       `yaml:"ticks"`
}

// hookStateFile is the whole-file snapshot, keyed by hook name.
type hookStateFile map[string]hookStateEntry

// SyncHookState is a hook.RateLimiter backed by .sync_hook_state.yaml,
// using the same whole-snapshot-under-lock idiom as Allocator's
// state.yaml.
type SyncHookState struct {
	path string
	fl   *lock.FileLock
}

// NewSyncHookState returns a RateLimiter for the .sync_hook_state.yaml at path.
func NewSyncHookState(path string) *SyncHookState {
	return &SyncHookState{path: path, fl: lock.New(path + ".lock")}
}

func (s *SyncHookState) load() (hookStateFile, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return hookStateFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	var st hookStateFile
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, apierr.Wrap(apierr.CorruptRecord, fmt.Errorf("failed to parse %s: %w", s.path, err))
	}
	if st == nil {
		st = hookStateFile{}
	}
	return st, nil
}

func (s *SyncHookState) save(st hookStateFile) error {
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal hook state: %w", err)
	}
	return os.WriteFile(s.path, data, 0o644)
}

func (s *SyncHookState) withLock(fn func(hookStateFile) (hookStateFile, error)) error {
	return s.fl.WithLock(context.Background(), lock.DefaultTimeout, func() error {
		st, err := s.load()
		if err != nil {
			return err
		}
		st, err = fn(st)
		if err != nil {
			return err
		}
		return s.save(st)
	})
}

// Get returns the named hook's last-run bookkeeping, satisfying
// hook.RateLimiter.
func (s *SyncHookState) Get(name string) (hook.RateState, bool) {
	var out hook.RateState
	var found bool
	_ = s.withLock(func(st hookStateFile) (hookStateFile, error) {
		if e, ok := st[name]; ok {
			out = hook.RateState{LastRunAt: e.LastRunAt, RunCount: e.RunCount}
			found = true
		}
		return st, nil
	})
	return out, found
}

// Tick advances the named hook's tick counter and returns its new value,
// satisfying hook.RateLimiter. It is called once per sync tick the hook
// is up for evaluation, regardless of whether it actually runs, so
// run_every_n_syncs has a monotonic counter to take modulo N.
func (s *SyncHookState) Tick(name string) (int, error) {
	var n int
	err := s.withLock(func(st hookStateFile) (hookStateFile, error) {
		e := st[name]
		e.Ticks++
		n = e.Ticks
		st[name] = e
		return st, nil
	})
	return n, err
}

// Record marks the named hook as having just run, satisfying
// hook.RateLimiter.
func (s *SyncHookState) Record(name string) error {
	return s.withLock(func(st hookStateFile) (hookStateFile, error) {
		e := st[name]
		e.LastRunAt = time.Now().UTC()
		e.RunCount++
		st[name] = e
		return st, nil
	})
}

// Prune drops bookkeeping for any hook name no longer present in
// validNames. Returns the number of entries removed.
func (s *SyncHookState) Prune(validNames []string) (int, error) {
	valid := make(map[string]bool, len(validNames))
	for _, n := range validNames {
		valid[n] = true
	}

	removed := 0
	err := s.withLock(func(st hookStateFile) (hookStateFile, error) {
		for name := range st {
			if !valid[name] {
				delete(st, name)
				removed++
			}
		}
		return st, nil
	})
	return removed, err
}
