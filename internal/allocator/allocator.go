// Package allocator maintains the live-agent registry and the per-issue
// port pool in the sidecar's state.yaml, protected by an interprocess
// exclusive file lock. Every operation reads the whole file, mutates an
// in-memory snapshot, and writes the whole file back while holding the
// lock; there are no incremental in-place edits.
package allocator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/agenttree/agenttree/internal/apierr"
	"github.com/agenttree/agenttree/internal/ids"
	"github.com/agenttree/agenttree/internal/lock"
	"gopkg.in/yaml.v3"
)

// AgentEntry is one live-agent registry row.
type AgentEntry struct {
	IssueID   string    `yaml:"issue_id"`
	Role      string    `yaml:"role"`
	Container string    `yaml:"container"`
	Session   string    `yaml:"session"`
	Port      int       `yaml:"port"`
	Branch    string    `yaml:"branch"`
	Worktree  string    `yaml:"worktree"`
	StartTime time.Time `yaml:"start_time"`
}

// state is the on-disk shape of state.yaml.
type state struct {
	PortMin      int          `yaml:"port_min"`
	PortMax      int          `yaml:"port_max"`
	AllocatedPorts []int      `yaml:"allocated_ports"`
	Agents       []AgentEntry `yaml:"agents"`
	SyncCount    int          `yaml:"sync_count"`
}

// Allocator is the lock-bracketed accessor for one sidecar's state.yaml.
type Allocator struct {
	path string
	fl   *lock.FileLock
	min  int
	max  int
}

// New returns an Allocator for the state.yaml at path, using port range
// [min, max] inclusive as the default for a never-before-initialized file.
func New(path string, min, max int) *Allocator {
	return &Allocator{path: path, fl: lock.New(path + ".lock"), min: min, max: max}
}

func (a *Allocator) load() (*state, error) {
	data, err := os.ReadFile(a.path)
	if os.IsNotExist(err) {
		return &state{PortMin: a.min, PortMax: a.max}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", a.path, err)
	}
	var st state
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, apierr.Wrap(apierr.CorruptRecord, fmt.Errorf("failed to parse %s: %w", a.path, err))
	}
	if st.PortMin == 0 && st.PortMax == 0 {
		st.PortMin, st.PortMax = a.min, a.max
	}
	return &st, nil
}

func (a *Allocator) save(st *state) error {
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := os.WriteFile(a.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", a.path, err)
	}
	return nil
}

// withLock acquires the lock with the default bounded timeout, loads the
// snapshot, runs fn to mutate it, then saves it. All writes are
// whole-file replacements so no operation partially mutates state.yaml.
func (a *Allocator) withLock(fn func(*state) error) error {
	ctx := context.Background()
	return a.fl.WithLock(ctx, lock.DefaultTimeout, func() error {
		st, err := a.load()
		if err != nil {
			return err
		}
		if err := fn(st); err != nil {
			return err
		}
		return a.save(st)
	})
}

func isPortTaken(st *state, port int) bool {
	for _, p := range st.AllocatedPorts {
		if p == port {
			return true
		}
	}
	return false
}

// allocatePortLocked finds a free port for issue n: try the deterministic
// tentative port first, then scan forward (wrapping) within the range.
func allocatePortLocked(st *state, n int) (int, error) {
	rangeSize := st.PortMax - st.PortMin + 1
	tentative := ids.TentativePort(n, st.PortMin, st.PortMax)

	if !isPortTaken(st, tentative) {
		st.AllocatedPorts = append(st.AllocatedPorts, tentative)
		return tentative, nil
	}

	for i := 1; i < rangeSize; i++ {
		candidate := st.PortMin + ((tentative - st.PortMin + i) % rangeSize)
		if candidate == st.PortMin {
			// reserved for the manager itself
			continue
		}
		if !isPortTaken(st, candidate) {
			st.AllocatedPorts = append(st.AllocatedPorts, candidate)
			return candidate, nil
		}
	}

	return 0, apierr.New(apierr.ResourceExhausted, "no free port in range after bounded scan")
}

func freePortLocked(st *state, port int) {
	out := st.AllocatedPorts[:0]
	for _, p := range st.AllocatedPorts {
		if p != port {
			out = append(out, p)
		}
	}
	st.AllocatedPorts = out
}

func findAgentIdx(st *state, issueID, role string) int {
	for i, e := range st.Agents {
		if e.IssueID == issueID && e.Role == role {
			return i
		}
	}
	return -1
}

// RegisterAgent atomically allocates a port and appends a registry entry.
// Fails if (issue_id, role) is already live.
func (a *Allocator) RegisterAgent(issueID, role, container, session, branch, worktree string) (int, error) {
	n, err := ids.ParseID(issueID)
	if err != nil {
		return 0, fmt.Errorf("invalid issue id %q: %w", issueID, err)
	}

	var port int
	err = a.withLock(func(st *state) error {
		if findAgentIdx(st, issueID, role) >= 0 {
			return apierr.New(apierr.Validation, fmt.Sprintf("agent already live for issue %s role %s", issueID, role))
		}
		p, err := allocatePortLocked(st, n)
		if err != nil {
			return err
		}
		port = p
		st.Agents = append(st.Agents, AgentEntry{
			IssueID:   issueID,
			Role:      role,
			Container: container,
			Session:   session,
			Port:      port,
			Branch:    branch,
			Worktree:  worktree,
			StartTime: time.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return port, nil
}

// UnregisterAgent releases the port and removes the registry entry.
// Idempotent: unregistering an unknown (issue_id, role) is not an error.
func (a *Allocator) UnregisterAgent(issueID, role string) error {
	return a.withLock(func(st *state) error {
		idx := findAgentIdx(st, issueID, role)
		if idx < 0 {
			return nil
		}
		port := st.Agents[idx].Port
		st.Agents = append(st.Agents[:idx], st.Agents[idx+1:]...)
		freePortLocked(st, port)
		return nil
	})
}

// ListAgents returns all live registry entries.
func (a *Allocator) ListAgents() ([]AgentEntry, error) {
	var out []AgentEntry
	err := a.withLock(func(st *state) error {
		out = append(out, st.Agents...)
		return nil
	})
	return out, err
}

// GetAgent returns the live entry for (issue_id, role), if any.
func (a *Allocator) GetAgent(issueID, role string) (AgentEntry, bool, error) {
	var entry AgentEntry
	var found bool
	err := a.withLock(func(st *state) error {
		if idx := findAgentIdx(st, issueID, role); idx >= 0 {
			entry = st.Agents[idx]
			found = true
		}
		return nil
	})
	return entry, found, err
}

// AllocatePort allocates a port independent of any registry entry —
// preferred, if given and free, otherwise port_max if free, then the
// next free port scanning upward from port_min+1 (port_min itself is
// never handed out here).
func (a *Allocator) AllocatePort(preferred int) (int, error) {
	var port int
	err := a.withLock(func(st *state) error {
		if preferred != 0 && preferred >= st.PortMin && preferred <= st.PortMax && !isPortTaken(st, preferred) {
			st.AllocatedPorts = append(st.AllocatedPorts, preferred)
			port = preferred
			return nil
		}
		p, err := allocatePortLocked(st, 0)
		if err != nil {
			return err
		}
		port = p
		return nil
	})
	return port, err
}

// FreePort releases a port back to the pool.
func (a *Allocator) FreePort(n int) error {
	return a.withLock(func(st *state) error {
		freePortLocked(st, n)
		return nil
	})
}

// IncrementSyncCount bumps and returns the sync loop's tick counter, used
// by run_every_n_syncs hook gating.
func (a *Allocator) IncrementSyncCount() (int, error) {
	var count int
	err := a.withLock(func(st *state) error {
		st.SyncCount++
		count = st.SyncCount
		return nil
	})
	return count, err
}
