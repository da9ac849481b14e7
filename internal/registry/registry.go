package registry

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/opm-sh/opm/internal/config"
	"github.com/opm-sh/opm/internal/probe"
)

// ErrNotFound is returned when an operation names an id the registry does
// not hold.
var ErrNotFound = errors.New("process not found")

// Deps are the collaborators every registry instance needs. Tests substitute
// a fake probe and a discard logger.
type Deps struct {
	// Base is the state directory ($HOME/.opm). Empty disables persistence.
	Base   string
	Config config.Config
	Probe  probe.Probe
	Logger *log.Logger
}

// Registry is an in-memory snapshot of the process table, loaded from and
// persisted to the dump file. The daemon and each CLI/API operation work on
// their own snapshot; the dump on disk is the point of convergence.
type Registry struct {
	nextID int
	procs  map[int]*Process

	deps     Deps
	dumpPath string
}

// Open loads the registry snapshot from the dump under deps.Base, creating
// an empty one (and its dump file) on first use. A corrupted dump is
// quarantined and replaced by a fresh empty registry.
func Open(deps Deps) (*Registry, error) {
	if deps.Logger == nil {
		deps.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	r := &Registry{
		procs: map[int]*Process{},
		deps:  deps,
	}
	if deps.Base != "" {
		r.dumpPath = config.DumpPath(deps.Base)
		if err := r.load(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Save persists the snapshot to the dump file. A registry opened without a
// base directory (tests, remote-backed views) skips persistence.
func (r *Registry) Save() error {
	if r.dumpPath == "" {
		return nil
	}
	return writeDump(r.dumpPath, r)
}

// NextID returns the id the next Start will use, without consuming it.
func (r *Registry) NextID() int { return r.nextID }

// allocID hands out the next id and advances the allocator.
func (r *Registry) allocID() int {
	id := r.nextID
	r.nextID++
	return id
}

// Size returns the maximum id currently held, or -1 for an empty registry.
func (r *Registry) Size() int {
	max := -1
	for id := range r.procs {
		if id > max {
			max = id
		}
	}
	return max
}

// Count returns the number of processes.
func (r *Registry) Count() int { return len(r.procs) }

// Exists reports whether id is present.
func (r *Registry) Exists(id int) bool {
	_, ok := r.procs[id]
	return ok
}

// Get returns the process for id.
func (r *Registry) Get(id int) (*Process, error) {
	p, ok := r.procs[id]
	if !ok {
		return nil, fmt.Errorf("%w (id=%d)", ErrNotFound, id)
	}
	return p, nil
}

// IDs returns all ids in ascending order. Supervision and listing walk the
// table in this order.
func (r *Registry) IDs() []int {
	ids := make([]int, 0, len(r.procs))
	for id := range r.procs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Processes returns the processes in ascending id order.
func (r *Registry) Processes() []*Process {
	out := make([]*Process, 0, len(r.procs))
	for _, id := range r.IDs() {
		out = append(out, r.procs[id])
	}
	return out
}

// FindByName returns the first process (lowest id) with the given name.
func (r *Registry) FindByName(name string) (*Process, bool) {
	for _, id := range r.IDs() {
		if r.procs[id].Name == name {
			return r.procs[id], true
		}
	}
	return nil, false
}

// Rename sets the process name and persists.
func (r *Registry) Rename(id int, name string) error {
	p, err := r.Get(id)
	if err != nil {
		return err
	}
	p.Name = name
	return r.Save()
}

// SetEnv merges env into the process's stored overlay and persists.
func (r *Registry) SetEnv(id int, env Env) error {
	p, err := r.Get(id)
	if err != nil {
		return err
	}
	if p.Env == nil {
		p.Env = Env{}
	}
	for k, v := range env {
		p.Env[k] = v
	}
	return r.Save()
}

// ClearEnv empties the stored overlay and persists.
func (r *Registry) ClearEnv(id int) error {
	p, err := r.Get(id)
	if err != nil {
		return err
	}
	p.Env = Env{}
	return r.Save()
}

// SetWatch enables or disables watch-reload for the process. Enabling
// fingerprints the watched path immediately so the first supervisor tick
// does not see a spurious change.
func (r *Registry) SetWatch(id int, path string, enabled bool) error {
	p, err := r.Get(id)
	if err != nil {
		return err
	}
	if enabled {
		p.Watch = Watch{Enabled: true, Path: path, Hash: HashPath(resolveWatchPath(p.Path, path))}
	} else {
		p.Watch = Watch{}
	}
	return r.Save()
}

// SetMaxMemory updates the memory ceiling and persists.
func (r *Registry) SetMaxMemory(id int, limit uint64) error {
	p, err := r.Get(id)
	if err != nil {
		return err
	}
	p.MaxMemory = limit
	return r.Save()
}

// ResetCounters zeroes restarts and the crash state, and persists.
func (r *Registry) ResetCounters(id int) error {
	p, err := r.Get(id)
	if err != nil {
		return err
	}
	p.Restarts = 0
	p.Crash = Crash{}
	return r.Save()
}

// SetChildren records the last observed descendant pids and persists.
func (r *Registry) SetChildren(id int, children []int) error {
	p, err := r.Get(id)
	if err != nil {
		return err
	}
	p.Children = children
	return r.Save()
}

// Reset re-seats the id allocator. When id 0 is free but id 1 is occupied
// the process at id 1 is promoted to id 0; the allocator then continues
// from the maximum id.
func (r *Registry) Reset() error {
	if !r.Exists(0) {
		if p, ok := r.procs[1]; ok {
			delete(r.procs, 1)
			p.ID = 0
			r.procs[0] = p
		}
	}
	r.nextID = r.Size() + 1
	return r.Save()
}
