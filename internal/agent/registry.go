package agent

import (
	"sort"
	"sync"
	"time"

	"github.com/opm-sh/opm/internal/notify"
)

// Registry is the server-side table of connected agents, guarded for
// concurrent readers and writers. Register and Unregister dispatch
// connect/disconnect notifications asynchronously through the notifier.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Info

	notifier *notify.Manager
}

// NewRegistry builds an empty registry. notifier may be nil.
func NewRegistry(notifier *notify.Manager) *Registry {
	return &Registry{
		agents:   map[string]Info{},
		notifier: notifier,
	}
}

// Register inserts or replaces the agent record.
func (r *Registry) Register(info Info) {
	r.mu.Lock()
	r.agents[info.ID] = info
	r.mu.Unlock()

	if r.notifier != nil {
		r.notifier.Dispatch(notify.Eventf(notify.EventAgentConnected,
			"Agent connected", "agent %s (%s) registered", info.Name, info.ID))
	}
}

// Unregister removes the agent. Unknown ids are a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	info, ok := r.agents[id]
	delete(r.agents, id)
	r.mu.Unlock()

	if ok && r.notifier != nil {
		r.notifier.Dispatch(notify.Eventf(notify.EventAgentDisconnected,
			"Agent disconnected", "agent %s (%s) removed", info.Name, info.ID))
	}
}

// Get returns the agent record for id.
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.agents[id]
	return info, ok
}

// List returns all agents ordered by name for stable output.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.agents))
	for _, info := range r.agents {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UpdateHeartbeat stamps last_seen and reports whether the id was known.
func (r *Registry) UpdateHeartbeat(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.agents[id]
	if !ok {
		return false
	}
	info.LastSeen = time.Now().Unix()
	info.Status = StatusOnline
	r.agents[id] = info
	return true
}
