package channel

import (
	"sync"

	"github.com/c360studio/valet/fault"
)

// Registry maps channels to their adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Channel]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[Channel]Adapter)}
}

// Register installs an adapter for its channel, replacing any previous
// registration.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Channel()] = a
}

// Get returns the adapter for a channel, or a precondition error when
// none is registered.
func (r *Registry) Get(c Channel) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[c]
	if !ok {
		return nil, fault.Newf(fault.KindPrecondition, "no adapter registered for channel %s", c)
	}
	return a, nil
}

// Channels returns the channels with a registered adapter.
func (r *Registry) Channels() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.adapters))
	for c := range r.adapters {
		out = append(out, c)
	}
	return out
}
