package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry sentinel errors. Callers distinguish "no such plugin" from
// "plugin exists but doesn't answer that command" via errors.Is.
var (
	ErrDuplicateName  = errors.New("plugin name already registered")
	ErrUnknownPlugin  = errors.New("unknown plugin")
	ErrUnknownCommand = errors.New("unknown command")
	ErrNotRegistered  = errors.New("plugin not registered")
)

// DefaultMaxConcurrent is the per-plugin concurrency ceiling applied
// when a descriptor does not set its own.
const DefaultMaxConcurrent = 4

// Registry holds the set of loaded capability providers indexed by
// name. It is read-mostly after startup: register/unregister serialize
// against concurrent resolves, which take only a read lock.
//
// The registry performs no authentication or admission logic; those are
// layered by the dispatcher.
type Registry struct {
	mu                sync.RWMutex
	defaultMaxInvokes int
	entries           map[string]*entry
}

type entry struct {
	desc  *Descriptor
	slots chan struct{}
}

// NewRegistry creates an empty registry. defaultMaxConcurrent caps
// concurrent invocations per plugin when a descriptor doesn't declare
// its own ceiling (<= 0 uses DefaultMaxConcurrent).
func NewRegistry(defaultMaxConcurrent int) *Registry {
	if defaultMaxConcurrent <= 0 {
		defaultMaxConcurrent = DefaultMaxConcurrent
	}
	return &Registry{
		defaultMaxInvokes: defaultMaxConcurrent,
		entries:           make(map[string]*entry),
	}
}

// Register adds a descriptor. Fails with ErrDuplicateName if the name
// is taken; the existing registration stays active.
func (r *Registry) Register(desc *Descriptor) error {
	if err := desc.validate(); err != nil {
		return fmt.Errorf("register plugin: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[desc.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateName, desc.Name)
	}

	if desc.Init != nil {
		if err := desc.Init(); err != nil {
			return fmt.Errorf("init plugin %q: %w", desc.Name, err)
		}
	}

	max := desc.MaxConcurrent
	if max == 0 {
		max = r.defaultMaxInvokes
	}
	r.entries[desc.Name] = &entry{
		desc:  desc,
		slots: make(chan struct{}, max),
	}
	return nil
}

// Unregister removes a plugin for dynamic teardown and runs its
// Shutdown hook. In-flight invocations already holding a slot run to
// completion. The plugin is removed even when Shutdown fails.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	e, exists := r.entries[name]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	delete(r.entries, name)
	r.mu.Unlock()

	if e.desc.Shutdown != nil {
		if err := e.desc.Shutdown(); err != nil {
			return fmt.Errorf("shutdown plugin %q: %w", name, err)
		}
	}
	return nil
}

// Resolve maps a (plugin, command) pair to an invocable handler
// reference. Fails with ErrUnknownPlugin or ErrUnknownCommand,
// distinctly.
func (r *Registry) Resolve(pluginName, commandName string) (*Resolved, error) {
	r.mu.RLock()
	e, ok := r.entries[pluginName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlugin, pluginName)
	}
	if !e.desc.SupportsCommand(commandName) {
		return nil, fmt.Errorf("%w: plugin %q has no command %q", ErrUnknownCommand, pluginName, commandName)
	}
	return &Resolved{Descriptor: e.desc, slots: e.slots}, nil
}

// Names returns the registered plugin names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns per-plugin info for the admin API.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Info{
			Name:          e.desc.Name,
			Version:       e.desc.Version,
			Description:   e.desc.Description,
			Commands:      append([]string(nil), e.desc.Commands...),
			Capabilities:  e.desc.Capabilities.Strings(),
			MaxConcurrent: cap(e.slots),
			InFlight:      len(e.slots),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolved is a handler reference bound to its plugin's shared
// admission semaphore. The semaphore outlives unregistration, so a
// resolved reference stays safe to release.
type Resolved struct {
	Descriptor *Descriptor
	slots      chan struct{}
}

// Acquire takes one concurrency slot for the plugin, blocking while the
// plugin is at its declared ceiling. Returns ctx.Err() if the context
// ends first.
func (res *Resolved) Acquire(ctx context.Context) error {
	select {
	case res.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns the slot taken by Acquire.
func (res *Resolved) Release() {
	select {
	case <-res.slots:
	default:
		// Release without Acquire is a programming error; don't block.
	}
}
