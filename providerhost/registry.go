package providerhost

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// ToolDescriptor is the authoritative metadata for one registered tool.
type ToolDescriptor struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	Provider     string          `json:"provider"`
}

// Registry is the single source of truth mapping tool names to the provider
// that owns them. Get is lock-free via an xsync map. Writes go through
// ReplaceProviderTools, which serializes on mu; List holds mu while it copies
// the map, so the per-provider swap in invariant 5 never exposes a
// half-replaced tool set to it.
type Registry struct {
	tools      *xsync.MapOf[string, ToolDescriptor]
	mu         sync.Mutex // guards byProvider and the atomicity of swaps
	byProvider map[string]map[string]struct{}
	bus        *EventBus
}

// NewRegistry creates an empty registry publishing events on bus. bus may be
// nil, in which case registrations happen silently (useful for tests).
func NewRegistry(bus *EventBus) *Registry {
	return &Registry{
		tools:      xsync.NewMapOf[string, ToolDescriptor](),
		byProvider: make(map[string]map[string]struct{}),
		bus:        bus,
	}
}

// ReplaceProviderTools atomically removes all tools currently owned by
// provider and installs newTools in their place. It fails with
// *NameCollision, and leaves the registry unchanged, if any name in
// newTools is already owned by a different provider.
func (r *Registry) ReplaceProviderTools(provider string, newTools []ToolDescriptor) error {
	r.mu.Lock()

	for _, t := range newTools {
		if existing, ok := r.tools.Load(t.Name); ok && existing.Provider != provider {
			r.mu.Unlock()
			return &NameCollision{Name: t.Name, OwningProvider: existing.Provider, RequestProvider: provider}
		}
	}

	previous := r.byProvider[provider]
	removed := make([]string, 0, len(previous))
	for name := range previous {
		stillOwned := false
		for _, t := range newTools {
			if t.Name == name {
				stillOwned = true
				break
			}
		}
		if !stillOwned {
			removed = append(removed, name)
		}
	}

	owned := make(map[string]struct{}, len(newTools))
	added := make([]string, 0, len(newTools))
	for _, t := range newTools {
		t.Provider = provider
		if _, existed := previous[t.Name]; !existed {
			added = append(added, t.Name)
		}
		r.tools.Store(t.Name, t)
		owned[t.Name] = struct{}{}
	}
	for _, name := range removed {
		r.tools.Delete(name)
	}
	if len(owned) == 0 {
		delete(r.byProvider, provider)
	} else {
		r.byProvider[provider] = owned
	}

	r.mu.Unlock()

	if r.bus != nil {
		for _, name := range removed {
			r.bus.Publish(Event{Kind: EventToolUnregistered, Provider: provider, Tool: name})
		}
		for _, name := range added {
			r.bus.Publish(Event{Kind: EventToolRegistered, Provider: provider, Tool: name})
		}
	}
	return nil
}

// ClearProvider removes every tool owned by provider, equivalent to
// ReplaceProviderTools(provider, nil).
func (r *Registry) ClearProvider(provider string) error {
	return r.ReplaceProviderTools(provider, nil)
}

// Get returns the descriptor registered under name, if any.
func (r *Registry) Get(name string) (ToolDescriptor, bool) {
	return r.tools.Load(name)
}

// List returns every registered descriptor in deterministic order by name.
func (r *Registry) List() []ToolDescriptor {
	r.mu.Lock()
	out := make([]ToolDescriptor, 0, r.tools.Size())
	r.tools.Range(func(_ string, d ToolDescriptor) bool {
		out = append(out, d)
		return true
	})
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ProviderTools returns the set of tool names currently owned by provider,
// in deterministic order.
func (r *Registry) ProviderTools(provider string) []string {
	r.mu.Lock()
	owned := r.byProvider[provider]
	names := make([]string, 0, len(owned))
	for name := range owned {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}
