package sandbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Registration binds a sandbox type to everything needed to provision it.
// It is immutable once registered.
type Registration struct {
	Type          Type
	Kind          Kind
	Image         string
	SecurityLevel string
	Timeout       time.Duration
	Description   string

	// Environment holds default environment variables for the container.
	Environment map[string]string

	// StaticVolumes are type-level volume bindings, merged below
	// session-level bindings (see MergeVolumes).
	StaticVolumes []VolumeBinding

	// AcceptsMCP marks types that can proxy injected MCP tool servers.
	AcceptsMCP bool

	// NewCloud constructs the sandbox for cloud kinds. Unset for
	// container kinds, which are provisioned by the manager.
	NewCloud func(ctx context.Context) (Sandbox, error)
}

// Registry is the catalog mapping sandbox types to their registrations.
// It holds only metadata, no live resources, so it has no teardown. The
// process-wide DefaultRegistry is populated at init time by the built-in
// types; tests construct isolated registries with NewRegistry.
type Registry struct {
	mu    sync.RWMutex
	types map[Type]Registration
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[Type]Registration)}
}

// DefaultRegistry is the shared process-wide catalog.
var DefaultRegistry = NewRegistry()

// Register adds a type registration. Re-registering the same definition
// is allowed (tolerates repeated imports); a conflicting definition
// returns DuplicateRegistrationError.
func (r *Registry) Register(reg Registration) error {
	if reg.Type == "" {
		return &ConfigurationError{Backend: "registry", Reason: "registration has empty type"}
	}
	if reg.Kind == "" {
		reg.Kind = KindContainer
	}
	if reg.Kind == KindCloud && reg.NewCloud == nil {
		return &ConfigurationError{Backend: "registry", Reason: "cloud registration for " + reg.Type.String() + " has no factory"}
	}
	if reg.Timeout <= 0 {
		reg.Timeout = DefaultDeployTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.types[reg.Type]; ok {
		if !sameDefinition(prev, reg) {
			return &DuplicateRegistrationError{Type: reg.Type}
		}
		return nil
	}
	r.types[reg.Type] = reg
	return nil
}

// Get returns the registration for a type.
func (r *Registry) Get(t Type) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.types[t]
	if !ok {
		return Registration{}, &UnknownTypeError{Type: t}
	}
	return reg, nil
}

// Types returns all registered types, sorted for stable output.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// sameDefinition compares the identifying fields of two registrations.
// Factories are not comparable; the image/kind pair is what matters for
// idempotent re-registration.
func sameDefinition(a, b Registration) bool {
	return a.Kind == b.Kind &&
		a.Image == b.Image &&
		a.SecurityLevel == b.SecurityLevel &&
		a.Description == b.Description
}
