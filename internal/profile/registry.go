package profile

import (
	"fmt"
	"sort"
	"sync"

	ferrors "github.com/calderhq/forge/internal/errors"
)

// Registry maps profile and standards-provider keys to implementations.
// Registration happens explicitly at startup; lookups after that are
// effectively read-only.
type Registry struct {
	mu        sync.RWMutex
	profiles  map[string]Profile
	standards map[string]StandardsProvider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		profiles:  make(map[string]Profile),
		standards: make(map[string]StandardsProvider),
	}
}

// RegisterProfile adds a profile. The profile's schema is validated here so
// a malformed schema fails at startup.
func (r *Registry) RegisterProfile(p Profile) error {
	if p.Name() == "" {
		return fmt.Errorf("profile has empty name")
	}
	if err := p.ContextSchema().Validate(); err != nil {
		return fmt.Errorf("profile %s: invalid context schema: %w", p.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.profiles[p.Name()]; dup {
		return fmt.Errorf("profile %s already registered", p.Name())
	}
	r.profiles[p.Name()] = p
	return nil
}

// Profile resolves a profile by key.
func (r *Registry) Profile(key string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[key]
	if !ok {
		return nil, ferrors.ProfileUnknown(key)
	}
	return p, nil
}

// Profiles returns registered profile keys, sorted.
func (r *Registry) Profiles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.profiles))
	for k := range r.profiles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RegisterStandards adds a standards provider.
func (r *Registry) RegisterStandards(p StandardsProvider) error {
	if p.Name() == "" {
		return fmt.Errorf("standards provider has empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.standards[p.Name()]; dup {
		return fmt.Errorf("standards provider %s already registered", p.Name())
	}
	r.standards[p.Name()] = p
	return nil
}

// Standards resolves a standards provider by key.
func (r *Registry) Standards(key string) (StandardsProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.standards[key]
	if !ok {
		return nil, ferrors.ConfigInvalid(fmt.Sprintf("unknown standards provider %q", key))
	}
	return p, nil
}
