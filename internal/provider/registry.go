package provider

import (
	"fmt"
	"sort"
	"sync"

	ferrors "github.com/calderhq/forge/internal/errors"
)

// Registry holds the two provider registries. Registration is explicit at
// startup; the built-in approvers (skip, manual) are pre-registered.
type Registry struct {
	mu        sync.RWMutex
	ai        map[string]func() AIProvider
	approvals map[string]func(config map[string]any) ApprovalProvider
}

// NewRegistry creates a registry with the built-in approvers registered.
func NewRegistry() *Registry {
	r := &Registry{
		ai:        make(map[string]func() AIProvider),
		approvals: make(map[string]func(map[string]any) ApprovalProvider),
	}
	r.approvals[KeySkip] = func(map[string]any) ApprovalProvider { return &SkipApprover{} }
	r.approvals[KeyManual] = func(map[string]any) ApprovalProvider { return &ManualApprover{} }
	return r
}

// RegisterAI adds an AI provider constructor under key.
func (r *Registry) RegisterAI(key string, ctor func() AIProvider) error {
	if key == "" {
		return fmt.Errorf("ai provider key is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.ai[key]; dup {
		return fmt.Errorf("ai provider %s already registered", key)
	}
	r.ai[key] = ctor
	return nil
}

// RegisterApproval adds an approval provider constructor under key.
func (r *Registry) RegisterApproval(key string, ctor func(config map[string]any) ApprovalProvider) error {
	if key == "" {
		return fmt.Errorf("approval provider key is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.approvals[key]; dup {
		return fmt.Errorf("approval provider %s already registered", key)
	}
	r.approvals[key] = ctor
	return nil
}

// HasAI reports whether an AI provider is registered under key.
func (r *Registry) HasAI(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ai[key]
	return ok
}

// HasApproval reports whether key resolves to an approval provider, either
// directly or via the AI-as-approver adapter.
func (r *Registry) HasApproval(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.approvals[key]; ok {
		return true
	}
	_, ok := r.ai[key]
	return ok
}

// CreateAI instantiates the AI provider registered under key.
func (r *Registry) CreateAI(key string) (AIProvider, error) {
	r.mu.RLock()
	ctor, ok := r.ai[key]
	r.mu.RUnlock()
	if !ok {
		return nil, ferrors.ProviderUnknown(key)
	}
	return ctor(), nil
}

// CreateApproval instantiates an approval provider. The approval registry is
// consulted first; a key found only in the AI registry is wrapped via the
// AIApprovalProvider adapter.
func (r *Registry) CreateApproval(key string, config map[string]any) (ApprovalProvider, error) {
	r.mu.RLock()
	ctor, ok := r.approvals[key]
	if !ok {
		aiCtor, aiOK := r.ai[key]
		r.mu.RUnlock()
		if !aiOK {
			return nil, ferrors.ProviderUnknown(key)
		}
		return NewAIApprovalProvider(aiCtor(), config), nil
	}
	r.mu.RUnlock()
	return ctor(config), nil
}

// DeclaredApprovalFS returns the fs ability a directly registered approval
// provider declares, and whether key is a direct approval provider at all.
// Config validation uses this to reject fs-none approvers at load time; keys
// resolved through the AI adapter are exempt since the adapter inlines
// contents into the prompt itself.
func (r *Registry) DeclaredApprovalFS(key string) (FSAbility, bool) {
	r.mu.RLock()
	ctor, ok := r.approvals[key]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	return ctor(nil).Metadata().FSAbility, true
}

// AIKeys returns registered AI provider keys, sorted.
func (r *Registry) AIKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.ai))
	for k := range r.ai {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
