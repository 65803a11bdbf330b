package plugin

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/porter/pkg/domain"
)

var (
	// ErrNotFound is returned when no plugin owns the resource id.
	ErrNotFound = errors.New("plugin: not found")
	// ErrFrozen is returned when Register is called after startup.
	ErrFrozen = errors.New("plugin: registry is frozen")
)

// Registry resolves plugins by resource id. Mutable only during process
// init; Freeze() makes it read-only for the request path.
type Registry struct {
	mu      sync.RWMutex
	plugins map[domain.ResourceID]Plugin
	frozen  bool
}

func NewRegistry() *Registry {
	return &Registry{plugins: make(map[domain.ResourceID]Plugin)}
}

// Register validates the manifest and installs the plugin. One plugin per
// id; duplicates and malformed manifests are rejected.
func (r *Registry) Register(p Plugin) error {
	if p == nil {
		return errors.New("plugin: nil plugin")
	}
	m := p.Manifest()
	if err := m.ID.Validate(); err != nil {
		return fmt.Errorf("plugin: manifest id: %w", err)
	}
	if m.Name == "" {
		return fmt.Errorf("plugin %s: manifest name is empty", m.ID)
	}
	if len(m.Actions) == 0 {
		return fmt.Errorf("plugin %s: manifest lists no actions", m.ID)
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("plugin %s: version %q is not semver: %w", m.ID, m.Version, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if _, exists := r.plugins[m.ID]; exists {
		return fmt.Errorf("plugin %s: already registered", m.ID)
	}
	r.plugins[m.ID] = p
	return nil
}

// Freeze ends the registration phase.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Get resolves a plugin by resource id.
func (r *Registry) Get(id domain.ResourceID) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

// GetByParts resolves by (resourceType, provider).
func (r *Registry) GetByParts(resourceType, provider string) (Plugin, error) {
	id, err := domain.NewResourceID(resourceType, provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return r.Get(id)
}

// ListByType returns every plugin whose resource type matches.
func (r *Registry) ListByType(resourceType string) []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Plugin
	for id, p := range r.plugins {
		if id.Type() == resourceType {
			out = append(out, p)
		}
	}
	return out
}

// List returns every registered plugin's manifest.
func (r *Registry) List() []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Manifest, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p.Manifest())
	}
	return out
}
