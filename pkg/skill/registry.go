package skill

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the registered skills and enforces the layering rule at
// registration time: every dependency must already be registered with a
// strictly lower layer. Registration order is therefore leaves-first.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]Skill
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{skills: map[string]Skill{}}
}

// Register adds a skill, rejecting duplicates, missing dependencies and
// upward or same-layer dependencies.
func (r *Registry) Register(s Skill) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := s.Name()
	if name == "" {
		return fmt.Errorf("skill name must not be empty")
	}
	if _, exists := r.skills[name]; exists {
		return fmt.Errorf("skill %q already registered", name)
	}

	for _, dep := range s.Dependencies() {
		lower, ok := r.skills[dep]
		if !ok {
			return fmt.Errorf("skill %q depends on unregistered skill %q", name, dep)
		}
		if lower.Layer() >= s.Layer() {
			return fmt.Errorf("skill %q (layer %d) may not depend on %q (layer %d)",
				name, s.Layer(), dep, lower.Layer())
		}
	}

	r.skills[name] = s
	return nil
}

// Get returns a skill by name.
func (r *Registry) Get(name string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	return s, ok
}

// Names returns the registered skill names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
