package language

import (
	"sort"
	"sync"

	appErr "runbox/pkg/errors"
)

// Registry resolves language tags (ids and aliases, case-insensitive) to specs.
type Registry struct {
	mu      sync.RWMutex
	specs   map[string]Spec
	aliases map[string]string
}

// NewRegistry loads the built-in languages and applies overrides. An override
// whose id matches a built-in is merged into it; any other id is added.
func NewRegistry(overrides ...Spec) *Registry {
	r := &Registry{
		specs:   make(map[string]Spec),
		aliases: make(map[string]string),
	}
	for _, s := range DefaultSpecs() {
		r.Register(s)
	}
	for _, o := range overrides {
		id := normalizeTag(o.ID)
		if id == "" {
			continue
		}
		if base, ok := r.lookup(id); ok {
			r.Register(base.merge(o))
			continue
		}
		if o.Family == "" {
			o.Family = FamilyPlain
		}
		r.Register(o)
	}
	return r
}

// Register adds or replaces a spec.
func (r *Registry) Register(s Spec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := normalizeTag(s.ID)
	s.ID = id
	r.specs[id] = s
	r.aliases[id] = id
	for _, a := range s.Aliases {
		r.aliases[normalizeTag(a)] = id
	}
}

// Resolve returns the spec for a tag.
func (r *Registry) Resolve(tag string) (Spec, error) {
	key := normalizeTag(tag)
	if key == "" {
		return Spec{}, appErr.ValidationError("language", "required")
	}
	s, ok := r.lookup(key)
	if !ok {
		return Spec{}, appErr.Unsupported(tag)
	}
	return s, nil
}

func (r *Registry) lookup(key string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.aliases[key]
	if !ok {
		return Spec{}, false
	}
	s, ok := r.specs[id]
	return s, ok
}

// List returns all specs ordered by id.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
