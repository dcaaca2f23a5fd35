// Package techniques holds the technique registry: the catalog of known
// construction techniques plus every synthesized implementation accepted during
// the life of the process.
package techniques

import (
	"fmt"
	"sort"
	"sync"

	"shapesmith/internal/logging"
	"shapesmith/internal/types"
)

// Persister durably records synthesized implementations.
type Persister interface {
	Save(impl *types.TechniqueImplementation) error
	Delete(id, hash string) error
}

// Registry maps technique identifiers to implementations.
// It is safe for concurrent use; lookups take a read lock and registrations are
// serialized. Registration is first-writer-wins.
type Registry struct {
	mu         sync.RWMutex
	techniques map[string]*types.TechniqueImplementation

	// byParadigm provides fast listing per paradigm.
	byParadigm map[types.Paradigm]map[string]struct{}

	persister Persister
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		techniques: make(map[string]*types.TechniqueImplementation),
		byParadigm: make(map[types.Paradigm]map[string]struct{}),
	}
}

// NewCatalogRegistry creates a registry seeded with the built-in catalog.
func NewCatalogRegistry() (*Registry, error) {
	r := NewRegistry()
	if err := LoadCatalog(r); err != nil {
		return nil, err
	}
	return r, nil
}

// SetPersister attaches durable storage. Only synthesized implementations are
// persisted.
func (r *Registry) SetPersister(p Persister) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persister = p
}

type registerOptions struct {
	override bool
}

// RegisterOption customizes a single registration.
type RegisterOption func(*registerOptions)

// WithOverride replaces an existing implementation with a different hash.
// Used for catalog hot reloads, never for synthesis.
func WithOverride() RegisterOption {
	return func(o *registerOptions) { o.override = true }
}

func validate(impl *types.TechniqueImplementation) error {
	if impl == nil || impl.ID == "" {
		return ErrIDEmpty
	}
	if impl.Source == "" {
		return ErrSourceEmpty
	}
	if !impl.Paradigm.Concrete() {
		return ErrParadigmUnknown
	}
	if impl.Hash != "" && impl.Hash != types.HashSource(impl.Source) {
		return ErrHashMismatch
	}
	return nil
}

func clone(impl *types.TechniqueImplementation) *types.TechniqueImplementation {
	cp := *impl
	if impl.Schema != nil {
		cp.Schema = make(types.ParamSchema, len(impl.Schema))
		for k, v := range impl.Schema {
			cp.Schema[k] = v
		}
	}
	return &cp
}

// Register adds impl under its id and returns the implementation that holds
// the id afterwards.
//
// Same id and same hash is an idempotent no-op. Same id and a different hash
// keeps the existing entry and returns it together with ErrConflict, unless
// WithOverride is given.
func (r *Registry) Register(impl *types.TechniqueImplementation, opts ...RegisterOption) (*types.TechniqueImplementation, error) {
	if err := validate(impl); err != nil {
		return nil, fmt.Errorf("invalid technique: %w", err)
	}
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}

	stored := clone(impl)
	if stored.Hash == "" {
		stored.Hash = types.HashSource(stored.Source)
	}

	r.mu.Lock()
	if existing, ok := r.techniques[stored.ID]; ok {
		if existing.Hash == stored.Hash {
			r.mu.Unlock()
			return clone(existing), nil
		}
		if !o.override {
			r.mu.Unlock()
			logging.RegistryDebug("conflict for %s: keeping %.12s, rejecting %.12s", stored.ID, existing.Hash, stored.Hash)
			return clone(existing), fmt.Errorf("%w: %s", ErrConflict, stored.ID)
		}
		delete(r.byParadigm[existing.Paradigm], existing.ID)
	}
	r.techniques[stored.ID] = stored
	if r.byParadigm[stored.Paradigm] == nil {
		r.byParadigm[stored.Paradigm] = make(map[string]struct{})
	}
	r.byParadigm[stored.Paradigm][stored.ID] = struct{}{}
	persister := r.persister
	r.mu.Unlock()

	logging.RegistryDebug("registered %s (paradigm=%s origin=%s hash=%.12s)", stored.ID, stored.Paradigm, stored.Origin, stored.Hash)

	if persister != nil && stored.Origin == types.OriginSynthesized {
		if err := persister.Save(stored); err != nil {
			logging.RegistryWarn("failed to persist %s: %v", stored.ID, err)
		}
	}
	return clone(stored), nil
}

// MustRegister registers impl and panics on error.
// Use this for static registration at startup.
func (r *Registry) MustRegister(impl *types.TechniqueImplementation) {
	if _, err := r.Register(impl); err != nil {
		panic(fmt.Sprintf("failed to register technique %s: %v", impl.ID, err))
	}
}

// Lookup returns a copy of the implementation registered under id.
func (r *Registry) Lookup(id string) (*types.TechniqueImplementation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	impl, ok := r.techniques[id]
	if !ok {
		return nil, false
	}
	return clone(impl), true
}

// Has returns true if id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.techniques[id]
	return ok
}

// Schema returns the declared parameter schema for id, if one is known.
// Synthesized techniques only carry a schema inferred from their first call;
// it is descriptive and never returned here.
func (r *Registry) Schema(id string) (types.ParamSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	impl, ok := r.techniques[id]
	if !ok || impl.Schema == nil || impl.Origin == types.OriginSynthesized {
		return nil, false
	}
	return clone(impl).Schema, true
}

// Evict removes id only if the registered implementation still has hash, so a
// concurrent winner is never evicted by a loser.
func (r *Registry) Evict(id, hash string) bool {
	r.mu.Lock()
	existing, ok := r.techniques[id]
	if !ok || existing.Hash != hash {
		r.mu.Unlock()
		return false
	}
	delete(r.techniques, id)
	delete(r.byParadigm[existing.Paradigm], id)
	persister := r.persister
	r.mu.Unlock()

	logging.Registry("evicted %s (hash=%.12s)", id, hash)
	if persister != nil && existing.Origin == types.OriginSynthesized {
		if err := persister.Delete(id, hash); err != nil {
			logging.RegistryWarn("failed to delete persisted %s: %v", id, err)
		}
	}
	return true
}

// Len returns the number of registered techniques.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.techniques)
}

// List returns copies of all implementations sorted by id.
func (r *Registry) List() []*types.TechniqueImplementation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*types.TechniqueImplementation, 0, len(r.techniques))
	for _, impl := range r.techniques {
		result = append(result, clone(impl))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// ByParadigm returns the sorted ids registered for a paradigm.
func (r *Registry) ByParadigm(p types.Paradigm) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byParadigm[p]))
	for id := range r.byParadigm[p] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
