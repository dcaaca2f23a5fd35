package techniques

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shapesmith/internal/types"
)

const boxSource = `package technique

import "geom"

func Build(b *geom.Builder, p geom.Params) error {
	b.Emit(b.Box(1, 1, 1))
	return nil
}
`

const sphereSource = `package technique

import "geom"

func Build(b *geom.Builder, p geom.Params) error {
	b.Emit(b.Sphere(1))
	return nil
}
`

func synthesized(id, src string) *types.TechniqueImplementation {
	return types.NewImplementation(id, types.ParadigmArtistic, types.OriginSynthesized, src)
}

type recordingPersister struct {
	mu      sync.Mutex
	saved   []string
	deleted []string
	err     error
}

func (p *recordingPersister) Save(impl *types.TechniqueImplementation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = append(p.saved, impl.ID)
	return p.err
}

func (p *recordingPersister) Delete(id, hash string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, id)
	return p.err
}

func TestNewRegistryIsEmpty(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.List())
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()

	stored, err := r.Register(synthesized("star_bezel", boxSource))
	require.NoError(t, err)
	assert.Equal(t, types.HashSource(boxSource), stored.Hash)

	got, ok := r.Lookup("star_bezel")
	require.True(t, ok)
	assert.Equal(t, boxSource, got.Source)
	assert.Equal(t, types.OriginSynthesized, got.Origin)
	assert.True(t, r.Has("star_bezel"))

	_, ok = r.Lookup("missing")
	assert.False(t, ok)
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name    string
		impl    *types.TechniqueImplementation
		wantErr error
	}{
		{"nil", nil, ErrIDEmpty},
		{"empty id", &types.TechniqueImplementation{Source: boxSource, Paradigm: types.ParadigmPrecision}, ErrIDEmpty},
		{"empty source", &types.TechniqueImplementation{ID: "x", Paradigm: types.ParadigmPrecision}, ErrSourceEmpty},
		{"unspecified paradigm", &types.TechniqueImplementation{ID: "x", Source: boxSource, Paradigm: types.ParadigmUnspecified}, ErrParadigmUnknown},
		{"bad hash", &types.TechniqueImplementation{ID: "x", Source: boxSource, Paradigm: types.ParadigmPrecision, Hash: "abc"}, ErrHashMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry().Register(tt.impl)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRegisterSameHashIsIdempotent(t *testing.T) {
	r := NewRegistry()
	first, err := r.Register(synthesized("swirl", boxSource))
	require.NoError(t, err)
	second, err := r.Register(synthesized("swirl", boxSource))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, r.Len())
}

func TestRegisterConflictKeepsFirstWriter(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(synthesized("swirl", boxSource))
	require.NoError(t, err)

	existing, err := r.Register(synthesized("swirl", sphereSource))
	require.ErrorIs(t, err, ErrConflict)
	require.NotNil(t, existing)
	assert.Equal(t, boxSource, existing.Source)

	got, _ := r.Lookup("swirl")
	assert.Equal(t, boxSource, got.Source)
}

func TestRegisterWithOverride(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(types.NewImplementation("swirl", types.ParadigmArtistic, types.OriginRegistry, boxSource))
	require.NoError(t, err)

	replaced, err := r.Register(types.NewImplementation("swirl", types.ParadigmPrecision, types.OriginRegistry, sphereSource), WithOverride())
	require.NoError(t, err)
	assert.Equal(t, sphereSource, replaced.Source)
	assert.Empty(t, r.ByParadigm(types.ParadigmArtistic))
	assert.Equal(t, []string{"swirl"}, r.ByParadigm(types.ParadigmPrecision))
}

func TestLookupReturnsCopy(t *testing.T) {
	r := NewRegistry()
	impl := synthesized("swirl", boxSource)
	impl.Schema = types.ParamSchema{"size": {Type: types.ParamNumber}}
	_, err := r.Register(impl)
	require.NoError(t, err)

	got, _ := r.Lookup("swirl")
	got.Schema["size"] = types.ParamSpec{Type: types.ParamString}
	got.Source = "mutated"

	again, _ := r.Lookup("swirl")
	assert.Equal(t, types.ParamNumber, again.Schema["size"].Type)
	assert.Equal(t, boxSource, again.Source)
}

func TestEvictRequiresMatchingHash(t *testing.T) {
	r := NewRegistry()
	stored, err := r.Register(synthesized("swirl", boxSource))
	require.NoError(t, err)

	assert.False(t, r.Evict("swirl", types.HashSource(sphereSource)))
	assert.True(t, r.Has("swirl"))
	assert.True(t, r.Evict("swirl", stored.Hash))
	assert.False(t, r.Has("swirl"))
	assert.False(t, r.Evict("swirl", stored.Hash))
}

func TestPersisterSeesOnlySynthesized(t *testing.T) {
	r := NewRegistry()
	p := &recordingPersister{}
	r.SetPersister(p)

	_, err := r.Register(types.NewImplementation("catalog_entry", types.ParadigmPrecision, types.OriginRegistry, boxSource))
	require.NoError(t, err)
	stored, err := r.Register(synthesized("swirl", sphereSource))
	require.NoError(t, err)
	require.True(t, r.Evict("swirl", stored.Hash))

	assert.Equal(t, []string{"swirl"}, p.saved)
	assert.Equal(t, []string{"swirl"}, p.deleted)
}

func TestPersisterFailureDoesNotFailRegistration(t *testing.T) {
	r := NewRegistry()
	r.SetPersister(&recordingPersister{err: errors.New("disk full")})
	_, err := r.Register(synthesized("swirl", boxSource))
	require.NoError(t, err)
	assert.True(t, r.Has("swirl"))
}

func TestConcurrentRegistrationHasOneWinner(t *testing.T) {
	r := NewRegistry()
	sources := []string{boxSource, sphereSource}

	var wg sync.WaitGroup
	results := make([]*types.TechniqueImplementation, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, _ := r.Register(synthesized("race", sources[i%2]))
			results[i] = got
		}(i)
	}
	wg.Wait()

	winner, ok := r.Lookup("race")
	require.True(t, ok)
	for _, got := range results {
		require.NotNil(t, got)
		assert.Equal(t, winner.Hash, got.Hash, "every caller must observe the winning implementation")
	}
}

func TestListAndSchema(t *testing.T) {
	r := NewRegistry()
	b := synthesized("b_tech", boxSource)
	b.Origin = types.OriginRegistry
	b.Schema = types.ParamSchema{"size": {Type: types.ParamNumber}}
	r.MustRegister(b)
	a := synthesized("a_tech", sphereSource)
	a.Schema = types.ParamSchema{"radius": {Type: types.ParamNumber, Default: 2.0}}
	r.MustRegister(a)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a_tech", list[0].ID)
	assert.Equal(t, "b_tech", list[1].ID)

	schema, ok := r.Schema("b_tech")
	require.True(t, ok)
	assert.Contains(t, schema, "size")
	_, ok = r.Schema("a_tech")
	assert.False(t, ok, "inferred schemas are not enforced")

	impl, _ := r.Lookup("a_tech")
	assert.Contains(t, impl.Schema, "radius")
}

func TestMustRegisterPanicsOnInvalid(t *testing.T) {
	assert.Panics(t, func() {
		NewRegistry().MustRegister(&types.TechniqueImplementation{ID: "x"})
	})
}
