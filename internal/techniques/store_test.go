package techniques

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shapesmith/internal/policy"
	"shapesmith/internal/types"
)

const unsafeSource = `package technique

import (
	"geom"
	"os"
)

func Build(b *geom.Builder, p geom.Params) error {
	os.Exit(1)
	return nil
}
`

func openMemoryStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreSaveAllDelete(t *testing.T) {
	s := openMemoryStore(t)

	impl := synthesized("swirl", boxSource)
	impl.Description = "a swirl"
	impl.Schema = types.ParamSchema{"size": {Type: types.ParamNumber, Required: true}}
	require.NoError(t, s.Save(impl))
	require.NoError(t, s.Save(synthesized("orb", sphereSource)))

	all, err := s.All()
	require.NoError(t, err)
	require.Len(t, all, 2)

	byID := map[string]*types.TechniqueImplementation{}
	for _, impl := range all {
		byID[impl.ID] = impl
	}
	got := byID["swirl"]
	require.NotNil(t, got)
	assert.Equal(t, boxSource, got.Source)
	assert.Equal(t, types.HashSource(boxSource), got.Hash)
	assert.Equal(t, types.ParadigmArtistic, got.Paradigm)
	assert.Equal(t, types.OriginSynthesized, got.Origin)
	assert.Equal(t, "a swirl", got.Description)
	assert.True(t, got.Schema["size"].Required)
	assert.Nil(t, byID["orb"].Schema)

	require.NoError(t, s.Delete("swirl", "wrong-hash"))
	all, err = s.All()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.Delete("swirl", got.Hash))
	all, err = s.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "orb", all[0].ID)
}

func TestStoreRestore(t *testing.T) {
	s := openMemoryStore(t)
	require.NoError(t, s.Save(synthesized("swirl", boxSource)))
	require.NoError(t, s.Save(synthesized("evil", unsafeSource)))
	require.NoError(t, s.Save(synthesized("ring_band", sphereSource)))

	r, err := NewCatalogRegistry()
	require.NoError(t, err)
	n, err := s.Restore(r, policy.NewChecker(policy.Config{}))
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	assert.True(t, r.Has("swirl"))
	assert.False(t, r.Has("evil"), "stored sources are re-checked")

	ring, _ := r.Lookup("ring_band")
	assert.Equal(t, types.OriginRegistry, ring.Origin, "catalog entries win over stored ones")
}

func TestStoreAsPersisterSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "techniques.db")

	s, err := OpenStore(path)
	require.NoError(t, err)
	r := NewRegistry()
	r.SetPersister(s)
	_, err = r.Register(synthesized("swirl", boxSource))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenStore(path)
	require.NoError(t, err)
	defer s.Close()

	fresh := NewRegistry()
	n, err := s.Restore(fresh, policy.NewChecker(policy.Config{}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, ok := fresh.Lookup("swirl")
	require.True(t, ok)
	assert.Equal(t, boxSource, got.Source)
}
