package techniques

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shapesmith/internal/policy"
	"shapesmith/internal/types"
)

func writeTech(t *testing.T, dir, id, paradigm, body string) string {
	t.Helper()
	path := filepath.Join(dir, id+FileExt)
	require.NoError(t, os.WriteFile(path, []byte("// paradigm: "+paradigm+"\n"+body), 0644))
	return path
}

func startWatcher(t *testing.T, dir string, r *Registry) *Watcher {
	t.Helper()
	w, err := NewWatcher(dir, r, policy.NewChecker(policy.Config{}))
	require.NoError(t, err)
	w.debounceDur = 20 * time.Millisecond
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w
}

func TestWatcherLoadsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	writeTech(t, dir, "swirl", "artistic", boxSource)
	writeTech(t, dir, "evil", "precision", unsafeSource)

	r := NewRegistry()
	w := startWatcher(t, dir, r)

	got, ok := r.Lookup("swirl")
	require.True(t, ok)
	assert.Equal(t, types.OriginRegistry, got.Origin)
	assert.Equal(t, types.ParadigmArtistic, got.Paradigm)
	assert.False(t, r.Has("evil"))

	stats := w.Stats()
	assert.Equal(t, 1, stats.Loaded)
	assert.Equal(t, 1, stats.Rejected)
}

func TestWatcherTracksChanges(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry()
	startWatcher(t, dir, r)

	path := writeTech(t, dir, "swirl", "artistic", boxSource)
	require.Eventually(t, func() bool { return r.Has("swirl") }, 5*time.Second, 20*time.Millisecond)

	writeTech(t, dir, "swirl", "artistic", sphereSource)
	require.Eventually(t, func() bool {
		got, ok := r.Lookup("swirl")
		return ok && got.Source != "" && got.Hash == types.HashSource("// paradigm: artistic\n"+sphereSource)
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool { return !r.Has("swirl") }, 5*time.Second, 20*time.Millisecond)
}

func TestWatcherDoesNotReplaceForeignEntries(t *testing.T) {
	dir := t.TempDir()
	r, err := NewCatalogRegistry()
	require.NoError(t, err)
	before, _ := r.Lookup("ring_band")

	writeTech(t, dir, "ring_band", "precision", boxSource)
	w := startWatcher(t, dir, r)

	after, _ := r.Lookup("ring_band")
	assert.Equal(t, before.Hash, after.Hash)
	assert.Equal(t, 1, w.Stats().Rejected)
}
