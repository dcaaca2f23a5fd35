package logging

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T, enabled map[string]bool) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	Attach(zap.New(core), enabled)
	t.Cleanup(Reset)
	return logs
}

func TestNoOpBeforeInitialization(t *testing.T) {
	Reset()
	assert.False(t, IsCategoryEnabled(CategoryEngine))
	// Must not panic.
	Get(CategoryEngine).Info("ignored %d", 1)
	SandboxWarn("ignored")
	assert.NoError(t, Sync())
}

func TestCategoryLoggersAreNamed(t *testing.T) {
	logs := observe(t, nil)

	Engine("plan %s started", "p1")
	SandboxDebug("compiled %q", "ring_band")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "engine", entries[0].LoggerName)
	assert.Equal(t, "plan p1 started", entries[0].Message)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "sandbox", entries[1].LoggerName)
	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)
}

func TestDisabledCategoryIsSilent(t *testing.T) {
	logs := observe(t, map[string]bool{"policy": false})

	PolicyDebug("silenced")
	Registry("kept")

	assert.False(t, IsCategoryEnabled(CategoryPolicy))
	assert.True(t, IsCategoryEnabled(CategoryRegistry))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "kept", logs.All()[0].Message)
}

func TestWithAddsFields(t *testing.T) {
	logs := observe(t, nil)

	Get(CategoryBackend).With("session", "s-1").Warn("retrying %s", "create")

	entries := logs.FilterField(zap.String("session", "s-1")).All()
	require.Len(t, entries, 1)
	assert.Equal(t, "retrying create", entries[0].Message)
}

func TestTimerThreshold(t *testing.T) {
	logs := observe(t, nil)

	timer := StartTimer(CategorySynth, "synthesize")
	time.Sleep(2 * time.Millisecond)
	elapsed := timer.StopWithThreshold(time.Nanosecond)

	assert.Greater(t, elapsed, time.Duration(0))
	require.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).Len())
	assert.Contains(t, logs.All()[0].Message, "synthesize took")
}

func TestConcurrentGet(t *testing.T) {
	observe(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Get(CategoryPool).Debug("worker")
		}()
	}
	wg.Wait()
	assert.Same(t, Get(CategoryPool), Get(CategoryPool))
}

func TestInitializeWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "smith.log")
	require.NoError(t, Initialize(Config{Level: "debug", Format: "json", Output: path}))
	t.Cleanup(Reset)

	StoreDebug("saved %s", "filigree_vine")
	require.NoError(t, Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "saved filigree_vine"))
	assert.Contains(t, string(data), `"logger":"store"`)
}

func TestInitializeRejectsBadConfig(t *testing.T) {
	defer Reset()
	assert.Error(t, Initialize(Config{Level: "loud"}))
	assert.Error(t, Initialize(Config{Format: "xml"}))
}
