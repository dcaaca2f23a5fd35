package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shapesmith/internal/types"
)

// clearEnv blanks every variable Load consults so the host environment does
// not leak into a test.
func clearEnv(t *testing.T) {
	for _, k := range []string{
		"GEMINI_API_KEY", "GOOGLE_API_KEY", "SHAPESMITH_STORE",
		"SHAPESMITH_PRECISION_ADDR", "SHAPESMITH_ARTISTIC_ADDR", "SHAPESMITH_LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2*time.Second, cfg.GetSandboxTimeout())
	assert.Equal(t, 30*time.Second, cfg.GetSynthesisTimeout())
	assert.Equal(t, 10*time.Second, cfg.GetBackendTimeout())
	assert.Equal(t, 512, cfg.ExecutorConfig().MaxPrimitives)
	assert.Equal(t, 16*1024, cfg.PolicyConfig().MaxSourceBytes)
	assert.Equal(t, 256, cfg.ExecutionConfig().MaxOperations)
	assert.False(t, cfg.ExecutionConfig().SubstitutePlaceholders)

	sc := cfg.SynthConfig()
	assert.Equal(t, 2, sc.MaxAttempts)
	assert.Equal(t, 3, sc.Retry.MaxRetries)
	assert.Equal(t, 30*time.Second, sc.Retry.Timeout)

	rp := cfg.RetryPolicy()
	assert.Equal(t, 200*time.Millisecond, rp.InitialInterval)
	assert.Equal(t, 5*time.Second, rp.MaxInterval)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "smith.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  workers: 8
  substitute_placeholders: true
sandbox:
  timeout: 500ms
backends:
  engines:
    precision:
      kind: rpc
      addr: 127.0.0.1:7301
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.True(t, cfg.ExecutionConfig().SubstitutePlaceholders)
	assert.Equal(t, 500*time.Millisecond, cfg.GetSandboxTimeout())
	assert.Equal(t, 2, cfg.Synthesis.MaxAttempts, "unset fields keep defaults")
	assert.Equal(t, "rpc", cfg.Backends.Engines["precision"].Kind)
	assert.Equal(t, "memory", cfg.Backends.Engines["artistic"].Kind)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "smith.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: [unterminated"), 0644))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "smith.yaml")
	cfg := DefaultConfig()
	cfg.Engine.Workers = 3
	cfg.Catalog = CatalogConfig{Dir: "techniques", Watch: true}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GOOGLE_API_KEY", "google-key")
	t.Setenv("SHAPESMITH_STORE", "/tmp/smith.db")
	t.Setenv("SHAPESMITH_ARTISTIC_ADDR", "10.0.0.2:7302")
	t.Setenv("SHAPESMITH_LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "google-key", cfg.Assistant.APIKey)
	assert.Equal(t, "/tmp/smith.db", cfg.Store.Path)
	assert.Equal(t, BackendConfig{Kind: "rpc", Addr: "10.0.0.2:7302"}, cfg.Backends.Engines["artistic"])
	assert.Equal(t, "memory", cfg.Backends.Engines["precision"].Kind)
	assert.Equal(t, "debug", cfg.Logging.Level)
	require.NoError(t, cfg.Validate())
}

func TestGeminiKeyWinsOverGoogleKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("GOOGLE_API_KEY", "google-key")
	t.Setenv("GEMINI_API_KEY", "gemini-key")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "gemini-key", cfg.Assistant.APIKey)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no workers", func(c *Config) { c.Engine.Workers = 0 }, "engine.workers"},
		{"no attempts", func(c *Config) { c.Synthesis.MaxAttempts = 0 }, "synthesis.max_attempts"},
		{"no operations", func(c *Config) { c.Engine.MaxOperations = 0 }, "engine.max_operations"},
		{"provider", func(c *Config) { c.Assistant.Provider = "oracle" }, "invalid assistant provider"},
		{"default paradigm", func(c *Config) { c.Engine.DefaultParadigm = "unspecified" }, "engine.default_paradigm"},
		{"format paradigm", func(c *Config) { c.Engine.ExportFormats["voxel"] = "vox" }, `unknown paradigm "voxel"`},
		{"format", func(c *Config) { c.Engine.ExportFormats["precision"] = "obj" }, `does not support "obj"`},
		{"engine paradigm", func(c *Config) { c.Backends.Engines["voxel"] = BackendConfig{Kind: "memory"} }, "backends.engines"},
		{"engine kind", func(c *Config) { c.Backends.Engines["artistic"] = BackendConfig{Kind: "grpc"} }, `invalid kind "grpc"`},
		{"rpc addr", func(c *Config) { c.Backends.Engines["artistic"] = BackendConfig{Kind: "rpc"} }, "needs an addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDurationFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sandbox.Timeout = "soon"
	cfg.Backends.Timeout = "-1s"
	cfg.Synthesis.RequestTimeout = ""
	assert.Equal(t, 2*time.Second, cfg.GetSandboxTimeout())
	assert.Equal(t, 10*time.Second, cfg.GetBackendTimeout())
	assert.Equal(t, 30*time.Second, cfg.GetSynthesisTimeout())
}

func TestAdaptersAndFormats(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backends.Engines["precision"] = BackendConfig{Kind: "rpc", Addr: "127.0.0.1:1"}
	require.NoError(t, cfg.Validate())

	adapters := cfg.Adapters()
	require.Len(t, adapters, 2)
	assert.Equal(t, "rpc-precision", adapters[types.ParadigmPrecision].Name())
	assert.Equal(t, types.ParadigmArtistic, adapters[types.ParadigmArtistic].Paradigm())

	formats := cfg.ExecutionConfig().ExportFormats
	assert.Equal(t, "step", formats[types.ParadigmPrecision])
	assert.Equal(t, types.ParadigmPrecision, cfg.FallbackParadigm())

	cfg.Engine.DefaultParadigm = "artistic"
	assert.Equal(t, types.ParadigmArtistic, cfg.FallbackParadigm())
}

func TestLoggingCategories(t *testing.T) {
	lc := LoggingConfig{Categories: map[string]bool{"sandbox": false}}
	assert.False(t, lc.IsCategoryEnabled("sandbox"))
	assert.True(t, lc.IsCategoryEnabled("engine"))
	assert.Equal(t, lc.Categories, lc.Logging().Categories)
}
