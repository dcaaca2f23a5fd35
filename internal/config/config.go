// Package config loads shapesmith's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"shapesmith/internal/backend"
	"shapesmith/internal/backend/rpc"
	"shapesmith/internal/engine"
	"shapesmith/internal/policy"
	"shapesmith/internal/sandbox"
	"shapesmith/internal/synth"
	"shapesmith/internal/types"
)

// Config holds all shapesmith configuration.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Synthesis SynthesisConfig `yaml:"synthesis"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Assistant AssistantConfig `yaml:"assistant"`
	Backends  BackendsConfig  `yaml:"backends"`
	Store     StoreConfig     `yaml:"store"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// EngineConfig configures plan execution.
type EngineConfig struct {
	Workers                int               `yaml:"workers"`
	MaxOperations          int               `yaml:"max_operations"`
	SubstitutePlaceholders bool              `yaml:"substitute_placeholders"`
	DefaultParadigm        string            `yaml:"default_paradigm"` // used when inference finds no keyword
	ExportFormats          map[string]string `yaml:"export_formats"`   // paradigm -> format
}

// SynthesisConfig configures technique synthesis.
type SynthesisConfig struct {
	Enabled        bool   `yaml:"enabled"`
	MaxAttempts    int    `yaml:"max_attempts"`
	RequestTimeout string `yaml:"request_timeout"`
	MaxRetries     int    `yaml:"max_retries"`
}

// SandboxConfig configures technique execution limits.
type SandboxConfig struct {
	Timeout        string `yaml:"timeout"`
	MaxPrimitives  int    `yaml:"max_primitives"`
	MaxSourceBytes int    `yaml:"max_source_bytes"`
}

// AssistantConfig configures the design assistant.
type AssistantConfig struct {
	Provider string `yaml:"provider"` // genai, none
	APIKey   string `yaml:"api_key,omitempty"`
	Model    string `yaml:"model"`
}

// BackendsConfig configures the geometry engines.
type BackendsConfig struct {
	Timeout         string                   `yaml:"timeout"`
	MaxRetries      int                      `yaml:"max_retries"`
	InitialInterval string                   `yaml:"initial_interval"`
	MaxInterval     string                   `yaml:"max_interval"`
	Engines         map[string]BackendConfig `yaml:"engines"` // keyed by paradigm
}

// BackendConfig describes one engine.
type BackendConfig struct {
	Kind string `yaml:"kind"` // memory, rpc
	Addr string `yaml:"addr,omitempty"`
}

// StoreConfig configures persistence of synthesized techniques.
type StoreConfig struct {
	Path string `yaml:"path"` // empty disables the store
}

// CatalogConfig configures the on-disk technique directory.
type CatalogConfig struct {
	Dir   string `yaml:"dir"` // empty means the built-in catalog only
	Watch bool   `yaml:"watch"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Workers:         4,
			MaxOperations:   256,
			DefaultParadigm: string(types.ParadigmPrecision),
			ExportFormats: map[string]string{
				string(types.ParadigmPrecision): "step",
				string(types.ParadigmArtistic):  "obj",
			},
		},
		Synthesis: SynthesisConfig{
			Enabled:        true,
			MaxAttempts:    2,
			RequestTimeout: "30s",
			MaxRetries:     3,
		},
		Sandbox: SandboxConfig{
			Timeout:        "2s",
			MaxPrimitives:  512,
			MaxSourceBytes: 16 * 1024,
		},
		Assistant: AssistantConfig{
			Provider: "genai",
			Model:    "gemini-2.5-flash",
		},
		Backends: BackendsConfig{
			Timeout:         "10s",
			MaxRetries:      3,
			InitialInterval: "200ms",
			MaxInterval:     "5s",
			Engines: map[string]BackendConfig{
				string(types.ParadigmPrecision): {Kind: "memory"},
				string(types.ParadigmArtistic):  {Kind: "memory"},
			},
		},
		Store: StoreConfig{
			Path: filepath.Join(".shapesmith", "techniques.db"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		c.Assistant.APIKey = key
	}
	// GEMINI_API_KEY wins when both are set.
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Assistant.APIKey = key
	}
	if path := os.Getenv("SHAPESMITH_STORE"); path != "" {
		c.Store.Path = path
	}
	if addr := os.Getenv("SHAPESMITH_PRECISION_ADDR"); addr != "" {
		c.setRemote(types.ParadigmPrecision, addr)
	}
	if addr := os.Getenv("SHAPESMITH_ARTISTIC_ADDR"); addr != "" {
		c.setRemote(types.ParadigmArtistic, addr)
	}
	if level := os.Getenv("SHAPESMITH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

func (c *Config) setRemote(p types.Paradigm, addr string) {
	if c.Backends.Engines == nil {
		c.Backends.Engines = make(map[string]BackendConfig)
	}
	c.Backends.Engines[string(p)] = BackendConfig{Kind: "rpc", Addr: addr}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetSandboxTimeout returns the per-invocation sandbox timeout.
func (c *Config) GetSandboxTimeout() time.Duration {
	return parseDuration(c.Sandbox.Timeout, 2*time.Second)
}

// GetSynthesisTimeout returns the timeout of one synthesis request.
func (c *Config) GetSynthesisTimeout() time.Duration {
	return parseDuration(c.Synthesis.RequestTimeout, 30*time.Second)
}

// GetBackendTimeout returns the timeout of one engine call.
func (c *Config) GetBackendTimeout() time.Duration {
	return parseDuration(c.Backends.Timeout, 10*time.Second)
}

// RetryPolicy returns the engine call policy.
func (c *Config) RetryPolicy() backend.RetryPolicy {
	return backend.RetryPolicy{
		Timeout:         c.GetBackendTimeout(),
		MaxRetries:      c.Backends.MaxRetries,
		InitialInterval: parseDuration(c.Backends.InitialInterval, 200*time.Millisecond),
		MaxInterval:     parseDuration(c.Backends.MaxInterval, 5*time.Second),
	}
}

// SynthConfig returns the synthesizer settings.
func (c *Config) SynthConfig() synth.Config {
	retry := c.RetryPolicy()
	retry.Timeout = c.GetSynthesisTimeout()
	retry.MaxRetries = c.Synthesis.MaxRetries
	return synth.Config{MaxAttempts: c.Synthesis.MaxAttempts, Retry: retry}
}

// ExecutorConfig returns the sandbox limits.
func (c *Config) ExecutorConfig() sandbox.Config {
	return sandbox.Config{Timeout: c.GetSandboxTimeout(), MaxPrimitives: c.Sandbox.MaxPrimitives}
}

// PolicyConfig returns the source checker settings.
func (c *Config) PolicyConfig() policy.Config {
	return policy.Config{MaxSourceBytes: c.Sandbox.MaxSourceBytes}
}

// ExecutionConfig returns the plan execution settings. Call Validate first.
func (c *Config) ExecutionConfig() engine.Config {
	formats := make(map[types.Paradigm]string, len(c.Engine.ExportFormats))
	for name, format := range c.Engine.ExportFormats {
		if p, err := types.ParseParadigm(name); err == nil {
			formats[p] = format
		}
	}
	return engine.Config{
		SubstitutePlaceholders: c.Engine.SubstitutePlaceholders,
		ExportFormats:          formats,
		MaxOperations:          c.Engine.MaxOperations,
	}
}

// Adapters builds an engine adapter per configured paradigm, each wrapped in
// the retry policy. Call Validate first.
func (c *Config) Adapters() map[types.Paradigm]backend.Adapter {
	retry := c.RetryPolicy()
	out := make(map[types.Paradigm]backend.Adapter, len(c.Backends.Engines))
	for name, bc := range c.Backends.Engines {
		p, err := types.ParseParadigm(name)
		if err != nil || !p.Concrete() {
			continue
		}
		var a backend.Adapter
		switch bc.Kind {
		case "rpc":
			a = rpc.NewClient(rpc.ClientConfig{Addr: bc.Addr, Paradigm: p})
		default:
			a = backend.NewMemory(p)
		}
		out[p] = backend.WithRetry(a, retry)
	}
	return out
}

// FallbackParadigm returns the paradigm used when inference is inconclusive.
func (c *Config) FallbackParadigm() types.Paradigm {
	p, err := types.ParseParadigm(c.Engine.DefaultParadigm)
	if err != nil || !p.Concrete() {
		return types.ParadigmPrecision
	}
	return p
}

// ValidProviders lists the supported assistant providers.
var ValidProviders = []string{"genai", "none"}

// ValidBackendKinds lists the supported engine kinds.
var ValidBackendKinds = []string{"memory", "rpc"}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be at least 1, got %d", c.Engine.Workers)
	}
	if c.Engine.MaxOperations < 1 {
		return fmt.Errorf("engine.max_operations must be at least 1, got %d", c.Engine.MaxOperations)
	}
	if c.Synthesis.MaxAttempts < 1 {
		return fmt.Errorf("synthesis.max_attempts must be at least 1, got %d", c.Synthesis.MaxAttempts)
	}
	if !contains(ValidProviders, c.Assistant.Provider) {
		return fmt.Errorf("invalid assistant provider: %s (valid: %v)", c.Assistant.Provider, ValidProviders)
	}
	if c.Engine.DefaultParadigm != "" {
		if p, err := types.ParseParadigm(c.Engine.DefaultParadigm); err != nil || !p.Concrete() {
			return fmt.Errorf("engine.default_paradigm must be precision or artistic, got %q", c.Engine.DefaultParadigm)
		}
	}

	names := make([]string, 0, len(c.Engine.ExportFormats))
	for name := range c.Engine.ExportFormats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p, err := types.ParseParadigm(name)
		if err != nil || !p.Concrete() {
			return fmt.Errorf("engine.export_formats: unknown paradigm %q", name)
		}
		if format := c.Engine.ExportFormats[name]; !contains(backend.SupportedFormats[p], format) {
			return fmt.Errorf("engine.export_formats: %s does not support %q (valid: %v)", name, format, backend.SupportedFormats[p])
		}
	}

	names = names[:0]
	for name := range c.Backends.Engines {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p, err := types.ParseParadigm(name)
		if err != nil || !p.Concrete() {
			return fmt.Errorf("backends.engines: unknown paradigm %q", name)
		}
		bc := c.Backends.Engines[name]
		if !contains(ValidBackendKinds, bc.Kind) {
			return fmt.Errorf("backends.engines.%s: invalid kind %q (valid: %v)", name, bc.Kind, ValidBackendKinds)
		}
		if bc.Kind == "rpc" && bc.Addr == "" {
			return fmt.Errorf("backends.engines.%s: rpc engine needs an addr", name)
		}
	}
	return nil
}
