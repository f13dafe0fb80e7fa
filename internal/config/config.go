package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/rewind/internal/provider"
)

// Config is the on-disk configuration of rewind. Every field has a default,
// so an absent file is valid.
type Config struct {
	DataDir   string          `yaml:"data_dir"`
	Store     StoreConfig     `yaml:"store"`
	Indexer   IndexerConfig   `yaml:"indexer"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Embedder  ProviderConfig  `yaml:"embedder"`
	Vision    ProviderConfig  `yaml:"vision"`
	Capture   CaptureConfig   `yaml:"capture"`
}

type StoreConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

type IndexerConfig struct {
	// Delay is the pause between two records.
	Delay time.Duration `yaml:"delay"`
	// CallTimeout bounds a single embedding call. Zero means no bound.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

type RetrievalConfig struct {
	TopK           int     `yaml:"top_k"`
	RecencyPenalty float64 `yaml:"recency_penalty"`
	MinSimilarity  float64 `yaml:"min_similarity"`
	QueryCacheSize int64   `yaml:"query_cache_size"`
}

// ProviderConfig names a provider. Secrets are never stored in the file;
// APIKeyEnv names the environment variable holding the key.
type ProviderConfig struct {
	Provider  string   `yaml:"provider"`
	Model     string   `yaml:"model"`
	BaseURL   string   `yaml:"base_url"`
	APIKeyEnv string   `yaml:"api_key_env"`
	Binary    string   `yaml:"binary"`
	Args      []string `yaml:"args"`
}

type CaptureConfig struct {
	Patterns []string `yaml:"patterns"`
}

// ValidationResult represents the outcome of a validation pass.
type ValidationResult struct {
	Valid    bool
	Warnings []string
	Errors   []string
}

// Err folds the errors into one, or returns nil when the config is valid.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("invalid config: %s", strings.Join(r.Errors, "; "))
}

var defaultKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"gemini":    "GEMINI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

// Dir returns ~/.rewind.
func Dir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".rewind")
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir: Dir(),
		Store:   StoreConfig{Debounce: 100 * time.Millisecond},
		Indexer: IndexerConfig{Delay: time.Second},
		Retrieval: RetrievalConfig{
			TopK:           5,
			RecencyPenalty: 0.01,
			QueryCacheSize: 256,
		},
		Embedder: ProviderConfig{Provider: "ollama", Model: "nomic-embed-text"},
		Vision:   ProviderConfig{Provider: "ollama", Model: "llava"},
		Capture: CaptureConfig{
			Patterns: []string{"**/*.png", "**/*.jpg", "**/*.jpeg", "**/*.webp"},
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path means
// DefaultPath, which may be absent; an explicit path must exist.
func Load(path string) (Config, error) {
	cfg := Default()
	optional := path == ""
	if optional {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to unmarshal YAML config: %w", err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config format: %s (use .yaml)", ext)
	}

	cfg.DataDir = expandHome(cfg.DataDir)
	return cfg, nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}

// Validate checks the configuration for values the components cannot run with.
func (c Config) Validate() ValidationResult {
	res := ValidationResult{
		Valid:    true,
		Warnings: []string{},
		Errors:   []string{},
	}
	fail := func(format string, args ...any) {
		res.Valid = false
		res.Errors = append(res.Errors, fmt.Sprintf(format, args...))
	}

	if c.DataDir == "" {
		fail("data_dir is required")
	}
	if c.Store.Debounce < 0 {
		fail("store.debounce must not be negative")
	}
	if c.Indexer.Delay < 0 {
		fail("indexer.delay must not be negative")
	} else if c.Indexer.Delay == 0 {
		res.Warnings = append(res.Warnings, "indexer.delay is zero; the worker will call the embedder without pause")
	}
	if c.Indexer.CallTimeout < 0 {
		fail("indexer.call_timeout must not be negative")
	}
	if c.Retrieval.TopK < 1 {
		fail("retrieval.top_k must be at least 1")
	}
	if c.Retrieval.RecencyPenalty < 0 {
		fail("retrieval.recency_penalty must not be negative")
	}
	if c.Retrieval.MinSimilarity < -1 || c.Retrieval.MinSimilarity > 1 {
		fail("retrieval.min_similarity must be within [-1, 1]")
	}
	if c.Retrieval.QueryCacheSize < 0 {
		fail("retrieval.query_cache_size must not be negative")
	}
	if !slices.Contains(provider.EmbedderNames, c.Embedder.Provider) {
		fail("embedder.provider %q is not one of %s", c.Embedder.Provider, strings.Join(provider.EmbedderNames, ", "))
	}
	if !slices.Contains(provider.DescriberNames, c.Vision.Provider) {
		fail("vision.provider %q is not one of %s", c.Vision.Provider, strings.Join(provider.DescriberNames, ", "))
	}
	if len(c.Capture.Patterns) == 0 {
		res.Warnings = append(res.Warnings, "capture.patterns is empty; ingest will find nothing")
	}

	return res
}

// Resolve turns the file entry into a provider config, reading the API key
// from the environment.
func (p ProviderConfig) Resolve() provider.Config {
	env := p.APIKeyEnv
	if env == "" {
		env = defaultKeyEnv[p.Provider]
	}
	var key string
	if env != "" {
		key = os.Getenv(env)
	}
	return provider.Config{
		Provider: p.Provider,
		Model:    p.Model,
		BaseURL:  p.BaseURL,
		APIKey:   key,
		Binary:   p.Binary,
		Args:     p.Args,
	}
}
