package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()

	yamlPath := filepath.Join(tmpDir, "config.yaml")
	os.WriteFile(yamlPath, []byte(`
data_dir: /var/lib/rewind
store:
  debounce: 250ms
indexer:
  delay: 2s
  call_timeout: 30s
retrieval:
  top_k: 3
  min_similarity: 0.2
embedder:
  provider: openai
  model: text-embedding-3-large
  api_key_env: MY_OPENAI_KEY
vision:
  provider: cli
  binary: /usr/local/bin/describe
  args: ["--image", "{image}"]
`), 0600)

	t.Run("YAML", func(t *testing.T) {
		cfg, err := Load(yamlPath)
		if err != nil {
			t.Fatalf("Failed to load YAML: %v", err)
		}
		if cfg.DataDir != "/var/lib/rewind" {
			t.Errorf("Expected data dir override, got '%s'", cfg.DataDir)
		}
		if cfg.Store.Debounce != 250*time.Millisecond {
			t.Errorf("Expected 250ms debounce, got %s", cfg.Store.Debounce)
		}
		if cfg.Indexer.Delay != 2*time.Second || cfg.Indexer.CallTimeout != 30*time.Second {
			t.Errorf("Unexpected indexer config %+v", cfg.Indexer)
		}
		if cfg.Retrieval.TopK != 3 || cfg.Retrieval.MinSimilarity != 0.2 {
			t.Errorf("Unexpected retrieval config %+v", cfg.Retrieval)
		}
		// Untouched keys keep their defaults.
		if cfg.Retrieval.RecencyPenalty != 0.01 {
			t.Errorf("Expected default recency penalty, got %f", cfg.Retrieval.RecencyPenalty)
		}
		if len(cfg.Capture.Patterns) == 0 {
			t.Error("Expected default capture patterns")
		}
		if cfg.Vision.Args[1] != "{image}" {
			t.Errorf("Unexpected vision args %v", cfg.Vision.Args)
		}
		if res := cfg.Validate(); !res.Valid {
			t.Errorf("Expected valid, got %v", res.Errors)
		}
	})

	t.Run("Missing Explicit File", func(t *testing.T) {
		if _, err := Load(filepath.Join(tmpDir, "nope.yaml")); err == nil {
			t.Error("Expected error for missing explicit config")
		}
	})

	t.Run("Invalid Extension", func(t *testing.T) {
		txt := filepath.Join(tmpDir, "config.txt")
		os.WriteFile(txt, []byte("data_dir: x"), 0600)
		if _, err := Load(txt); err == nil {
			t.Error("Expected error for .txt extension")
		}
	})

	t.Run("Malformed", func(t *testing.T) {
		bad := filepath.Join(tmpDir, "bad.yaml")
		os.WriteFile(bad, []byte("store: [unclosed"), 0600)
		if _, err := Load(bad); err == nil {
			t.Error("Expected error for malformed YAML")
		}
	})

	t.Run("Home Expansion", func(t *testing.T) {
		p := filepath.Join(tmpDir, "home.yaml")
		os.WriteFile(p, []byte("data_dir: ~/memories"), 0600)
		cfg, err := Load(p)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		home, _ := os.UserHomeDir()
		if cfg.DataDir != filepath.Join(home, "memories") {
			t.Errorf("Expected expanded home, got '%s'", cfg.DataDir)
		}
	})
}

func TestLoad_DefaultPathOptional(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Expected defaults when no config exists, got %v", err)
	}
	if cfg.Retrieval.TopK != Default().Retrieval.TopK {
		t.Error("Expected default top_k")
	}
}

func TestValidate(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		if res := Default().Validate(); !res.Valid {
			t.Errorf("Expected valid defaults, got %v", res.Errors)
		}
	})

	t.Run("Bad Values", func(t *testing.T) {
		cfg := Default()
		cfg.Indexer.Delay = -time.Second
		cfg.Retrieval.TopK = 0
		cfg.Retrieval.MinSimilarity = 2
		cfg.Embedder.Provider = "anthropic"
		cfg.Vision.Provider = "bogus"

		res := cfg.Validate()
		if res.Valid {
			t.Fatal("Expected invalid config")
		}
		if len(res.Errors) != 5 {
			t.Errorf("Expected 5 errors, got %d: %v", len(res.Errors), res.Errors)
		}
		if err := res.Err(); err == nil || !strings.Contains(err.Error(), "top_k") {
			t.Errorf("Expected folded error mentioning top_k, got %v", err)
		}
	})

	t.Run("Warnings", func(t *testing.T) {
		cfg := Default()
		cfg.Indexer.Delay = 0
		cfg.Capture.Patterns = nil
		res := cfg.Validate()
		if !res.Valid || len(res.Warnings) != 2 {
			t.Errorf("Expected 2 warnings on a valid config, got %+v", res)
		}
	})
}

func TestResolve(t *testing.T) {
	t.Setenv("MY_KEY", "secret")
	t.Setenv("OPENAI_API_KEY", "fallback")

	pc := ProviderConfig{Provider: "openai", Model: "m", APIKeyEnv: "MY_KEY"}.Resolve()
	if pc.APIKey != "secret" || pc.Model != "m" {
		t.Errorf("Unexpected resolved config %+v", pc)
	}

	pc = ProviderConfig{Provider: "openai"}.Resolve()
	if pc.APIKey != "fallback" {
		t.Errorf("Expected the provider's default key variable, got %q", pc.APIKey)
	}

	pc = ProviderConfig{Provider: "ollama"}.Resolve()
	if pc.APIKey != "" {
		t.Error("Expected no key for ollama")
	}
}
