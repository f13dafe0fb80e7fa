package provider

import (
	"fmt"
	"os/exec"
)

// Config selects and configures one provider.
type Config struct {
	Provider string
	Model    string
	BaseURL  string
	APIKey   string
	// Binary and Args are used by the cli provider only.
	Binary string
	Args   []string
}

// EmbedderNames lists providers that can embed text.
var EmbedderNames = []string{"stub", "openai", "ollama", "gemini"}

// DescriberNames lists providers that can describe images.
var DescriberNames = []string{"stub", "openai", "ollama", "gemini", "anthropic", "cli"}

// NewEmbedder builds the embedder named by cfg.Provider.
func NewEmbedder(cfg Config) (Embedder, error) {
	switch cfg.Provider {
	case "stub":
		return NewStubProvider(), nil
	case "openai":
		return NewOpenAIProvider(cfg.APIKey, cfg.BaseURL, cfg.Model)
	case "ollama":
		return NewOllamaProvider(cfg.BaseURL, cfg.Model)
	case "gemini":
		return NewGeminiProvider(cfg.APIKey, cfg.Model)
	case "anthropic", "cli":
		return nil, fmt.Errorf("%s: %w", cfg.Provider, ErrNotSupported)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// NewDescriber builds the describer named by cfg.Provider.
func NewDescriber(cfg Config) (Describer, error) {
	switch cfg.Provider {
	case "stub":
		return NewStubProvider(), nil
	case "openai":
		return NewOpenAIProvider(cfg.APIKey, cfg.BaseURL, cfg.Model)
	case "ollama":
		return NewOllamaProvider(cfg.BaseURL, cfg.Model)
	case "gemini":
		return NewGeminiProvider(cfg.APIKey, cfg.Model)
	case "anthropic":
		p, err := NewAnthropicProvider(cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		if cfg.BaseURL != "" {
			p.SetBaseURL(cfg.BaseURL)
		}
		return p, nil
	case "cli":
		return detectCLIProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown vision provider %q", cfg.Provider)
	}
}

func detectCLIProvider(cfg Config) (*CLIProvider, error) {
	if cfg.Binary != "" {
		return NewCLIProvider(cfg.Binary, cfg.Args)
	}

	// Auto-detect simonw/llm, which takes attachments with -a.
	path, err := exec.LookPath("llm")
	if err != nil {
		return nil, fmt.Errorf("no local describer detected (tried llm)")
	}
	args := cfg.Args
	if len(args) == 0 {
		args = []string{"{prompt}", "-a", "{image}"}
	}
	return NewCLIProvider(path, args)
}
