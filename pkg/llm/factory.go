package llm

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// BackendConfig selects and configures one backend.
type BackendConfig struct {
	// Provider is openai, gemini, bedrock or mock.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Region   string `yaml:"region"`
}

// New builds one backend. API keys fall back to OPENAI_API_KEY and
// GEMINI_API_KEY (or GOOGLE_API_KEY).
func New(ctx context.Context, cfg BackendConfig) (Provider, error) {
	switch cfg.Provider {
	case "openai":
		key := cfg.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		return NewOpenAIProvider(OpenAIConfig{APIKey: key, BaseURL: cfg.BaseURL, Model: cfg.Model})
	case "gemini":
		key := cfg.APIKey
		if key == "" {
			key = os.Getenv("GEMINI_API_KEY")
		}
		if key == "" {
			key = os.Getenv("GOOGLE_API_KEY")
		}
		return NewGeminiProvider(ctx, GeminiConfig{APIKey: key, Model: cfg.Model})
	case "bedrock":
		region := cfg.Region
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		return NewBedrockProvider(ctx, BedrockConfig{Region: region, Model: cfg.Model})
	case "mock":
		return NewMockProvider("mock"), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// Chain builds every backend, wraps each with retries, and chains them
// with fallback in order. Backends that fail to build are logged and
// skipped; ErrNoProvider is returned when none remain.
func Chain(ctx context.Context, backends []BackendConfig, retry RetryOptions, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	retry.Logger = logger
	var providers []Provider
	for _, b := range backends {
		p, err := New(ctx, b)
		if err != nil {
			logger.Warn("skipping provider", zap.String("provider", b.Provider), zap.Error(err))
			continue
		}
		providers = append(providers, WithRetry(p, retry))
	}
	switch len(providers) {
	case 0:
		return nil, ErrNoProvider
	case 1:
		return providers[0], nil
	default:
		return WithFallback(logger, providers...), nil
	}
}
