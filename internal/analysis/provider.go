package analysis

import (
	"context"
	"errors"

	"github.com/quietfund/alphasift/config"
)

// Provider is the interface the research stages talk to. Implementations
// classify their failures so the executor knows what is worth retrying.
type Provider interface {
	Generate(ctx context.Context, system, user string) (string, error)
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// NewProvider builds the LLM client from configuration. Only OpenAI-style
// chat completion APIs are supported; the base URL covers compatible
// gateways.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm api key not set")
	}
	return NewOpenAIClient(cfg), nil
}
