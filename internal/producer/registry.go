package producer

import (
	"fmt"
)

// Provider is the type of upstream provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// New creates a producer for the named provider.
func New(provider Provider, apiKey string) (Producer, error) {
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicProducer(apiKey)
	case ProviderOpenAI:
		return NewOpenAIProducer(apiKey)
	default:
		return nil, fmt.Errorf("unknown provider: %q", provider)
	}
}
