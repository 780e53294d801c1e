package orchestrator

import (
	"context"
	"fmt"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/internal/providers/anthropic"
	"github.com/nulpointcorp/ai-gateway/internal/providers/gemini"
	"github.com/nulpointcorp/ai-gateway/internal/providers/openai"
	"github.com/nulpointcorp/ai-gateway/internal/store"
)

// AdapterFactory instantiates a provider adapter for a config's kind, the
// decrypted API key and the resolved model. Swappable in tests to inject a
// fake Provider.
type AdapterFactory func(ctx context.Context, kind store.ProviderKind, apiKey, model string) (providers.Provider, error)

// DefaultAdapterFactory builds the three supported adapters.
func DefaultAdapterFactory(ctx context.Context, kind store.ProviderKind, apiKey, model string) (providers.Provider, error) {
	switch kind {
	case store.KindAnthropic:
		return anthropic.New(apiKey, model), nil
	case store.KindOpenAI:
		return openai.New(apiKey, model), nil
	case store.KindGemini:
		return gemini.New(ctx, apiKey, model), nil
	default:
		return nil, fmt.Errorf("orchestrator: unknown provider kind %q", kind)
	}
}
