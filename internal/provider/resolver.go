package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/KafClaw/goalrun/internal/config"
)

// providerAliases maps common aliases to canonical provider IDs.
var providerAliases = map[string]string{
	"google":     "gemini",
	"openrouter": "openai",
	"oai":        "openai",
}

// NormalizeProviderID resolves aliases and normalizes the provider ID.
func NormalizeProviderID(id string) string {
	lower := strings.ToLower(strings.TrimSpace(id))
	if canonical, ok := providerAliases[lower]; ok {
		return canonical
	}
	return lower
}

// ParseModelString splits a "provider/model" string into provider ID and model name.
// For OpenRouter, the format is "openrouter/vendor/model" (three segments).
func ParseModelString(s string) (providerID, modelName string) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, "/", 2)
	if len(parts) < 2 {
		return "", s
	}
	providerID = strings.ToLower(parts[0])
	modelName = parts[1]
	return
}

// Resolve builds the provider named by cfg.Model.Name, wrapped in the
// configured retry policy. A bare model name uses the OpenAI-compatible
// endpoint.
func Resolve(ctx context.Context, cfg *config.Config) (LLMProvider, error) {
	modelStr := strings.TrimSpace(cfg.Model.Name)
	if modelStr == "" {
		return nil, Unavailable("model.name is not set")
	}
	provID, model := ParseModelString(modelStr)
	if provID == "" {
		provID = "openai"
	}
	provID = NormalizeProviderID(provID)

	var p LLMProvider
	switch provID {
	case "openai":
		p = NewOpenAIProvider(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase, model)
	case "gemini":
		key := cfg.Providers.Gemini.APIKey
		if key == "" {
			return nil, Unavailable("set providers.gemini.apiKey or GEMINI_API_KEY")
		}
		client, err := NewRealGeminiClient(ctx, key)
		if err != nil {
			return nil, &Error{Code: CodeUnavailable, Err: err}
		}
		p = NewGeminiProvider(client, model)
	default:
		return nil, Unavailable(fmt.Sprintf("unknown provider %q", provID))
	}
	return WithRetry(p, PolicyFromConfig(cfg.Model.Retry)), nil
}

// PolicyFromConfig converts the retry settings into a RetryPolicy.
func PolicyFromConfig(rc config.RetryConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxRetries = rc.MaxRetries
	if rc.BaseDelaySecs > 0 {
		p.BaseDelay = rc.BaseDelaySecs
	}
	if rc.MaxDelaySecs > 0 {
		p.MaxDelay = rc.MaxDelaySecs
	}
	p.Jitter = !rc.DisableJitter
	return p
}
