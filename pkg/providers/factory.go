package providers

import (
	"fmt"
	"strings"

	"github.com/microclaw/microclaw/pkg/config"
)

// Endpoint defaults for the OpenAI-compatible providers. A configured
// api_base always wins.
const (
	openRouterBase = "https://openrouter.ai/api/v1"
	groqBase       = "https://api.groq.com/openai/v1"
	zhipuBase      = "https://open.bigmodel.cn/api/paas/v4"
	deepseekBase   = "https://api.deepseek.com/v1"
	moonshotBase   = "https://api.moonshot.cn/v1"
	geminiBase     = "https://generativelanguage.googleapis.com/v1beta/openai"
)

// CreateProviderForModel routes a model identifier to a configured backend.
// Explicit prefixes (groq/, zhipu/, ...) pin the backend; bare claude models
// go to the native Anthropic API when a key is configured, falling back to
// OpenRouter; anything else with a vendor/model path goes to OpenRouter.
func CreateProviderForModel(cfg *config.Config, model string) (LLMProvider, error) {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return nil, fmt.Errorf("no model configured")
	}

	if prefix, _, ok := strings.Cut(m, "/"); ok {
		switch prefix {
		case "groq":
			return compatible(cfg.Providers.Groq, groqBase, "groq")
		case "zhipu", "glm", "zai":
			return compatible(cfg.Providers.Zhipu, zhipuBase, "zhipu")
		case "deepseek":
			return compatible(cfg.Providers.DeepSeek, deepseekBase, "deepseek")
		case "moonshot":
			return compatible(cfg.Providers.Moonshot, moonshotBase, "moonshot")
		case "vllm":
			if cfg.Providers.VLLM.APIBase == "" {
				return nil, fmt.Errorf("vllm model %q needs providers.vllm.api_base", model)
			}
			return compatible(cfg.Providers.VLLM, "", "vllm")
		default:
			// vendor/model path, the OpenRouter naming scheme
			return compatible(cfg.Providers.OpenRouter, openRouterBase, "openrouter")
		}
	}

	switch {
	case strings.Contains(m, "claude"):
		if cfg.Providers.Anthropic.APIKey != "" {
			return NewAnthropicProvider(cfg.Providers.Anthropic.APIKey, cfg.Providers.Anthropic.APIBase), nil
		}
		return compatible(cfg.Providers.OpenRouter, openRouterBase, "openrouter")
	case strings.Contains(m, "gemini"):
		return compatible(cfg.Providers.Gemini, geminiBase, "gemini")
	case strings.Contains(m, "deepseek"):
		return compatible(cfg.Providers.DeepSeek, deepseekBase, "deepseek")
	case strings.Contains(m, "kimi") || strings.Contains(m, "moonshot"):
		return compatible(cfg.Providers.Moonshot, moonshotBase, "moonshot")
	case strings.Contains(m, "glm"):
		return compatible(cfg.Providers.Zhipu, zhipuBase, "zhipu")
	case strings.HasPrefix(m, "gpt") || strings.HasPrefix(m, "o1") || strings.HasPrefix(m, "o3") || strings.HasPrefix(m, "o4"):
		return compatible(cfg.Providers.OpenAI, "", "openai")
	}

	// Unrecognized bare name: whoever has credentials wins.
	if cfg.Providers.OpenAI.APIKey != "" {
		return compatible(cfg.Providers.OpenAI, "", "openai")
	}
	if cfg.Providers.OpenRouter.APIKey != "" {
		return compatible(cfg.Providers.OpenRouter, openRouterBase, "openrouter")
	}
	return nil, fmt.Errorf("no provider configured for model %q", model)
}

func compatible(pc config.ProviderConfig, defaultBase, name string) (LLMProvider, error) {
	if pc.APIKey == "" && name != "vllm" {
		return nil, fmt.Errorf("no api key configured for provider %s", name)
	}
	base := pc.APIBase
	if base == "" {
		base = defaultBase
	}
	return NewHTTPProvider(pc.APIKey, base, name), nil
}

// StripRoutePrefix removes a routing prefix like "groq/" before the model id
// is sent upstream. OpenRouter ids keep their vendor path.
func StripRoutePrefix(model string) string {
	prefix, rest, ok := strings.Cut(model, "/")
	if !ok {
		return model
	}
	switch strings.ToLower(prefix) {
	case "groq", "zhipu", "glm", "zai", "deepseek", "moonshot", "vllm", "openrouter":
		return rest
	}
	return model
}
