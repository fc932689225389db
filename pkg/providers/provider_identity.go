package providers

import "strings"

// InferProviderFromModel infers a provider label from a model identifier.
// This is used for usage reporting and does not affect routing; routing lives
// in CreateProviderForModel.
func InferProviderFromModel(model string) string {
	m := strings.TrimSpace(strings.ToLower(model))
	if m == "" {
		return "unknown"
	}

	if prefix, _, ok := strings.Cut(m, "/"); ok {
		switch prefix {
		case "groq":
			return "groq"
		case "zhipu", "glm", "zai":
			return "zhipu"
		case "deepseek":
			return "deepseek"
		case "moonshot":
			return "moonshot"
		case "vllm":
			return "vllm"
		default:
			// vendor/model paths (anthropic/..., openai/..., google/...)
			// are OpenRouter ids
			return "openrouter"
		}
	}

	switch {
	case strings.Contains(m, "claude"):
		return "anthropic"
	case strings.Contains(m, "kimi") || strings.Contains(m, "moonshot"):
		return "moonshot"
	case strings.HasPrefix(m, "gpt") || strings.HasPrefix(m, "o1") || strings.HasPrefix(m, "o3") || strings.HasPrefix(m, "o4"):
		return "openai"
	case strings.Contains(m, "gemini"):
		return "gemini"
	case strings.Contains(m, "glm") || strings.Contains(m, "zhipu"):
		return "zhipu"
	case strings.Contains(m, "deepseek"):
		return "deepseek"
	default:
		return "unknown"
	}
}
