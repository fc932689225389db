package providers

import "testing"

func TestInferProviderFromModel(t *testing.T) {
	cases := map[string]string{
		"claude-sonnet-4-5":          "anthropic",
		"anthropic/claude-sonnet-4":  "openrouter",
		"openai/gpt-4o-mini":         "openrouter",
		"gpt-4o":                     "openai",
		"o3-mini":                    "openai",
		"groq/llama-3.3-70b":         "groq",
		"zhipu/glm-4.5":              "zhipu",
		"glm-4.5-air":                "zhipu",
		"deepseek-chat":              "deepseek",
		"moonshot/kimi-k2":           "moonshot",
		"gemini-2.0-flash":           "gemini",
		"":                           "unknown",
		"somebody-elses-model":       "unknown",
	}
	for model, want := range cases {
		if got := InferProviderFromModel(model); got != want {
			t.Errorf("InferProviderFromModel(%q) = %q, want %q", model, got, want)
		}
	}
}

func TestStripRoutePrefix(t *testing.T) {
	cases := map[string]string{
		"groq/llama-3.3-70b":        "llama-3.3-70b",
		"zhipu/glm-4.5":             "glm-4.5",
		"anthropic/claude-sonnet-4": "anthropic/claude-sonnet-4",
		"claude-sonnet-4-5":         "claude-sonnet-4-5",
	}
	for model, want := range cases {
		if got := StripRoutePrefix(model); got != want {
			t.Errorf("StripRoutePrefix(%q) = %q, want %q", model, got, want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Fatal("nil error must not be retryable")
	}
	if !IsRetryable(&RateLimitError{StatusCode: 429, Message: "slow down"}) {
		t.Fatal("rate limit must be retryable")
	}
}
