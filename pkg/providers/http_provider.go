package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// HTTPProvider talks to any OpenAI-compatible chat completions endpoint:
// OpenAI itself, OpenRouter, Groq, Zhipu, DeepSeek, Moonshot, local vLLM.
type HTTPProvider struct {
	client openai.Client
	name   string
}

// NewHTTPProvider creates a provider for an OpenAI-compatible endpoint. An
// empty baseURL means the official OpenAI API; name labels the provider in
// logs and usage reports.
func NewHTTPProvider(apiKey, baseURL, name string) *HTTPProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(baseURL, "/")+"/"))
	}
	if name == "" {
		name = "openai-compatible"
	}
	return &HTTPProvider{
		client: openai.NewClient(opts...),
		name:   name,
	}
}

func (p *HTTPProvider) Name() string {
	return p.name
}

func (p *HTTPProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: toOpenAIMessages(messages),
	}
	if len(tools) > 0 {
		params.Tools = toOpenAITools(tools)
	}
	if v, ok := optInt(options, "max_tokens"); ok {
		params.MaxCompletionTokens = openai.Int(v)
	}
	if v, ok := optFloat(options, "temperature"); ok {
		params.Temperature = openai.Float(v)
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", p.name)
	}

	choice := completion.Choices[0]
	resp := &Response{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: &FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	if completion.Usage.TotalTokens > 0 {
		resp.Usage = &Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		}
	}
	return resp, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			out = append(out, openai.SystemMessage(msg.Content))
		case "assistant":
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content.OfString = openai.String(msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				if tc.Function == nil {
					continue
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Function.Name,
							Arguments: tc.Function.Arguments,
						},
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case "tool":
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			if len(msg.Media) == 0 {
				out = append(out, openai.UserMessage(msg.Content))
				continue
			}
			parts := []openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(msg.Content),
			}
			for _, img := range msg.Media {
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Base64Data),
				}))
			}
			out = append(out, openai.UserMessage(parts))
		}
	}
	return out
}

func toOpenAITools(tools []ToolDefinition) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        t.Function.Name,
			Description: openai.String(t.Function.Description),
			Parameters:  shared.FunctionParameters(t.Function.Parameters),
		}))
	}
	return out
}

// wrapError converts SDK errors into our error types, lifting rate-limit
// headers off a 429 so failover can use the reset hints.
func (p *HTTPProvider) wrapError(err error) error {
	var apierr *openai.Error
	if !errors.As(err, &apierr) {
		return err
	}
	if apierr.StatusCode != 429 {
		return fmt.Errorf("%s request failed (status %d): %w", p.name, apierr.StatusCode, err)
	}

	rl := &RateLimitError{
		StatusCode: apierr.StatusCode,
		Message:    apierr.Error(),
		Headers:    map[string]string{},
	}
	if apierr.Response != nil {
		h := apierr.Response.Header
		rl.RetryAfter = h.Get("Retry-After")
		rl.RateLimitRequestsReset = h.Get("X-RateLimit-Requests-Reset")
		rl.RateLimitTokensReset = h.Get("X-RateLimit-Tokens-Reset")
		for _, key := range []string{"Retry-After", "X-RateLimit-Requests-Reset", "X-RateLimit-Tokens-Reset", "X-RateLimit-Limit-Requests", "X-RateLimit-Remaining-Requests"} {
			if v := h.Get(key); v != "" {
				rl.Headers[key] = v
			}
		}
	}
	return rl
}

func optInt(options map[string]interface{}, key string) (int64, bool) {
	switch v := options[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	}
	return 0, false
}

func optFloat(options map[string]interface{}, key string) (float64, bool) {
	switch v := options[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func marshalArguments(input interface{}) string {
	if input == nil {
		return "{}"
	}
	data, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	return string(data)
}
