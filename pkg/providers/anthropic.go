package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicProvider talks to the Anthropic Messages API natively, so Claude
// models keep tool_use blocks instead of going through an OpenAI translation.
type AnthropicProvider struct {
	client anthropic.Client
}

func NewAnthropicProvider(apiKey, apiBase string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if apiBase != "" {
		opts = append(opts, option.WithBaseURL(apiBase))
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...)}
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

func (p *AnthropicProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*Response, error) {
	maxTokens := int64(defaultAnthropicMaxTokens)
	if v, ok := optInt(options, "max_tokens"); ok {
		maxTokens = v
	}

	system, converted := toAnthropicMessages(messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  converted,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if v, ok := optFloat(options, "temperature"); ok {
		params.Temperature = anthropic.Float(v)
	}
	if len(tools) > 0 {
		params.Tools = toAnthropicTools(tools)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapAnthropicError(err)
	}

	resp := &Response{FinishReason: finishReasonFromStop(string(msg.StopReason))}
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Content += variant.Text
		case anthropic.ToolUseBlock:
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:   variant.ID,
				Type: "function",
				Function: &FunctionCall{
					Name:      variant.Name,
					Arguments: marshalArguments(variant.Input),
				},
			})
		}
	}
	resp.Usage = &Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	return resp, nil
}

// toAnthropicMessages splits out the system prompt and folds tool turns into
// the user/assistant block structure the Messages API expects.
func toAnthropicMessages(messages []Message) (string, []anthropic.MessageParam) {
	system := ""
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
		case "assistant":
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				if tc.Function == nil {
					continue
				}
				var input map[string]interface{}
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
					input = map[string]interface{}{}
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Function.Name,
						Input: input,
					},
				})
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case "tool":
			out = append(out, anthropic.NewUserMessage(anthropic.ContentBlockParamUnion{
				OfToolResult: &anthropic.ToolResultBlockParam{
					ToolUseID: msg.ToolCallID,
					Content: []anthropic.ToolResultBlockParamContentUnion{
						{OfText: &anthropic.TextBlockParam{Text: msg.Content}},
					},
				},
			}))
		default:
			blocks := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)}
			for _, img := range msg.Media {
				blocks = append(blocks, anthropic.NewImageBlockBase64(img.MimeType, img.Base64Data))
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return system, out
}

func toAnthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{}
		if props, ok := t.Function.Parameters["properties"]; ok {
			schema.Properties = props
		}
		if req, ok := t.Function.Parameters["required"].([]string); ok {
			schema.Required = req
		} else if raw, ok := t.Function.Parameters["required"].([]interface{}); ok {
			for _, r := range raw {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Function.Name,
				Description: anthropic.String(t.Function.Description),
				InputSchema: schema,
			},
		})
	}
	return out
}

func finishReasonFromStop(stop string) string {
	switch stop {
	case "tool_use":
		return "tool_calls"
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return stop
	}
}

func wrapAnthropicError(err error) error {
	var apierr *anthropic.Error
	if !errors.As(err, &apierr) {
		return err
	}
	if apierr.StatusCode != 429 {
		return fmt.Errorf("anthropic request failed (status %d): %w", apierr.StatusCode, err)
	}

	rl := &RateLimitError{
		StatusCode: apierr.StatusCode,
		Message:    apierr.Error(),
		Headers:    map[string]string{},
	}
	if apierr.Response != nil {
		h := apierr.Response.Header
		rl.RetryAfter = h.Get("Retry-After")
		rl.RateLimitRequestsReset = h.Get("Anthropic-Ratelimit-Requests-Reset")
		rl.RateLimitTokensReset = h.Get("Anthropic-Ratelimit-Tokens-Reset")
		for _, key := range []string{"Retry-After", "Anthropic-Ratelimit-Requests-Reset", "Anthropic-Ratelimit-Tokens-Reset"} {
			if v := h.Get(key); v != "" {
				rl.Headers[key] = v
			}
		}
	}
	return rl
}
