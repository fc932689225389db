package tools

import (
	"context"
	"fmt"
	"strings"
)

// SendMessageCallback publishes a message to a chat surface via the bus.
type SendMessageCallback func(channel, chatID, content string) error

// SendMessageTool lets the agent push an intermediate message to the user
// while a long cycle is still running. The final response of a cycle does not
// go through this tool.
type SendMessageTool struct {
	sendCallback SendMessageCallback
}

func NewSendMessageTool() *SendMessageTool {
	return &SendMessageTool{}
}

func (t *SendMessageTool) Name() string { return "send_message" }

func (t *SendMessageTool) Description() string {
	return "Send a message to the user immediately, before the current task finishes. Use for progress updates during long-running work."
}

func (t *SendMessageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Message text to send",
			},
			"channel": map[string]interface{}{
				"type":        "string",
				"description": "Optional: target channel (defaults to the current conversation)",
			},
			"chat_id": map[string]interface{}{
				"type":        "string",
				"description": "Optional: target chat ID (defaults to the current conversation)",
			},
		},
		"required": []string{"content"},
	}
}

func (t *SendMessageTool) SetSendCallback(callback SendMessageCallback) {
	t.sendCallback = callback
}

func (t *SendMessageTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return ErrorResult("content is required")
	}

	conv, _ := ConversationFrom(ctx)
	channel, _ := args["channel"].(string)
	chatID, _ := args["chat_id"].(string)
	if channel == "" {
		channel = conv.Channel
	}
	if chatID == "" {
		chatID = conv.ChatID
	}
	if channel == "" || chatID == "" {
		return ErrorResult("no target conversation for send_message")
	}
	if t.sendCallback == nil {
		return ErrorResult("message sending not configured")
	}

	if err := t.sendCallback(channel, chatID, content); err != nil {
		return &ToolResult{
			ForLLM:  fmt.Sprintf("sending message: %v", err),
			IsError: true,
			Err:     err,
		}
	}
	// Silent: the content itself already reached the user.
	return SilentResult(fmt.Sprintf("Message sent to %s:%s", channel, chatID))
}
