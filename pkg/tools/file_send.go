package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SendFileCallback delivers local files to a chat surface via the bus.
type SendFileCallback func(channel, chatID, caption string, files []string) error

// SendFileTool pushes workspace files out to the user's chat. The heavy
// lifting (upload, media type) is the channel's job; this tool only resolves
// and validates paths.
type SendFileTool struct {
	sendCallback SendFileCallback
	workspace    string
}

func NewSendFileTool(workspace string) *SendFileTool {
	return &SendFileTool{workspace: workspace}
}

func (t *SendFileTool) Name() string { return "send_file" }

func (t *SendFileTool) Description() string {
	return "Send local files (images, documents, any type) to the user on their chat channel. Relative paths resolve against the workspace."
}

func (t *SendFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"files": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Local file paths to send",
			},
			"caption": map[string]interface{}{
				"type":        "string",
				"description": "Optional text sent with the files",
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
		"required": []string{"files"},
	}
}

func (t *SendFileTool) SetSendCallback(callback SendFileCallback) {
	t.sendCallback = callback
}

func (t *SendFileTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	filesRaw, ok := args["files"].([]interface{})
	if !ok || len(filesRaw) == 0 {
		return ErrorResult("files must be a non-empty array of paths")
	}

	conv, _ := ConversationFrom(ctx)
	caption, _ := args["caption"].(string)
	channel, _ := args["channel"].(string)
	chatID, _ := args["chat_id"].(string)
	if channel == "" {
		channel = conv.Channel
	}
	if chatID == "" {
		chatID = conv.ChatID
	}
	if channel == "" || chatID == "" {
		return ErrorResult("no target conversation for send_file")
	}
	if t.sendCallback == nil {
		return ErrorResult("file sending not configured")
	}

	var paths []string
	for _, f := range filesRaw {
		path, ok := f.(string)
		if !ok {
			continue
		}
		if strings.Contains(path, "..") {
			return ErrorResult(fmt.Sprintf("path traversal not allowed: %s", path))
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(t.workspace, path)
		}
		info, err := os.Stat(path)
		if err != nil {
			return ErrorResult(fmt.Sprintf("file not found: %s", path))
		}
		if info.IsDir() {
			return ErrorResult(fmt.Sprintf("not a file: %s", path))
		}
		paths = append(paths, path)
	}
	if len(paths) == 0 {
		return ErrorResult("no valid files to send")
	}

	if err := t.sendCallback(channel, chatID, caption, paths); err != nil {
		return &ToolResult{
			ForLLM:  fmt.Sprintf("sending files: %v", err),
			IsError: true,
			Err:     err,
		}
	}
	// The files themselves already reached the user.
	return SilentResult(fmt.Sprintf("Sent %d file(s) to %s:%s", len(paths), channel, chatID))
}
