package tools

import (
	"context"
	"fmt"
	"strings"
)

// SubagentSpawner starts a background task and returns its id without
// waiting for completion.
type SubagentSpawner interface {
	Spawn(ctx context.Context, task, channel, chatID string) (string, error)
}

// SpawnTool hands a task to a background subagent. The result comes back
// later as a system message on the originating conversation.
type SpawnTool struct {
	spawner SubagentSpawner
}

func NewSpawnTool(spawner SubagentSpawner) *SpawnTool {
	return &SpawnTool{spawner: spawner}
}

func (t *SpawnTool) Name() string { return "spawn" }

func (t *SpawnTool) Description() string {
	return "Spawn a background subagent to work on a task independently. Returns a task ID immediately; the subagent's result is delivered to this conversation when it finishes. Use for long or parallelizable work."
}

func (t *SpawnTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "Complete, self-contained description of the task for the subagent",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	task, _ := args["task"].(string)
	if strings.TrimSpace(task) == "" {
		return ErrorResult("task is required")
	}
	if t.spawner == nil {
		return ErrorResult("subagents not configured")
	}

	conv, ok := ConversationFrom(ctx)
	if !ok {
		return ErrorResult("no conversation bound to this call")
	}
	taskID, err := t.spawner.Spawn(ctx, task, conv.Channel, conv.ChatID)
	if err != nil {
		return &ToolResult{
			ForLLM:  fmt.Sprintf("spawning subagent: %v", err),
			IsError: true,
			Err:     err,
		}
	}
	return &ToolResult{
		ForLLM:  fmt.Sprintf("Subagent started with task ID %s. Its result will arrive as a system message; do not wait for it.", taskID),
		ForUser: fmt.Sprintf("Started background task %s", taskID),
	}
}
