package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ExecTool runs a shell command in the workspace. The registry's deadline is
// the only timeout; when it fires the process is killed via the context.
type ExecTool struct {
	workspace string
}

func NewExecTool(workspace string) *ExecTool {
	return &ExecTool{workspace: workspace}
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Execute a shell command in the workspace directory and return its combined output. Long-running commands are killed when the tool deadline expires."
}

func (t *ExecTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Shell command to execute",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return ErrorResult("command is required")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.workspace

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := strings.TrimSpace(buf.String())

	if ctx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("command killed by timeout; partial output:\n%s", output))
	}
	if err != nil {
		if output == "" {
			return ErrorResult(fmt.Sprintf("command failed: %v", err))
		}
		return ErrorResult(fmt.Sprintf("command failed (%v):\n%s", err, output))
	}
	if output == "" {
		return SilentResult("(no output)")
	}
	return SilentResult(output)
}
