package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	debugLogsDefaultLines = 50
	debugLogsMaxLines     = 200
	debugLogsMaxOutput    = 8000
)

// DebugLogsTool lets the agent read its own structured log tail, so "why did
// that fail?" can be answered from inside the conversation.
type DebugLogsTool struct {
	workspace string
}

func NewDebugLogsTool(workspace string) *DebugLogsTool {
	return &DebugLogsTool{workspace: workspace}
}

func (t *DebugLogsTool) Name() string { return "debug_logs" }

func (t *DebugLogsTool) Description() string {
	return "Inspect the assistant's own recent log output. Use this to investigate failures, errors, or odd behavior the user reports. Entries can be narrowed by minimum level, a keyword, or a correlation_id."
}

func (t *DebugLogsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"lines": map[string]interface{}{
				"type":        "integer",
				"description": fmt.Sprintf("How many recent entries to return (default %d, max %d)", debugLogsDefaultLines, debugLogsMaxLines),
			},
			"level": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"ERROR", "WARN", "INFO", "DEBUG"},
				"description": "Minimum level to include; ERROR returns only errors, WARN returns warnings and errors",
			},
			"keyword": map[string]interface{}{
				"type":        "string",
				"description": "Only entries whose message or fields contain this text",
			},
			"correlation_id": map[string]interface{}{
				"type":        "string",
				"description": "Only entries belonging to one request's correlation_id",
			},
		},
	}
}

// logRecord mirrors one JSON line emitted by the logger.
type logRecord struct {
	Level     string                 `json:"level"`
	Timestamp string                 `json:"timestamp"`
	Component string                 `json:"component"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields"`
	Caller    string                 `json:"caller"`
}

func levelRank(level string) int {
	switch strings.ToUpper(level) {
	case "ERROR":
		return 4
	case "WARN":
		return 3
	case "INFO":
		return 2
	case "DEBUG":
		return 1
	}
	return 0
}

// logFilter holds the narrowing criteria parsed from the tool arguments.
type logFilter struct {
	minRank       int
	keyword       string
	correlationID string
}

func (f logFilter) matches(rec logRecord) bool {
	if f.minRank > 0 && levelRank(rec.Level) < f.minRank {
		return false
	}
	if f.correlationID != "" {
		cid, _ := rec.Fields["correlation_id"].(string)
		if cid != f.correlationID {
			return false
		}
	}
	if f.keyword != "" {
		if strings.Contains(strings.ToLower(rec.Message), f.keyword) {
			return true
		}
		raw, _ := json.Marshal(rec.Fields)
		return strings.Contains(strings.ToLower(string(raw)), f.keyword)
	}
	return true
}

func (t *DebugLogsTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	limit := debugLogsDefaultLines
	if l, ok := args["lines"].(float64); ok && l > 0 {
		limit = int(l)
		if limit > debugLogsMaxLines {
			limit = debugLogsMaxLines
		}
	}

	filter := logFilter{}
	if lvl, ok := args["level"].(string); ok && lvl != "" {
		filter.minRank = levelRank(lvl)
	}
	if kw, ok := args["keyword"].(string); ok {
		filter.keyword = strings.ToLower(kw)
	}
	if cid, ok := args["correlation_id"].(string); ok {
		filter.correlationID = cid
	}

	// Over-read so filtering still leaves enough entries to fill the limit.
	raw, err := tailLines(filepath.Join(t.workspace, "microclaw.log"), limit*3)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Failed to read log file: %v", err))
	}
	if len(raw) == 0 {
		return SilentResult("Log file is empty.")
	}

	var kept []logRecord
	for _, line := range raw {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var rec logRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// Lines from before structured logging was enabled, or a
			// partially written tail. Not worth surfacing.
			continue
		}
		if filter.matches(rec) {
			kept = append(kept, rec)
		}
	}
	if len(kept) > limit {
		kept = kept[len(kept)-limit:]
	}
	if len(kept) == 0 {
		return SilentResult("No log entries matched the filters.")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "=== microclaw logs (%d entries) ===\n\n", len(kept))
	for _, rec := range kept {
		fmt.Fprintf(&sb, "[%s] %s [%s] %s", rec.Timestamp, rec.Level, rec.Component, rec.Message)
		if len(rec.Fields) > 0 {
			sb.WriteString(" ")
			sb.WriteString(compactFields(rec.Fields))
		}
		sb.WriteString("\n")
	}

	out := sb.String()
	if len(out) > debugLogsMaxOutput {
		out = "... (truncated)\n" + out[len(out)-debugLogsMaxOutput:]
	}
	return SilentResult(out)
}

// compactFields renders a field map with long string values clipped, so one
// oversized payload cannot drown the rest of the tail.
func compactFields(fields map[string]interface{}) string {
	clipped := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if s, ok := v.(string); ok && len(s) > 200 {
			clipped[k] = s[:200] + "..."
			continue
		}
		clipped[k] = v
	}
	raw, _ := json.Marshal(clipped)
	return string(raw)
}

// tailLines returns up to n trailing lines of the file at path.
func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
