package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// CronJobSpec is the scheduler-facing view of one job.
type CronJobSpec struct {
	ID      string
	Name    string
	Expr    string
	Message string
	NextRun time.Time
}

// CronScheduler manages recurring reminders for conversations.
type CronScheduler interface {
	AddJob(name, expr, message, channel, chatID string) (CronJobSpec, error)
	ListJobs(channel, chatID string) []CronJobSpec
	RemoveJob(id string) bool
}

// CronTool exposes the scheduler to the model: one tool with an action
// switch, mirroring how the model thinks about "set a reminder".
type CronTool struct {
	scheduler CronScheduler
}

func NewCronTool(scheduler CronScheduler) *CronTool {
	return &CronTool{scheduler: scheduler}
}

func (t *CronTool) Name() string { return "cron" }

func (t *CronTool) Description() string {
	return "Manage scheduled reminders for this conversation. Actions: add (schedule a recurring message with a cron expression), list (show scheduled jobs), remove (delete a job by ID)."
}

func (t *CronTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"add", "list", "remove"},
				"description": "Operation to perform",
			},
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Short name for the job (add)",
			},
			"expr": map[string]interface{}{
				"type":        "string",
				"description": "Cron expression, five fields, e.g. '0 9 * * 1-5' (add)",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "Message injected into the conversation when the job fires (add)",
			},
			"id": map[string]interface{}{
				"type":        "string",
				"description": "Job ID (remove)",
			},
		},
		"required": []string{"action"},
	}
}

func (t *CronTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	if t.scheduler == nil {
		return ErrorResult("cron scheduler not configured")
	}
	conv, ok := ConversationFrom(ctx)
	if !ok {
		return ErrorResult("no conversation bound to this call")
	}
	action, _ := args["action"].(string)

	switch action {
	case "add":
		name, _ := args["name"].(string)
		expr, _ := args["expr"].(string)
		message, _ := args["message"].(string)
		if strings.TrimSpace(expr) == "" || strings.TrimSpace(message) == "" {
			return ErrorResult("add requires expr and message")
		}
		job, err := t.scheduler.AddJob(name, expr, message, conv.Channel, conv.ChatID)
		if err != nil {
			return ErrorResult(fmt.Sprintf("adding job: %v", err))
		}
		return SilentResult(fmt.Sprintf("Scheduled job %s (%s), next run %s",
			job.ID, job.Expr, job.NextRun.Format(time.RFC3339)))

	case "list":
		jobs := t.scheduler.ListJobs(conv.Channel, conv.ChatID)
		if len(jobs) == 0 {
			return SilentResult("No scheduled jobs.")
		}
		var sb strings.Builder
		for _, j := range jobs {
			fmt.Fprintf(&sb, "%s  %s  %q  next %s\n", j.ID, j.Expr, j.Message, j.NextRun.Format(time.RFC3339))
		}
		return SilentResult(sb.String())

	case "remove":
		id, _ := args["id"].(string)
		if id == "" {
			return ErrorResult("remove requires id")
		}
		if !t.scheduler.RemoveJob(id) {
			return ErrorResult(fmt.Sprintf("no job with id %s", id))
		}
		return SilentResult(fmt.Sprintf("Removed job %s", id))

	default:
		return ErrorResult(fmt.Sprintf("unknown action: %s", action))
	}
}
