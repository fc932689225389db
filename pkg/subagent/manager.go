package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/microclaw/microclaw/pkg/bus"
	"github.com/microclaw/microclaw/pkg/config"
	"github.com/microclaw/microclaw/pkg/failover"
	"github.com/microclaw/microclaw/pkg/logger"
	"github.com/microclaw/microclaw/pkg/providers"
	"github.com/microclaw/microclaw/pkg/tools"
	"github.com/microclaw/microclaw/pkg/utils"
)

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Task is one background job delegated by the main agent.
type Task struct {
	ID          string
	Label       string
	Channel     string
	ChatID      string
	Status      string
	Result      string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Manager runs subagents: single-shot background agent loops with a
// restricted tool set. A finished task is announced back to the main agent as
// a system message on the originating conversation, never directly to the
// user.
type Manager struct {
	baseCtx     context.Context
	cfg         *config.Config
	bus         *bus.MessageBus
	failoverMgr *failover.Manager
	tools       *tools.Registry

	maxIterations int

	mu      sync.Mutex
	tasks   map[string]*Task
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewManager(ctx context.Context, cfg *config.Config, messageBus *bus.MessageBus, failoverMgr *failover.Manager) *Manager {
	maxIter := cfg.Agents.Defaults.SubagentMaxIterations
	if maxIter <= 0 {
		maxIter = 15
	}

	m := &Manager{
		baseCtx:       ctx,
		cfg:           cfg,
		bus:           messageBus,
		failoverMgr:   failoverMgr,
		tools:         tools.NewRegistry(),
		maxIterations: maxIter,
		tasks:         make(map[string]*Task),
		cancels:       make(map[string]context.CancelFunc),
	}
	m.registerTools()
	return m
}

// Subagents get the computing tools only. No send_message (the main agent owns
// the conversation) and no spawn (no recursive delegation).
func (m *Manager) registerTools() {
	workspace := m.cfg.WorkspacePath()
	restrict := m.cfg.Agents.Defaults.RestrictToWorkspace

	_ = m.tools.Register(tools.NewReadFileTool(workspace, restrict))
	_ = m.tools.Register(tools.NewWriteFileTool(workspace, restrict))
	_ = m.tools.Register(tools.NewAppendFileTool(workspace, restrict))
	_ = m.tools.Register(tools.NewEditFileTool(workspace, restrict))
	_ = m.tools.Register(tools.NewListDirTool(workspace, restrict))
	_ = m.tools.Register(tools.NewExecTool(workspace))

	if secs := m.cfg.Agents.Defaults.ToolTimeoutSeconds; secs > 0 {
		m.tools.SetExecTimeout(time.Duration(secs) * time.Second)
	}
	if chars := m.cfg.Agents.Defaults.ToolOutputMaxChars; chars > 0 {
		m.tools.SetMaxOutputChars(chars)
	}
}

// Spawn starts a task and returns its id immediately. The ctx passed in is
// the tool-call deadline; the task itself runs on the manager's context.
func (m *Manager) Spawn(ctx context.Context, task, channel, chatID string) (string, error) {
	if strings.TrimSpace(task) == "" {
		return "", fmt.Errorf("empty task")
	}

	t := &Task{
		ID:        uuid.NewString()[:8],
		Label:     utils.Truncate(task, 80),
		Channel:   channel,
		ChatID:    chatID,
		Status:    StatusRunning,
		CreatedAt: time.Now().UTC(),
	}

	runCtx, cancel := context.WithCancel(m.baseCtx)

	m.mu.Lock()
	m.tasks[t.ID] = t
	m.cancels[t.ID] = cancel
	m.mu.Unlock()

	logger.InfoCF("subagent", "Task spawned", map[string]interface{}{
		"task_id": t.ID, "label": t.Label,
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.run(runCtx, t, task)
	}()

	return t.ID, nil
}

// Get returns a snapshot of one task.
func (m *Manager) Get(id string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Tasks returns a snapshot of all tasks.
func (m *Manager) Tasks() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	return out
}

// Shutdown cancels all running tasks and waits for them to wind down.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, cancel := range m.cancels {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context, t *Task, task string) {
	result, err := m.execute(ctx, task)

	status := StatusCompleted
	if err != nil {
		status = StatusFailed
		result = err.Error()
	}

	m.mu.Lock()
	t.Status = status
	t.Result = result
	t.CompletedAt = time.Now().UTC()
	delete(m.cancels, t.ID)
	m.mu.Unlock()

	logger.InfoCF("subagent", "Task finished", map[string]interface{}{
		"task_id": t.ID, "status": status,
	})

	// Hand the outcome back to the main agent as a system message so it can
	// decide what to tell the user.
	content := fmt.Sprintf("Background task %s (%q) %s.\n\nResult:\n%s", t.ID, t.Label, status, result)
	perr := m.bus.PublishInboundContext(ctx, bus.InboundMessage{
		Channel:  t.Channel,
		ChatID:   t.ChatID,
		SenderID: "subagent",
		Content:  content,
		Origin:   bus.OriginSystem,
		Metadata: map[string]string{
			"subagent_task_id": t.ID,
			"subagent_status":  status,
		},
	})
	if perr != nil {
		logger.WarnCF("subagent", "Failed to announce task completion", map[string]interface{}{
			"task_id": t.ID, "error": perr.Error(),
		})
	}

	// The result is delivered; the task has no further life. Dropping it here
	// keeps the tracking set bounded by in-flight work.
	m.mu.Lock()
	delete(m.tasks, t.ID)
	m.mu.Unlock()
}

func (m *Manager) execute(ctx context.Context, task string) (string, error) {
	system := fmt.Sprintf(`You are a background worker for a personal AI assistant. Complete the task below using your tools, then reply with a concise report of what you did and what you found.

Workspace: %s

You work alone: you cannot message the user or spawn further workers. Your final reply goes to the main assistant, not the user.`, m.cfg.WorkspacePath())

	messages := []providers.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: task},
	}
	defs := m.tools.Definitions()
	options := map[string]interface{}{}
	if v := m.cfg.Agents.Defaults.MaxTokens; v > 0 {
		options["max_tokens"] = v
	}

	var lastContent string
	for iteration := 0; iteration < m.maxIterations; iteration++ {
		route, err := m.failoverMgr.ResolveRoute()
		if err != nil {
			return "", err
		}

		resp, err := route.Provider.Chat(ctx, messages, defs, route.Model, options)
		if err != nil {
			if providers.IsRetryable(err) && ctx.Err() == nil {
				select {
				case <-ctx.Done():
					return "", ctx.Err()
				case <-time.After(2 * time.Second):
				}
				resp, err = route.Provider.Chat(ctx, messages, defs, route.Model, options)
			}
			if err != nil {
				return "", err
			}
		}

		if !resp.HasToolCalls() {
			return resp.Content, nil
		}
		lastContent = resp.Content

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    m.executeToolCall(ctx, tc),
				ToolCallID: tc.ID,
			})
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
		}
	}

	note := fmt.Sprintf("Stopped after %d tool steps without a final answer.", m.maxIterations)
	if lastContent != "" {
		note += " Last progress: " + utils.Truncate(lastContent, 500)
	}
	return note, nil
}

func (m *Manager) executeToolCall(ctx context.Context, tc providers.ToolCall) string {
	if tc.Function == nil {
		return "malformed tool call: no function"
	}
	args := map[string]interface{}{}
	if raw := strings.TrimSpace(tc.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return fmt.Sprintf("tool %s: arguments are not valid JSON: %v", tc.Function.Name, err)
		}
	}
	return m.tools.Execute(ctx, tc.Function.Name, args).LLMContent()
}
