// microclaw - personal AI assistant orchestrator
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 microclaw contributors

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/microclaw/microclaw/pkg/bus"
	"github.com/microclaw/microclaw/pkg/config"
	"github.com/microclaw/microclaw/pkg/failover"
	"github.com/microclaw/microclaw/pkg/logger"
	"github.com/microclaw/microclaw/pkg/providers"
	"github.com/microclaw/microclaw/pkg/session"
	"github.com/microclaw/microclaw/pkg/state"
	"github.com/microclaw/microclaw/pkg/tools"
	"github.com/microclaw/microclaw/pkg/usage"
	"github.com/microclaw/microclaw/pkg/utils"
)

const (
	// chatRetries is how many times a failed LLM call is retried before the
	// cycle aborts with a user-visible error. Rate limits skip retries and go
	// straight to failover.
	chatRetries      = 2
	chatRetryBackoff = time.Second

	// Summarization kicks in when history grows past either bound.
	summarizeTurnThreshold  = 24
	summarizeTokenThreshold = 60000
	summarizeKeepLast       = 4
)

// processOptions carries one inbound cycle through the loop.
type processOptions struct {
	SessionKey      string
	Channel         string
	ChatID          string
	UserMessage     string
	Media           []string
	DefaultResponse string
	SendResponse    bool
}

// AgentLoop consumes inbound messages, runs the think-act cycle against the
// active model and publishes exactly one final reply per inbound message.
// Cycles for the same session key run strictly one at a time; different keys
// run concurrently on the worker pool.
type AgentLoop struct {
	bus            *bus.MessageBus
	cfg            *config.Config
	sessions       *session.Manager
	state          *state.Manager
	usageStore     *usage.Store
	failoverMgr    *failover.Manager
	contextBuilder *ContextBuilder
	tools          *tools.Registry

	workspace     string
	maxIterations int
	workers       int

	running      atomic.Bool
	probeRunning atomic.Bool
	summarizing  sync.Map // sessionKey -> struct{}
	activeCancel sync.Map // sessionKey -> context.CancelFunc
	wg           sync.WaitGroup
}

func NewAgentLoop(cfg *config.Config, messageBus *bus.MessageBus, sessions *session.Manager, stateMgr *state.Manager) *AgentLoop {
	workspace := cfg.WorkspacePath()

	al := &AgentLoop{
		bus:            messageBus,
		cfg:            cfg,
		sessions:       sessions,
		state:          stateMgr,
		usageStore:     usage.NewStore(workspace),
		failoverMgr:    failover.NewManager(cfg, stateMgr),
		contextBuilder: NewContextBuilder(workspace),
		tools:          tools.NewRegistry(),
		workspace:      workspace,
		maxIterations:  cfg.Agents.Defaults.MaxToolIterations,
		workers:        cfg.Agents.Defaults.Workers,
	}
	if al.maxIterations <= 0 {
		al.maxIterations = 20
	}
	if al.workers <= 0 {
		al.workers = 4
	}

	al.registerCoreTools()
	al.contextBuilder.SetToolsRegistry(al.tools)
	return al
}

func (al *AgentLoop) registerCoreTools() {
	restrict := al.cfg.Agents.Defaults.RestrictToWorkspace

	_ = al.tools.Register(tools.NewReadFileTool(al.workspace, restrict))
	_ = al.tools.Register(tools.NewWriteFileTool(al.workspace, restrict))
	_ = al.tools.Register(tools.NewAppendFileTool(al.workspace, restrict))
	_ = al.tools.Register(tools.NewEditFileTool(al.workspace, restrict))
	_ = al.tools.Register(tools.NewListDirTool(al.workspace, restrict))
	_ = al.tools.Register(tools.NewExecTool(al.workspace))
	_ = al.tools.Register(tools.NewDebugLogsTool(al.workspace))

	msgTool := tools.NewSendMessageTool()
	msgTool.SetSendCallback(func(channel, chatID, content string) error {
		al.bus.PublishOutbound(bus.OutboundMessage{
			Channel: channel,
			ChatID:  chatID,
			Content: content,
		})
		return nil
	})
	_ = al.tools.Register(msgTool)

	fileTool := tools.NewSendFileTool(al.workspace)
	fileTool.SetSendCallback(func(channel, chatID, caption string, files []string) error {
		al.bus.PublishOutbound(bus.OutboundMessage{
			Channel: channel,
			ChatID:  chatID,
			Content: caption,
			Media:   files,
		})
		return nil
	})
	_ = al.tools.Register(fileTool)

	if secs := al.cfg.Agents.Defaults.ToolTimeoutSeconds; secs > 0 {
		al.tools.SetExecTimeout(time.Duration(secs) * time.Second)
	}
	if chars := al.cfg.Agents.Defaults.ToolOutputMaxChars; chars > 0 {
		al.tools.SetMaxOutputChars(chars)
	}
}

// Registry exposes the tool registry so the composition root can add tools
// that need services built after the loop (spawn, cron, MCP).
func (al *AgentLoop) Registry() *tools.Registry {
	return al.tools
}

// Failover exposes the failover manager for wiring and tests.
func (al *AgentLoop) Failover() *failover.Manager {
	return al.failoverMgr
}

// Run consumes inbound messages until ctx is cancelled. It blocks.
func (al *AgentLoop) Run(ctx context.Context) {
	al.running.Store(true)
	defer al.running.Store(false)

	logger.InfoCF("agent", "Agent loop started", map[string]interface{}{
		"workers": al.workers,
		"model":   al.failoverMgr.ActiveModel(),
	})

	for i := 0; i < al.workers; i++ {
		al.wg.Add(1)
		go func() {
			defer al.wg.Done()
			for {
				msg, ok := al.bus.ConsumeInbound(ctx)
				if !ok {
					return
				}
				al.handleInbound(ctx, msg)
			}
		}()
	}
	al.wg.Wait()
}

// Stop cancels every in-flight cycle.
func (al *AgentLoop) Stop() {
	al.activeCancel.Range(func(key, value interface{}) bool {
		if cancel, ok := value.(context.CancelFunc); ok {
			cancel()
		}
		al.activeCancel.Delete(key)
		return true
	})
}

func (al *AgentLoop) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	key := msg.SessionKey
	if key == "" {
		key = bus.SessionKey(msg.Channel, msg.ChatID)
	}

	if msg.IsSystem() {
		al.processSystemMessage(ctx, msg, key)
		return
	}

	content := strings.TrimSpace(msg.Content)
	if reply, handled := al.handleCommand(key, content); handled {
		if reply != "" {
			al.bus.PublishOutbound(bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: reply})
		}
		return
	}

	if outcome := al.failoverMgr.HandleUserSwitchbackDecision(content); outcome.Handled {
		al.bus.PublishOutbound(bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: outcome.Reply})
		return
	}

	al.state.SetLastConversation(msg.Channel, msg.ChatID)
	al.maybeProbe(ctx, msg.Channel, msg.ChatID)

	al.runAgentLoop(ctx, processOptions{
		SessionKey:      key,
		Channel:         msg.Channel,
		ChatID:          msg.ChatID,
		UserMessage:     msg.Content,
		Media:           msg.Media,
		DefaultResponse: "Done.",
		SendResponse:    true,
	})
}

// handleCommand deals with the small chat-command surface. It returns
// handled=false for ordinary messages.
func (al *AgentLoop) handleCommand(key, content string) (string, bool) {
	switch {
	case content == "/stop":
		if cancel, ok := al.activeCancel.LoadAndDelete(key); ok {
			cancel.(context.CancelFunc)()
			return "Stopped.", true
		}
		return "Nothing running to stop.", true

	case content == "/clear" || content == "/new":
		if err := al.sessions.Clear(key); err != nil {
			return "Could not clear the session: " + err.Error(), true
		}
		return "Session cleared.", true

	case content == "/usage" || strings.HasPrefix(content, "/usage "):
		return al.handleUsageCommand(key, strings.TrimSpace(strings.TrimPrefix(content, "/usage"))), true
	}
	return "", false
}

// processSystemMessage handles injections from cron, heartbeat and finished
// subagents. They run through the normal cycle so the model can act on them,
// and the reply goes to the conversation they were bound to.
func (al *AgentLoop) processSystemMessage(ctx context.Context, msg bus.InboundMessage, key string) {
	// An empty default means a heartbeat or cron cycle that produced nothing
	// stays silent instead of sending "Done." every half hour.
	al.runAgentLoop(ctx, processOptions{
		SessionKey:   key,
		Channel:      msg.Channel,
		ChatID:       msg.ChatID,
		UserMessage:  msg.Content,
		SendResponse: true,
	})
}

// ProcessDirect runs one cycle outside the bus and returns the reply. The CLI
// chat mode uses this.
func (al *AgentLoop) ProcessDirect(ctx context.Context, content string) (string, error) {
	key := bus.SessionKey("cli", "direct")
	return al.runAgentLoop(ctx, processOptions{
		SessionKey:      key,
		Channel:         "cli",
		ChatID:          "direct",
		UserMessage:     content,
		DefaultResponse: "Done.",
		SendResponse:    false,
	})
}

// runAgentLoop is one full inbound cycle: lock the session, build context,
// iterate the model with tools, persist the turns and publish the single
// final reply.
func (al *AgentLoop) runAgentLoop(ctx context.Context, opts processOptions) (string, error) {
	key := opts.SessionKey

	// One cycle at a time per session. The lock covers context building
	// through the final reply so interleaved messages never see half a cycle.
	al.sessions.Lock(key)
	defer al.sessions.Unlock(key)

	cctx, cancel := context.WithCancel(ctx)
	al.activeCancel.Store(key, cancel)
	defer func() {
		al.activeCancel.Delete(key)
		cancel()
	}()

	// Tools resolve their target conversation from the call context, so
	// concurrent cycles for different keys cannot cross-deliver.
	cctx = tools.WithConversation(cctx, opts.Channel, opts.ChatID)

	history := al.sessions.History(key, al.cfg.Agents.Defaults.MaxHistoryTurns)
	summary := al.sessions.Summary(key)
	messages := al.contextBuilder.BuildMessages(history, summary, opts.UserMessage, opts.Media, opts.Channel, opts.ChatID)

	al.sessions.AddTurn(key, "user", opts.UserMessage)

	final, err := al.runLLMIteration(cctx, key, messages)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// The /stop handler already told the user.
			logger.InfoCF("agent", "Cycle cancelled", map[string]interface{}{"session": key})
			al.sessions.AddTurn(key, "assistant", "(stopped)")
			_ = al.sessions.Save(key)
			return "", err
		}
		logger.ErrorCF("agent", "Cycle aborted", map[string]interface{}{
			"session": key, "error": err.Error(),
		})
		final = "Sorry, I hit a problem and had to stop: " + utils.Truncate(err.Error(), 400)
	}

	if strings.TrimSpace(final) == "" {
		final = opts.DefaultResponse
	}

	al.sessions.AddTurn(key, "assistant", final)
	if err := al.sessions.Save(key); err != nil {
		logger.WarnCF("agent", "Failed to persist session", map[string]interface{}{
			"session": key, "error": err.Error(),
		})
	}

	al.maybeSummarize(key)

	if opts.SendResponse && final != "" {
		al.bus.PublishOutbound(bus.OutboundMessage{
			Channel: opts.Channel,
			ChatID:  opts.ChatID,
			Content: final,
		})
	}
	return final, nil
}

// runLLMIteration drives the model until it stops calling tools or the
// iteration bound is hit. Every tool call gets exactly one result, matched by
// call id, in request order.
func (al *AgentLoop) runLLMIteration(ctx context.Context, key string, messages []providers.Message) (string, error) {
	options := map[string]interface{}{}
	if v := al.cfg.Agents.Defaults.MaxTokens; v > 0 {
		options["max_tokens"] = v
	}
	if v := al.cfg.Agents.Defaults.Temperature; v > 0 {
		options["temperature"] = v
	}
	defs := al.tools.Definitions()

	for iteration := 0; iteration < al.maxIterations; iteration++ {
		route, err := al.failoverMgr.ResolveRoute()
		if err != nil {
			return "", fmt.Errorf("no usable model: %w", err)
		}

		resp, err := al.chatWithRetry(ctx, route, messages, defs, options)
		if err != nil {
			var rl *providers.RateLimitError
			if errors.As(err, &rl) {
				evt := al.failoverMgr.OnLLMRateLimited(route.Model, err)
				if evt.Switched {
					logger.WarnCF("agent", "Rate limited, switching model", map[string]interface{}{
						"from": evt.FromModel, "to": evt.ToModel,
					})
					// A model switch is not a tool round; the cycle keeps
					// its full iteration budget.
					iteration--
					continue
				}
			}
			return "", err
		}

		al.recordUsage(key, route.Model, resp)
		al.failoverMgr.OnLLMSuccess(route.Model)

		if !resp.HasToolCalls() {
			return resp.Content, nil
		}

		assistantTurn := session.Turn{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		al.sessions.AddFullTurn(key, assistantTurn)

		for _, tc := range resp.ToolCalls {
			result := al.executeToolCall(ctx, tc)
			content := result.LLMContent()

			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: tc.ID,
			})
			al.sessions.AddFullTurn(key, session.Turn{
				Role:       "tool",
				Content:    content,
				ToolCallID: tc.ID,
			})

			if ctx.Err() != nil {
				return "", ctx.Err()
			}
		}
	}

	logger.WarnCF("agent", "Iteration bound reached", map[string]interface{}{
		"session": key, "max_iterations": al.maxIterations,
	})
	return fmt.Sprintf("I stopped after %d tool steps without finishing this task. Tell me to continue if you want me to keep going.", al.maxIterations), nil
}

func (al *AgentLoop) executeToolCall(ctx context.Context, tc providers.ToolCall) *tools.ToolResult {
	if tc.Function == nil {
		return tools.ErrorResult("malformed tool call: no function")
	}

	args := map[string]interface{}{}
	if raw := strings.TrimSpace(tc.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return tools.ErrorResult(fmt.Sprintf("tool %s: arguments are not valid JSON: %v", tc.Function.Name, err))
		}
	}

	logger.InfoCF("agent", "Executing tool", map[string]interface{}{
		"tool": tc.Function.Name, "call_id": tc.ID,
	})
	return al.tools.Execute(ctx, tc.Function.Name, args)
}

// chatWithRetry retries transient failures with backoff. Rate limits are
// returned immediately so failover can act on the reset hints.
func (al *AgentLoop) chatWithRetry(ctx context.Context, route failover.Route, messages []providers.Message, defs []providers.ToolDefinition, options map[string]interface{}) (*providers.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= chatRetries; attempt++ {
		resp, err := route.Provider.Chat(ctx, messages, defs, route.Model, options)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var rl *providers.RateLimitError
		if errors.As(err, &rl) {
			return nil, err
		}
		if !providers.IsRetryable(err) || attempt == chatRetries {
			return nil, err
		}

		backoff := chatRetryBackoff << uint(attempt*2) // 1s, 4s
		logger.WarnCF("agent", "LLM call failed, retrying", map[string]interface{}{
			"model": route.Model, "attempt": attempt + 1, "backoff": backoff.String(), "error": err.Error(),
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

func (al *AgentLoop) recordUsage(key, model string, resp *providers.Response) {
	rec := usage.Record{
		SessionKey: key,
		Provider:   providers.InferProviderFromModel(model),
		Model:      model,
		UsageKnown: resp.Usage != nil,
	}
	if resp.Usage != nil {
		rec.PromptTokens = resp.Usage.PromptTokens
		rec.CompletionTokens = resp.Usage.CompletionTokens
		rec.TotalTokens = resp.Usage.TotalTokens
	}
	if err := al.usageStore.Append(rec); err != nil {
		logger.WarnCF("agent", "Failed to record usage", map[string]interface{}{"error": err.Error()})
	}
}

// maybeProbe kicks off a primary-model health probe in the background when the
// failover schedule says it is due.
func (al *AgentLoop) maybeProbe(ctx context.Context, channel, chatID string) {
	if prompt, ok := al.failoverMgr.ConsumeSwitchbackPrompt(time.Now()); ok {
		al.bus.PublishOutbound(bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: prompt})
		return
	}

	if !al.failoverMgr.ShouldProbe(time.Now()) {
		return
	}
	if !al.probeRunning.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer al.probeRunning.Store(false)
		pctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		outcome := al.failoverMgr.RunProbe(pctx)
		logger.InfoCF("agent", "Failover probe finished", map[string]interface{}{
			"success": outcome.Success, "next_probe": outcome.NextProbeAt.Format(time.RFC3339),
		})
		if outcome.BecameHealthy && outcome.PromptText == "" && al.cfg.Agents.Failover.NotifyOnSwitch {
			al.bus.PublishOutbound(bus.OutboundMessage{
				Channel: channel, ChatID: chatID,
				Content: fmt.Sprintf("Primary model %s is healthy again; switched back.", al.failoverMgr.PrimaryModel()),
			})
		}
	}()
}

// maybeSummarize compacts long sessions in the background. The per-key session
// lock is taken inside the goroutine, so an active cycle finishes first.
func (al *AgentLoop) maybeSummarize(key string) {
	history := al.sessions.History(key, 0)
	if len(history) <= summarizeTurnThreshold && estimateTokens(history) <= summarizeTokenThreshold {
		return
	}
	if _, busy := al.summarizing.LoadOrStore(key, struct{}{}); busy {
		return
	}

	go func() {
		defer al.summarizing.Delete(key)
		al.sessions.Lock(key)
		defer al.sessions.Unlock(key)

		if err := al.summarizeSession(key); err != nil {
			logger.WarnCF("agent", "Summarization failed", map[string]interface{}{
				"session": key, "error": err.Error(),
			})
		}
	}()
}

func (al *AgentLoop) summarizeSession(key string) error {
	history := al.sessions.History(key, 0)
	if len(history) <= summarizeKeepLast {
		return nil
	}
	older := history[:len(history)-summarizeKeepLast]

	var b strings.Builder
	if prev := al.sessions.Summary(key); prev != "" {
		b.WriteString("Earlier summary:\n")
		b.WriteString(prev)
		b.WriteString("\n\n")
	}
	b.WriteString("Conversation to fold in:\n")
	for _, msg := range older {
		if msg.Role == "tool" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, utils.Truncate(msg.Content, 1000))
	}

	route, err := al.failoverMgr.ResolveRoute()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	resp, err := route.Provider.Chat(ctx, []providers.Message{
		{Role: "system", Content: "Summarize this conversation in a compact form that preserves facts, decisions, names and open tasks. Reply with the summary only."},
		{Role: "user", Content: b.String()},
	}, nil, route.Model, map[string]interface{}{"max_tokens": 1024})
	if err != nil {
		return err
	}

	al.sessions.SetSummary(key, strings.TrimSpace(resp.Content))
	if err := al.sessions.Compact(key, summarizeKeepLast); err != nil {
		return err
	}
	logger.InfoCF("agent", "Session summarized", map[string]interface{}{
		"session": key, "kept_turns": summarizeKeepLast,
	})
	return nil
}

// estimateTokens is a rough runes/3 heuristic, good enough for deciding when
// to summarize.
func estimateTokens(messages []providers.Message) int {
	total := 0
	for _, m := range messages {
		total += len([]rune(m.Content)) / 3
	}
	return total
}

func (al *AgentLoop) handleUsageCommand(key, arg string) string {
	switch arg {
	case "", "today":
		recs := al.usageStore.Query(usage.Filter{DayKey: al.usageStore.TodayKey()})
		agg := usage.AggregateRecords(recs)
		return fmt.Sprintf("Usage today: %d calls, %s prompt + %s completion = %s tokens (%d calls without usage data).",
			agg.Calls, usage.HumanTokens(agg.PromptTokens), usage.HumanTokens(agg.CompletionTokens),
			usage.HumanTokens(agg.TotalTokens), agg.UnknownCalls)

	case "last":
		rec, ok := al.usageStore.LastBySession(key)
		if !ok {
			return "No usage recorded for this session yet."
		}
		return fmt.Sprintf("Last call: %s via %s, %s prompt + %s completion = %s tokens.",
			rec.Model, rec.Provider, usage.GroupedInt(rec.PromptTokens),
			usage.GroupedInt(rec.CompletionTokens), usage.GroupedInt(rec.TotalTokens))

	case "session":
		recs := al.usageStore.Query(usage.Filter{SessionKey: key})
		agg := usage.AggregateRecords(recs)
		return fmt.Sprintf("This session: %d calls, %s tokens total (%d without usage data).",
			agg.Calls, usage.HumanTokens(agg.TotalTokens), agg.UnknownCalls)

	case "provider":
		recs := al.usageStore.Query(usage.Filter{})
		breakdown := usage.ProviderBreakdown(recs)
		if len(breakdown) == 0 {
			return "No usage recorded yet."
		}
		var b strings.Builder
		b.WriteString("Usage by provider:\n")
		for provider, agg := range breakdown {
			fmt.Fprintf(&b, "- %s: %d calls, %s tokens\n", provider, agg.Calls, usage.HumanTokens(agg.TotalTokens))
		}
		return strings.TrimRight(b.String(), "\n")

	default:
		return "Usage: /usage [today|last|session|provider]"
	}
}
