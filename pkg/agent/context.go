package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/microclaw/microclaw/pkg/logger"
	"github.com/microclaw/microclaw/pkg/providers"
	"github.com/microclaw/microclaw/pkg/skills"
	"github.com/microclaw/microclaw/pkg/tools"
	"github.com/microclaw/microclaw/pkg/utils"
)

// ContextBuilder assembles the message list for one LLM call: identity,
// workspace bootstrap files, skills summary, memory, summary of older turns,
// bounded history and the current user message.
type ContextBuilder struct {
	workspace    string
	skillsLoader *skills.SkillsLoader
	memory       *MemoryStore
	tools        *tools.Registry
}

func getGlobalConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".microclaw")
}

func NewContextBuilder(workspace string) *ContextBuilder {
	// Builtin skills ship in the skills/ directory next to the binary's
	// working directory; global skills live under ~/.microclaw/skills.
	wd, _ := os.Getwd()
	builtinSkillsDir := filepath.Join(wd, "skills")
	globalSkillsDir := filepath.Join(getGlobalConfigDir(), "skills")

	return &ContextBuilder{
		workspace:    workspace,
		skillsLoader: skills.NewSkillsLoader(workspace, globalSkillsDir, builtinSkillsDir),
		memory:       NewMemoryStore(workspace),
	}
}

// SetToolsRegistry sets the tools registry for dynamic tool summary generation.
func (cb *ContextBuilder) SetToolsRegistry(registry *tools.Registry) {
	cb.tools = registry
}

func (cb *ContextBuilder) getIdentity() string {
	now := time.Now().Format("2006-01-02 15:04 (Monday)")
	workspacePath, _ := filepath.Abs(cb.workspace)
	rt := fmt.Sprintf("%s %s, Go %s", runtime.GOOS, runtime.GOARCH, runtime.Version())

	toolsSection := cb.buildToolsSection()

	return fmt.Sprintf(`# microclaw

You are microclaw, a personal AI assistant. You live on the user's own machine
and talk to them over their messaging apps.

## Environment
- **Runtime**: %s
- **Current Time**: %s
- **Connectivity**: You have internet access and can make HTTP requests

## What You Can Do

### Communication
- You receive and answer messages on Telegram, Discord, Slack, WhatsApp and the local terminal
- Use the send_message tool for extra messages mid-task; your final answer is delivered automatically

### Computing
- **Shell**: Execute Linux commands with the exec tool
- **Files**: Read, write, edit files in your workspace
- **Memory**: Persistent memory across conversations
- **Scheduling**: The cron tool schedules reminders and recurring tasks
- **Delegation**: The spawn tool runs a background subagent for long work

## Workspace
%s
- Memory: %s/memory/MEMORY.md
- Skills: %s/skills/{skill-name}/SKILL.md
- Standing instructions: %s/HEARTBEAT.md (reviewed periodically)

%s

## Important Rules

1. **ALWAYS use tools** — When you need to perform an action, call the appropriate tool. Do NOT just describe what you would do.
2. **Memory** — Store important information in %s/memory/MEMORY.md
3. **Long tasks** — Delegate anything that takes many steps to a subagent with spawn, then keep talking to the user.
4. **Be concise** — Briefly explain what you're doing, then do it.`,
		rt, now, workspacePath, workspacePath, workspacePath, workspacePath, toolsSection, workspacePath)
}

func (cb *ContextBuilder) buildToolsSection() string {
	if cb.tools == nil {
		return ""
	}

	summaries := cb.tools.GetSummaries()
	if len(summaries) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Available Tools\n\n")
	sb.WriteString("**CRITICAL**: You MUST use tools to perform actions. Do NOT pretend to execute commands or schedule tasks.\n\n")
	for _, s := range summaries {
		sb.WriteString(s)
		sb.WriteString("\n")
	}
	return sb.String()
}

func (cb *ContextBuilder) BuildSystemPrompt() string {
	parts := []string{cb.getIdentity()}

	if bootstrap := cb.LoadBootstrapFiles(); bootstrap != "" {
		parts = append(parts, bootstrap)
	}

	// Skills stay out of the prompt body; the agent reads SKILL.md on demand.
	if skillsSummary := cb.skillsLoader.BuildSkillsSummary(); skillsSummary != "" {
		parts = append(parts, fmt.Sprintf(`# Skills

The following skills extend your capabilities. To use a skill, read its SKILL.md file using the read_file tool.

%s`, skillsSummary))
	}

	if memoryContext := cb.memory.GetMemoryContext(); memoryContext != "" {
		parts = append(parts, "# Memory\n\n"+memoryContext)
	}

	return strings.Join(parts, "\n\n---\n\n")
}

func (cb *ContextBuilder) LoadBootstrapFiles() string {
	bootstrapFiles := []string{
		"AGENTS.md",
		"SOUL.md",
		"USER.md",
		"IDENTITY.md",
	}

	var result string
	for _, filename := range bootstrapFiles {
		filePath := filepath.Join(cb.workspace, filename)
		if data, err := os.ReadFile(filePath); err == nil {
			result += fmt.Sprintf("## %s\n\n%s\n\n", filename, string(data))
		}
	}
	return result
}

func (cb *ContextBuilder) BuildMessages(history []providers.Message, summary, currentMessage string, media []string, channel, chatID string) []providers.Message {
	systemPrompt := cb.BuildSystemPrompt()

	if channel != "" && chatID != "" {
		systemPrompt += fmt.Sprintf("\n\n## Current Session\nChannel: %s\nChat ID: %s", channel, chatID)
	}
	if summary != "" {
		systemPrompt += "\n\n## Summary of Previous Conversation\n\n" + summary
	}

	logger.DebugCF("agent", "System prompt built", map[string]interface{}{
		"total_chars":   len(systemPrompt),
		"section_count": strings.Count(systemPrompt, "\n\n---\n\n") + 1,
	})

	// A history slice that starts with tool results references tool call ids
	// the model never saw; providers reject that.
	for len(history) > 0 && history[0].Role == "tool" {
		history = history[1:]
	}

	messages := make([]providers.Message, 0, len(history)+2)
	messages = append(messages, providers.Message{Role: "system", Content: systemPrompt})
	messages = append(messages, history...)

	currentMsg := providers.Message{Role: "user", Content: currentMessage}
	if len(media) > 0 {
		images := utils.ProcessMediaImages(media)
		for _, img := range images {
			currentMsg.Media = append(currentMsg.Media, providers.MediaImage{
				MimeType:   img.MimeType,
				Base64Data: img.Base64Data,
			})
		}
		if len(images) > 0 {
			logger.InfoCF("agent", "Attached images to message",
				map[string]interface{}{"count": len(images)})
		}
	}
	return append(messages, currentMsg)
}
