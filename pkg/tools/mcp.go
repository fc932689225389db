package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/microclaw/microclaw/pkg/config"
	"github.com/microclaw/microclaw/pkg/logger"
)

const defaultMCPStartupTimeout = 15 * time.Second

// MCPManager connects to configured MCP servers and exposes their tools as
// registry tools. One session per server, held open for the process lifetime.
type MCPManager struct {
	sessions []*mcp.ClientSession
	tools    []Tool
}

// NewMCPManager dials every enabled server. A server that fails to connect is
// logged and skipped so one broken config entry does not take the rest down.
func NewMCPManager(ctx context.Context, servers []config.MCPServerConfig) *MCPManager {
	m := &MCPManager{}
	for _, sc := range servers {
		if !sc.Enabled {
			continue
		}
		if err := m.connect(ctx, sc); err != nil {
			logger.ErrorCF("mcp", "Failed to connect MCP server", map[string]interface{}{
				"server": sc.Name,
				"error":  err.Error(),
			})
		}
	}
	return m
}

func (m *MCPManager) connect(ctx context.Context, sc config.MCPServerConfig) error {
	timeout := defaultMCPStartupTimeout
	if sc.StartupTimeoutMS > 0 {
		timeout = time.Duration(sc.StartupTimeoutMS) * time.Millisecond
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var transport mcp.Transport
	switch sc.Transport {
	case "command", "":
		if sc.Command == "" {
			return fmt.Errorf("server %s: command transport needs a command", sc.Name)
		}
		cmd := exec.Command(sc.Command, sc.Args...)
		cmd.Env = os.Environ()
		for k, v := range sc.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcp.CommandTransport{Command: cmd}
	case "streamable_http":
		if sc.URL == "" {
			return fmt.Errorf("server %s: streamable_http transport needs a url", sc.Name)
		}
		transport = &mcp.StreamableClientTransport{Endpoint: sc.URL}
	default:
		return fmt.Errorf("server %s: unknown transport %q", sc.Name, sc.Transport)
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "microclaw", Version: "0.1.0"}, nil)
	session, err := client.Connect(dialCtx, transport, nil)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	listed, err := session.ListTools(dialCtx, nil)
	if err != nil {
		_ = session.Close()
		return fmt.Errorf("listing tools: %w", err)
	}

	m.sessions = append(m.sessions, session)
	prefix := sc.ToolPrefix
	if prefix == "" {
		prefix = sc.Name + "_"
	}
	callTimeout := time.Duration(sc.CallTimeoutMS) * time.Millisecond
	for _, t := range listed.Tools {
		m.tools = append(m.tools, &mcpTool{
			session:     session,
			remoteName:  t.Name,
			name:        sanitizeToolName(prefix + t.Name),
			description: t.Description,
			parameters:  schemaToMap(t.InputSchema),
			callTimeout: callTimeout,
		})
	}
	logger.InfoCF("mcp", "MCP server connected", map[string]interface{}{
		"server": sc.Name,
		"tools":  len(listed.Tools),
	})
	return nil
}

// Tools returns the remote tools discovered across all connected servers.
func (m *MCPManager) Tools() []Tool {
	return m.tools
}

func (m *MCPManager) Close() {
	for _, s := range m.sessions {
		_ = s.Close()
	}
}

type mcpTool struct {
	session     *mcp.ClientSession
	remoteName  string
	name        string
	description string
	parameters  map[string]interface{}
	callTimeout time.Duration
}

func (t *mcpTool) Name() string        { return t.name }
func (t *mcpTool) Description() string { return t.description }

func (t *mcpTool) Parameters() map[string]interface{} {
	if t.parameters == nil {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	return t.parameters
}

func (t *mcpTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	if t.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.callTimeout)
		defer cancel()
	}

	result, err := t.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      t.remoteName,
		Arguments: args,
	})
	if err != nil {
		return &ToolResult{
			ForLLM:  fmt.Sprintf("mcp call %s: %v", t.remoteName, err),
			IsError: true,
			Err:     err,
		}
	}

	var sb strings.Builder
	for _, content := range result.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	text := sb.String()
	if result.IsError {
		return ErrorResult(text)
	}
	return SilentResult(text)
}

func schemaToMap(schema any) map[string]interface{} {
	if schema == nil {
		return nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// sanitizeToolName keeps names inside the [a-zA-Z0-9_-] set providers accept.
func sanitizeToolName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
