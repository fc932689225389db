package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/microclaw/microclaw/pkg/logger"
	"github.com/microclaw/microclaw/pkg/providers"
)

const (
	DefaultExecTimeout    = 60 * time.Second
	DefaultMaxOutputChars = 30000
)

// Registry owns the tools available to one agent. Execution is hardened: args
// are validated against the tool's schema, every call gets a deadline, output
// is capped, and a panicking tool becomes a failed result instead of taking
// the loop down.
type Registry struct {
	mu             sync.RWMutex
	tools          map[string]Tool
	schemas        map[string]*jsonschema.Resolved
	execTimeout    time.Duration
	maxOutputChars int
}

func NewRegistry() *Registry {
	return &Registry{
		tools:          make(map[string]Tool),
		schemas:        make(map[string]*jsonschema.Resolved),
		execTimeout:    DefaultExecTimeout,
		maxOutputChars: DefaultMaxOutputChars,
	}
}

func (r *Registry) SetExecTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.execTimeout = d
	}
}

func (r *Registry) SetMaxOutputChars(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > 0 {
		r.maxOutputChars = n
	}
}

func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already registered: %s", name)
	}
	r.tools[name] = tool
	if resolved, err := compileSchema(tool.Parameters()); err == nil {
		r.schemas[name] = resolved
	} else {
		logger.WarnCF("tools", "Tool schema does not compile, skipping validation",
			map[string]interface{}{"tool": name, "error": err.Error()})
	}
	return nil
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the tool schemas in the wire format providers expect.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.FunctionDef{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// GetSummaries returns one markdown line per tool for the system prompt.
func (r *Registry) GetSummaries() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, fmt.Sprintf("- **%s**: %s", name, r.tools[name].Description()))
	}
	return out
}

// Execute runs one tool call. It always returns a result; failures of any
// kind (unknown tool, invalid args, timeout, panic) come back as error
// results the model can react to.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *ToolResult {
	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	timeout := r.execTimeout
	maxChars := r.maxOutputChars
	r.mu.RUnlock()

	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	if schema != nil {
		if err := schema.Validate(args); err != nil {
			return ErrorResult(fmt.Sprintf("invalid arguments for %s: %v", name, err))
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result := runIsolated(execCtx, tool, args, timeout)
	elapsed := time.Since(start)

	if result.IsError {
		logger.WarnCF("tools", "Tool execution failed", map[string]interface{}{
			"tool":     name,
			"duration": elapsed.String(),
			"error":    result.ForLLM,
		})
	} else {
		logger.DebugCF("tools", "Tool executed", map[string]interface{}{
			"tool":     name,
			"duration": elapsed.String(),
		})
	}

	result.ForLLM = truncateOutput(result.ForLLM, maxChars)
	return result
}

// runIsolated executes the tool on its own goroutine so a timeout abandons a
// stuck tool rather than blocking the loop, and a panic is contained to the
// call that caused it.
func runIsolated(ctx context.Context, tool Tool, args map[string]interface{}, timeout time.Duration) *ToolResult {
	done := make(chan *ToolResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- ErrorResult(fmt.Sprintf("tool %s panicked: %v", tool.Name(), rec))
			}
		}()
		res := tool.Execute(ctx, args)
		if res == nil {
			res = ErrorResult(fmt.Sprintf("tool %s returned no result", tool.Name()))
		}
		done <- res
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return ErrorResult(fmt.Sprintf("tool %s timed out after %s", tool.Name(), timeout))
		}
		return ErrorResult(fmt.Sprintf("tool %s cancelled: %v", tool.Name(), ctx.Err()))
	}
}

func compileSchema(params map[string]interface{}) (*jsonschema.Resolved, error) {
	if len(params) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, err
	}
	return schema.Resolve(nil)
}

func truncateOutput(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	return s[:maxChars] + fmt.Sprintf("\n... (output truncated, %d of %d chars shown)", maxChars, len(s))
}
