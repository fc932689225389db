package tools

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeTool struct {
	name    string
	params  map[string]interface{}
	execute func(ctx context.Context, args map[string]interface{}) *ToolResult
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "test tool" }

func (f *fakeTool) Parameters() map[string]interface{} {
	if f.params != nil {
		return f.params
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (f *fakeTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	return f.execute(ctx, args)
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := NewRegistry()
	tool := &fakeTool{name: "dup", execute: func(context.Context, map[string]interface{}) *ToolResult {
		return SilentResult("ok")
	}}
	if err := r.Register(tool); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(tool); err == nil {
		t.Fatal("duplicate register should fail")
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	res := r.Execute(context.Background(), "nope", nil)
	if !res.IsError {
		t.Fatal("unknown tool must return an error result")
	}
}

func TestExecuteValidatesArguments(t *testing.T) {
	r := NewRegistry()
	called := false
	err := r.Register(&fakeTool{
		name: "typed",
		params: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"count": map[string]interface{}{"type": "integer"},
			},
			"required": []string{"count"},
		},
		execute: func(ctx context.Context, args map[string]interface{}) *ToolResult {
			called = true
			return SilentResult("ok")
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Missing required arg is rejected before the tool runs.
	res := r.Execute(context.Background(), "typed", map[string]interface{}{})
	if !res.IsError || !strings.Contains(res.ForLLM, "invalid arguments") {
		t.Fatalf("expected validation error, got %+v", res)
	}
	if called {
		t.Fatal("tool ran despite invalid arguments")
	}

	// Wrong type is rejected too.
	res = r.Execute(context.Background(), "typed", map[string]interface{}{"count": "three"})
	if !res.IsError {
		t.Fatalf("expected type error, got %+v", res)
	}

	// Valid args go through.
	res = r.Execute(context.Background(), "typed", map[string]interface{}{"count": float64(3)})
	if res.IsError {
		t.Fatalf("valid args rejected: %+v", res)
	}
	if !called {
		t.Fatal("tool did not run")
	}
}

func TestExecuteTimeout(t *testing.T) {
	r := NewRegistry()
	r.SetExecTimeout(50 * time.Millisecond)
	err := r.Register(&fakeTool{
		name: "slow",
		execute: func(ctx context.Context, args map[string]interface{}) *ToolResult {
			<-ctx.Done()
			time.Sleep(time.Hour) // tool ignores cancellation
			return SilentResult("never")
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	res := r.Execute(context.Background(), "slow", nil)
	if !res.IsError || !strings.Contains(res.ForLLM, "timed out") {
		t.Fatalf("expected timeout result, got %+v", res)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout did not abandon the stuck tool")
	}
}

func TestExecutePanicBecomesErrorResult(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeTool{
		name: "bomb",
		execute: func(ctx context.Context, args map[string]interface{}) *ToolResult {
			panic("kaboom")
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&fakeTool{
		name: "fine",
		execute: func(ctx context.Context, args map[string]interface{}) *ToolResult {
			return SilentResult("still here")
		},
	}); err != nil {
		t.Fatal(err)
	}

	res := r.Execute(context.Background(), "bomb", nil)
	if !res.IsError || !strings.Contains(res.ForLLM, "panicked") {
		t.Fatalf("expected panic result, got %+v", res)
	}

	// A failed sibling must not poison later calls.
	res = r.Execute(context.Background(), "fine", nil)
	if res.IsError {
		t.Fatalf("registry poisoned after panic: %+v", res)
	}
}

func TestExecuteTruncatesOutput(t *testing.T) {
	r := NewRegistry()
	r.SetMaxOutputChars(100)
	if err := r.Register(&fakeTool{
		name: "chatty",
		execute: func(ctx context.Context, args map[string]interface{}) *ToolResult {
			return SilentResult(strings.Repeat("x", 5000))
		},
	}); err != nil {
		t.Fatal(err)
	}

	res := r.Execute(context.Background(), "chatty", nil)
	if len(res.ForLLM) > 200 {
		t.Fatalf("output not truncated: %d chars", len(res.ForLLM))
	}
	if !strings.Contains(res.ForLLM, "truncated") {
		t.Fatal("truncation marker missing")
	}
}

func TestDefinitionsAreSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		name := name
		if err := r.Register(&fakeTool{name: name, execute: func(context.Context, map[string]interface{}) *ToolResult {
			return SilentResult("ok")
		}}); err != nil {
			t.Fatal(err)
		}
	}
	defs := r.Definitions()
	if len(defs) != 3 {
		t.Fatalf("got %d definitions", len(defs))
	}
	if defs[0].Function.Name != "alpha" || defs[2].Function.Name != "zeta" {
		t.Fatalf("definitions not sorted: %v", []string{defs[0].Function.Name, defs[1].Function.Name, defs[2].Function.Name})
	}
	if defs[0].Type != "function" {
		t.Fatalf("definition type wrong: %s", defs[0].Type)
	}
}

func TestConversationResolvedFromCallContext(t *testing.T) {
	r := NewRegistry()
	msg := NewSendMessageTool()
	if err := r.Register(msg); err != nil {
		t.Fatal(err)
	}

	var gotChannel, gotChat string
	msg.SetSendCallback(func(channel, chatID, content string) error {
		gotChannel, gotChat = channel, chatID
		return nil
	})

	ctx := WithConversation(context.Background(), "telegram", "42")
	res := r.Execute(ctx, "send_message", map[string]interface{}{"content": "hi"})
	if res.IsError {
		t.Fatalf("send failed: %+v", res)
	}
	if gotChannel != "telegram" || gotChat != "42" {
		t.Fatalf("conversation not applied: %s:%s", gotChannel, gotChat)
	}

	// Explicit args still win over the bound conversation.
	res = r.Execute(ctx, "send_message", map[string]interface{}{"content": "hi", "chat_id": "99"})
	if res.IsError {
		t.Fatalf("send failed: %+v", res)
	}
	if gotChat != "99" {
		t.Fatalf("explicit chat_id ignored: %s", gotChat)
	}

	// Without a bound conversation and without explicit targets there is
	// nowhere to deliver.
	res = r.Execute(context.Background(), "send_message", map[string]interface{}{"content": "hi"})
	if !res.IsError {
		t.Fatal("send without a target must fail")
	}
}

func TestConcurrentExecutesKeepTheirOwnConversation(t *testing.T) {
	r := NewRegistry()
	msg := NewSendMessageTool()
	if err := r.Register(msg); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	delivered := map[string]string{} // content -> chatID
	msg.SetSendCallback(func(channel, chatID, content string) error {
		mu.Lock()
		delivered[content] = chatID
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			chat := string(rune('A' + i))
			ctx := WithConversation(context.Background(), "telegram", chat)
			r.Execute(ctx, "send_message", map[string]interface{}{"content": "msg-" + chat})
		}()
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		chat := string(rune('A' + i))
		if delivered["msg-"+chat] != chat {
			t.Fatalf("message for chat %s delivered to %q", chat, delivered["msg-"+chat])
		}
	}
}
