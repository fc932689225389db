package session

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/microclaw/microclaw/pkg/providers"
)

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	key := "telegram:42"

	m := NewManager(dir)
	m.AddTurn(key, "user", "hello")
	m.AddFullTurn(key, Turn{
		Role:    "assistant",
		Content: "",
		ToolCalls: []providers.ToolCall{{
			ID:       "call_1",
			Type:     "function",
			Function: &providers.FunctionCall{Name: "read_file", Arguments: `{"path":"notes.txt"}`},
		}},
	})
	m.AddFullTurn(key, Turn{Role: "tool", Content: "file contents", ToolCallID: "call_1"})
	m.AddTurn(key, "assistant", "here it is")
	if err := m.Save(key); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Fresh manager must replay the same history from disk.
	m2 := NewManager(dir)
	sess := m2.GetOrCreate(key)
	if len(sess.Turns) != 4 {
		t.Fatalf("replayed %d turns, want 4", len(sess.Turns))
	}
	if sess.Turns[0].Content != "hello" || sess.Turns[3].Content != "here it is" {
		t.Fatalf("turn order lost: %+v", sess.Turns)
	}
	if len(sess.Turns[1].ToolCalls) != 1 || sess.Turns[1].ToolCalls[0].ID != "call_1" {
		t.Fatalf("tool calls not persisted: %+v", sess.Turns[1])
	}
	if sess.Turns[2].ToolCallID != "call_1" {
		t.Fatalf("tool call id not persisted: %+v", sess.Turns[2])
	}
}

func TestLoadToleratesCorruptTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	key := "discord:7"

	m := NewManager(dir)
	m.AddTurn(key, "user", "one")
	m.AddTurn(key, "assistant", "two")
	if err := m.Save(key); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Simulate a crash mid-append.
	path := filepath.Join(dir, sanitizeKey(key)+".jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"kind":"turn","turn":{"role":"user","cont`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	m2 := NewManager(dir)
	sess := m2.GetOrCreate(key)
	if len(sess.Turns) != 2 {
		t.Fatalf("valid prefix lost: got %d turns, want 2", len(sess.Turns))
	}

	// The log must still accept appends after the torn record.
	m2.AddTurn(key, "user", "three")
	if err := m2.Save(key); err != nil {
		t.Fatalf("save after corruption: %v", err)
	}
	m3 := NewManager(dir)
	if got := len(m3.GetOrCreate(key).Turns); got != 3 {
		t.Fatalf("append after corruption lost: got %d turns, want 3", got)
	}
}

func TestHistoryTruncation(t *testing.T) {
	m := NewManager(t.TempDir())
	key := "slack:C1"

	for i := 0; i < 10; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		m.AddTurn(key, role, string(rune('a'+i)))
	}

	hist := m.History(key, 4)
	if len(hist) != 4 {
		t.Fatalf("got %d messages, want 4", len(hist))
	}
	if hist[0].Content != "g" || hist[3].Content != "j" {
		t.Fatalf("truncation kept wrong window: %+v", hist)
	}

	// Unlimited history returns everything.
	if got := len(m.History(key, 0)); got != 10 {
		t.Fatalf("unlimited history returned %d", got)
	}
}

func TestHistoryDropsLeadingOrphanToolTurns(t *testing.T) {
	m := NewManager(t.TempDir())
	key := "cli:direct"

	m.AddTurn(key, "user", "old question")
	m.AddFullTurn(key, Turn{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "c1", Type: "function"}}})
	m.AddFullTurn(key, Turn{Role: "tool", Content: "result", ToolCallID: "c1"})
	m.AddTurn(key, "assistant", "old answer")
	m.AddTurn(key, "user", "new question")

	// Window of 3 would start at the tool turn; it must be stripped so the
	// provider never sees a result without its call.
	hist := m.History(key, 3)
	if len(hist) != 2 {
		t.Fatalf("got %d messages, want 2: %+v", len(hist), hist)
	}
	if hist[0].Role != "assistant" || hist[1].Content != "new question" {
		t.Fatalf("wrong window after stripping: %+v", hist)
	}
}

func TestCompactRewritesLog(t *testing.T) {
	dir := t.TempDir()
	key := "telegram:99"

	m := NewManager(dir)
	for i := 0; i < 8; i++ {
		m.AddTurn(key, "user", "turn")
	}
	if err := m.Save(key); err != nil {
		t.Fatal(err)
	}
	m.SetSummary(key, "eight turns of small talk")
	if err := m.Compact(key, 2); err != nil {
		t.Fatalf("compact: %v", err)
	}

	m2 := NewManager(dir)
	sess := m2.GetOrCreate(key)
	if len(sess.Turns) != 2 {
		t.Fatalf("compact kept %d turns, want 2", len(sess.Turns))
	}
	if sess.Summary != "eight turns of small talk" {
		t.Fatalf("summary lost in compact: %q", sess.Summary)
	}
}

func TestClearRemovesSession(t *testing.T) {
	dir := t.TempDir()
	key := "telegram:1"

	m := NewManager(dir)
	m.AddTurn(key, "user", "wipe me")
	if err := m.Save(key); err != nil {
		t.Fatal(err)
	}
	if err := m.Clear(key); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(m.GetOrCreate(key).Turns) != 0 {
		t.Fatal("history survived clear")
	}
	for _, k := range m.Keys() {
		if strings.Contains(k, "telegram_1") {
			t.Fatal("log file survived clear")
		}
	}
}

func TestPerKeyLockSerializes(t *testing.T) {
	m := NewManager(t.TempDir())
	key := "telegram:5"

	var active, maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock(key)
			defer m.Unlock(key)

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("lock admitted %d concurrent holders for one key", maxActive)
	}
}

func TestDifferentKeysDoNotBlockEachOther(t *testing.T) {
	m := NewManager(t.TempDir())

	m.Lock("telegram:a")
	defer m.Unlock("telegram:a")

	done := make(chan struct{})
	go func() {
		m.Lock("telegram:b")
		m.Unlock("telegram:b")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent key blocked behind unrelated lock")
	}
}
