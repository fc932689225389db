package session

import (
	"strings"
	"sync"
	"time"

	"github.com/microclaw/microclaw/pkg/providers"
)

// Turn is one role-tagged unit of conversation history.
type Turn struct {
	Role       string               `json:"role"` // user | assistant | tool
	Content    string               `json:"content"`
	ToolCalls  []providers.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
	Timestamp  time.Time            `json:"timestamp"`
}

// Session is the durable state of one conversation. Turns are append-only;
// nothing edits or removes a turn except an explicit Clear or Compact.
type Session struct {
	Key       string            `json:"key"`
	Turns     []Turn            `json:"turns"`
	Summary   string            `json:"summary,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	pending int // count of in-memory turns not yet persisted
}

// Manager owns all sessions and their persistence. It also owns the
// per-conversation locks that serialize processing cycles: two cycles for the
// same key never run concurrently, cycles for different keys may overlap.
type Manager struct {
	store *Store

	mu       sync.Mutex
	sessions map[string]*Session
	locks    map[string]*sync.Mutex
}

func NewManager(dir string) *Manager {
	return &Manager{
		store:    NewStore(dir),
		sessions: make(map[string]*Session),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Lock acquires the processing lock for a conversation key. The caller must
// hold it from context building through the final Save, and release it with
// Unlock on every exit path.
func (m *Manager) Lock(key string) {
	m.keyLock(key).Lock()
}

func (m *Manager) Unlock(key string) {
	m.keyLock(key).Unlock()
}

func (m *Manager) keyLock(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// GetOrCreate returns the session for a key, loading it from disk on first
// access and creating it if it has never existed.
func (m *Manager) GetOrCreate(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[key]; ok {
		return sess
	}

	sess, err := m.store.Load(key)
	if err != nil || sess == nil {
		now := time.Now().UTC()
		sess = &Session{
			Key:       key,
			CreatedAt: now,
			UpdatedAt: now,
		}
		_ = m.store.WriteMeta(sess)
	}
	m.sessions[key] = sess
	return sess
}

// AddTurn appends a turn in memory. It becomes durable on the next Save.
func (m *Manager) AddTurn(key, role, content string) {
	m.AddFullTurn(key, Turn{Role: role, Content: content})
}

// AddFullTurn appends a turn carrying tool-call structure.
func (m *Manager) AddFullTurn(key string, turn Turn) {
	sess := m.GetOrCreate(key)
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	sess.Turns = append(sess.Turns, turn)
	sess.UpdatedAt = turn.Timestamp
	sess.pending++
}

// History returns up to maxTurns most recent turns as provider messages,
// truncating oldest-first. Leading orphaned tool turns are dropped so the
// provider never sees a tool result without its originating call.
func (m *Manager) History(key string, maxTurns int) []providers.Message {
	sess := m.GetOrCreate(key)

	turns := sess.Turns
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	for len(turns) > 0 && turns[0].Role == "tool" {
		turns = turns[1:]
	}

	out := make([]providers.Message, 0, len(turns))
	for _, t := range turns {
		out = append(out, providers.Message{
			Role:       t.Role,
			Content:    t.Content,
			ToolCalls:  t.ToolCalls,
			ToolCallID: t.ToolCallID,
		})
	}
	return out
}

// Summary returns the stored conversation summary, if any.
func (m *Manager) Summary(key string) string {
	return m.GetOrCreate(key).Summary
}

// SetSummary records a new summary. Durable on the next Save.
func (m *Manager) SetSummary(key, summary string) {
	sess := m.GetOrCreate(key)
	sess.Summary = summary
	sess.UpdatedAt = time.Now().UTC()
	_ = m.store.WriteSummary(key, summary)
}

// Save appends all pending turns for a key to the session log and flushes.
// Must be called before releasing the conversation lock so a crash after
// release can never be observed as lost turns by the next cycle.
func (m *Manager) Save(key string) error {
	sess := m.GetOrCreate(key)
	if sess.pending == 0 {
		return nil
	}
	start := len(sess.Turns) - sess.pending
	if start < 0 {
		start = 0
	}
	if err := m.store.AppendTurns(key, sess.Turns[start:]); err != nil {
		return err
	}
	sess.pending = 0
	return nil
}

// Clear wipes a conversation's history and its on-disk log.
func (m *Manager) Clear(key string) error {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()
	return m.store.Clear(key)
}

// Compact replaces the on-disk log with the summary plus the last keepLast
// turns. This is the summarization path, the one sanctioned rewrite of a log.
func (m *Manager) Compact(key string, keepLast int) error {
	sess := m.GetOrCreate(key)
	if keepLast >= 0 && len(sess.Turns) > keepLast {
		sess.Turns = append([]Turn(nil), sess.Turns[len(sess.Turns)-keepLast:]...)
	}
	sess.pending = 0
	return m.store.Rewrite(sess)
}

// Keys lists sessions currently known on disk.
func (m *Manager) Keys() []string {
	return m.store.Keys()
}

func sanitizeKey(key string) string {
	r := strings.NewReplacer(":", "_", "/", "_", "\\", "_", " ", "_")
	return r.Replace(key)
}
