package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FailoverState is the durable part of model failover: which model is active,
// why, and when the primary should be probed again.
type FailoverState struct {
	Mode                      string    `json:"mode"`
	PrimaryModel              string    `json:"primary_model"`
	ActiveModel               string    `json:"active_model"`
	FallbackIndex             int       `json:"fallback_index"`
	SwitchEpoch               int64     `json:"switch_epoch"`
	DegradedAt                time.Time `json:"degraded_at,omitempty"`
	HoldUntil                 time.Time `json:"hold_until,omitempty"`
	NextProbeAt               time.Time `json:"next_probe_at,omitempty"`
	LastProbeAt               time.Time `json:"last_probe_at,omitempty"`
	ConsecutiveProbeSuccesses int       `json:"consecutive_probe_successes"`
	LastRateLimitError        string    `json:"last_rate_limit_error,omitempty"`
	LastSwitchReason          string    `json:"last_switch_reason,omitempty"`
	LastSwitchbackProbe       string    `json:"last_switchback_probe,omitempty"`
	LastSwitchbackPromptAt    time.Time `json:"last_switchback_prompt_at,omitempty"`
	SwitchbackPromptSent      bool      `json:"switchback_prompt_sent,omitempty"`
}

type persisted struct {
	Failover    FailoverState `json:"failover"`
	LastChannel string        `json:"last_channel,omitempty"`
	LastChatID  string        `json:"last_chat_id,omitempty"`
}

// Manager holds runtime state that must survive restarts but is not
// conversation history. Everything lives in one small JSON file.
type Manager struct {
	path string
	mu   sync.Mutex
	data persisted
}

func NewManager(dir string) *Manager {
	_ = os.MkdirAll(dir, 0755)
	m := &Manager{path: filepath.Join(dir, "state.json")}
	m.load()
	return m
}

func (m *Manager) load() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, &m.data)
}

func (m *Manager) saveLocked() error {
	data, err := json.MarshalIndent(m.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

func (m *Manager) GetFailoverState() FailoverState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.Failover
}

func (m *Manager) SetFailoverState(fs FailoverState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.Failover = fs
	return m.saveLocked()
}

// SetLastConversation remembers the most recent user-facing conversation so
// heartbeat and other system-origin messages have somewhere to go.
func (m *Manager) SetLastConversation(channel, chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if channel == "" || chatID == "" {
		return
	}
	if m.data.LastChannel == channel && m.data.LastChatID == chatID {
		return
	}
	m.data.LastChannel = channel
	m.data.LastChatID = chatID
	_ = m.saveLocked()
}

func (m *Manager) LastConversation() (channel, chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.LastChannel, m.data.LastChatID
}
