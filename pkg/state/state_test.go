package state

import (
	"testing"
	"time"
)

func TestFailoverStateSurvivesReload(t *testing.T) {
	dir := t.TempDir()

	m := NewManager(dir)
	fs := FailoverState{
		Mode:          "degraded",
		PrimaryModel:  "claude-sonnet-4-5",
		ActiveModel:   "gpt-4o",
		FallbackIndex: 0,
		SwitchEpoch:   3,
		HoldUntil:     time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
	if err := m.SetFailoverState(fs); err != nil {
		t.Fatalf("set: %v", err)
	}

	m2 := NewManager(dir)
	got := m2.GetFailoverState()
	if got.Mode != "degraded" || got.ActiveModel != "gpt-4o" || got.SwitchEpoch != 3 {
		t.Fatalf("state lost on reload: %+v", got)
	}
	if !got.HoldUntil.Equal(fs.HoldUntil) {
		t.Fatalf("hold window lost: %v != %v", got.HoldUntil, fs.HoldUntil)
	}
}

func TestLastConversation(t *testing.T) {
	dir := t.TempDir()

	m := NewManager(dir)
	m.SetLastConversation("telegram", "42")
	m.SetLastConversation("", "ignored")

	m2 := NewManager(dir)
	channel, chatID := m2.LastConversation()
	if channel != "telegram" || chatID != "42" {
		t.Fatalf("last conversation lost: %s:%s", channel, chatID)
	}
}
