package failover

import (
	"testing"
	"time"

	"github.com/microclaw/microclaw/pkg/config"
	"github.com/microclaw/microclaw/pkg/state"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Agents.Defaults.Model = "primary-model"
	cfg.Agents.Defaults.FallbackModels = []string{"backup-one", "backup-two"}
	cfg.Agents.Failover.Enabled = true
	cfg.Agents.Failover.HoldMinutes = 300
	cfg.Agents.Failover.ProbeSuccessThreshold = 2
	cfg.Agents.Failover.ProbeIntervalMinutes = 5
	cfg.Agents.Failover.ProbeFailureBackoffMinutes = 10

	return NewManager(cfg, state.NewManager(t.TempDir()))
}

func TestRateLimitSwitchesToFirstFallback(t *testing.T) {
	m := newTestManager(t)

	evt := m.OnLLMRateLimited(m.PrimaryModel(), nil)
	if !evt.Switched {
		t.Fatal("rate limit on the primary must switch")
	}
	if evt.ToModel != "backup-one" {
		t.Fatalf("switched to %s, want first fallback", evt.ToModel)
	}
}

func TestRateLimitWalksDownTheFallbackChain(t *testing.T) {
	m := newTestManager(t)

	_ = m.OnLLMRateLimited(m.PrimaryModel(), nil)
	evt := m.OnLLMRateLimited("backup-one", nil)
	if !evt.Switched || evt.ToModel != "backup-two" {
		t.Fatalf("second rate limit did not advance the chain: %+v", evt)
	}
}

func TestSwitchbackPromptFiresOnce(t *testing.T) {
	m := newTestManager(t)
	_ = m.OnLLMRateLimited(m.PrimaryModel(), nil)

	m.mu.Lock()
	m.fs.Mode = modeAwaitingUserSwitchbk
	m.fs.LastSwitchbackProbe = "healthy"
	m.fs.SwitchbackPromptSent = false
	m.mu.Unlock()

	now := time.Now()
	if _, ok := m.ConsumeSwitchbackPrompt(now); !ok {
		t.Fatal("first consume should yield the prompt")
	}
	// The same failover episode must not nag the user again.
	if _, ok := m.ConsumeSwitchbackPrompt(now.Add(time.Minute)); ok {
		t.Fatal("prompt repeated within one failover episode")
	}
}

func TestUserApprovalReturnsToPrimary(t *testing.T) {
	m := newTestManager(t)
	_ = m.OnLLMRateLimited(m.PrimaryModel(), nil)

	m.mu.Lock()
	m.fs.Mode = modeAwaitingUserSwitchbk
	m.mu.Unlock()

	outcome := m.HandleUserSwitchbackDecision("yes")
	if !outcome.Handled || !outcome.Changed {
		t.Fatalf("approval not applied: %+v", outcome)
	}
	if !m.IsUsingPrimary() {
		t.Fatal("still on a fallback after user approval")
	}
}

func TestProbeThresholdAutoSwitchesBack(t *testing.T) {
	m := newTestManager(t)
	m.cfg.Agents.Failover.SwitchbackRequiresApproval = false
	_ = m.OnLLMRateLimited(m.PrimaryModel(), nil)

	_ = m.recordProbeResult(true, nil)
	outcome := m.recordProbeResult(true, nil)
	if !outcome.BecameHealthy {
		t.Fatalf("two healthy probes should clear the hold: %+v", outcome)
	}
	if !m.IsUsingPrimary() {
		t.Fatal("primary not restored after probes cleared")
	}
	if snap := m.Snapshot(); snap.Mode != modeNormal {
		t.Fatalf("mode = %s after auto switchback", snap.Mode)
	}
}

func TestFreshFailoverEpisodeRearmsPrompt(t *testing.T) {
	m := newTestManager(t)
	_ = m.OnLLMRateLimited(m.PrimaryModel(), nil)

	m.mu.Lock()
	m.fs.Mode = modeAwaitingUserSwitchbk
	m.fs.SwitchbackPromptSent = true
	m.mu.Unlock()

	evt := m.OnLLMRateLimited("backup-one", nil)
	if !evt.Switched {
		t.Fatalf("expected switch to next fallback: %+v", evt)
	}
	if snap := m.Snapshot(); snap.SwitchbackPromptSent {
		t.Fatal("prompt flag not reset for the new episode")
	}
}
