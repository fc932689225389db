package usage

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStoreAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()

	s := NewStore(tmp)
	err := s.Append(Record{
		Timestamp:        time.Now(),
		SessionKey:       "telegram:1",
		Provider:         "anthropic",
		Model:            "claude-sonnet-4-5",
		PromptTokens:     10,
		CompletionTokens: 5,
		UsageKnown:       true,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	recs := s.Query(Filter{SessionKey: "telegram:1"})
	if len(recs) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(recs))
	}
	if recs[0].TotalTokens != 15 {
		t.Fatalf("total_tokens = %d, want 15", recs[0].TotalTokens)
	}
	if recs[0].DayKey == "" {
		t.Fatal("day key not filled in")
	}

	if _, err := os.Stat(filepath.Join(tmp, "state", "usage.json")); err != nil {
		t.Fatalf("usage.json missing: %v", err)
	}
}

func TestStoreReloadsAcrossRestart(t *testing.T) {
	tmp := t.TempDir()

	s := NewStore(tmp)
	if err := s.Append(Record{SessionKey: "s1", Provider: "groq", UsageKnown: true, PromptTokens: 7, CompletionTokens: 3}); err != nil {
		t.Fatalf("append: %v", err)
	}

	s2 := NewStore(tmp)
	recs := s2.Query(Filter{SessionKey: "s1"})
	if len(recs) != 1 || recs[0].TotalTokens != 10 {
		t.Fatalf("records lost on restart: %+v", recs)
	}
}

func TestStorePrunesOldRecords(t *testing.T) {
	tmp := t.TempDir()

	s := NewStore(tmp)
	old := time.Now().AddDate(0, 0, -31)
	recent := time.Now().AddDate(0, 0, -1)

	if err := s.Append(Record{Timestamp: old, SessionKey: "s1"}); err != nil {
		t.Fatalf("append old: %v", err)
	}
	if err := s.Append(Record{Timestamp: recent, SessionKey: "s1"}); err != nil {
		t.Fatalf("append recent: %v", err)
	}

	recs := s.Query(Filter{SessionKey: "s1"})
	if len(recs) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(recs))
	}

	// Reload drops the old record from disk too.
	s2 := NewStore(tmp)
	if recs := s2.Query(Filter{SessionKey: "s1"}); len(recs) != 1 {
		t.Fatalf("after reload len(records) = %d, want 1", len(recs))
	}
}

func TestAggregateRecordsKnownUnknown(t *testing.T) {
	records := []Record{
		{UsageKnown: true, PromptTokens: 100, CompletionTokens: 25, TotalTokens: 125},
		{UsageKnown: false},
		{UsageKnown: true, PromptTokens: 20, CompletionTokens: 5, TotalTokens: 25},
	}
	agg := AggregateRecords(records)
	if agg.Calls != 3 || agg.KnownCalls != 2 || agg.UnknownCalls != 1 {
		t.Fatalf("unexpected counts: %+v", agg)
	}
	if agg.PromptTokens != 120 || agg.CompletionTokens != 30 || agg.TotalTokens != 150 {
		t.Fatalf("unexpected tokens: %+v", agg)
	}
}

func TestProviderBreakdown(t *testing.T) {
	records := []Record{
		{Provider: "anthropic", UsageKnown: true, TotalTokens: 100},
		{Provider: "Anthropic", UsageKnown: true, TotalTokens: 50},
		{Provider: "", UsageKnown: false},
	}
	out := ProviderBreakdown(records)
	if out["anthropic"].Calls != 1 || out["Anthropic"].Calls != 1 {
		t.Fatalf("unexpected grouping: %+v", out)
	}
	if out["unknown"].UnknownCalls != 1 {
		t.Fatalf("empty provider not bucketed as unknown: %+v", out)
	}
}

func TestLastBySession(t *testing.T) {
	s := NewStore("")
	_ = s.Append(Record{SessionKey: "a", Model: "m1"})
	_ = s.Append(Record{SessionKey: "b", Model: "m2"})
	_ = s.Append(Record{SessionKey: "a", Model: "m3"})

	r, ok := s.LastBySession("a")
	if !ok || r.Model != "m3" {
		t.Fatalf("last record = %+v, ok=%v", r, ok)
	}
	if _, ok := s.LastBySession("missing"); ok {
		t.Fatal("found record for unknown session")
	}
}

func TestDayKeyIsUTC(t *testing.T) {
	s := NewStore("")
	ts := time.Date(2026, 2, 17, 23, 45, 0, 0, time.FixedZone("IST", 5*3600+1800))
	if got, want := s.DayKey(ts), "2026-02-17"; got != want {
		t.Fatalf("day key = %s, want %s", got, want)
	}
}
