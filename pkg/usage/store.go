package usage

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// retentionDays bounds how far back usage records are kept. Older records are
// dropped on load and on the next rewrite.
const retentionDays = 30

// Record is one LLM call's token accounting. UsageKnown is false when the
// provider did not report usage, so unknown calls are counted but never summed.
type Record struct {
	Timestamp        time.Time `json:"timestamp"`
	DayKey           string    `json:"day_key"`
	SessionKey       string    `json:"session_key"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	UsageKnown       bool      `json:"usage_known"`
	Reason           string    `json:"reason,omitempty"`
}

type Filter struct {
	SessionKey string
	DayKey     string
	Provider   string
	Limit      int
}

type Aggregate struct {
	Calls            int
	KnownCalls       int
	UnknownCalls     int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Store keeps usage records in memory and appends each one to a JSONL file
// under <dir>/state/usage.json so accounting survives restarts.
type Store struct {
	mu      sync.RWMutex
	records []Record
	path    string
}

func NewStore(dir string) *Store {
	s := &Store{records: make([]Record, 0, 256)}
	if dir == "" {
		return s
	}
	stateDir := filepath.Join(dir, "state")
	_ = os.MkdirAll(stateDir, 0755)
	s.path = filepath.Join(stateDir, "usage.json")
	s.load()
	return s
}

// DayKey buckets a timestamp into a UTC calendar day.
func (s *Store) DayKey(ts time.Time) string {
	return ts.UTC().Format("2006-01-02")
}

func (s *Store) TodayKey() string {
	return s.DayKey(time.Now())
}

// Append records one call and persists it.
func (s *Store) Append(r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if r.DayKey == "" {
		r.DayKey = s.DayKey(r.Timestamp)
	}
	if r.TotalTokens == 0 {
		r.TotalTokens = r.PromptTokens + r.CompletionTokens
	}

	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()

	return s.appendLine(r)
}

// LastBySession returns the most recent record for one session.
func (s *Store) LastBySession(sessionKey string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].SessionKey == sessionKey {
			return s.records[i], true
		}
	}
	return Record{}, false
}

// Query returns records matching the filter, oldest first. A Limit keeps only
// the newest N matches.
func (s *Store) Query(f Filter) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		if f.SessionKey != "" && r.SessionKey != f.SessionKey {
			continue
		}
		if f.DayKey != "" && r.DayKey != f.DayKey {
			continue
		}
		if f.Provider != "" && !strings.EqualFold(r.Provider, f.Provider) {
			continue
		}
		out = append(out, r)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func AggregateRecords(records []Record) Aggregate {
	var agg Aggregate
	for _, r := range records {
		agg.Calls++
		if !r.UsageKnown {
			agg.UnknownCalls++
			continue
		}
		agg.KnownCalls++
		agg.PromptTokens += r.PromptTokens
		agg.CompletionTokens += r.CompletionTokens
		agg.TotalTokens += r.TotalTokens
	}
	return agg
}

// ProviderBreakdown aggregates records per provider name.
func ProviderBreakdown(records []Record) map[string]Aggregate {
	grouped := map[string][]Record{}
	for _, r := range records {
		p := strings.TrimSpace(r.Provider)
		if p == "" {
			p = "unknown"
		}
		grouped[p] = append(grouped[p], r)
	}
	out := make(map[string]Aggregate, len(grouped))
	for p, recs := range grouped {
		out[p] = AggregateRecords(recs)
	}
	return out
}

func (s *Store) load() {
	f, err := os.Open(s.path)
	if err != nil {
		return
	}
	defer f.Close()

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	pruned := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			continue
		}
		if r.Timestamp.Before(cutoff) {
			pruned = true
			continue
		}
		s.records = append(s.records, r)
	}

	if pruned {
		s.rewrite()
	}
}

func (s *Store) appendLine(r Record) error {
	if s.path == "" {
		return nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

func (s *Store) rewrite() {
	if s.path == "" {
		return
	}
	var b strings.Builder
	for _, r := range s.records {
		data, err := json.Marshal(r)
		if err != nil {
			continue
		}
		b.Write(data)
		b.WriteByte('\n')
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0644); err != nil {
		return
	}
	_ = os.Rename(tmp, s.path)
}
