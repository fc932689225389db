package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/microclaw/microclaw/pkg/logger"
)

// Store persists sessions as append-only JSONL logs, one file per conversation
// key. The first record is session metadata; every following record is a turn
// or a summary update. Replaying records in file order reconstructs the
// session; a corrupt trailing record (torn write on crash) only loses itself,
// never the valid prefix.
type Store struct {
	dir string
	mu  sync.Mutex
}

type record struct {
	Kind      string    `json:"kind"` // meta | turn | summary
	Key       string    `json:"key,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
	Turn      *Turn     `json:"turn,omitempty"`
	Summary   string    `json:"summary,omitempty"`
}

func NewStore(dir string) *Store {
	_ = os.MkdirAll(dir, 0755)
	return &Store{dir: dir}
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, sanitizeKey(key)+".jsonl")
}

// Load replays a session log. Returns (nil, nil) when no log exists.
func (s *Store) Load(key string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	sess := &Session{Key: key}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// A torn trailing record is expected after a crash; anything
			// before it has already been applied.
			logger.WarnCF("session", "Skipping corrupt session record",
				map[string]interface{}{"key": key, "line": lineNo, "error": err.Error()})
			continue
		}
		switch rec.Kind {
		case "meta":
			if !rec.CreatedAt.IsZero() {
				sess.CreatedAt = rec.CreatedAt
			}
			if !rec.UpdatedAt.IsZero() {
				sess.UpdatedAt = rec.UpdatedAt
			}
		case "turn":
			if rec.Turn != nil {
				sess.Turns = append(sess.Turns, *rec.Turn)
				if rec.Turn.Timestamp.After(sess.UpdatedAt) {
					sess.UpdatedAt = rec.Turn.Timestamp
				}
			}
		case "summary":
			sess.Summary = rec.Summary
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan session log %s: %w", key, err)
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = sess.UpdatedAt
	}
	return sess, nil
}

// WriteMeta starts a fresh log with the session metadata record.
func (s *Store) WriteMeta(sess *Session) error {
	return s.append(sess.Key, record{
		Kind:      "meta",
		Key:       sess.Key,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
	})
}

// AppendTurns appends turn records in order and syncs the file before
// returning. The caller holds the conversation lock.
func (s *Store) AppendTurns(key string, turns []Turn) error {
	if len(turns) == 0 {
		return nil
	}
	recs := make([]record, 0, len(turns))
	for i := range turns {
		recs = append(recs, record{Kind: "turn", Turn: &turns[i], UpdatedAt: turns[i].Timestamp})
	}
	return s.append(key, recs...)
}

// WriteSummary appends a summary record.
func (s *Store) WriteSummary(key, summary string) error {
	return s.append(key, record{Kind: "summary", Summary: summary, UpdatedAt: time.Now().UTC()})
}

func (s *Store) append(key string, recs ...record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path(key), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal session record: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("append session record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush session log: %w", err)
	}
	return f.Sync()
}

// Rewrite atomically replaces a session log with meta + summary + the turns
// currently held by the session. Used by Compact only.
func (s *Store) Rewrite(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path(sess.Key) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create session log temp: %w", err)
	}

	w := bufio.NewWriter(f)
	recs := []record{{
		Kind:      "meta",
		Key:       sess.Key,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
	}}
	if sess.Summary != "" {
		recs = append(recs, record{Kind: "summary", Summary: sess.Summary, UpdatedAt: sess.UpdatedAt})
	}
	for i := range sess.Turns {
		recs = append(recs, record{Kind: "turn", Turn: &sess.Turns[i]})
	}
	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			f.Close()
			_ = os.Remove(tmp)
			return err
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			f.Close()
			_ = os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path(sess.Key)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace session log: %w", err)
	}
	return nil
}

// Clear removes a session log.
func (s *Store) Clear(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Keys lists the conversation keys that have logs on disk. Names are the
// sanitized form used for filenames.
func (s *Store) Keys() []string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(e.Name(), ".jsonl"))
	}
	return keys
}
