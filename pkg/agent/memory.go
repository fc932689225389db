package agent

import (
	"os"
	"path/filepath"
	"strings"
)

// MemoryStore reads the agent's long-term memory file. The agent itself
// maintains the file with the ordinary file tools; we only surface it in the
// system prompt.
type MemoryStore struct {
	dir string
}

func NewMemoryStore(workspace string) *MemoryStore {
	return &MemoryStore{dir: filepath.Join(workspace, "memory")}
}

func (m *MemoryStore) Path() string {
	return filepath.Join(m.dir, "MEMORY.md")
}

// GetMemoryContext returns the memory file content, or "" when there is none.
func (m *MemoryStore) GetMemoryContext() string {
	data, err := os.ReadFile(m.Path())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
