package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Skill is one directory containing a SKILL.md playbook the agent can read on
// demand instead of carrying the full text in every prompt.
type Skill struct {
	Name        string
	Description string
	Path        string // path to SKILL.md
	Source      string // workspace, global or builtin
}

// SkillsLoader discovers skills in three locations. Workspace skills shadow
// global ones, global skills shadow builtin ones.
type SkillsLoader struct {
	workspaceDir string
	globalDir    string
	builtinDir   string
}

func NewSkillsLoader(workspace, globalDir, builtinDir string) *SkillsLoader {
	return &SkillsLoader{
		workspaceDir: filepath.Join(workspace, "skills"),
		globalDir:    globalDir,
		builtinDir:   builtinDir,
	}
}

// ListSkills returns all discovered skills sorted by name.
func (l *SkillsLoader) ListSkills() []Skill {
	seen := map[string]Skill{}
	// Lowest priority first so higher priority overwrites.
	for _, loc := range []struct{ dir, source string }{
		{l.builtinDir, "builtin"},
		{l.globalDir, "global"},
		{l.workspaceDir, "workspace"},
	} {
		for _, s := range scanDir(loc.dir, loc.source) {
			seen[s.Name] = s
		}
	}

	out := make([]Skill, 0, len(seen))
	for _, s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// BuildSkillsSummary renders a one-line-per-skill listing for the system
// prompt.
func (l *SkillsLoader) BuildSkillsSummary() string {
	skills := l.ListSkills()
	if len(skills) == 0 {
		return ""
	}
	var b strings.Builder
	for _, s := range skills {
		desc := s.Description
		if desc == "" {
			desc = "(no description)"
		}
		fmt.Fprintf(&b, "- **%s**: %s (%s)\n", s.Name, desc, s.Path)
	}
	return b.String()
}

// LoadSkillsForContext concatenates the full SKILL.md content of the named
// skills.
func (l *SkillsLoader) LoadSkillsForContext(names []string) string {
	byName := map[string]Skill{}
	for _, s := range l.ListSkills() {
		byName[s.Name] = s
	}

	var parts []string
	for _, name := range names {
		s, ok := byName[name]
		if !ok {
			continue
		}
		data, err := os.ReadFile(s.Path)
		if err != nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("## Skill: %s\n\n%s", s.Name, strings.TrimSpace(string(data))))
	}
	return strings.Join(parts, "\n\n")
}

func scanDir(dir, source string) []Skill {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var out []Skill
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name(), "SKILL.md")
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		name, desc := parseFrontmatter(string(data))
		if name == "" {
			name = e.Name()
		}
		out = append(out, Skill{Name: name, Description: desc, Path: path, Source: source})
	}
	return out
}

// parseFrontmatter pulls name and description out of a leading YAML block.
// Anything beyond simple "key: value" lines is ignored.
func parseFrontmatter(content string) (name, description string) {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return "", ""
	}
	for _, line := range lines[1:] {
		trimmed := strings.TrimSpace(line)
		if trimmed == "---" {
			break
		}
		key, value, ok := strings.Cut(trimmed, ":")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		switch strings.TrimSpace(key) {
		case "name":
			name = value
		case "description":
			description = value
		}
	}
	return name, description
}
