package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSkill(t *testing.T, dir, skillName, content string) {
	t.Helper()
	skillDir := filepath.Join(dir, skillName)
	if err := os.MkdirAll(skillDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestListSkillsParsesFrontmatter(t *testing.T) {
	workspace := t.TempDir()
	writeSkill(t, filepath.Join(workspace, "skills"), "weather",
		"---\nname: weather\ndescription: Fetch and summarize forecasts\n---\n\nUse wttr.in.")

	l := NewSkillsLoader(workspace, "", "")
	skills := l.ListSkills()
	if len(skills) != 1 {
		t.Fatalf("len(skills) = %d, want 1", len(skills))
	}
	if skills[0].Name != "weather" || skills[0].Description != "Fetch and summarize forecasts" {
		t.Fatalf("bad skill: %+v", skills[0])
	}
	if skills[0].Source != "workspace" {
		t.Fatalf("source = %s, want workspace", skills[0].Source)
	}
}

func TestSkillWithoutFrontmatterUsesDirName(t *testing.T) {
	workspace := t.TempDir()
	writeSkill(t, filepath.Join(workspace, "skills"), "notes", "Just prose, no frontmatter.")

	skills := NewSkillsLoader(workspace, "", "").ListSkills()
	if len(skills) != 1 || skills[0].Name != "notes" {
		t.Fatalf("unexpected skills: %+v", skills)
	}
}

func TestWorkspaceShadowsGlobalAndBuiltin(t *testing.T) {
	workspace := t.TempDir()
	globalDir := t.TempDir()
	builtinDir := t.TempDir()

	writeSkill(t, builtinDir, "deploy", "---\nname: deploy\ndescription: builtin version\n---\n")
	writeSkill(t, globalDir, "deploy", "---\nname: deploy\ndescription: global version\n---\n")
	writeSkill(t, filepath.Join(workspace, "skills"), "deploy", "---\nname: deploy\ndescription: workspace version\n---\n")

	l := NewSkillsLoader(workspace, globalDir, builtinDir)
	skills := l.ListSkills()
	if len(skills) != 1 {
		t.Fatalf("len(skills) = %d, want 1", len(skills))
	}
	if skills[0].Description != "workspace version" || skills[0].Source != "workspace" {
		t.Fatalf("shadowing broken: %+v", skills[0])
	}
}

func TestBuildSkillsSummaryAndLoadForContext(t *testing.T) {
	workspace := t.TempDir()
	writeSkill(t, filepath.Join(workspace, "skills"), "weather",
		"---\nname: weather\ndescription: forecasts\n---\n\nUse wttr.in.")

	l := NewSkillsLoader(workspace, "", "")

	summary := l.BuildSkillsSummary()
	if !strings.Contains(summary, "**weather**") || !strings.Contains(summary, "forecasts") {
		t.Fatalf("summary missing skill: %q", summary)
	}

	full := l.LoadSkillsForContext([]string{"weather", "missing"})
	if !strings.Contains(full, "Use wttr.in.") {
		t.Fatalf("full content missing: %q", full)
	}
}

func TestEmptyLoader(t *testing.T) {
	l := NewSkillsLoader(t.TempDir(), "", "")
	if got := l.BuildSkillsSummary(); got != "" {
		t.Fatalf("summary for no skills = %q", got)
	}
}
