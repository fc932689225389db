package channels

import (
	"strings"
	"testing"
)

func TestMarkdownToTelegramHTML(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"**bold** text", "<b>bold</b> text"},
		{"# Heading", "<b>Heading</b>"},
		{"~~gone~~", "<s>gone</s>"},
		{"[link](https://example.com)", `<a href="https://example.com">link</a>`},
		{"- item one\n- item two", "• item one\n• item two"},
		{"a < b & c > d", "a &lt; b &amp; c &gt; d"},
		{"use `x < 1` here", "use <code>x &lt; 1</code> here"},
	}
	for _, tc := range cases {
		if got := markdownToTelegramHTML(tc.in); got != tc.want {
			t.Errorf("markdownToTelegramHTML(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMarkdownCodeBlockSurvivesFormatting(t *testing.T) {
	in := "before\n```go\nif a ** b { return }\n```\nafter"
	got := markdownToTelegramHTML(in)
	if !strings.Contains(got, "<pre>if a ** b { return }</pre>") {
		t.Fatalf("code block mangled: %q", got)
	}
	if strings.Contains(got, "\x00") {
		t.Fatalf("placeholder leaked: %q", got)
	}
}

func TestSplitLargeMessagePrefersNewlines(t *testing.T) {
	line := strings.Repeat("x", 90)
	text := strings.Join([]string{line, line, line}, "\n")

	parts := splitLargeMessage(text, 100)
	if len(parts) != 3 {
		t.Fatalf("parts = %d, want 3", len(parts))
	}
	for i, p := range parts {
		if p != line {
			t.Errorf("part %d = %q", i, p)
		}
	}
}

func TestSplitLargeMessageHardCutWithoutNewlines(t *testing.T) {
	text := strings.Repeat("y", 250)
	parts := splitLargeMessage(text, 100)
	if len(parts) != 3 {
		t.Fatalf("parts = %d, want 3", len(parts))
	}
	for _, p := range parts {
		if len(p) > 100 {
			t.Fatalf("part exceeds limit: %d", len(p))
		}
	}
}

func TestSplitSmallMessageUntouched(t *testing.T) {
	parts := splitLargeMessage("short", 100)
	if len(parts) != 1 || parts[0] != "short" {
		t.Fatalf("parts = %v", parts)
	}
}

func TestParseChatID(t *testing.T) {
	id, err := parseChatID("-100123456")
	if err != nil || id != -100123456 {
		t.Fatalf("parseChatID = %d, %v", id, err)
	}
	if _, err := parseChatID("not-a-number"); err == nil {
		t.Fatal("invalid chat id accepted")
	}
}
