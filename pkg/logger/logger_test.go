package logger

import "testing"

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"info":    INFO,
		"warn":    WARN,
		"warning": WARN,
		"error":   ERROR,
		"fatal":   FATAL,
		"":        INFO,
		"bogus":   INFO,
		" DEBUG ": DEBUG,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetLevelFiltering(t *testing.T) {
	old := GetLevel()
	defer SetLevel(old)

	SetLevel(WARN)
	if GetLevel() != WARN {
		t.Fatal("level not applied")
	}
}
