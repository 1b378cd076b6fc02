package main

import "testing"

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly ten", 11, "exactly ten"},
		{"a longer subject line", 10, "a longe..."},
		{"ሰላም ለሁላችሁም ወዳጆች", 8, "ሰላም ለ..."},
	}

	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"serve", "migrate", "config", "version", "tick", "enroll", "unenroll",
		"transition", "event", "cleanup", "sandbox", "apikey", "dkim"}

	have := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestLoadConfigRequiresFlag(t *testing.T) {
	cfgFile = ""
	if _, err := loadConfig(); err == nil {
		t.Error("expected error without --config")
	}
}
