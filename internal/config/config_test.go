package config

import (
	"os"
	"testing"
)

func TestLoadRequiresPort(t *testing.T) {
	os.Unsetenv("CDP_PROXY_PORT")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when CDP_PROXY_PORT is unset")
	}
}

func TestLoadRejectsNonIntegerPort(t *testing.T) {
	t.Setenv("CDP_PROXY_PORT", "not-a-number")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-integer CDP_PROXY_PORT")
	}
}

func TestLoadDefaultsLogLevel(t *testing.T) {
	t.Setenv("CDP_PROXY_PORT", "9000")
	t.Setenv("PROXY_LOG_LEVEL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.ProxyPort != 9000 {
		t.Errorf("ProxyPort = %d, want 9000", cfg.ProxyPort)
	}
}

func TestLoadSplitsTags(t *testing.T) {
	t.Setenv("CDP_PROXY_PORT", "9000")
	t.Setenv("PROXY_LOG_TAGS", "relay,plugin,cdp")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := []string{"relay", "plugin", "cdp"}
	if len(cfg.LogTags) != len(want) {
		t.Fatalf("LogTags = %v, want %v", cfg.LogTags, want)
	}
	for i, tag := range want {
		if cfg.LogTags[i] != tag {
			t.Errorf("LogTags[%d] = %q, want %q", i, cfg.LogTags[i], tag)
		}
	}
}
