package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("AT_HOME")
	os.Unsetenv("ANTIMONY_LOG_FORMAT")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ATHome != DefaultATHome {
		t.Errorf("ATHome = %q, want %q", cfg.ATHome, DefaultATHome)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat = %q, want text", cfg.LogFormat)
	}
	if cfg.User == "" {
		t.Error("expected a non-empty resolved user")
	}
}

func TestLoadHonoursATHome(t *testing.T) {
	t.Setenv("AT_HOME", "/tmp/antimony-test-home")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ATHome != "/tmp/antimony-test-home" {
		t.Errorf("ATHome = %q, want /tmp/antimony-test-home", cfg.ATHome)
	}

	want := filepath.Join("/tmp/antimony-test-home", "config", "system", "profiles")
	if got := cfg.SystemProfileDir(); got != want {
		t.Errorf("SystemProfileDir() = %q, want %q", got, want)
	}
}

func TestPathHelpers(t *testing.T) {
	cfg := &Config{ATHome: "/home-dir", User: "alice"}

	cases := []struct {
		name string
		got  string
		want string
	}{
		{"SystemProfileDir", cfg.SystemProfileDir(), "/home-dir/config/system/profiles"},
		{"SystemFeatureDir", cfg.SystemFeatureDir(), "/home-dir/config/system/features"},
		{"UserProfileDir", cfg.UserProfileDir(), "/home-dir/config/alice/profiles"},
		{"UserFeatureDir", cfg.UserFeatureDir(), "/home-dir/config/alice/features"},
		{"CacheDir", cfg.CacheDir("chromium"), "/home-dir/cache/chromium"},
		{"SeccompDBPath", cfg.SeccompDBPath(), "/home-dir/seccomp/db.sqlite"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.name, c.got, c.want)
		}
	}
}

func TestHookEnv(t *testing.T) {
	env := HookEnv("chromium", "/cache/chromium/abc", "/home-dir")
	want := []string{
		"ANTIMONY_NAME=chromium",
		"ANTIMONY_CACHE=/cache/chromium/abc",
		"ANTIMONY_HOME=/home-dir",
	}
	if len(env) != len(want) {
		t.Fatalf("HookEnv() returned %d entries, want %d", len(env), len(want))
	}
	for i := range want {
		if env[i] != want[i] {
			t.Errorf("HookEnv()[%d] = %q, want %q", i, env[i], want[i])
		}
	}
}
