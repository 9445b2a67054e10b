// Package config resolves Antimony's environment-derived configuration:
// AT_HOME and its subdirectories, XDG locations, and the logging/verbosity
// knobs consumed by the driver. It mirrors the teacher's cmd/root.go
// pattern (a handful of named environment/flag inputs resolved once) but
// returns a struct rather than package-level globals, since the driver is
// a library entry point exercised directly by tests, not only by main.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"

	"antimony/logging"
)

// DefaultATHome is used when AT_HOME is unset.
const DefaultATHome = "/usr/share/antimony"

// Config holds Antimony's resolved environment.
type Config struct {
	// ATHome is the root directory for persistent state.
	ATHome string
	// Editor is the $EDITOR used by the (external) create/edit collaborator.
	Editor string
	// XDGDataHome is $XDG_DATA_HOME. Per-user profiles and features are
	// not read from here; they live under ATHome (see UserProfileDir).
	XDGDataHome string
	// XDGRuntimeDir is $XDG_RUNTIME_DIR. The proxy and notify sockets
	// are not placed here; the driver creates them under os.TempDir().
	XDGRuntimeDir string
	// LogLevel is the resolved verbosity knob (from ANTIMONY_LOG).
	LogLevel slog.Level
	// LogFormat is "text" or "json".
	LogFormat string
	// NotifyMode controls how user-facing notifications are delivered;
	// interpretation is left to the (external) notification-transport
	// collaborator — Antimony only threads the value through.
	NotifyMode string
	// User is the invoking (real) user's username, used to build the
	// per-user profile/cache paths.
	User string
}

// Load resolves Config from the process environment, following the
// precedence rules in spec §6: AT_HOME defaults to DefaultATHome,
// ANTIMONY_LOG maps through logging.ParseLevel, and the current user is
// resolved via os/user (not $USER) so that it cannot be spoofed by a
// caller that merely controls environment variables without controlling
// identity.
func Load() (*Config, error) {
	u, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("resolve current user: %w", err)
	}

	cfg := &Config{
		ATHome:        envOr("AT_HOME", DefaultATHome),
		Editor:        os.Getenv("EDITOR"),
		XDGDataHome:   envOr("XDG_DATA_HOME", filepath.Join(u.HomeDir, ".local", "share")),
		XDGRuntimeDir: envOr("XDG_RUNTIME_DIR", filepath.Join("/run/user", u.Uid)),
		LogLevel:      logging.ParseLevel(os.Getenv("ANTIMONY_LOG")),
		LogFormat:     envOr("ANTIMONY_LOG_FORMAT", "text"),
		NotifyMode:    os.Getenv("NOTIFY"),
		User:          u.Username,
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// SystemProfileDir returns <AT_HOME>/config/system/profiles.
func (c *Config) SystemProfileDir() string {
	return filepath.Join(c.ATHome, "config", "system", "profiles")
}

// SystemFeatureDir returns <AT_HOME>/config/system/features.
func (c *Config) SystemFeatureDir() string {
	return filepath.Join(c.ATHome, "config", "system", "features")
}

// UserProfileDir returns <AT_HOME>/config/<USER>/profiles.
func (c *Config) UserProfileDir() string {
	return filepath.Join(c.ATHome, "config", c.User, "profiles")
}

// UserFeatureDir returns <AT_HOME>/config/<USER>/features.
func (c *Config) UserFeatureDir() string {
	return filepath.Join(c.ATHome, "config", c.User, "features")
}

// CacheDir returns <AT_HOME>/cache/<profile>.
func (c *Config) CacheDir(profile string) string {
	return filepath.Join(c.ATHome, "cache", profile)
}

// SeccompDBPath returns <AT_HOME>/seccomp/db.sqlite.
func (c *Config) SeccompDBPath() string {
	return filepath.Join(c.ATHome, "seccomp", "db.sqlite")
}

// HookEnv returns the ANTIMONY_* environment produced for hook processes
// (spec §6).
func HookEnv(name, cacheDir, atHome string) []string {
	return []string{
		"ANTIMONY_NAME=" + name,
		"ANTIMONY_CACHE=" + cacheDir,
		"ANTIMONY_HOME=" + atHome,
	}
}
