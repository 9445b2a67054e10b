package profile

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".toml"), []byte(contents), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func newStore(t *testing.T) (*Store, string, string) {
	t.Helper()
	userDir := t.TempDir()
	sysDir := t.TempDir()
	userFeatures := t.TempDir()
	sysFeatures := t.TempDir()
	return &Store{
		UserProfileDir:   userDir,
		SystemProfileDir: sysDir,
		UserFeatureDir:   userFeatures,
		SystemFeatureDir: sysFeatures,
	}, userDir, sysDir
}

func TestLoadProfileUserOverridesSystem(t *testing.T) {
	s, userDir, sysDir := newStore(t)
	writeFile(t, sysDir, "chromium", `path = "/usr/bin/chromium"`)
	writeFile(t, userDir, "chromium", `path = "/opt/chromium/chromium"`)

	p, err := s.LoadProfile("chromium")
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if p.Path != "/opt/chromium/chromium" {
		t.Errorf("Path = %q, want user override", p.Path)
	}
}

func TestLoadProfileNotFound(t *testing.T) {
	s, _, _ := newStore(t)
	if _, err := s.LoadProfile("missing"); err == nil {
		t.Fatal("expected error for missing profile")
	}
}

func TestResolveFillOnlyInherit(t *testing.T) {
	s, userDir, _ := newStore(t)
	writeFile(t, userDir, "base", `
home = "enabled"
binaries = ["ls"]
[environment]
FOO = "base"
`)
	writeFile(t, userDir, "child", `
inherits = ["base"]
seccomp = "enforcing"
binaries = ["cat"]
[environment]
BAR = "child"
`)

	res, err := s.Resolve("child", "", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Home != HomeEnabled {
		t.Errorf("Home = %q, want inherited %q", res.Home, HomeEnabled)
	}
	if res.Seccomp != SeccompEnforcing {
		t.Errorf("Seccomp = %q, want child's own %q", res.Seccomp, SeccompEnforcing)
	}
	wantBinaries := map[string]bool{"ls": true, "cat": true}
	if len(res.Binaries) != len(wantBinaries) {
		t.Fatalf("Binaries = %v, want union of base+child", res.Binaries)
	}
	for _, b := range res.Binaries {
		if !wantBinaries[b] {
			t.Errorf("unexpected binary %q", b)
		}
	}
	if res.Environment["FOO"] != "base" || res.Environment["BAR"] != "child" {
		t.Errorf("Environment = %v, want both FOO and BAR", res.Environment)
	}
}

func TestResolveChildFieldWinsOverParent(t *testing.T) {
	s, userDir, _ := newStore(t)
	writeFile(t, userDir, "base", `home = "enabled"`)
	writeFile(t, userDir, "child", `
inherits = ["base"]
home = "none"
`)

	res, err := s.Resolve("child", "", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Home != HomeNone {
		t.Errorf("Home = %q, want child's own %q (not overwritten by parent)", res.Home, HomeNone)
	}
}

func TestResolveImplicitDefaultInherit(t *testing.T) {
	s, userDir, _ := newStore(t)
	writeFile(t, userDir, "Default", `
binaries = ["sh"]
[environment]
SHELL = "/bin/sh"
`)
	writeFile(t, userDir, "standalone", `binaries = ["ls"]`)

	res, err := s.Resolve("standalone", "", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := map[string]bool{"sh": true, "ls": true}
	if len(res.Binaries) != len(want) {
		t.Fatalf("Binaries = %v, want implicit Default union", res.Binaries)
	}
	if res.Environment["SHELL"] != "/bin/sh" {
		t.Errorf("Environment = %v, want SHELL from implicit Default", res.Environment)
	}
}

func TestResolveExplicitEmptyInheritsSkipsDefault(t *testing.T) {
	s, userDir, _ := newStore(t)
	writeFile(t, userDir, "Default", `binaries = ["sh"]`)
	writeFile(t, userDir, "isolated", `
inherits = []
binaries = ["ls"]
`)

	res, err := s.Resolve("isolated", "", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Binaries) != 1 || res.Binaries[0] != "ls" {
		t.Errorf("Binaries = %v, want only [ls] (explicit empty inherits skips Default)", res.Binaries)
	}
}

func TestResolveFeatureConflictPruning(t *testing.T) {
	s, userDir, _ := newStore(t)
	writeFile(t, s.UserFeatureDir, "wayland", `
binaries = ["weston-terminal"]
`)
	writeFile(t, s.UserFeatureDir, "x11", `
conflicts = ["weston-terminal"]
binaries = ["xterm"]
`)
	writeFile(t, userDir, "gui", `features = ["wayland", "x11"]`)

	res, err := s.Resolve("gui", "", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	for _, b := range res.Binaries {
		if b == "weston-terminal" {
			t.Errorf("expected weston-terminal pruned by x11's conflicts, got %v", res.Binaries)
		}
	}
}

func TestResolveConfigurationMerge(t *testing.T) {
	s, userDir, _ := newStore(t)
	writeFile(t, userDir, "app", `
binaries = ["app"]
[configurations.debug]
features = ["verbose"]
[configurations.debug.environment]
DEBUG = "1"
`)
	writeFile(t, s.UserFeatureDir, "verbose", `binaries = ["gdb"]`)

	res, err := s.Resolve("app", "debug", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Environment["DEBUG"] != "1" {
		t.Errorf("Environment = %v, want DEBUG=1 from configuration", res.Environment)
	}
	found := false
	for _, b := range res.Binaries {
		if b == "gdb" {
			found = true
		}
	}
	if !found {
		t.Errorf("Binaries = %v, want gdb pulled in via configuration's feature", res.Binaries)
	}
}

func TestResolveCLIOverlayAlwaysWins(t *testing.T) {
	s, userDir, _ := newStore(t)
	writeFile(t, userDir, "Default", `binaries = ["sh"]`)
	writeFile(t, userDir, "app", `
inherits = []
seccomp = "enforcing"
[environment]
FOO = "profile"
`)

	cli := &CLIOverlay{
		Environment: map[string]string{"FOO": "cli"},
		ExtraArgs:   []string{"--flag"},
		Seccomp:     SeccompPermissive,
		SeccompSet:  true,
	}

	res, err := s.Resolve("app", "", cli)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Environment["FOO"] != "cli" {
		t.Errorf("Environment[FOO] = %q, want CLI override to win", res.Environment["FOO"])
	}
	if res.Seccomp != SeccompPermissive {
		t.Errorf("Seccomp = %q, want CLI override %q", res.Seccomp, SeccompPermissive)
	}
	if len(res.ArgSuffix) != 1 || res.ArgSuffix[0] != "--flag" {
		t.Errorf("ArgSuffix = %v, want [--flag]", res.ArgSuffix)
	}
}

func TestResolveCLIInheritsOverlayWinsOverExplicitEmpty(t *testing.T) {
	s, userDir, _ := newStore(t)
	writeFile(t, userDir, "base", `binaries = ["ls"]`)
	writeFile(t, userDir, "app", `inherits = []`)

	cli := &CLIOverlay{Inherits: []string{"base"}, InheritsSet: true}

	res, err := s.Resolve("app", "", cli)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Binaries) != 1 || res.Binaries[0] != "ls" {
		t.Errorf("Binaries = %v, want CLI-forced inherit from base", res.Binaries)
	}
}

func TestResolveHashIsStableAndOrderIndependent(t *testing.T) {
	s, userDir, _ := newStore(t)
	writeFile(t, userDir, "a", `binaries = ["b", "a"]`)

	ra, err := s.Resolve("a", "", nil)
	if err != nil {
		t.Fatalf("Resolve a: %v", err)
	}
	writeFile(t, userDir, "a", `binaries = ["a", "b"]`)
	rb, err := s.Resolve("a", "", nil)
	if err != nil {
		t.Fatalf("Resolve a reordered: %v", err)
	}
	if ra.Hash != rb.Hash {
		t.Errorf("Hash = %q vs %q, want identical sorted binary lists to hash the same", ra.Hash, rb.Hash)
	}

	ra2, err := s.Resolve("a", "", nil)
	if err != nil {
		t.Fatalf("Resolve a again: %v", err)
	}
	if ra.Hash != ra2.Hash {
		t.Error("Hash is not stable across repeated resolution")
	}
}

func TestResolveUnknownFeatureErrors(t *testing.T) {
	s, userDir, _ := newStore(t)
	writeFile(t, userDir, "app", `features = ["nonexistent"]`)

	if _, err := s.Resolve("app", "", nil); err == nil {
		t.Fatal("expected error for unresolved feature")
	}
}

func TestResolveConfigurationOverridesPathAndID(t *testing.T) {
	s, userDir, _ := newStore(t)
	writeFile(t, userDir, "app", `
id = "com.example.app"
path = "/usr/bin/app"
[configurations.alt]
id = "com.example.app-alt"
path = "/usr/bin/alt-app"
`)

	res, err := s.Resolve("app", "alt", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Path != "/usr/bin/alt-app" {
		t.Errorf("Path = %q, want configuration override /usr/bin/alt-app", res.Path)
	}
	if res.ID != "com.example.app-alt" {
		t.Errorf("ID = %q, want configuration override com.example.app-alt", res.ID)
	}
}

func TestResolveConfigurationWithoutOverridePreservesPathAndID(t *testing.T) {
	s, userDir, _ := newStore(t)
	writeFile(t, userDir, "app", `
id = "com.example.app"
path = "/usr/bin/app"
[configurations.debug]
features = []
`)

	res, err := s.Resolve("app", "debug", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Path != "/usr/bin/app" {
		t.Errorf("Path = %q, want unchanged /usr/bin/app", res.Path)
	}
	if res.ID != "com.example.app" {
		t.Errorf("ID = %q, want unchanged com.example.app", res.ID)
	}
}
