package hooks

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"antimony/logging"
	"antimony/profile"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestRunEmptyEntriesIsNoop(t *testing.T) {
	if err := Run(context.Background(), logging.Default(), PhasePre, nil, nil); err != nil {
		t.Errorf("empty entries should not error: %v", err)
	}
}

func TestRunSuccessfulHook(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "hook.sh", "#!/bin/sh\nexit 0\n")

	entries := []profile.HookEntry{{Path: script}}
	if err := Run(context.Background(), logging.Default(), PhasePre, entries, nil); err != nil {
		t.Errorf("successful hook should not error: %v", err)
	}
}

func TestRunFailingHookAborts(t *testing.T) {
	dir := t.TempDir()
	failScript := writeScript(t, dir, "fail.sh", "#!/bin/sh\nexit 1\n")
	output := filepath.Join(dir, "output")
	okScript := writeScript(t, dir, "ok.sh", "#!/bin/sh\necho ran > "+output+"\n")

	entries := []profile.HookEntry{{Path: failScript}, {Path: okScript}}
	if err := Run(context.Background(), logging.Default(), PhasePre, entries, nil); err == nil {
		t.Error("expected error from failing hook")
	}
	if _, err := os.Stat(output); err == nil {
		t.Error("second hook should not have run after first failed")
	}
}

func TestRunCanFailDemotesToWarningAndContinues(t *testing.T) {
	dir := t.TempDir()
	failScript := writeScript(t, dir, "fail.sh", "#!/bin/sh\nexit 1\n")
	output := filepath.Join(dir, "output")
	okScript := writeScript(t, dir, "ok.sh", "#!/bin/sh\necho ran > "+output+"\n")

	entries := []profile.HookEntry{
		{Path: failScript, CanFail: true},
		{Path: okScript},
	}
	if err := Run(context.Background(), logging.Default(), PhasePre, entries, nil); err != nil {
		t.Errorf("can_fail hook should not abort the run: %v", err)
	}
	if _, err := os.Stat(output); err != nil {
		t.Error("second hook should have run after the can_fail hook failed")
	}
}

func TestRunPassesEnvironment(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "output")
	script := writeScript(t, dir, "hook.sh", "#!/bin/sh\necho \"$ANTIMONY_NAME\" > "+output+"\n")

	entries := []profile.HookEntry{{Path: script}}
	env := []string{"ANTIMONY_NAME=my-profile"}
	if err := Run(context.Background(), logging.Default(), PhasePre, entries, env); err != nil {
		t.Fatalf("hook failed: %v", err)
	}

	content, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(content) != "my-profile\n" {
		t.Errorf("env not passed correctly: got %q, want %q", string(content), "my-profile\n")
	}
}

func TestRunPassesArgs(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "output")
	script := writeScript(t, dir, "hook.sh", "#!/bin/sh\necho \"$@\" > "+output+"\n")

	entries := []profile.HookEntry{{Path: script, Args: []string{"arg1", "arg2"}}}
	if err := Run(context.Background(), logging.Default(), PhasePre, entries, nil); err != nil {
		t.Fatalf("hook failed: %v", err)
	}

	content, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(content) != "arg1 arg2\n" {
		t.Errorf("args not passed correctly: got %q, want %q", string(content), "arg1 arg2\n")
	}
}

func TestRunNonexistentHookErrors(t *testing.T) {
	entries := []profile.HookEntry{{Path: "/nonexistent/hook"}}
	if err := Run(context.Background(), logging.Default(), PhasePre, entries, nil); err == nil {
		t.Error("nonexistent hook should error")
	}
}
