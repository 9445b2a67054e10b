// Package hooks runs a profile's pre/post lifecycle hooks. It
// generalizes the teacher's OCI hook runner: instead of OCI state.json
// on stdin, each hook gets Antimony's ANTIMONY_NAME/ANTIMONY_CACHE/
// ANTIMONY_HOME environment (config.HookEnv), and a hook whose
// HookEntry.CanFail is set demotes a non-zero exit to a logged warning
// instead of a fatal error, per spec §7.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	cerrors "antimony/errors"
	"antimony/profile"
)

// Phase names which half of a profile's HookSet is running, used only
// for logging/error context.
type Phase string

const (
	PhasePre  Phase = "pre"
	PhasePost Phase = "post"
)

// Run executes every hook in entries in order; each one gets the
// process environment (os.Environ()) with env (normally
// config.HookEnv(name, cacheDir, atHome)) appended to it. A
// hook with CanFail set logs its failure as a warning and continues;
// any other failure aborts the remaining hooks in entries and returns
// the error.
func Run(ctx context.Context, logger *slog.Logger, phase Phase, entries []profile.HookEntry, env []string) error {
	for _, h := range entries {
		if err := runOne(ctx, h, env); err != nil {
			if h.CanFail {
				logger.Warn("hook failed, continuing (can_fail)", "phase", phase, "path", h.Path, "error", err)
				continue
			}
			return cerrors.WrapWithDetail(err, cerrors.ErrChild, "run-hook", fmt.Sprintf("%s:%s", phase, h.Path))
		}
	}
	return nil
}

func runOne(ctx context.Context, h profile.HookEntry, env []string) error {
	cmd := exec.CommandContext(ctx, h.Path, h.Args...)
	cmd.Env = append(append([]string{}, os.Environ()...), env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
