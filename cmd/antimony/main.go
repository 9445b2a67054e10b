// Command antimony is the driver CLI entrypoint. It is deliberately
// thin: argument parsing beyond `run`/`refresh`/`trace`, the profile
// editor, and desktop integration are external collaborators per spec
// §1/§6. Only the three subcommands that exercise the fabricator
// pipeline are wired here.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"antimony/config"
	"antimony/logging"
	"antimony/procspawn"
	"antimony/profile"
	"antimony/sandbox"
)

func main() {
	// procspawn re-execs this same binary with a hidden argv[1] marker
	// to run the child-side setup (capability drop, identity drop,
	// filter load) that cannot happen inside the calling goroutine; see
	// procspawn/spawn.go's package doc. This check must run before
	// cobra ever sees argv.
	if len(os.Args) > 1 && os.Args[1] == procspawn.HelperArg {
		procspawn.SpawnHelperMain()
		return
	}

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "antimony:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "antimony",
		Short:         "sandbox orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(), refreshCmd(), traceCmd())
	return root
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newDriver() (*sandbox.Driver, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logging.SetDefault(logging.NewLogger(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: os.Stderr}))

	d, err := sandbox.NewDriver(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("build driver: %w", err)
	}
	return d, cfg, nil
}

func runCmd() *cobra.Command {
	var configuration string
	var waitTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "run <profile>",
		Short: "launch a sandboxed profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, _, err := newDriver()
			if err != nil {
				return err
			}
			defer d.DB.Close()

			ctx, stop := signalContext()
			defer stop()

			handle, err := d.Launch(ctx, sandbox.LaunchOptions{
				ProfileName:   args[0],
				Configuration: configuration,
				CLI:           &profile.CLIOverlay{ExtraArgs: args[1:]},
				WaitTimeout:   waitTimeout,
			})
			if err != nil {
				return fmt.Errorf("launch %s: %w", args[0], err)
			}
			defer handle.Teardown()

			state, err := handle.Wait(ctx, waitTimeout)
			if err != nil {
				return fmt.Errorf("wait %s: %w", args[0], err)
			}
			if !state.Success() {
				os.Exit(state.ExitCode())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configuration, "configuration", "", "named configuration overlay to apply")
	cmd.Flags().DurationVar(&waitTimeout, "wait-timeout", 0, "bound how long to wait for the child before escalating to SIGTERM/SIGKILL (0 = unbounded)")
	return cmd
}

func refreshCmd() *cobra.Command {
	var hard bool

	cmd := &cobra.Command{
		Use:   "refresh <profile>",
		Short: "rebuild a profile's SOF cache and SECCOMP policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, _, err := newDriver()
			if err != nil {
				return err
			}
			defer d.DB.Close()

			resolved, err := d.Profiles.Resolve(args[0], "", nil)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", args[0], err)
			}

			if hard {
				if err := d.SOF.Remove(resolved.Name, resolved.Hash); err != nil {
					return fmt.Errorf("remove SOF cache: %w", err)
				}
			}

			target := resolved.Path
			if target == "" {
				target = resolved.Name
				if p, ok := d.Which.Resolve(target); ok {
					target = p
				}
			}
			result, err := d.Deps.Resolve(target, nil, nil)
			if err != nil {
				return fmt.Errorf("resolve dependencies: %w", err)
			}
			if _, err := d.SOF.Materialize(resolved.Name, resolved.Hash, result); err != nil {
				return fmt.Errorf("rebuild SOF cache: %w", err)
			}

			removed, err := d.DB.Clean()
			if err != nil {
				return fmt.Errorf("clean seccomp database: %w", err)
			}
			for _, r := range removed {
				logging.Default().Info("dropped stale binary from seccomp database", "path", r)
			}
			if err := d.DB.Optimize(); err != nil {
				return fmt.Errorf("optimize seccomp database: %w", err)
			}

			fmt.Printf("refreshed %s (cache hash %s)\n", resolved.Name, resolved.Hash)
			return nil
		},
	}
	cmd.Flags().BoolVar(&hard, "hard", false, "hard-delete the existing SOF cache entry instead of reusing an already-built entry for the same hash")
	return cmd
}

func traceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace <profile>",
		Short: "launch a profile under strace and report ENOENT paths a feature would satisfy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, cfg, err := newDriver()
			if err != nil {
				return err
			}
			defer d.DB.Close()

			stracePath, ok := d.Which.Resolve("strace")
			if !ok {
				return fmt.Errorf("trace: strace not found on PATH")
			}

			traceLog := filepath.Join(cfg.CacheDir(args[0]), "trace.log")
			if err := os.MkdirAll(filepath.Dir(traceLog), 0o755); err != nil {
				return fmt.Errorf("trace: prepare log dir: %w", err)
			}

			ctx, stop := signalContext()
			defer stop()

			handle, err := d.Launch(ctx, sandbox.LaunchOptions{
				ProfileName: args[0],
				CLI:         &profile.CLIOverlay{},
				TraceWrapper: []string{
					stracePath, "-f", "-e", "trace=openat,open,stat,access",
					"-o", traceLog,
				},
			})
			if err != nil {
				return fmt.Errorf("launch %s under trace: %w", args[0], err)
			}
			defer handle.Teardown()

			if _, err := handle.Wait(ctx, 0); err != nil {
				return fmt.Errorf("wait %s: %w", args[0], err)
			}

			return reportMissingPaths(d, args[0], traceLog)
		},
	}
	return cmd
}
