// Command antimony-monitor is the separate executable half of C11: it
// receives the SECCOMP notify fd handed off by the sandboxed parent,
// then services it until the child's notify fd closes. The sandbox
// driver (C12) spawns this process before forking bwrap, per the
// handoff choreography in spec §4.11 — any syscall ordering that lets
// the sandbox make a notify-filtered syscall before this process has
// received the fd deadlocks the child, so the driver always launches
// the monitor first.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"antimony/config"
	"antimony/logging"
	"antimony/notifymon"
	"antimony/seccompdb"
)

// handoffFD is the fixed fd the driver's spawn of this process passes
// the notify-handoff socket on, mirroring procspawn's fixed-slot
// convention for its own request/notify fds (see
// procspawn/helper.go's requestFD/notifyHandoffFD).
const handoffFD = 3

func main() {
	profile := flag.String("profile", "", "profile name this monitor services")
	mode := flag.String("mode", "permissive", "decision mode: permissive or notifying")
	flag.Parse()

	if *profile == "" {
		fmt.Fprintln(os.Stderr, "antimony-monitor: -profile is required")
		os.Exit(2)
	}

	if err := run(*profile, *mode); err != nil {
		logging.Error("monitor exited with error", "profile", *profile, "error", err)
		fmt.Fprintf(os.Stderr, "antimony-monitor: %v\n", err)
		os.Exit(1)
	}
}

func run(profile, modeFlag string) error {
	var mode notifymon.Mode
	switch modeFlag {
	case "permissive":
		mode = notifymon.ModePermissive
	case "notifying":
		mode = notifymon.ModeNotifying
	default:
		return fmt.Errorf("unknown mode %q (want permissive or notifying)", modeFlag)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := seccompdb.Open(cfg.SeccompDBPath())
	if err != nil {
		return fmt.Errorf("open seccomp database: %w", err)
	}
	defer db.Close()

	handoff := os.NewFile(handoffFD, "notify-handoff")
	notifyFD, err := notifymon.ReceiveNotifyFD(handoff)
	if err != nil {
		return fmt.Errorf("receive notify fd: %w", err)
	}
	handoff.Close()

	logging.Default().Info("monitor ready", "profile", profile, "mode", modeFlag)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := &notifymon.Monitor{
		Mode:    mode,
		Profile: profile,
		DB:      db,
		// Prompter is left nil: the human/desktop-facing prompt is an
		// external collaborator per spec §1/§6, out of scope for this
		// process. Notifying mode without one falls back to
		// record+allow, same as Permissive.
	}

	return m.Run(ctx, notifyFD)
}
