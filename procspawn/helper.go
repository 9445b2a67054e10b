package procspawn

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"antimony/privilege"
	"antimony/seccompfilter"
)

// requestFD and notifyHandoffFD are the fixed ExtraFiles slots Spawn always
// sets up: fd 3 is the JSON request, fd 4 is the notify-handoff
// socket (a /dev/null placeholder when the caller passed none). Any
// PassFDs follow starting at fd 5.
const (
	requestFD      = 3
	notifyHandoffFD = 4
	passedFDBase   = 5
)

// SpawnHelperMain is the entry point the re-exec'd child runs. It must
// be reached before cobra parses argv — see cmd/antimony/main.go for
// the argv[1] == HelperArg check that routes here.
//
// Ordering, per spec §4.2: remap FDs, set capabilities, optionally set
// PR_SET_NO_NEW_PRIVS, drop identity, load the SECCOMP filter (which
// must come after any syscalls this function still needs to make and
// before execve, so the filter covers execve itself), execve.
func SpawnHelperMain() {
	if err := runHelper(); err != nil {
		fmt.Fprintf(os.Stderr, "antimony spawn helper: %v\n", err)
		os.Exit(127)
	}
}

func runHelper() error {
	reqFile := os.NewFile(requestFD, "spawn-request")
	data, err := io.ReadAll(reqFile)
	if err != nil {
		return fmt.Errorf("read spawn request: %w", err)
	}
	reqFile.Close()

	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("decode spawn request: %w", err)
	}

	for i, target := range req.FDRemap {
		src := passedFDBase + i
		if src == target {
			continue
		}
		if err := unix.Dup2(src, target); err != nil {
			return fmt.Errorf("remap fd %d -> %d: %w", src, target, err)
		}
		unix.Close(src)
	}

	closeUnusedFixedFDs(req)

	if req.HasCaps {
		allowed := make(map[int]bool, len(req.Capabilities))
		for _, c := range req.Capabilities {
			allowed[c] = true
		}
		if err := privilege.DropBoundingExcept(allowed); err != nil {
			return fmt.Errorf("drop bounding capabilities: %w", err)
		}
	}

	if req.NoNewPrivs {
		if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
			return fmt.Errorf("set no_new_privs: %w", err)
		}
	}

	if req.HasDrop {
		if err := unix.Setresgid(req.DropGID, req.DropGID, req.DropGID); err != nil {
			return fmt.Errorf("drop to gid %d: %w", req.DropGID, err)
		}
		if err := unix.Setresuid(req.DropUID, req.DropUID, req.DropUID); err != nil {
			return fmt.Errorf("drop to uid %d: %w", req.DropUID, err)
		}
	}

	if req.Filter != nil {
		if err := loadFilter(req.Filter, req.HasNotify); err != nil {
			return fmt.Errorf("load seccomp filter: %w", err)
		}
	}

	if len(req.Argv) == 0 {
		return fmt.Errorf("empty argv in spawn request")
	}
	return syscall.Exec(req.Argv[0], req.Argv, req.Env)
}

// closeUnusedFixedFDs closes the notify-handoff placeholder when the
// request carries no notify socket (the request pipe was already closed
// by runHelper after it was read), keeping the child's fd table free of leftovers that a
// SECCOMP filter scoped to "what execve needs" would otherwise have to
// account for.
func closeUnusedFixedFDs(req request) {
	if !req.HasNotify {
		unix.Close(notifyHandoffFD)
	}
}

// loadFilter builds req's FilterSpec fresh in this process (a
// libseccomp filter cannot cross the re-exec boundary as serialized
// state) and loads it. If a notify-handoff socket was supplied, the
// loaded filter's notify fd is sent across it via SCM_RIGHTS
// immediately after Load, completing the C2 half of the C11 handoff
// choreography described in spec §4.11.
func loadFilter(spec *FilterSpec, hasNotify bool) error {
	f, err := seccompfilter.Build(spec.DefaultAction, spec.Archs, spec.Attributes, spec.Rules, nil)
	if err != nil {
		return err
	}
	defer f.Release()

	if err := f.Load(); err != nil {
		return err
	}

	if !hasNotify {
		return nil
	}

	nfd, err := f.NotifyFD()
	if err != nil {
		return err
	}
	defer nfd.Close()

	rights := unix.UnixRights(int(nfd.Fd()))
	return unix.Sendmsg(notifyHandoffFD, []byte{0}, rights, nil, 0)
}
