// Package notifymon implements the library half of Antimony's Notify
// monitor (C11): it receives a SECCOMP notify fd over a unix socket via
// SCM_RIGHTS, runs the read-notification/decide/reply loop, and applies
// the per-mode decision table and the seccomp/prctl spoofing behaviour
// from spec §4.9/§9. The executable half lives in cmd/antimony-monitor;
// this package is deliberately process-shape-agnostic so it can also be
// exercised directly in tests without a real child process.
package notifymon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"

	libseccomp "github.com/seccomp/libseccomp-golang"

	cerrors "antimony/errors"
	"antimony/logging"
	"antimony/seccompdb"
)

// Mode selects the decision table row. Enforcing is not represented
// here — spec §4.11 notes it needs no monitor at all, since a bare BPF
// filter kills the process on an unknown syscall without Notify
// involvement.
type Mode int

const (
	ModePermissive Mode = iota
	ModeNotifying
)

// Decision is the monitor's verdict for an unknown syscall under
// ModeNotifying, returned by a Prompter.
type Decision int

const (
	// DecisionAllow records the syscall and allows it, same as
	// Permissive's unconditional response.
	DecisionAllow Decision = iota
	// DecisionDeny replies EPERM without recording the syscall — a
	// non-persistent refusal per spec §4.11.
	DecisionDeny
	// DecisionKill sends SIGKILL to the offending thread and SIGTERM to
	// its process group.
	DecisionKill
	// DecisionTimeout allows the syscall (so the child is not wedged)
	// but does not record it, per spec §4.11's Timeout row.
	DecisionTimeout
)

// Prompter asks a human (or a policy) what to do about an unknown
// syscall under ModeNotifying. A real CLI/desktop collaborator backs
// this in production; tests can supply a canned Prompter.
type Prompter interface {
	Prompt(pid uint32, syscallName, arch string) Decision
}

// spoofedSyscalls receive a synthesised success reply without being
// forwarded to the kernel, per spec §9's "Spoofing nested SECCOMP":
// an application installing its own filter must not be allowed to
// replace Antimony's, since that would blind this monitor.
var spoofedSyscalls = map[string]bool{
	"seccomp": true,
	"prctl":   true, // only when arg0 == PR_SET_SECCOMP; checked below
}

const prSetSeccomp = 22 // unix.PR_SET_SECCOMP

// Monitor services one sandboxed child's notify fd.
type Monitor struct {
	Mode     Mode
	Profile  string
	DB       *seccompdb.DB
	Prompter Prompter

	// Resolver maps a notifying pid to the path of the binary it's
	// running, approximating the audit-subsystem association spec
	// §9 describes. See DESIGN.md for why this is /proc-based rather
	// than a real audit-netlink read.
	Resolver func(pid uint32) (string, error)
}

// DefaultResolver resolves pid's executable via /proc/<pid>/exe.
func DefaultResolver(pid uint32) (string, error) {
	path, err := os.Readlink(filepath.Join("/proc", itoa(pid), "exe"))
	if err != nil {
		return "", cerrors.Wrap(err, cerrors.ErrSeccomp, "resolve-binary")
	}
	return path, nil
}

func itoa(pid uint32) string {
	if pid == 0 {
		return "0"
	}
	digits := [20]byte{}
	i := len(digits)
	for pid > 0 {
		i--
		digits[i] = byte('0' + pid%10)
		pid /= 10
	}
	return string(digits[i:])
}

// ReceiveNotifyFD reads one SCM_RIGHTS-carried file descriptor from
// sock: the monitor's receiving half of the notify-fd handoff, whose
// sending half is procspawn's helper (loadFilter).
func ReceiveNotifyFD(sock *os.File) (int, error) {
	conn, err := sock.SyscallConn()
	if err != nil {
		return -1, cerrors.Wrap(err, cerrors.ErrSeccomp, "notify-handoff-conn")
	}

	var gotFD int
	var opErr error
	err = conn.Read(func(rawFD uintptr) bool {
		buf := make([]byte, 1)
		oob := make([]byte, syscall.CmsgSpace(4))
		n, oobn, _, _, rErr := syscall.Recvmsg(int(rawFD), buf, oob, 0)
		if rErr != nil {
			opErr = cerrors.Wrap(rErr, cerrors.ErrSeccomp, "notify-handoff-recvmsg")
			return true
		}
		if n == 0 && oobn == 0 {
			opErr = cerrors.New(cerrors.ErrSeccomp, "notify-handoff-recvmsg", "empty message")
			return true
		}
		scms, pErr := syscall.ParseSocketControlMessage(oob[:oobn])
		if pErr != nil {
			opErr = cerrors.Wrap(pErr, cerrors.ErrSeccomp, "notify-handoff-parse-cmsg")
			return true
		}
		for _, scm := range scms {
			fds, rightsErr := syscall.ParseUnixRights(&scm)
			if rightsErr != nil {
				continue
			}
			if len(fds) > 0 {
				gotFD = fds[0]
				return true
			}
		}
		opErr = cerrors.New(cerrors.ErrSeccomp, "notify-handoff-recvmsg", "no rights in control message")
		return true
	})
	if err != nil {
		return -1, cerrors.Wrap(err, cerrors.ErrSeccomp, "notify-handoff-syscallconn")
	}
	if opErr != nil {
		return -1, opErr
	}
	return gotFD, nil
}

// Run services notifyFD until ctx is cancelled or the child's end of
// the notify fd closes (the child exited). Each iteration blocks on
// NotifReceive (a designated blocking point per spec §4.5/§6).
func (m *Monitor) Run(ctx context.Context, notifyFD int) error {
	fd := libseccomp.ScmpFd(notifyFD)
	logger := logging.WithProfile(logging.Default(), m.Profile)

	resolver := m.Resolver
	if resolver == nil {
		resolver = DefaultResolver
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req, err := libseccomp.NotifReceive(fd)
		if err != nil {
			if errors.Is(err, syscall.ECANCELED) || errors.Is(err, syscall.ENOENT) {
				// The notifying process exited before this request
				// could be serviced; nothing left to respond to.
				continue
			}
			if errors.Is(err, syscall.EBADF) {
				// The child exited and the kernel tore down the
				// notify fd; the monitor's work for this child is
				// done.
				return nil
			}
			return cerrors.Wrap(err, cerrors.ErrSeccomp, "notif-receive")
		}

		name, nameErr := req.Data.Syscall.GetName()
		if nameErr != nil {
			name = "unknown"
		}
		arch := req.Data.Arch.String()

		resp := m.decide(req, name, arch, resolver, logger)

		if err := libseccomp.NotifRespond(fd, resp); err != nil {
			return cerrors.Wrap(err, cerrors.ErrSeccomp, "notif-respond")
		}
	}
}

func (m *Monitor) decide(req *libseccomp.ScmpNotifReq, name, arch string, resolver func(uint32) (string, error), logger interface {
	Warn(msg string, args ...any)
}) *libseccomp.ScmpNotifResp {
	if isSpoofed(name, req.Data.Args[0]) {
		m.record(req.Pid, name, arch, resolver, logger)
		return success(req.ID)
	}

	switch m.Mode {
	case ModePermissive:
		m.record(req.Pid, name, arch, resolver, logger)
		return success(req.ID)

	case ModeNotifying:
		if m.Prompter == nil {
			m.record(req.Pid, name, arch, resolver, logger)
			return success(req.ID)
		}
		switch m.Prompter.Prompt(req.Pid, name, arch) {
		case DecisionAllow:
			m.record(req.Pid, name, arch, resolver, logger)
			return success(req.ID)
		case DecisionDeny:
			return errnoResp(req.ID, int32(syscall.EPERM))
		case DecisionKill:
			killOffender(req.Pid)
			return errnoResp(req.ID, int32(syscall.EPERM))
		case DecisionTimeout:
			return success(req.ID)
		default:
			return success(req.ID)
		}
	default:
		return success(req.ID)
	}
}

func (m *Monitor) record(pid uint32, name, arch string, resolver func(uint32) (string, error), logger interface {
	Warn(msg string, args ...any)
}) {
	if m.DB == nil {
		return
	}
	path, err := resolver(pid)
	if err != nil {
		logger.Warn("could not resolve syscall origin binary", "pid", pid, "error", err)
		return
	}
	if err := m.DB.Insert(context.Background(), m.Profile, path, name, arch); err != nil {
		logger.Warn("failed to record observed syscall", "pid", pid, "syscall", name, "error", err)
	}
}

func isSpoofed(name string, arg0 uint64) bool {
	if name == "seccomp" {
		return true
	}
	if name == "prctl" && arg0 == prSetSeccomp {
		return true
	}
	return false
}

func success(id uint64) *libseccomp.ScmpNotifResp {
	return &libseccomp.ScmpNotifResp{ID: id, Val: 0, Error: 0, Flags: 0}
}

func errnoResp(id uint64, errno int32) *libseccomp.ScmpNotifResp {
	return &libseccomp.ScmpNotifResp{ID: id, Val: 0, Error: errno, Flags: 0}
}

// killOffender sends SIGKILL to the offending thread/process and
// SIGTERM to its process group, per spec §4.11's Kill row.
func killOffender(pid uint32) {
	syscall.Kill(int(pid), syscall.SIGKILL)
	syscall.Kill(-int(pid), syscall.SIGTERM)
}
