// Package procspawn implements Antimony's process spawner (C2): a
// builder that accumulates argv, env policy, stdio routing, FD
// passing, a capability allow-set, and a SECCOMP filter, then spawns a
// child that applies all of it, in order, before execve.
//
// The child-side setup (capability drop, identity drop, filter load)
// cannot happen inside the calling goroutine — os/exec only lets a
// parent observe a forked child after the fork, not run code inside
// it — so Spawn re-execs the current binary with a hidden argv[1]
// marker that routes into SpawnHelperMain, handing it the full request
// as JSON on an inherited pipe fd. SpawnHelperMain must be wired into
// the process's main() before flag parsing; see cmd/antimony/main.go.
package procspawn

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	cerrors "antimony/errors"
	"antimony/privilege"
	"antimony/seccompfilter"
)

// HelperArg is the argv[1] marker Spawn uses to re-exec itself into
// SpawnHelperMain. cmd/antimony's main() checks for this before cobra
// ever sees argv.
const HelperArg = "__antimony_spawn_helper__"

// fixed ExtraFiles slots, in order; PassFDs follow starting at
// fixedExtraFiles.
const fixedExtraFiles = 2 // request pipe, notify-handoff socket (always present, possibly unused)

// EnvMode selects how the child's environment is derived from the
// parent's.
type EnvMode int

const (
	// EnvInherit passes the parent's environment unchanged.
	EnvInherit EnvMode = iota
	// EnvOverlay starts from the parent's environment and applies Env
	// on top, overwriting same-named keys.
	EnvOverlay
	// EnvStrip starts from an empty environment; only Env is passed.
	EnvStrip
)

// StdioMode selects how one of the child's three standard streams is
// routed.
type StdioMode int

const (
	// StdioShare connects the child directly to the parent's stream.
	StdioShare StdioMode = iota
	// StdioPipe creates an os.Pipe and exposes the parent end on the
	// returned Handle.
	StdioPipe
	// StdioDiscard connects the stream to /dev/null.
	StdioDiscard
	// StdioLog redirects the stream to a file path (append mode).
	StdioLog
)

// Stdio configures routing for one stream.
type Stdio struct {
	Mode    StdioMode
	LogPath string // used only when Mode == StdioLog
}

// PassedFD names a file to hand to the child at a specific numeric fd,
// preserving that identity across the dup2 remap spec §4.2 requires.
type PassedFD struct {
	File     *os.File
	TargetFD int
}

// FilterSpec is a serializable description of the SECCOMP filter the
// helper should build and load in the child, immediately before
// execve. It is rebuilt from scratch in the helper process rather than
// passed as a live *seccompfilter.Filter, since a libseccomp filter
// wraps a C pointer that cannot cross the re-exec boundary.
type FilterSpec struct {
	DefaultAction seccompfilter.Action
	Archs         []string
	Attributes    seccompfilter.Attributes
	Rules         []seccompfilter.Rule
}

// Spawner accumulates the arguments to a single spawn call.
type Spawner struct {
	Argv    []string
	Env     []string
	EnvMode EnvMode

	Stdin  Stdio
	Stdout Stdio
	Stderr Stdio

	PassFDs []PassedFD

	// DropTo, if non-nil, is the identity the child assumes after
	// capabilities are adjusted but before the SECCOMP filter loads.
	DropTo *privilege.Identity

	// Capabilities is the allow-set applied to the bounding set before
	// identity drop. Nil means "leave the bounding set untouched".
	Capabilities map[int]bool

	// NoNewPrivs sets PR_SET_NO_NEW_PRIVS in the child before execve.
	NoNewPrivs bool

	// Filter, if non-nil, is built and loaded in the child immediately
	// before execve so it covers execve itself.
	Filter *FilterSpec

	// NotifySocket, if set alongside Filter, is inherited by the child
	// and used to sendmsg the loaded filter's notify fd across via
	// SCM_RIGHTS immediately after Load — the C2 half of the C11
	// handoff choreography (the C12 driver owns creating the
	// socketpair and starting the monitor on its other end).
	NotifySocket *os.File

	// CacheFile, if set, is consulted for a verbatim argv replay on a
	// prior-success hit, and written with this call's argv after a
	// successful spawn on a miss.
	CacheFile string
}

// New returns an empty Spawner with StdioShare on all three streams.
func New(argv []string) *Spawner {
	return &Spawner{Argv: argv}
}

// Handle is a live spawned process: its PID, and the parent ends of
// any StdioPipe streams requested.
type Handle struct {
	PID    int
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
	cmd    *exec.Cmd
}

// Wait blocks for the child to exit and returns its wait status.
func (h *Handle) Wait() (*os.ProcessState, error) {
	err := h.cmd.Wait()
	if h.cmd.ProcessState != nil {
		return h.cmd.ProcessState, err
	}
	return nil, err
}

// Signal delivers a signal to the child.
func (h *Handle) Signal(sig os.Signal) error {
	if h.cmd.Process == nil {
		return cerrors.New(cerrors.ErrInternal, "spawn-signal", "process not started")
	}
	return h.cmd.Process.Signal(sig)
}

// request is the JSON payload handed to the re-exec'd helper on its
// inherited request pipe (fd 3).
type request struct {
	Argv         []string
	Env          []string
	HasDrop      bool
	DropUID      int
	DropGID      int
	HasCaps      bool
	Capabilities []int
	NoNewPrivs   bool
	Filter       *FilterSpec
	HasNotify    bool
	FDRemap      []int // TargetFD for each ExtraFiles entry after the fixed slots, in order
}

// cacheEntry is the on-disk shape of CacheFile.
type cacheEntry struct {
	Argv []string `json:"argv"`
}

// readCache returns the cached argv, if CacheFile exists and parses.
func readCache(path string) ([]string, bool) {
	if path == "" {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false
	}
	if len(entry.Argv) == 0 {
		return nil, false
	}
	return entry.Argv, true
}

// writeCache persists argv after a successful spawn.
func writeCache(path string, argv []string) error {
	if path == "" {
		return nil
	}
	data, err := json.Marshal(cacheEntry{Argv: argv})
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "spawn-cache-encode")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrInternal, "spawn-cache-write", path)
	}
	return os.Rename(tmp, path)
}

func buildEnv(s *Spawner) []string {
	switch s.EnvMode {
	case EnvStrip:
		return append([]string{}, s.Env...)
	case EnvOverlay:
		return overlayEnv(os.Environ(), s.Env)
	default: // EnvInherit
		return os.Environ()
	}
}

func overlayEnv(base, overlay []string) []string {
	keys := make(map[string]int, len(base))
	result := append([]string{}, base...)
	for i, kv := range result {
		if k, _, ok := splitKV(kv); ok {
			keys[k] = i
		}
	}
	for _, kv := range overlay {
		k, _, ok := splitKV(kv)
		if !ok {
			result = append(result, kv)
			continue
		}
		if idx, exists := keys[k]; exists {
			result[idx] = kv
		} else {
			keys[k] = len(result)
			result = append(result, kv)
		}
	}
	return result
}

func splitKV(kv string) (string, string, bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}

// routeStream resolves one stdio stream. childReads is true for stdin
// (the child reads from the pipe, the parent writes) and false for
// stdout/stderr (the child writes, the parent reads) — StdioPipe needs
// the direction to know which end belongs to which side.
func routeStream(s Stdio, share *os.File, childReads bool) (child *os.File, parentEnd *os.File, cleanup func(), err error) {
	switch s.Mode {
	case StdioShare:
		return share, nil, func() {}, nil
	case StdioDiscard:
		f, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return nil, nil, nil, err
		}
		return f, nil, func() { f.Close() }, nil
	case StdioLog:
		f, err := os.OpenFile(s.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, nil, nil, err
		}
		return f, nil, func() { f.Close() }, nil
	case StdioPipe:
		r, w, err := os.Pipe()
		if err != nil {
			return nil, nil, nil, err
		}
		if childReads {
			return r, w, func() {}, nil
		}
		return w, r, func() {}, nil
	default:
		return nil, nil, nil, fmt.Errorf("procspawn: unknown stdio mode %v", s.Mode)
	}
}

// Spawn runs the configured program. On a cache hit for CacheFile, the
// cached argv is replayed verbatim in place of s.Argv; the cache is
// otherwise written after a successful spawn.
func (s *Spawner) Spawn() (*Handle, error) {
	argv := s.Argv
	if cached, ok := readCache(s.CacheFile); ok {
		argv = cached
	}
	if len(argv) == 0 {
		return nil, cerrors.New(cerrors.ErrSandbox, "spawn", "empty argv")
	}

	self, err := os.Executable()
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrInternal, "spawn-self-path")
	}

	req := request{Argv: argv, Env: buildEnv(s), NoNewPrivs: s.NoNewPrivs, Filter: s.Filter}
	if s.DropTo != nil {
		req.HasDrop = true
		req.DropUID = s.DropTo.UID
		req.DropGID = s.DropTo.GID
	}
	if s.Capabilities != nil {
		req.HasCaps = true
		for capNum, allowed := range s.Capabilities {
			if allowed {
				req.Capabilities = append(req.Capabilities, capNum)
			}
		}
	}
	for _, pf := range s.PassFDs {
		req.FDRemap = append(req.FDRemap, pf.TargetFD)
	}
	req.HasNotify = s.NotifySocket != nil

	reqBytes, err := json.Marshal(req)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrInternal, "spawn-encode-request")
	}
	reqR, reqW, err := os.Pipe()
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrInternal, "spawn-request-pipe")
	}
	defer reqR.Close()

	cmd := exec.Command(self, HelperArg)
	cmd.SysProcAttr = &syscall.SysProcAttr{}

	stdinF, parentStdin, cleanupIn, err := routeStream(s.Stdin, os.Stdin, true)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrInternal, "spawn-stdin")
	}
	defer cleanupIn()
	stdoutF, parentStdout, cleanupOut, err := routeStream(s.Stdout, os.Stdout, false)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrInternal, "spawn-stdout")
	}
	defer cleanupOut()
	stderrF, parentStderr, cleanupErr, err := routeStream(s.Stderr, os.Stderr, false)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrInternal, "spawn-stderr")
	}
	defer cleanupErr()

	cmd.Stdin = stdinF
	cmd.Stdout = stdoutF
	cmd.Stderr = stderrF

	// fd 3 is the JSON request pipe; fd 4 is the notify-handoff socket
	// (a dummy /dev/null placeholder when unused, so the fixed-slot
	// numbering never shifts); passed fds follow at fd 5+, each
	// remapped in the helper per req.FDRemap.
	notifySock := s.NotifySocket
	if notifySock == nil {
		nullNotify, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return nil, cerrors.Wrap(err, cerrors.ErrInternal, "spawn-notify-placeholder")
		}
		defer nullNotify.Close()
		notifySock = nullNotify
	}

	cmd.ExtraFiles = append(cmd.ExtraFiles, reqR, notifySock)
	for _, pf := range s.PassFDs {
		cmd.ExtraFiles = append(cmd.ExtraFiles, pf.File)
	}

	if err := cmd.Start(); err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrInternal, "spawn-start")
	}

	reqR.Close()
	if _, err := reqW.Write(reqBytes); err != nil {
		cmd.Process.Kill()
		return nil, cerrors.Wrap(err, cerrors.ErrInternal, "spawn-send-request")
	}
	reqW.Close()

	if err := writeCache(s.CacheFile, argv); err != nil {
		return nil, err
	}

	return &Handle{PID: cmd.Process.Pid, Stdin: parentStdin, Stdout: parentStdout, Stderr: parentStderr, cmd: cmd}, nil
}
