// Package privilege implements Antimony's privilege gate (C1): switching
// between the real (invoking) and effective (program-owner) identities,
// and the destructive drop that also overwrites the saved-uid so a child
// can never regain dual privileges.
//
// Go has no thread-locals and no cheap way to pin a goroutine to an OS
// thread without the caller's cooperation, so unlike a runtime with
// implicit per-thread identity, the gate assumes callers that interleave
// identity switches with I/O either hold the Guard for the duration or
// call runtime.LockOSThread themselves; see Gate's doc comment.
package privilege

import (
	"sync"

	"golang.org/x/sys/unix"

	cerrors "antimony/errors"
)

// Mode names which identity is active.
type Mode int

const (
	// ModeReal is the invoking user's identity.
	ModeReal Mode = iota
	// ModeEffective is the program-owner identity the binary started with.
	ModeEffective
)

func (m Mode) String() string {
	if m == ModeEffective {
		return "effective"
	}
	return "real"
}

// Identity is a uid/gid pair.
type Identity struct {
	UID int
	GID int
}

// Gate tracks the Real and Effective identities and the process's
// Original mode (whichever of the two it actually started in — a
// setuid-root binary invoked by a normal user starts Effective; a
// plain invocation with no setuid bit starts and stays Real).
//
// A Gate is not safe for concurrent use by itself; pair it with a Guard
// (or hold identity stable for the duration of any concurrent section)
// per spec §4's privilege-identity-is-process-global rule.
type Gate struct {
	real      Identity
	effective Identity
	original  Mode
	current   Mode
}

// NewGate captures the process's current real/effective uid and gid and
// records which one is Original.
func NewGate() *Gate {
	g := &Gate{
		real:      Identity{UID: unix.Getuid(), GID: unix.Getgid()},
		effective: Identity{UID: unix.Geteuid(), GID: unix.Getegid()},
	}
	if g.real.UID == g.effective.UID && g.real.GID == g.effective.GID {
		g.original = ModeReal
	} else {
		g.original = ModeEffective
	}
	g.current = g.original
	return g
}

// Current reports the currently active mode.
func (g *Gate) Current() Mode {
	return g.current
}

// Identity returns the uid/gid pair for the given mode.
func (g *Gate) Identity(mode Mode) Identity {
	if mode == ModeEffective {
		return g.effective
	}
	return g.real
}

// Set switches the effective uid/gid to the identity named by mode and
// returns the prior mode so the caller can Restore it. Per §4.1, any
// failed uid/gid transition is fatal: a half-switched identity is never
// safe to continue with.
func (g *Gate) Set(mode Mode) (Mode, error) {
	prior := g.current
	if mode == prior {
		return prior, nil
	}

	id := g.Identity(mode)
	if err := setresuidKeepSaved(id.UID); err != nil {
		return prior, cerrors.WrapWithDetail(cerrors.ErrIdentitySwitch, cerrors.ErrPrivilege, "set",
			err.Error())
	}
	if err := setresgidKeepSaved(id.GID); err != nil {
		return prior, cerrors.WrapWithDetail(cerrors.ErrIdentitySwitch, cerrors.ErrPrivilege, "set",
			err.Error())
	}
	g.current = mode
	return prior, nil
}

// Restore switches back to a mode previously returned by Set.
func (g *Gate) Restore(prior Mode) error {
	_, err := g.Set(prior)
	return err
}

// Revert switches back to the Original mode the process started in.
func (g *Gate) Revert() error {
	_, err := g.Set(g.original)
	return err
}

// Drop permanently switches to mode and overwrites the saved-uid/gid to
// match, so the process (or any child it execs) can never regain the
// identity it dropped. This is the only destructive operation on Gate.
func (g *Gate) Drop(mode Mode) error {
	id := g.Identity(mode)

	if err := unix.Setresuid(id.UID, id.UID, id.UID); err != nil {
		return cerrors.WrapWithDetail(cerrors.ErrIdentitySwitch, cerrors.ErrPrivilege, "drop", err.Error())
	}
	if err := unix.Setresgid(id.GID, id.GID, id.GID); err != nil {
		return cerrors.WrapWithDetail(cerrors.ErrIdentitySwitch, cerrors.ErrPrivilege, "drop", err.Error())
	}
	g.current = mode
	g.real = id
	g.effective = id
	g.original = mode
	return nil
}

// setresuidKeepSaved sets real and effective uid to uid while leaving the
// saved-uid untouched, so a later Set can switch back.
func setresuidKeepSaved(uid int) error {
	_, _, saved, err := getresuid()
	if err != nil {
		return err
	}
	return unix.Setresuid(uid, uid, saved)
}

func setresgidKeepSaved(gid int) error {
	_, _, saved, err := getresgid()
	if err != nil {
		return err
	}
	return unix.Setresgid(gid, gid, saved)
}

func getresuid() (real, effective, saved int, err error) {
	var ruid, euid, suid int
	if err = unix.Getresuid(&ruid, &euid, &suid); err != nil {
		return 0, 0, 0, err
	}
	return ruid, euid, suid, nil
}

func getresgid() (real, effective, saved int, err error) {
	var rgid, egid, sgid int
	if err = unix.Getresgid(&rgid, &egid, &sgid); err != nil {
		return 0, 0, 0, err
	}
	return rgid, egid, sgid, nil
}

// Guard is a reentrant synchronisation token protecting a Gate's
// identity state across a critical section. Nesting by the same logical
// flow is safe; it is not goroutine-aware, so concurrent unrelated
// callers must not acquire it from different goroutines without external
// coordination (document this at each call site, per §4's "callers opt
// in per-critical-section" rule).
type Guard struct {
	mu    sync.Mutex
	depth int
	inner sync.Mutex
}

// NewGuard returns an unheld Guard.
func NewGuard() *Guard {
	return &Guard{}
}

// Acquire enters a (possibly nested) critical section and returns a
// release function. The underlying lock is taken only on the outermost
// Acquire and released only on the outermost release, so nested
// acquisition by the same flow does not deadlock.
func (gd *Guard) Acquire() func() {
	gd.mu.Lock()
	if gd.depth == 0 {
		gd.mu.Unlock()
		gd.inner.Lock()
		gd.mu.Lock()
	}
	gd.depth++
	gd.mu.Unlock()

	return func() {
		gd.mu.Lock()
		gd.depth--
		last := gd.depth == 0
		gd.mu.Unlock()
		if last {
			gd.inner.Unlock()
		}
	}
}
