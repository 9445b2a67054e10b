// Package seccompfilter implements Antimony's SECCOMP filter library
// (C5): a thin, idiomatic wrapper over libseccomp's Filter/Action/Rule
// model, plus the Notifier hook set that integrates a filter with the
// kernel's Notify API.
//
// seccomp_load invalidates any parent-process syscall not explicitly
// allowed by the filter just installed; Load documents this, and callers
// that need post-load parent syscalls must add rules covering them
// before calling it.
package seccompfilter

import (
	"fmt"
	"os"

	libseccomp "github.com/seccomp/libseccomp-golang"

	cerrors "antimony/errors"
)

// Action mirrors libseccomp's action vocabulary.
type Action int

const (
	ActAllow Action = iota
	ActErrno
	ActTrap
	ActKill
	ActKillProcess
	ActLog
	ActTrace
	ActNotify
)

func (a Action) toLibseccomp() libseccomp.ScmpAction {
	switch a {
	case ActAllow:
		return libseccomp.ActAllow
	case ActErrno:
		return libseccomp.ActErrno.SetReturnCode(1)
	case ActTrap:
		return libseccomp.ActTrap
	case ActKill:
		return libseccomp.ActKillThread
	case ActKillProcess:
		return libseccomp.ActKillProcess
	case ActLog:
		return libseccomp.ActLog
	case ActTrace:
		return libseccomp.ActTrace.SetReturnCode(1)
	case ActNotify:
		return libseccomp.ActNotify
	default:
		return libseccomp.ActKillProcess
	}
}

// Rule is a single action x syscall binding, architecture-annotated by
// whichever architectures are added to the owning Filter.
type Rule struct {
	Syscall string
	Action  Action
}

// Attributes groups the filter-wide knobs spec §4.5 names explicitly.
type Attributes struct {
	NoNewPrivileges bool
	ThreadSync      bool
	BadArchAction   Action
}

// Filter wraps a libseccomp filter together with the rule list added to
// it, so Rules() can answer "what does this filter currently allow"
// without round-tripping through the C library.
type Filter struct {
	inner *libseccomp.ScmpFilter
	rules []Rule
}

// NewFilter creates a filter with the given default action and no
// architectures yet added.
func NewFilter(defaultAction Action) (*Filter, error) {
	inner, err := libseccomp.NewFilter(defaultAction.toLibseccomp())
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrSeccomp, "new-filter")
	}
	return &Filter{inner: inner}, nil
}

// AddArch adds a target architecture by its libseccomp name (e.g. "x86_64").
func (f *Filter) AddArch(name string) error {
	arch, err := libseccomp.GetArchFromString(name)
	if err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrSeccomp, "add-arch", name)
	}
	if err := f.inner.AddArch(arch); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrSeccomp, "add-arch", name)
	}
	return nil
}

// SetAttributes applies the filter-wide attributes.
func (f *Filter) SetAttributes(attrs Attributes) error {
	if err := f.inner.SetNoNewPrivsBit(attrs.NoNewPrivileges); err != nil {
		return cerrors.Wrap(err, cerrors.ErrSeccomp, "set-no-new-privs")
	}
	if err := f.inner.SetTsync(attrs.ThreadSync); err != nil {
		return cerrors.Wrap(err, cerrors.ErrSeccomp, "set-tsync")
	}
	if err := f.inner.SetBadArchAction(attrs.BadArchAction.toLibseccomp()); err != nil {
		return cerrors.Wrap(err, cerrors.ErrSeccomp, "set-bad-arch-action")
	}
	return nil
}

// AddRule adds a single rule. Unknown syscall names return
// ErrSeccomp-classified errors rather than panicking, since a profile's
// binary list can reasonably name a syscall the running kernel does
// not recognise.
func (f *Filter) AddRule(rule Rule) error {
	call, err := libseccomp.GetSyscallFromName(rule.Syscall)
	if err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrSeccomp, "add-rule", rule.Syscall)
	}
	if err := f.inner.AddRule(call, rule.Action.toLibseccomp()); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrSeccomp, "add-rule", rule.Syscall)
	}
	f.rules = append(f.rules, rule)
	return nil
}

// RemoveRule rebuilds the filter without the named syscall's rule, since
// libseccomp itself has no rule-removal primitive short of resetting and
// replaying the remaining rules.
func (f *Filter) RemoveRule(syscallName string) error {
	kept := make([]Rule, 0, len(f.rules))
	for _, r := range f.rules {
		if r.Syscall != syscallName {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(f.rules) {
		return nil
	}

	archs, err := f.archs()
	if err != nil {
		return err
	}
	attrs, err := f.attributes()
	if err != nil {
		return err
	}

	defaultAction, err := f.inner.GetDefaultAction()
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrSeccomp, "remove-rule")
	}
	f.inner.Release()

	rebuilt, err := libseccomp.NewFilter(defaultAction)
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrSeccomp, "remove-rule")
	}
	f.inner = rebuilt
	f.rules = nil

	for _, name := range archs {
		if err := f.AddArch(name); err != nil {
			return err
		}
	}
	if err := f.SetAttributes(attrs); err != nil {
		return err
	}
	for _, r := range kept {
		if err := f.AddRule(r); err != nil {
			return err
		}
	}
	return nil
}

func (f *Filter) archs() ([]string, error) {
	var names []string
	for _, a := range []libseccomp.ScmpArch{
		libseccomp.ArchX86_64, libseccomp.ArchX86, libseccomp.ArchARM, libseccomp.ArchARM64,
	} {
		present, err := f.inner.ArchIsPresent(a)
		if err != nil {
			continue
		}
		if present {
			names = append(names, a.String())
		}
	}
	return names, nil
}

func (f *Filter) attributes() (Attributes, error) {
	nnp, err := f.inner.GetNoNewPrivsBit()
	if err != nil {
		return Attributes{}, cerrors.Wrap(err, cerrors.ErrSeccomp, "get-attributes")
	}
	tsync, err := f.inner.GetTsync()
	if err != nil {
		return Attributes{}, cerrors.Wrap(err, cerrors.ErrSeccomp, "get-attributes")
	}
	return Attributes{NoNewPrivileges: nnp, ThreadSync: tsync}, nil
}

// ExportBPF writes the compiled filter as a BPF byte stream.
func (f *Filter) ExportBPF(w *os.File) error {
	if err := f.inner.ExportBPF(w); err != nil {
		return cerrors.Wrap(err, cerrors.ErrSeccomp, "export-bpf")
	}
	return nil
}

// Load installs the filter into the current process/thread. Per spec
// §4.5, any syscall the caller needs to make after this point — other
// than those the filter itself allows — will be rejected, including by
// the parent side of a spawner if it shares a thread group with the
// child at load time.
func (f *Filter) Load() error {
	if err := f.inner.Load(); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrSeccomp, "load", err.Error())
	}
	return nil
}

// NotifyFD returns the kernel's SECCOMP_RET_USER_NOTIF listener fd for
// this filter. Valid only after Load, and only if the filter contains at
// least one ActNotify rule or has ActNotify as its default action.
func (f *Filter) NotifyFD() (*os.File, error) {
	fd, err := f.inner.GetNotifFd()
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrSeccomp, "get-notif-fd")
	}
	return os.NewFile(uintptr(fd), "seccomp-notify"), nil
}

// Release frees the underlying libseccomp filter. Callers must call this
// once they are done building/loading — it has no effect on an
// already-loaded kernel filter.
func (f *Filter) Release() {
	f.inner.Release()
}

// Rules returns the rules currently recorded on the filter, in the order
// they were added.
func (f *Filter) Rules() []Rule {
	return append([]Rule{}, f.rules...)
}

// Notifier is implemented by callers that want their filter's Notify
// behaviour wired into the rest of the fabricate/launch pipeline.
type Notifier interface {
	// Exempt lists syscalls that must be carved out of the filter (with
	// ActAllow) so FD transport and the notify handshake itself are not
	// blocked by the very filter guarding them.
	Exempt() []string
	// Prepare runs before Load, letting the notifier wire up any sockets
	// or child state it needs once the filter is about to become active.
	Prepare(f *Filter) error
	// Handle runs after Load, handing the notify fd to the monitor.
	Handle(fd *os.File) error
}

// Build constructs a Filter from rules plus a Notifier, applying the
// notifier's Exempt() list as ActAllow rules before any of the caller's
// own rules so FD transport during the handshake is never blocked by a
// later enforcement rule for the same syscall.
func Build(defaultAction Action, archs []string, attrs Attributes, rules []Rule, notifier Notifier) (*Filter, error) {
	f, err := NewFilter(defaultAction)
	if err != nil {
		return nil, err
	}
	for _, arch := range archs {
		if err := f.AddArch(arch); err != nil {
			f.Release()
			return nil, err
		}
	}
	if err := f.SetAttributes(attrs); err != nil {
		f.Release()
		return nil, err
	}

	if notifier != nil {
		for _, name := range notifier.Exempt() {
			if err := f.AddRule(Rule{Syscall: name, Action: ActAllow}); err != nil {
				f.Release()
				return nil, err
			}
		}
	}

	for _, r := range rules {
		if err := f.AddRule(r); err != nil {
			f.Release()
			return nil, err
		}
	}

	if notifier != nil {
		if err := notifier.Prepare(f); err != nil {
			f.Release()
			return nil, fmt.Errorf("notifier prepare: %w", err)
		}
	}

	return f, nil
}
