package seccompfilter

import (
	"os"
	"testing"
)

type fakeNotifier struct {
	exempt   []string
	prepared bool
}

func (f *fakeNotifier) Exempt() []string { return f.exempt }
func (f *fakeNotifier) Prepare(filter *Filter) error {
	f.prepared = true
	return nil
}
func (f *fakeNotifier) Handle(fd *os.File) error { return nil }

func TestActionToLibseccompKnown(t *testing.T) {
	for _, a := range []Action{ActAllow, ActErrno, ActTrap, ActKill, ActKillProcess, ActLog, ActTrace, ActNotify} {
		if got := a.toLibseccomp(); got.String() == "" {
			t.Errorf("Action(%d).toLibseccomp() produced an unnamed action", a)
		}
	}
}

func TestNewFilterAndAddArch(t *testing.T) {
	f, err := NewFilter(ActErrno)
	if err != nil {
		t.Skipf("libseccomp unavailable in this environment: %v", err)
	}
	defer f.Release()

	if err := f.AddArch("x86_64"); err != nil {
		t.Errorf("AddArch: %v", err)
	}
}

func TestAddRuleRecordsRuleList(t *testing.T) {
	f, err := NewFilter(ActErrno)
	if err != nil {
		t.Skipf("libseccomp unavailable in this environment: %v", err)
	}
	defer f.Release()

	if err := f.AddArch("x86_64"); err != nil {
		t.Fatalf("AddArch: %v", err)
	}
	if err := f.AddRule(Rule{Syscall: "openat", Action: ActAllow}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	rules := f.Rules()
	if len(rules) != 1 || rules[0].Syscall != "openat" {
		t.Errorf("Rules() = %v, want [{openat Allow}]", rules)
	}
}

func TestAddRuleUnknownSyscall(t *testing.T) {
	f, err := NewFilter(ActErrno)
	if err != nil {
		t.Skipf("libseccomp unavailable in this environment: %v", err)
	}
	defer f.Release()

	if err := f.AddArch("x86_64"); err != nil {
		t.Fatalf("AddArch: %v", err)
	}
	if err := f.AddRule(Rule{Syscall: "not-a-real-syscall", Action: ActAllow}); err == nil {
		t.Error("expected error for unknown syscall name")
	}
}

func TestRemoveRulePreservesRemaining(t *testing.T) {
	f, err := NewFilter(ActErrno)
	if err != nil {
		t.Skipf("libseccomp unavailable in this environment: %v", err)
	}
	defer f.Release()

	if err := f.AddArch("x86_64"); err != nil {
		t.Fatalf("AddArch: %v", err)
	}
	if err := f.AddRule(Rule{Syscall: "openat", Action: ActAllow}); err != nil {
		t.Fatalf("AddRule openat: %v", err)
	}
	if err := f.AddRule(Rule{Syscall: "read", Action: ActAllow}); err != nil {
		t.Fatalf("AddRule read: %v", err)
	}

	if err := f.RemoveRule("openat"); err != nil {
		t.Fatalf("RemoveRule: %v", err)
	}

	rules := f.Rules()
	if len(rules) != 1 || rules[0].Syscall != "read" {
		t.Errorf("Rules() after RemoveRule = %v, want only [read]", rules)
	}
}

func TestBuildAppliesExemptBeforeRules(t *testing.T) {
	notifier := &fakeNotifier{exempt: []string{"write"}}

	f, err := Build(ActErrno, []string{"x86_64"}, Attributes{NoNewPrivileges: true}, []Rule{
		{Syscall: "openat", Action: ActAllow},
	}, notifier)
	if err != nil {
		t.Skipf("libseccomp unavailable in this environment: %v", err)
	}
	defer f.Release()

	if !notifier.prepared {
		t.Error("expected Prepare to be called")
	}

	rules := f.Rules()
	if len(rules) != 2 {
		t.Fatalf("Rules() = %v, want 2 entries (exempt + explicit)", rules)
	}
	if rules[0].Syscall != "write" {
		t.Errorf("Rules()[0] = %v, want exempt syscall first", rules[0])
	}
}
