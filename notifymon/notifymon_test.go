package notifymon

import (
	"context"
	"testing"

	libseccomp "github.com/seccomp/libseccomp-golang"

	"antimony/seccompdb"
)

func notifReq(pid uint32, arg0 uint64) *libseccomp.ScmpNotifReq {
	req := &libseccomp.ScmpNotifReq{ID: 1, Pid: pid}
	req.Data.Args[0] = arg0
	return req
}

func TestIsSpoofedSeccompAlwaysSpoofed(t *testing.T) {
	if !isSpoofed("seccomp", 0) {
		t.Errorf("isSpoofed(seccomp) = false, want true")
	}
}

func TestIsSpoofedPrctlOnlySeccompArg(t *testing.T) {
	if !isSpoofed("prctl", prSetSeccomp) {
		t.Errorf("isSpoofed(prctl, PR_SET_SECCOMP) = false, want true")
	}
	if isSpoofed("prctl", 4 /* PR_SET_DUMPABLE */) {
		t.Errorf("isSpoofed(prctl, PR_SET_DUMPABLE) = true, want false")
	}
}

func TestIsSpoofedOrdinarySyscallNotSpoofed(t *testing.T) {
	if isSpoofed("openat", 0) {
		t.Errorf("isSpoofed(openat) = true, want false")
	}
}

func TestItoaMatchesDecimalRendering(t *testing.T) {
	cases := map[uint32]string{
		0:          "0",
		7:          "7",
		1234:       "1234",
		4294967295: "4294967295",
	}
	for pid, want := range cases {
		if got := itoa(pid); got != want {
			t.Errorf("itoa(%d) = %q, want %q", pid, got, want)
		}
	}
}

func TestSuccessAndErrnoRespShapes(t *testing.T) {
	resp := success(42)
	if resp.ID != 42 || resp.Error != 0 {
		t.Errorf("success(42) = %+v, want ID=42 Error=0", resp)
	}
	errResp := errnoResp(7, 13)
	if errResp.ID != 7 || errResp.Error != 13 {
		t.Errorf("errnoResp(7, 13) = %+v, want ID=7 Error=13", errResp)
	}
}

type fakePrompter struct {
	decision Decision
	prompted bool
}

func (f *fakePrompter) Prompt(pid uint32, syscallName, arch string) Decision {
	f.prompted = true
	return f.decision
}

func fakeResolver(path string) func(uint32) (string, error) {
	return func(uint32) (string, error) { return path, nil }
}

type nullLogger struct{}

func (nullLogger) Warn(msg string, args ...any) {}

func openRecordingDB(t *testing.T) *seccompdb.DB {
	t.Helper()
	db, err := seccompdb.Open(t.TempDir() + "/db.sqlite")
	if err != nil {
		t.Fatalf("seccompdb.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDecidePermissiveAlwaysAllowsAndRecords(t *testing.T) {
	db := openRecordingDB(t)
	m := &Monitor{Mode: ModePermissive, Profile: "p", DB: db}

	resp := m.decide(notifReq(1, 0), "openat", "x86_64", fakeResolver("/usr/bin/tool"), nullLogger{})
	if resp.Error != 0 {
		t.Errorf("Permissive decide = %+v, want success", resp)
	}

	policy, err := db.Policy(context.Background(), "p", nil)
	if err != nil {
		t.Fatalf("Policy: %v", err)
	}
	if len(policy.Rules) != 1 || policy.Rules[0].Syscall != "openat" {
		t.Errorf("Policy after Permissive decide = %v, want [openat]", policy.Rules)
	}
}

func TestDecideNotifyingAllowRecords(t *testing.T) {
	db := openRecordingDB(t)
	prompter := &fakePrompter{decision: DecisionAllow}
	m := &Monitor{Mode: ModeNotifying, Profile: "p", DB: db, Prompter: prompter}

	resp := m.decide(notifReq(1, 0), "connect", "x86_64", fakeResolver("/usr/bin/tool"), nullLogger{})
	if !prompter.prompted {
		t.Errorf("Notifying decide did not consult the prompter")
	}
	if resp.Error != 0 {
		t.Errorf("DecisionAllow decide = %+v, want success", resp)
	}

	policy, err := db.Policy(context.Background(), "p", nil)
	if err != nil {
		t.Fatalf("Policy: %v", err)
	}
	if len(policy.Rules) != 1 || policy.Rules[0].Syscall != "connect" {
		t.Errorf("Policy after Allow decide = %v, want [connect]", policy.Rules)
	}
}

func TestDecideNotifyingDenyDoesNotRecord(t *testing.T) {
	db := openRecordingDB(t)
	prompter := &fakePrompter{decision: DecisionDeny}
	m := &Monitor{Mode: ModeNotifying, Profile: "p", DB: db, Prompter: prompter}

	resp := m.decide(notifReq(1, 0), "ptrace", "x86_64", fakeResolver("/usr/bin/tool"), nullLogger{})
	if resp.Error == 0 {
		t.Errorf("DecisionDeny decide = %+v, want EPERM reply", resp)
	}

	policy, err := db.Policy(context.Background(), "p", nil)
	if err != nil {
		t.Fatalf("Policy: %v", err)
	}
	if len(policy.Rules) != 0 {
		t.Errorf("Policy after Deny decide = %v, want empty (no recording)", policy.Rules)
	}
}

func TestDecideNotifyingTimeoutAllowsWithoutRecording(t *testing.T) {
	db := openRecordingDB(t)
	prompter := &fakePrompter{decision: DecisionTimeout}
	m := &Monitor{Mode: ModeNotifying, Profile: "p", DB: db, Prompter: prompter}

	resp := m.decide(notifReq(1, 0), "read", "x86_64", fakeResolver("/usr/bin/tool"), nullLogger{})
	if resp.Error != 0 {
		t.Errorf("DecisionTimeout decide = %+v, want success", resp)
	}
	policy, err := db.Policy(context.Background(), "p", nil)
	if err != nil {
		t.Fatalf("Policy: %v", err)
	}
	if len(policy.Rules) != 0 {
		t.Errorf("Policy after Timeout decide = %v, want empty (no recording)", policy.Rules)
	}
}

func TestDecideSpoofedSucceedsRegardlessOfMode(t *testing.T) {
	db := openRecordingDB(t)
	m := &Monitor{Mode: ModeNotifying, Profile: "p", DB: db, Prompter: &fakePrompter{decision: DecisionDeny}}

	resp := m.decide(notifReq(1, prSetSeccomp), "prctl", "x86_64", fakeResolver("/usr/bin/tool"), nullLogger{})
	if resp.Error != 0 {
		t.Errorf("spoofed prctl decide = %+v, want success even though the Prompter would deny", resp)
	}
}

func TestDecideNotifyingNilPrompterRecordsAndAllows(t *testing.T) {
	db := openRecordingDB(t)
	m := &Monitor{Mode: ModeNotifying, Profile: "p", DB: db}

	resp := m.decide(notifReq(1, 0), "openat", "x86_64", fakeResolver("/usr/bin/tool"), nullLogger{})
	if resp.Error != 0 {
		t.Errorf("nil-Prompter decide = %+v, want success (fail open to recording)", resp)
	}

	policy, err := db.Policy(context.Background(), "p", nil)
	if err != nil {
		t.Fatalf("Policy: %v", err)
	}
	if len(policy.Rules) != 1 || policy.Rules[0].Syscall != "openat" {
		t.Errorf("Policy after nil-Prompter decide = %v, want [openat]", policy.Rules)
	}
}
