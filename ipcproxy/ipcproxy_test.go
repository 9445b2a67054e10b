package ipcproxy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"antimony/profile"
)

func TestBuildArgvOrdersDirectivesAndExpandsPortals(t *testing.T) {
	policy := profile.IPCPolicy{
		See:     []string{"org.b", "org.a"},
		Talk:    []string{"org.talk"},
		Own:     []string{"org.own"},
		Call:    []string{"org.call=Method"},
		Portals: []string{"FileChooser"},
	}
	argv := buildArgv("/usr/bin/xdg-dbus-proxy", "unix:path=/run/bus", "/tmp/out.sock", policy)

	want := []string{
		"/usr/bin/xdg-dbus-proxy", "unix:path=/run/bus", "/tmp/out.sock", "--filter",
		"--see=org.a", "--see=org.b",
		"--talk=org.talk",
		"--own=org.own",
		"--call=org.call=Method",
		"--talk=org.freedesktop.portal.FileChooser",
	}
	if len(argv) != len(want) {
		t.Fatalf("buildArgv = %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestBusAddressSessionRequiresEnv(t *testing.T) {
	orig, had := os.LookupEnv("DBUS_SESSION_BUS_ADDRESS")
	os.Unsetenv("DBUS_SESSION_BUS_ADDRESS")
	defer func() {
		if had {
			os.Setenv("DBUS_SESSION_BUS_ADDRESS", orig)
		}
	}()
	if _, err := busAddress(profile.IPCPolicy{}); err == nil {
		t.Error("expected error when DBUS_SESSION_BUS_ADDRESS is unset")
	}

	t.Setenv("DBUS_SESSION_BUS_ADDRESS", "unix:path=/run/user/1000/bus")
	addr, err := busAddress(profile.IPCPolicy{})
	if err != nil {
		t.Fatalf("busAddress: %v", err)
	}
	if addr != "unix:path=/run/user/1000/bus" {
		t.Errorf("busAddress = %q, want session bus address", addr)
	}
}

func TestBusAddressSystemDefaultsWhenEnvUnset(t *testing.T) {
	os.Unsetenv("DBUS_SYSTEM_BUS_ADDRESS")
	addr, err := busAddress(profile.IPCPolicy{SystemBus: true})
	if err != nil {
		t.Fatalf("busAddress: %v", err)
	}
	if addr != "unix:path=/var/run/dbus/system_bus_socket" {
		t.Errorf("busAddress = %q, want default system bus path", addr)
	}
}

func TestWaitForSocketReturnsImmediatelyIfPresent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sock")
	if err := os.WriteFile(path, []byte{}, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := waitForSocket(ctx, path); err != nil {
		t.Errorf("waitForSocket = %v, want nil", err)
	}
}

func TestWaitForSocketTimesOut(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "never-appears")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := waitForSocket(ctx, path); err == nil {
		t.Error("expected waitForSocket to time out")
	}
}

func TestWaitForSocketObservesLateCreate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sock")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(50 * time.Millisecond)
		os.WriteFile(path, []byte{}, 0644)
	}()

	if err := waitForSocket(ctx, path); err != nil {
		t.Errorf("waitForSocket = %v, want nil", err)
	}
}
