// Package ipcproxy implements Antimony's IPC proxy fabricator (C9): it
// builds an xdg-dbus-proxy invocation from a profile's IPC policy,
// spawns it under the real user via C2, waits for its output socket to
// appear, and probes it for readiness before handing it off to the
// sandbox driver.
package ipcproxy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/godbus/dbus/v5"

	cerrors "antimony/errors"
	"antimony/privilege"
	"antimony/procspawn"
	"antimony/profile"
	"antimony/tempobj"
	"antimony/which"
)

// defaultReadyTimeout bounds how long the fabricator waits for the
// proxy's output socket to appear and answer Hello before declaring the
// startup fatal, per spec §4.9 ("bounded time surfaces as fatal").
const defaultReadyTimeout = 5 * time.Second

// Fabricator builds and launches xdg-dbus-proxy instances.
type Fabricator struct {
	Which       *which.Resolver
	Temp        *tempobj.Factory
	RealUser    privilege.Identity
	ReadyTimeout time.Duration
}

// New returns a Fabricator. realUser is the identity xdg-dbus-proxy
// runs under — always the invoking (real) user, never the effective
// sandbox-driver identity, so a compromised proxy gains nothing.
func New(w *which.Resolver, temp *tempobj.Factory, realUser privilege.Identity) *Fabricator {
	return &Fabricator{Which: w, Temp: temp, RealUser: realUser, ReadyTimeout: defaultReadyTimeout}
}

// Handle is a running proxy: its spawn handle and the socket path the
// sandbox driver binds into the child.
type Handle struct {
	SocketPath string
	spawn      *procspawn.Handle
	socketObj  *tempobj.Object
}

// Signal forwards a signal to the proxy process.
func (h *Handle) Signal(sig os.Signal) error {
	return h.spawn.Signal(sig)
}

// Wait blocks for the proxy process to exit.
func (h *Handle) Wait() (*os.ProcessState, error) {
	return h.spawn.Wait()
}

// Close removes the reserved socket path. Call after the proxy process
// has been torn down.
func (h *Handle) Close() error {
	if h.socketObj == nil {
		return nil
	}
	return h.socketObj.Delete()
}

// busAddress picks the DBus bus address xdg-dbus-proxy mediates,
// preferring the session bus unless the policy asks for the system bus.
func busAddress(policy profile.IPCPolicy) (string, error) {
	if policy.SystemBus {
		if addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); addr != "" {
			return addr, nil
		}
		return "unix:path=/var/run/dbus/system_bus_socket", nil
	}
	addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	if addr == "" {
		return "", cerrors.New(cerrors.ErrSandbox, "ipcproxy-bus-address", "DBUS_SESSION_BUS_ADDRESS is not set")
	}
	return addr, nil
}

// buildArgv constructs the xdg-dbus-proxy argv implementing policy,
// per spec §4.11's "DBus proxy invocation": a bus address, the output
// socket path, --filter, and per-peer --see/--talk/--own/--call
// directives expanded from the policy's sets.
func buildArgv(binary, bus, socketPath string, policy profile.IPCPolicy) []string {
	argv := []string{binary, bus, socketPath, "--filter"}

	see := append([]string(nil), policy.See...)
	talk := append([]string(nil), policy.Talk...)
	own := append([]string(nil), policy.Own...)
	call := append([]string(nil), policy.Call...)
	sort.Strings(see)
	sort.Strings(talk)
	sort.Strings(own)
	sort.Strings(call)

	for _, name := range see {
		argv = append(argv, "--see="+name)
	}
	for _, name := range talk {
		argv = append(argv, "--talk="+name)
	}
	for _, name := range own {
		argv = append(argv, "--own="+name)
	}
	for _, name := range call {
		argv = append(argv, "--call="+name)
	}
	for _, portal := range sortedCopy(policy.Portals) {
		argv = append(argv, fmt.Sprintf("--talk=org.freedesktop.portal.%s", portal))
	}
	return argv
}

func sortedCopy(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

// Start launches xdg-dbus-proxy for policy and blocks until its output
// socket exists and answers Hello, or ReadyTimeout elapses.
func (f *Fabricator) Start(ctx context.Context, policy profile.IPCPolicy) (*Handle, error) {
	if policy.Disable {
		return nil, nil
	}

	binary, ok := f.Which.Resolve("xdg-dbus-proxy")
	if !ok {
		return nil, cerrors.New(cerrors.ErrResolution, "ipcproxy-which", "xdg-dbus-proxy not found on PATH")
	}

	bus, err := busAddress(policy)
	if err != nil {
		return nil, err
	}

	socketObj, err := f.Temp.Create(tempobj.KindSocket, tempobj.Options{Make: false})
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrSandbox, "ipcproxy-reserve-socket")
	}

	argv := buildArgv(binary, bus, socketObj.Path, policy)

	spawner := procspawn.New(argv)
	spawner.DropTo = &f.RealUser
	spawner.Stdin = procspawn.Stdio{Mode: procspawn.StdioDiscard}
	spawner.Stdout = procspawn.Stdio{Mode: procspawn.StdioShare}
	spawner.Stderr = procspawn.Stdio{Mode: procspawn.StdioShare}

	spawnHandle, err := spawner.Spawn()
	if err != nil {
		socketObj.Delete()
		return nil, cerrors.Wrap(err, cerrors.ErrSandbox, "ipcproxy-spawn")
	}

	timeout := f.ReadyTimeout
	if timeout == 0 {
		timeout = defaultReadyTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := waitForSocket(waitCtx, socketObj.Path); err != nil {
		spawnHandle.Signal(os.Kill)
		socketObj.Delete()
		return nil, cerrors.Wrap(err, cerrors.ErrSandbox, "ipcproxy-wait-socket")
	}

	if err := probeReady(waitCtx, socketObj.Path); err != nil {
		spawnHandle.Signal(os.Kill)
		socketObj.Delete()
		return nil, cerrors.Wrap(err, cerrors.ErrSandbox, "ipcproxy-probe")
	}

	return &Handle{SocketPath: socketObj.Path, spawn: spawnHandle, socketObj: socketObj}, nil
}

// waitForSocket watches the socket's parent directory via inotify and
// returns as soon as the file appears, rather than polling — spec §4.9
// calls this out explicitly as a cold-start latency win.
func waitForSocket(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrSandbox, "ipcproxy-watcher")
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrSandbox, "ipcproxy-watch-dir", dir)
	}

	// A create event may have landed between the initial Stat and Add.
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return cerrors.New(cerrors.ErrSandbox, "ipcproxy-wait-socket", "timed out waiting for proxy socket")
		case event, ok := <-watcher.Events:
			if !ok {
				return cerrors.New(cerrors.ErrSandbox, "ipcproxy-wait-socket", "watcher closed unexpectedly")
			}
			if event.Name == path && (event.Op&fsnotify.Create == fsnotify.Create) {
				return nil
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return cerrors.New(cerrors.ErrSandbox, "ipcproxy-wait-socket", "watcher closed unexpectedly")
			}
			return cerrors.Wrap(werr, cerrors.ErrSandbox, "ipcproxy-watch-error")
		}
	}
}

// probeReady connects to the proxy's output socket and calls Hello,
// confirming the proxied bus actually answers before the sandbox child
// is allowed to depend on it.
func probeReady(ctx context.Context, socketPath string) error {
	deadline, hasDeadline := ctx.Deadline()

	var conn *dbus.Conn
	var err error
	for {
		conn, err = dbus.Dial("unix:path=" + socketPath)
		if err == nil {
			break
		}
		if hasDeadline && time.Now().After(deadline) {
			return cerrors.Wrap(err, cerrors.ErrSandbox, "ipcproxy-dial")
		}
		select {
		case <-ctx.Done():
			return cerrors.New(cerrors.ErrSandbox, "ipcproxy-dial", "timed out dialing proxy socket")
		case <-time.After(10 * time.Millisecond):
		}
	}
	defer conn.Close()

	if err := conn.Auth(nil); err != nil {
		return cerrors.Wrap(err, cerrors.ErrSandbox, "ipcproxy-auth")
	}
	if err := conn.Hello(); err != nil {
		return cerrors.Wrap(err, cerrors.ErrSandbox, "ipcproxy-hello")
	}
	return nil
}
