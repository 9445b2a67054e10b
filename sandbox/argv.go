package sandbox

import (
	"sort"

	"antimony/profile"
	"antimony/sof"
)

// bwrapExempt are the syscalls bubblewrap itself needs to set up
// namespaces, mounts, and the notify handoff once it inherits
// Antimony's outer filter. Spec §9's "Dual SECCOMP filter" note
// describes the Enforcing filter as "a strict superset of the
// profile's syscalls plus bwrap's own"; this is that superset's
// bwrap-side half. It is not exhaustive for every bwrap build/kernel
// combination, but covers the namespace/mount/exec sequence bwrap
// itself performs before handing control to the sandboxed binary.
var bwrapExempt = []string{
	"execve", "exit", "exit_group", "brk", "mmap", "munmap", "mprotect",
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "clone", "clone3",
	"wait4", "close", "read", "write", "openat", "fstat", "newfstatat",
	"pipe2", "dup2", "dup3", "unshare", "mount", "umount2", "pivot_root",
	"chdir", "fchdir", "capset", "capget", "prctl", "setresuid", "setresgid",
	"sendmsg", "socketpair", "bind", "getpid", "gettid", "ioctl",
}

// ipcExempt are the syscalls the sandboxed app needs to reach the proxied
// DBus socket xdg-dbus-proxy binds in at /run/dbus-proxy/bus. Spec §3's
// seccomp-union invariant requires these folded into the exempt set
// whenever a profile's IPC policy is active, regardless of seccomp mode,
// so a cold database doesn't kill the app's first connect/sendmsg pair.
var ipcExempt = []string{
	"socket", "connect", "sendmsg", "recvmsg", "sendto", "recvfrom",
	"getsockopt", "setsockopt", "poll", "ppoll",
}

// defaultArchs are the architectures a filter is built for; bwrap's own
// practice of tracking the native + compat 32-bit pair is followed here.
var defaultArchs = []string{"x86_64", "x86"}

func namespaceArgs(namespaces []profile.Namespace) []string {
	present := make(map[profile.Namespace]bool, len(namespaces))
	for _, n := range namespaces {
		present[n] = true
	}
	var argv []string
	if present[profile.NamespaceUser] {
		argv = append(argv, "--unshare-user")
	}
	if present[profile.NamespaceIPC] {
		argv = append(argv, "--unshare-ipc")
	}
	if present[profile.NamespacePID] {
		argv = append(argv, "--unshare-pid")
	}
	if present[profile.NamespaceNet] {
		argv = append(argv, "--unshare-net")
	}
	if present[profile.NamespaceUTS] {
		argv = append(argv, "--unshare-uts")
	}
	if present[profile.NamespaceCgroup] {
		argv = append(argv, "--unshare-cgroup")
	}
	return argv
}

func homeArgs(resolved *profile.Resolved, realHome, privateHome string) []string {
	name := resolved.HomeName
	if name == "" {
		name = realHome
	}
	switch resolved.Home {
	case profile.HomeEnabled:
		return []string{"--bind", realHome, name}
	case profile.HomeReadOnly:
		return []string{"--ro-bind", realHome, name}
	case profile.HomeOverlay:
		return []string{"--bind", privateHome, name}
	case profile.HomeNone:
		return []string{"--tmpfs", name}
	default:
		return []string{"--tmpfs", name}
	}
}

func passthroughArgs(mode profile.PassthroughMode, path string) []string {
	switch mode {
	case profile.PassthroughRW, profile.PassthroughExec:
		return []string{"--bind", path, path}
	default:
		return []string{"--ro-bind", path, path}
	}
}

// buildBwrapArgv constructs the bwrap invocation from a resolved
// profile, its materialised SOF entry, and (if the IPC policy is
// active) the proxy socket path to bind in for the child's DBus
// traffic. Namespaces, file binds, device binds, and environment
// follow spec §6's literal list; --seccomp <fd> is never emitted here
// because Antimony always installs the filter directly via the
// spawner (procspawn's helper loads it in the process that execs into
// bwrap), which is the "otherwise" branch of that same sentence — bwrap
// never builds its own BPF blob in this implementation. traceWrapper, if
// non-empty, is inserted immediately ahead of the target binary — the
// `trace` subcommand's strace-wrapped child (spec §8).
func buildBwrapArgv(bwrapPath string, resolved *profile.Resolved, sofEntry *sof.Entry, realHome, privateHome, proxySocketPath string, traceWrapper []string) []string {
	argv := []string{bwrapPath}
	argv = append(argv, namespaceArgs(resolved.Namespaces)...)

	if sofEntry != nil {
		argv = append(argv, "--ro-bind", sofEntry.LibDir, "/usr/lib")
		if sofEntry.Lib64Link != "" {
			argv = append(argv, "--symlink", "lib", "/usr/lib64")
		} else {
			argv = append(argv, "--ro-bind", sofEntry.LibDir, "/usr/lib64")
		}
	}

	if resolved.Home != "" {
		argv = append(argv, homeArgs(resolved, realHome, privateHome)...)
	}

	readOnly := append([]profile.File{}, resolved.ReadOnly...)
	sort.Slice(readOnly, func(i, j int) bool { return readOnly[i].Path < readOnly[j].Path })
	for _, f := range readOnly {
		argv = append(argv, "--ro-bind", f.Path, f.Path)
	}

	readWrite := append([]profile.File{}, resolved.ReadWrite...)
	sort.Slice(readWrite, func(i, j int) bool { return readWrite[i].Path < readWrite[j].Path })
	for _, f := range readWrite {
		argv = append(argv, "--bind", f.Path, f.Path)
	}

	passthrough := append([]profile.File{}, resolved.Passthrough...)
	sort.Slice(passthrough, func(i, j int) bool { return passthrough[i].Path < passthrough[j].Path })
	for _, f := range passthrough {
		argv = append(argv, passthroughArgs(f.Mode, f.Path)...)
	}

	devices := append([]profile.Device{}, resolved.Devices...)
	sort.Slice(devices, func(i, j int) bool { return devices[i].Path < devices[j].Path })
	for _, dev := range devices {
		argv = append(argv, "--dev-bind", dev.Path, dev.Path)
	}

	if proxySocketPath != "" {
		argv = append(argv, "--ro-bind", proxySocketPath, "/run/dbus-proxy/bus")
		argv = append(argv, "--setenv", "DBUS_SESSION_BUS_ADDRESS", "unix:path=/run/dbus-proxy/bus")
	}

	keys := make([]string, 0, len(resolved.Environment))
	for k := range resolved.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		argv = append(argv, "--setenv", k, resolved.Environment[k])
	}

	argv = append(argv, "--")
	argv = append(argv, traceWrapper...)
	argv = append(argv, resolved.ArgPrefix...)
	argv = append(argv, resolved.Path)
	argv = append(argv, resolved.ArgSuffix...)
	return argv
}

func modeString(mode profile.SeccompPolicy) string {
	switch mode {
	case profile.SeccompPermissive:
		return "permissive"
	case profile.SeccompNotifying:
		return "notifying"
	default:
		return string(mode)
	}
}
