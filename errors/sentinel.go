// Package errors provides predefined sentinel errors for common failure cases.
package errors

// Profile resolution errors.
var (
	// ErrProfileNotFound indicates no profile TOML exists under the user or
	// system profile directories.
	ErrProfileNotFound = &SandboxError{
		Kind:   ErrConfiguration,
		Detail: "profile not found",
	}

	// ErrFeatureUnresolved indicates a profile names a feature that does
	// not exist under either features directory.
	ErrFeatureUnresolved = &SandboxError{
		Kind:   ErrConfiguration,
		Detail: "feature unresolved",
	}

	// ErrInvalidProfileID indicates a profile id violates the id invariant
	// (must contain a '.' or be driver-prefixed with "antimony.").
	ErrInvalidProfileID = &SandboxError{
		Kind:   ErrConfiguration,
		Detail: "invalid profile id",
	}

	// ErrInheritDepth indicates a profile's inherit chain exceeds depth 1.
	ErrInheritDepth = &SandboxError{
		Kind:   ErrConfiguration,
		Detail: "inherit depth exceeds 1",
	}
)

// Dependency resolution errors.
var (
	// ErrBinaryNotFound indicates a named binary could not be resolved via PATH.
	ErrBinaryNotFound = &SandboxError{
		Kind:   ErrResolution,
		Detail: "binary not found",
	}

	// ErrAmbiguousELF indicates the ELF dependency walk could not classify
	// a dynamic entry unambiguously.
	ErrAmbiguousELF = &SandboxError{
		Kind:   ErrResolution,
		Detail: "ambiguous ELF dependency",
	}

	// ErrLibraryNotFound indicates a required shared library was not found
	// under /usr/lib or /usr/lib64.
	ErrLibraryNotFound = &SandboxError{
		Kind:   ErrResolution,
		Detail: "library not found",
	}
)

// SOF cache errors.
var (
	// ErrCacheLocked indicates the per-hash build lock could not be
	// acquired within the bounded wait.
	ErrCacheLocked = &SandboxError{
		Kind:   ErrCache,
		Detail: "cache build lock contention",
	}

	// ErrCacheChecksumMismatch indicates the manifest does not match the
	// materialised cache directory.
	ErrCacheChecksumMismatch = &SandboxError{
		Kind:   ErrCache,
		Detail: "cache checksum mismatch",
	}

	// ErrCacheNotReady indicates a SOF directory was referenced before its
	// .ready marker was observed.
	ErrCacheNotReady = &SandboxError{
		Kind:   ErrCache,
		Detail: "cache not ready",
	}
)

// Privilege gate errors.
var (
	// ErrIdentitySwitch indicates a uid/gid transition reported failure.
	// Per §4.1, this is always fatal: a half-switched identity is unsafe.
	ErrIdentitySwitch = &SandboxError{
		Kind:   ErrPrivilege,
		Detail: "identity switch failed",
	}

	// ErrMissingCapability indicates a required capability is not held.
	ErrMissingCapability = &SandboxError{
		Kind:   ErrPrivilege,
		Detail: "missing capability",
	}
)

// Sandbox/launch errors.
var (
	// ErrBwrapFailed indicates bubblewrap exited non-zero or failed to start.
	ErrBwrapFailed = &SandboxError{
		Kind:   ErrSandbox,
		Detail: "bwrap failed",
	}

	// ErrProxyTimeout indicates the xdg-dbus-proxy socket did not appear
	// within the bounded wait.
	ErrProxyTimeout = &SandboxError{
		Kind:   ErrSandbox,
		Detail: "dbus proxy startup timeout",
	}
)

// SECCOMP errors.
var (
	// ErrSeccompLoadRejected indicates the kernel rejected the BPF filter.
	ErrSeccompLoadRejected = &SandboxError{
		Kind:   ErrSeccomp,
		Detail: "seccomp filter load rejected",
	}

	// ErrSeccompInsufficientPolicy indicates an Enforcing launch was
	// attempted with a database that does not yet cover the profile's
	// binaries.
	ErrSeccompInsufficientPolicy = &SandboxError{
		Kind:   ErrSeccomp,
		Detail: "seccomp-insufficient-policy",
	}

	// ErrNotifyProtocol indicates a malformed or out-of-order Notify
	// message between the sandbox and the monitor.
	ErrNotifyProtocol = &SandboxError{
		Kind:   ErrSeccomp,
		Detail: "notify protocol error",
	}
)

// Persistence errors.
var (
	// ErrDatabaseIO indicates a SQLite read/write failure.
	ErrDatabaseIO = &SandboxError{
		Kind:   ErrPersistence,
		Detail: "seccomp database I/O error",
	}
)

// Child errors.
var (
	// ErrChildNonZero indicates the sandboxed process exited non-zero;
	// its exit code is passed through by the driver, not this sentinel.
	ErrChildNonZero = &SandboxError{
		Kind:   ErrChild,
		Detail: "child exited non-zero",
	}
)
