// Package profile implements Antimony's profile resolver (C8): the data
// model for profiles and features, and the pipeline that loads, merges,
// expands, and canonicalises them into a Resolved profile.
//
// The type shapes follow spec §3 verbatim; TOML tags name the on-disk
// schema fields the fabricator consumes (spec §1 scopes the rest of the
// schema to the external CLI/editor collaborator).
package profile

// HomePolicy controls how the real $HOME is exposed to the sandbox.
type HomePolicy string

const (
	HomeNone     HomePolicy = "none"
	HomeEnabled  HomePolicy = "enabled"
	HomeOverlay  HomePolicy = "overlay"
	HomeReadOnly HomePolicy = "read-only"
)

// SeccompPolicy selects one of the three SECCOMP operating modes plus Disabled.
type SeccompPolicy string

const (
	SeccompDisabled  SeccompPolicy = "disabled"
	SeccompPermissive SeccompPolicy = "permissive"
	SeccompEnforcing SeccompPolicy = "enforcing"
	SeccompNotifying SeccompPolicy = "notifying"
)

// PassthroughMode controls how a passthrough file is bound.
type PassthroughMode string

const (
	PassthroughRO   PassthroughMode = "ro"
	PassthroughRW   PassthroughMode = "rw"
	PassthroughExec PassthroughMode = "exec"
)

// Namespace identifies one of the namespace kinds bwrap can unshare.
type Namespace string

const (
	NamespaceUser   Namespace = "user"
	NamespaceIPC    Namespace = "ipc"
	NamespacePID    Namespace = "pid"
	NamespaceNet    Namespace = "net"
	NamespaceUTS    Namespace = "uts"
	NamespaceCgroup Namespace = "cgroup"
)

// IPCPolicy describes the profile's DBus mediation policy (C9 consumes this).
type IPCPolicy struct {
	Portals    []string `toml:"portals,omitempty"`
	See        []string `toml:"see,omitempty"`
	Talk       []string `toml:"talk,omitempty"`
	Own        []string `toml:"own,omitempty"`
	Call       []string `toml:"call,omitempty"`
	Disable    bool     `toml:"disable_ipc,omitempty"`
	SystemBus  bool     `toml:"system_bus,omitempty"`
	UserBus    bool     `toml:"user_bus,omitempty"`
}

// File is an entry in a profile's read-only/read-write/passthrough lists.
type File struct {
	Path string          `toml:"path"`
	Mode PassthroughMode `toml:"mode,omitempty"`
}

// Device is an entry in a profile's device list (e.g. /dev/dri/renderD128).
type Device struct {
	Path string `toml:"path"`
}

// HookEntry is a single pre/post lifecycle hook.
type HookEntry struct {
	Path    string   `toml:"path"`
	Args    []string `toml:"args,omitempty"`
	CanFail bool     `toml:"can_fail,omitempty"`
}

// HookSet groups a profile's pre- and post-launch hooks.
type HookSet struct {
	Pre  []HookEntry `toml:"pre,omitempty"`
	Post []HookEntry `toml:"post,omitempty"`
}

// Configuration is a named partial-profile overlay (spec §3, "Configuration").
type Configuration struct {
	Name        string            `toml:"-"`
	ID          *string           `toml:"id,omitempty"`
	Path        *string           `toml:"path,omitempty"`
	Features    []string          `toml:"features,omitempty"`
	Environment map[string]string `toml:"environment,omitempty"`
	ReadOnly    []File            `toml:"read_only,omitempty"`
	ReadWrite   []File            `toml:"read_write,omitempty"`
}

// Feature is a reusable, addressable bundle of profile fragments. Features
// never inherit; Conflicts lets a profile prune features its inheritee
// already accumulated.
type Feature struct {
	Name        string            `toml:"-"`
	Features    []string          `toml:"features,omitempty"`
	Conflicts   []string          `toml:"conflicts,omitempty"`
	ReadOnly    []File            `toml:"read_only,omitempty"`
	ReadWrite   []File            `toml:"read_write,omitempty"`
	Binaries    []string          `toml:"binaries,omitempty"`
	Libraries   []string          `toml:"libraries,omitempty"`
	Directories []string          `toml:"directories,omitempty"`
	Devices     []Device          `toml:"devices,omitempty"`
	Environment map[string]string `toml:"environment,omitempty"`
	Portals     []string          `toml:"portals,omitempty"`
	See         []string          `toml:"see,omitempty"`
	Talk        []string          `toml:"talk,omitempty"`
	Own         []string          `toml:"own,omitempty"`
	Call        []string          `toml:"call,omitempty"`
}

// Profile is the declarative sandbox description loaded from TOML.
type Profile struct {
	Name            string                   `toml:"-"`
	ID              string                   `toml:"id,omitempty"`
	Path            string                   `toml:"path,omitempty"`
	Features        []string                 `toml:"features,omitempty"`
	Inherits        []string                 `toml:"inherits,omitempty"`
	InheritsSet     bool                     `toml:"-"`
	Home            HomePolicy               `toml:"home,omitempty"`
	HomeName        string                   `toml:"home_name,omitempty"`
	Seccomp         SeccompPolicy            `toml:"seccomp,omitempty"`
	IPC             IPCPolicy                `toml:"ipc,omitempty"`
	ReadOnly        []File                   `toml:"read_only,omitempty"`
	ReadWrite       []File                   `toml:"read_write,omitempty"`
	Passthrough     []File                   `toml:"passthrough,omitempty"`
	Binaries        []string                 `toml:"binaries,omitempty"`
	Libraries       []string                 `toml:"libraries,omitempty"`
	Devices         []Device                 `toml:"devices,omitempty"`
	Namespaces      []Namespace              `toml:"namespaces,omitempty"`
	Environment     map[string]string        `toml:"environment,omitempty"`
	ArgPrefix       []string                 `toml:"arg_prefix,omitempty"`
	ArgSuffix       []string                 `toml:"arg_suffix,omitempty"`
	Configurations  map[string]Configuration `toml:"configurations,omitempty"`
	Hooks           HookSet                  `toml:"hooks,omitempty"`
	NewPrivileges   bool                     `toml:"new_privileges,omitempty"`
}

// CLIOverlay carries the command-line overrides that are applied last and
// always win over any other source, per §4.8 and the Open Question in §9.
type CLIOverlay struct {
	Configuration string
	Inherits      []string
	InheritsSet   bool
	Environment   map[string]string
	ExtraArgs     []string
	Seccomp       SeccompPolicy
	SeccompSet    bool
}

// Resolved is the fully merged, feature-expanded, configuration-applied,
// CLI-overlaid product (spec §3, "Resolved profile"). It is immutable once
// built; Hash is its cache key.
type Resolved struct {
	Name          string
	ID            string
	Path          string
	Home          HomePolicy
	HomeName      string
	Seccomp       SeccompPolicy
	IPC           IPCPolicy
	ReadOnly      []File
	ReadWrite     []File
	Passthrough   []File
	Binaries      []string
	Libraries     []string
	Directories   []string
	Devices       []Device
	Namespaces    []Namespace
	Environment   map[string]string
	ArgPrefix     []string
	ArgSuffix     []string
	Hooks         HookSet
	NewPrivileges bool

	// Hash is the stable, canonicalised cache key (spec §8 invariant 3 & 9).
	Hash string
}
