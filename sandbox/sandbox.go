// Package sandbox implements Antimony's sandbox driver (C12): the
// top-level state machine that resolves a profile, fabricates its SOF
// tree, DBus proxy, and SECCOMP filter in parallel, launches the
// optional Notify monitor ahead of bwrap, then launches bwrap itself
// and hands back a Handle the caller waits on and tears down.
package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"antimony/config"
	"antimony/depresolve"
	cerrors "antimony/errors"
	"antimony/ipcproxy"
	"antimony/logging"
	"antimony/privilege"
	"antimony/procspawn"
	"antimony/profile"
	"antimony/seccompdb"
	"antimony/sof"
	"antimony/tempobj"
	"antimony/which"
)

// monitorHandoffFD is the fd the Notify monitor reads its socketpair
// end from, matching cmd/antimony-monitor's handoffFD.
const monitorHandoffFD = 3

// Driver bundles every fabricator and resolver a launch needs. One
// Driver is built per process and reused across launches; its
// sub-resolvers already carry their own internal caches and locks.
type Driver struct {
	Config   *config.Config
	Profiles *profile.Store
	Which    *which.Resolver
	Deps     *depresolve.Resolver
	SOF      *sof.Fabricator
	IPC      *ipcproxy.Fabricator
	DB       *seccompdb.DB
	Gate     *privilege.Gate
	Temp     *tempobj.Factory

	BwrapPath   string
	MonitorPath string
}

// launchState carries the per-launch notify socketpair end between
// launchMonitor and launchBwrap. It is local to one Launch call, never
// stored on Driver, since a Driver is shared across concurrent launches.
type launchState struct {
	notifySocket *os.File
}

// NewDriver wires every sub-component from a resolved Config, the way
// the teacher's cmd/root.go wires a single Container/Factory pair for
// every subcommand to share.
func NewDriver(cfg *config.Config) (*Driver, error) {
	gate := privilege.NewGate()
	temp := tempobj.New(os.TempDir(), gate)
	w := which.New(nil)

	bwrapPath, ok := w.Resolve("bwrap")
	if !ok {
		return nil, cerrors.New(cerrors.ErrResolution, "new-driver", "bwrap not found on PATH")
	}
	monitorPath, ok := w.Resolve("antimony-monitor")
	if !ok {
		return nil, cerrors.New(cerrors.ErrResolution, "new-driver", "antimony-monitor not found on PATH")
	}

	db, err := seccompdb.Open(cfg.SeccompDBPath())
	if err != nil {
		return nil, err
	}

	return &Driver{
		Config: cfg,
		Profiles: &profile.Store{
			UserProfileDir:   cfg.UserProfileDir(),
			SystemProfileDir: cfg.SystemProfileDir(),
			UserFeatureDir:   cfg.UserFeatureDir(),
			SystemFeatureDir: cfg.SystemFeatureDir(),
		},
		Which:       w,
		Deps:        depresolve.New(w),
		SOF:         sof.New(filepath.Join(cfg.ATHome, "cache")),
		IPC:         ipcproxy.New(w, temp, gate.Identity(privilege.ModeReal)),
		DB:          db,
		Gate:        gate,
		Temp:        temp,
		BwrapPath:   bwrapPath,
		MonitorPath: monitorPath,
	}, nil
}

// LaunchOptions parameterises a single sandbox launch.
type LaunchOptions struct {
	ProfileName   string
	Configuration string
	CLI           *profile.CLIOverlay
	WaitTimeout   time.Duration

	// TraceWrapper, if set, is inserted ahead of the target binary
	// inside the sandbox — the `trace` subcommand's strace wrapping
	// (spec §8's literal scenario).
	TraceWrapper []string
}

// fabricateResult carries one fan-out stage's outcome back to Launch.
type fabricateResult struct {
	stage string
	sof   *sof.Entry
	proxy *ipcproxy.Handle
	plan  *filterPlan
	err   error
}

// Launch implements spec §4.12's state machine: Init → Resolve →
// FabricateSOF ∥ FabricateIPC ∥ FabricateSECCOMP → LaunchMonitor? →
// LaunchBwrap → DeliverFD? → Wait. The three fabricate stages share a
// small buffered-channel worker pool rather than a scheduler package,
// following the teacher's preference for stdlib concurrency
// primitives; each stage is independent and commutative per spec §5,
// so results are collected in completion order and only synchronised
// at the barrier before LaunchBwrap.
func (d *Driver) Launch(ctx context.Context, opts LaunchOptions) (*Handle, error) {
	resolved, err := d.Profiles.Resolve(opts.ProfileName, opts.Configuration, opts.CLI)
	if err != nil {
		return nil, err
	}
	log := logging.WithProfile(logging.Default(), resolved.Name)
	log.Info("resolved profile", "hash", resolved.Hash)

	results := make(chan fabricateResult, 3)
	go func() { results <- d.fabricateSOF(resolved) }()
	go func() { results <- d.fabricateIPC(ctx, resolved) }()
	go func() { results <- d.fabricateSeccomp(ctx, resolved) }()

	h := &Handle{Profile: resolved.Name}
	var sofEntry *sof.Entry
	var proxyHandle *ipcproxy.Handle
	var plan *filterPlan

	for i := 0; i < 3; i++ {
		r := <-results
		if r.err != nil {
			h.Teardown()
			return nil, cerrors.WrapWithProfile(r.err, cerrors.ErrSandbox, "fabricate-"+r.stage, resolved.Name)
		}
		switch r.stage {
		case "sof":
			sofEntry = r.sof
		case "ipc":
			proxyHandle = r.proxy
		case "seccomp":
			plan = r.plan
		}
	}
	h.SOF = sofEntry
	h.Proxy = proxyHandle

	ls := &launchState{}
	if plan.needsMonitor {
		monHandle, err := d.launchMonitor(resolved, ls)
		if err != nil {
			h.Teardown()
			return nil, err
		}
		h.Monitor = monHandle
	}

	bwrapHandle, err := d.launchBwrap(resolved, sofEntry, proxyHandle, plan, ls, opts.TraceWrapper)
	if err != nil {
		h.Teardown()
		return nil, err
	}
	h.Bwrap = bwrapHandle

	log.Info("sandbox launched", "pid", bwrapHandle.PID)
	return h, nil
}

func (d *Driver) fabricateSOF(resolved *profile.Resolved) fabricateResult {
	target := resolved.Path
	if target == "" {
		target = resolved.Name
		if p, ok := d.Which.Resolve(target); ok {
			target = p
		}
	}

	globs := make([]depresolve.LibraryGlob, 0, len(resolved.Libraries))
	for _, pattern := range resolved.Libraries {
		globs = append(globs, depresolve.LibraryGlob{Pattern: pattern})
	}
	wholesale := make([]depresolve.WholesaleDir, 0, len(resolved.Directories))
	for _, dir := range resolved.Directories {
		wholesale = append(wholesale, depresolve.WholesaleDir{Path: dir})
	}

	result, err := d.Deps.Resolve(target, globs, wholesale)
	if err != nil {
		return fabricateResult{stage: "sof", err: err}
	}
	entry, err := d.SOF.Materialize(resolved.Name, resolved.Hash, result)
	return fabricateResult{stage: "sof", sof: entry, err: err}
}

func (d *Driver) fabricateIPC(ctx context.Context, resolved *profile.Resolved) fabricateResult {
	handle, err := d.IPC.Start(ctx, resolved.IPC)
	return fabricateResult{stage: "ipc", proxy: handle, err: err}
}

func (d *Driver) fabricateSeccomp(ctx context.Context, resolved *profile.Resolved) fabricateResult {
	plan, err := d.buildFilterPlan(ctx, resolved)
	return fabricateResult{stage: "seccomp", plan: plan, err: err}
}

// launchMonitor spawns the Notify monitor ahead of bwrap, handing it
// one end of a freshly-created socketpair; the other end becomes the
// bwrap spawner's NotifySocket so procspawn's helper can deliver the
// loaded filter's notify fd to it directly, per spec §4.11's handoff
// choreography.
func (d *Driver) launchMonitor(resolved *profile.Resolved, ls *launchState) (*procspawn.Handle, error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrSandbox, "launch-monitor")
	}
	monitorEnd := os.NewFile(uintptr(fds[0]), "monitor-handoff")
	bwrapEnd := os.NewFile(uintptr(fds[1]), "bwrap-notify")
	ls.notifySocket = bwrapEnd

	spawner := procspawn.New([]string{
		d.MonitorPath,
		"-profile=" + resolved.Name,
		"-mode=" + modeString(resolved.Seccomp),
	})
	spawner.PassFDs = []procspawn.PassedFD{{File: monitorEnd, TargetFD: monitorHandoffFD}}
	handle, err := spawner.Spawn()
	monitorEnd.Close()
	if err != nil {
		bwrapEnd.Close()
		ls.notifySocket = nil
		return nil, cerrors.Wrap(err, cerrors.ErrSandbox, "launch-monitor")
	}
	return handle, nil
}

func (d *Driver) launchBwrap(resolved *profile.Resolved, sofEntry *sof.Entry, proxy *ipcproxy.Handle, plan *filterPlan, ls *launchState, traceWrapper []string) (*procspawn.Handle, error) {
	realHome, _ := os.UserHomeDir()
	privateHome := filepath.Join(d.Config.CacheDir(resolved.Name), "home")

	proxySocketPath := ""
	if proxy != nil {
		proxySocketPath = proxy.SocketPath
	}

	argv := buildBwrapArgv(d.BwrapPath, resolved, sofEntry, realHome, privateHome, proxySocketPath, traceWrapper)
	spawner := procspawn.New(argv)
	spawner.Filter = plan.spec
	if plan.needsMonitor {
		spawner.NotifySocket = ls.notifySocket
	}

	handle, err := spawner.Spawn()
	if ls.notifySocket != nil {
		ls.notifySocket.Close()
		ls.notifySocket = nil
	}
	if err != nil {
		return nil, cerrors.WrapWithProfile(err, cerrors.ErrSandbox, "launch-bwrap", resolved.Name)
	}
	return handle, nil
}
