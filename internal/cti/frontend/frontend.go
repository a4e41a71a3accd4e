// Package frontend implements the Frontend singleton of spec.md §3: the
// process-wide entry point owning the App registry, the verified install
// directory, the per-process config directory, the saved LD_PRELOAD, and
// the stale-sibling-directory cleanup sweep.
package frontend

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/vbatts/go-mtree"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/common-tools-interface/cti-sub002/internal/cti/app"
	"github.com/common-tools-interface/cti-sub002/internal/cti/ctierrors"
	"github.com/common-tools-interface/cti-sub002/internal/cti/logger"
	"github.com/common-tools-interface/cti-sub002/internal/cti/mpir"
	"github.com/common-tools-interface/cti-sub002/internal/cti/statusapi"
	"github.com/common-tools-interface/cti-sub002/internal/cti/wlm"
)

// StaleAppDirAge is the cutoff past which a sibling per-pid config directory
// with a dead owning pid is swept on construction. spec.md does not explain
// why 5 minutes rather than some other value was chosen in the original; it
// is kept here as a named, overridable constant rather than buried inline
// (SPEC_FULL.md Open Question Decision #1).
var StaleAppDirAge = 5 * time.Minute

var tracer = otel.Tracer("cti-sub002/frontend")

var (
	singleton     *Frontend
	singletonOnce sync.Once
	singletonErr  error
)

// Frontend is the process-wide library entry point (spec.md §3 "Frontend").
type Frontend struct {
	constructionPID int

	detection wlm.Detection
	baseDir   string
	cfgDir    string

	feDaemonPath  string
	beDaemonPath  string
	ldAuditPath   string

	savedLDPreload string

	tunables Tunables

	mu       sync.Mutex
	apps     map[uint64]*app.App
	nextApp  uint64

	mpirClient *mpir.Client

	launcher wlm.Launcher
}

// Get returns the process-wide Frontend, constructing it exactly once
// (spec.md §3 invariant "constructed exactly once per process").
func Get() (*Frontend, error) {
	singletonOnce.Do(func() {
		singleton, singletonErr = construct()
	})

	return singleton, singletonErr
}

func construct() (*Frontend, error) {
	tunables, err := LoadTunables()
	if err != nil {
		return nil, ctierrors.Wrap(ctierrors.Fatal, "failed to load tunables", err)
	}

	logger.SetDebug(tunables.Debug)

	detection, err := wlm.Detect(tunables.LauncherName)
	if err != nil {
		return nil, ctierrors.Wrap(ctierrors.DetectionFailed, "wlm detection failed", err)
	}

	baseDir := tunables.BaseDir
	if baseDir == "" {
		baseDir = os.Getenv("CTI_INSTALL_DIR")
	}

	if baseDir != "" {
		if err := verifyInstallChecksum(baseDir); err != nil {
			return nil, err
		}
	}

	cfgDir, err := makeConfigDir(tunables.CfgDirTop)
	if err != nil {
		return nil, err
	}

	saved := os.Getenv("LD_PRELOAD")
	if saved != "" {
		_ = os.Unsetenv("LD_PRELOAD")
	}

	fe := &Frontend{
		constructionPID: os.Getpid(),
		detection:       detection,
		baseDir:         baseDir,
		cfgDir:          cfgDir,
		feDaemonPath:    path.Join(baseDir, "libexec", "cti-fe-daemon"),
		beDaemonPath:    path.Join(baseDir, "libexec", "cti-daemon-launcher"),
		ldAuditPath:     path.Join(baseDir, "lib", "libctiaudit.so"),
		savedLDPreload:  saved,
		tunables:        tunables,
		apps:            map[uint64]*app.App{},
	}

	go fe.sweepStaleDirs(tunables.CfgDirTop)

	return fe, nil
}

// verifyInstallChecksum compares baseDir against a shipped mtree manifest
// at <baseDir>/share/cti/cti.mtree, failing DetectionFailed on mismatch
// (spec.md §3 "base installation directory (verified by checksum of known
// binaries)").
func verifyInstallChecksum(baseDir string) error {
	manifestPath := path.Join(baseDir, "share", "cti", "cti.mtree")

	specFile, err := os.Open(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("no install checksum manifest found, skipping verification", logger.Ctx{"path": manifestPath})
			return nil
		}

		return ctierrors.Wrap(ctierrors.DetectionFailed, "cannot open checksum manifest", err)
	}
	defer specFile.Close()

	spec, err := mtree.ParseSpec(specFile)
	if err != nil {
		return ctierrors.Wrap(ctierrors.DetectionFailed, "cannot parse checksum manifest", err)
	}

	keywords := mtree.CollectUsedKeywords(spec)

	diffs, err := mtree.Check(baseDir, spec, keywords)
	if err != nil {
		return ctierrors.Wrap(ctierrors.DetectionFailed, "checksum comparison failed", err)
	}

	if len(diffs) > 0 {
		return ctierrors.New(ctierrors.DetectionFailed,
			fmt.Sprintf("install directory %s failed checksum verification (%d differences)", baseDir, len(diffs)))
	}

	return nil
}

// makeConfigDir creates <top>/cti-<user>/<pid>/ mode 0700, owned by the
// calling UID (spec.md §3).
func makeConfigDir(top string) (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", ctierrors.Wrap(ctierrors.Fatal, "cannot determine calling user", err)
	}

	dir := path.Join(top, "cti-"+u.Username, strconv.Itoa(os.Getpid()))

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", ctierrors.Wrap(ctierrors.PermissionDenied, "cannot create config directory "+dir, err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return "", ctierrors.Wrap(ctierrors.PermissionDenied, "cannot stat config directory "+dir, err)
	}

	if info.Mode().Perm() != 0700 {
		if err := os.Chmod(dir, 0700); err != nil {
			return "", ctierrors.Wrap(ctierrors.PermissionDenied, "cannot fix config directory mode "+dir, err)
		}
	}

	return dir, nil
}

// CfgDir returns the per-process config/stage directory.
func (fe *Frontend) CfgDir() string { return fe.cfgDir }

// DaemonLauncherPath returns the on-node daemon-launcher binary path
// (spec.md §4.5/§4.7), threaded into every argv built for App.StartDaemon.
func (fe *Frontend) DaemonLauncherPath() string { return fe.beDaemonPath }

// Detection returns the detected WLM/system kind.
func (fe *Frontend) Detection() wlm.Detection { return fe.detection }

// Tunables returns the loaded runtime tunables.
func (fe *Frontend) Tunables() Tunables { return fe.tunables }

// Debug implements app.FrontendContext.
func (fe *Frontend) Debug() bool { return fe.tunables.Debug }

// SavedLDPreload implements app.FrontendContext.
func (fe *Frontend) SavedLDPreload() string { return fe.savedLDPreload }

// MPIRClient implements app.FrontendContext. It is nil until SetMPIRClient
// is called by the caller that has started the FE daemon helper process.
func (fe *Frontend) MPIRClient() *mpir.Client { return fe.mpirClient }

// SetMPIRClient wires the FE daemon IPC client once the caller has started
// the helper process; the Frontend does not start it itself.
func (fe *Frontend) SetMPIRClient(c *mpir.Client) { fe.mpirClient = c }

// SetLauncher wires the WLM-specific Launcher backend chosen by the caller
// (mockwlm in tests, sshwlm's LauncherFactory for the SSH/Localhost
// reference backend).
func (fe *Frontend) SetLauncher(l wlm.Launcher) { fe.launcher = l }

// LaunchApp starts req as a new, non-barriered job (spec.md §4.4
// "launchApp"): LD_PRELOAD is merged, the request validated, then the
// configured Launcher forks it directly and the resulting JobLayout is
// registered.
func (fe *Frontend) LaunchApp(ctx context.Context, req wlm.LaunchRequest) (*app.App, uint64, error) {
	if fe.launcher == nil {
		return nil, 0, ctierrors.New(ctierrors.WlmError, "no launcher backend configured")
	}

	if err := app.ValidateLaunchRequest(req); err != nil {
		return nil, 0, err
	}

	req.Env = app.MergeLDPreload(fe, req.Env)

	layout, err := fe.launcher.Launch(ctx, req)
	if err != nil {
		return nil, 0, ctierrors.Wrap(ctierrors.WlmError, "launchApp failed", err)
	}

	return fe.RegisterApp(layout)
}

// LaunchAppBarrier starts req held at its MPI startup barrier (spec.md §4.4
// "launchAppBarrier"): the FE daemon itself forks+execs the launcher under
// ptrace (ptrace allows only one tracer per tracee, and that tracer must be
// the process that forks the tracee), blocks until MPIR_Breakpoint, reads
// MPIR_proctable, then asks the WLM Launcher to build the final JobLayout
// from the real pid/proctable before registering the App.
func (fe *Frontend) LaunchAppBarrier(ctx context.Context, req wlm.LaunchRequest) (*app.App, uint64, error) {
	if fe.launcher == nil {
		return nil, 0, ctierrors.New(ctierrors.WlmError, "no launcher backend configured")
	}

	if fe.mpirClient == nil {
		return nil, 0, ctierrors.New(ctierrors.MpirError, "no MPIR FE daemon client configured")
	}

	if err := app.ValidateLaunchRequest(req); err != nil {
		return nil, 0, err
	}

	req.Env = app.MergeLDPreload(fe, req.Env)

	mpirID, pid, err := fe.mpirClient.LaunchApp(ctx, req.Argv, req.Env, req.ChdirPath, req.StdinPath)
	if err != nil {
		return nil, 0, err
	}

	if err := fe.mpirClient.LaunchMPIR(ctx, mpirID); err != nil {
		return nil, 0, err
	}

	table, err := fe.mpirClient.ReadProcTable(ctx, mpirID)
	if err != nil {
		return nil, 0, err
	}

	layout, err := fe.launcher.Register(ctx, pid, table)
	if err != nil {
		return nil, 0, err
	}

	a, handle, err := fe.RegisterApp(layout)
	if err != nil {
		return nil, 0, err
	}

	a.SetMPIR(mpirID)
	return a, handle, nil
}

// RegisterJob builds a JobLayout for an already-running job this process
// did not itself launch (spec.md §4.4 "registerJob"), identified by
// backend-specific ids (e.g. an SSH/Localhost launcher pid).
func (fe *Frontend) RegisterJob(ctx context.Context, ids ...any) (*app.App, uint64, error) {
	if fe.launcher == nil {
		return nil, 0, ctierrors.New(ctierrors.WlmError, "no launcher backend configured")
	}

	layout, err := fe.launcher.Register(ctx, ids...)
	if err != nil {
		return nil, 0, err
	}

	return fe.RegisterApp(layout)
}

// RegisterApp wraps layout into an App, allocates a handle, and inserts it
// into the registry (spec.md §4.4 step 4). It is the shared tail of
// launchApp/launchAppBarrier/registerJob.
func (fe *Frontend) RegisterApp(layout wlm.JobLayout) (*app.App, uint64, error) {
	a, err := app.New(fe, layout)
	if err != nil {
		return nil, 0, err
	}

	a.SetCfgDir(fe.cfgDir)

	fe.mu.Lock()
	defer fe.mu.Unlock()

	fe.nextApp++
	handle := fe.nextApp
	fe.apps[handle] = a

	return a, handle, nil
}

// DeregisterApp removes handle from the registry without signalling the job
// (spec.md §4.4 "deregisterApp").
func (fe *Frontend) DeregisterApp(handle uint64) {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	delete(fe.apps, handle)
}

// App looks up a live App by handle.
func (fe *Frontend) App(handle uint64) (*app.App, bool) {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	a, ok := fe.apps[handle]
	return a, ok
}

// AppIsValid returns true only when the handle is tracked and the WLM
// reports the job still running; a stale handle is garbage-collected on
// this call (spec.md §4.4 "appIsValid").
func (fe *Frontend) AppIsValid(ctx context.Context, handle uint64) bool {
	a, ok := fe.App(handle)
	if !ok {
		return false
	}

	running, err := a.IsRunning(ctx)
	if err != nil || !running {
		fe.DeregisterApp(handle)
		return false
	}

	return true
}

// ListApps implements statusapi.Source.
func (fe *Frontend) ListApps(ctx context.Context) []statusapi.AppSummary {
	fe.mu.Lock()
	handles := make([]uint64, 0, len(fe.apps))
	apps := make(map[uint64]*app.App, len(fe.apps))
	for h, a := range fe.apps {
		handles = append(handles, h)
		apps[h] = a
	}
	fe.mu.Unlock()

	out := make([]statusapi.AppSummary, 0, len(handles))
	for _, h := range handles {
		a := apps[h]
		running, _ := a.IsRunning(ctx)

		out = append(out, statusapi.AppSummary{
			Handle:    h,
			JobID:     a.JobID(),
			NumPEs:    a.NumPEs(),
			Hostnames: a.Hostnames(),
			Running:   running,
		})
	}

	return out
}

// sweepStaleDirs removes sibling <top>/cti-<user>/<pid>/ directories whose
// owning pid is dead and whose mtime is older than StaleAppDirAge, fanning
// the liveness checks out across siblings concurrently.
func (fe *Frontend) sweepStaleDirs(top string) {
	parent := path.Dir(fe.cfgDir)

	entries, err := os.ReadDir(parent)
	if err != nil {
		return
	}

	g := new(errgroup.Group)

	for _, entry := range entries {
		entry := entry
		if !entry.IsDir() {
			continue
		}

		if path.Join(parent, entry.Name()) == fe.cfgDir {
			continue
		}

		g.Go(func() error {
			fe.sweepOne(parent, entry.Name())
			return nil
		})
	}

	_ = g.Wait()
}

func (fe *Frontend) sweepOne(parent, name string) {
	pid, err := strconv.Atoi(name)
	if err != nil {
		return
	}

	full := path.Join(parent, name)

	info, err := os.Stat(full)
	if err != nil {
		return
	}

	if time.Since(info.ModTime()) < StaleAppDirAge {
		return
	}

	alive, err := process.PidExists(int32(pid))
	if err == nil && alive {
		return
	}

	if err := os.RemoveAll(full); err != nil {
		logger.Warn("failed to sweep stale config directory", logger.Ctx{"path": full, "pid": pid, "err": err})
		return
	}

	logger.Debug("swept stale config directory", logger.Ctx{"path": full, "pid": pid})
}

// Close releases Frontend resources. If this process is a forked child of
// the process that constructed the Frontend (spec.md §3 invariant), global
// cleanup is skipped entirely — only the forked child's own copy of any
// in-memory state is discarded.
func (fe *Frontend) Close(ctx context.Context) {
	if os.Getpid() != fe.constructionPID {
		logger.Debug("frontend destructor in forked child, skipping global cleanup", logger.Ctx{
			"construction_pid": fe.constructionPID, "pid": os.Getpid(),
		})
		return
	}

	_, span := tracer.Start(ctx, "frontend.Close")
	defer span.End()

	fe.mu.Lock()
	handles := make([]uint64, 0, len(fe.apps))
	for h := range fe.apps {
		handles = append(handles, h)
	}
	fe.mu.Unlock()

	for _, h := range handles {
		fe.DeregisterApp(h)
	}

	if fe.savedLDPreload != "" {
		_ = os.Setenv("LD_PRELOAD", fe.savedLDPreload)
	}
}
