// Package app implements the App entity of spec.md §3/§4.4: one per launched
// or attached job, owning a set of Sessions, reporting PE/host placement,
// and exposing the launch/attach/signal/deregister operations.
package app

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"strings"
	"sync"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/common-tools-interface/cti-sub002/internal/cti/ctierrors"
	"github.com/common-tools-interface/cti-sub002/internal/cti/mpir"
	"github.com/common-tools-interface/cti-sub002/internal/cti/session"
	"github.com/common-tools-interface/cti-sub002/internal/cti/wlm"
)

// suffixAlphabet matches the original's 6-character random stage/daemon
// suffix generator (spec.md §3: "a 6-character random suffix").
const suffixAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// FrontendContext is the narrow view of the owning Frontend that App needs:
// the saved LD_PRELOAD to re-inject into launched processes, and the
// MPIR-handling FE daemon client. Frontend implements this by structural
// typing; this package does not import frontend to avoid an import cycle.
type FrontendContext interface {
	SavedLDPreload() string
	MPIRClient() *mpir.Client
	Debug() bool
	DaemonLauncherPath() string
}

// App is one launched or attached job.
type App struct {
	id       uint64
	fe       FrontendContext
	layout   wlm.JobLayout
	suffix   string
	cfgDir   string
	mpirID   mpir.AppID
	hasMPIR  bool

	mu       sync.Mutex
	sessions map[uint64]*session.Session
	nextSess uint64
}

// New wraps an already-created JobLayout (from a launch or register) into an App.
func New(fe FrontendContext, layout wlm.JobLayout) (*App, error) {
	suffix, err := randomSuffix()
	if err != nil {
		return nil, ctierrors.Wrap(ctierrors.Fatal, "failed to generate App suffix", err)
	}

	return &App{
		fe:       fe,
		layout:   layout,
		suffix:   suffix,
		sessions: map[uint64]*session.Session{},
	}, nil
}

// CreateSession constructs a new Session owned by this App (spec.md §3's
// exclusive Frontend->App->Session ownership chain) and returns it along
// with its handle in this App's own session registry.
func (a *App) CreateSession(dedup bool) (*session.Session, uint64) {
	s := session.New(a, dedup)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.nextSess++
	handle := a.nextSess
	a.sessions[handle] = s

	return s, handle
}

// Session looks up a Session previously created by CreateSession.
func (a *App) Session(handle uint64) (*session.Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.sessions[handle]
	return s, ok
}

// CloseSession removes handle from this App's session registry.
func (a *App) CloseSession(handle uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, handle)
}

// SetMPIR attaches the FE-daemon-tracked MPIR handle used for barrier release.
func (a *App) SetMPIR(id mpir.AppID) {
	a.mpirID = id
	a.hasMPIR = true
}

func randomSuffix() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	out := make([]byte, 6)
	for i, b := range buf {
		out[i] = suffixAlphabet[int(b)%len(suffixAlphabet)]
	}

	return string(out), nil
}

// JobID returns the WLM-specific opaque job identifier.
func (a *App) JobID() string { return a.layout.JobID() }

// ToolPath returns the remote directory Sessions stage under for this App.
func (a *App) ToolPath() string { return a.layout.ToolPath() }

// Suffix returns the App's 6-character random suffix.
func (a *App) Suffix() string { return a.suffix }

// BEDaemonName returns the unique backend-daemon filename for this App, so
// concurrent Apps on the same node do not collide (spec.md §3).
func (a *App) BEDaemonName(base string) string {
	return fmt.Sprintf("%s_%s", base, a.suffix)
}

// Layout returns the underlying WLM job layout.
func (a *App) Layout() wlm.JobLayout { return a.layout }

// NumPEs, Hostnames, Placement, BinaryRankMap proxy the layout for callers
// that only hold an *App.
func (a *App) NumPEs() int                       { return a.layout.NumPEs() }
func (a *App) Hostnames() []string               { return a.layout.Hostnames() }
func (a *App) Placement() []wlm.RankPlacement    { return a.layout.Placement() }
func (a *App) BinaryRankMap() map[string][]int   { return a.layout.BinaryRankMap() }
func (a *App) AttribsPath() string               { return a.layout.AttribsPath() }
func (a *App) AttribsAuthoritative() bool        { return a.layout.AttribsAuthoritative() }
func (a *App) ExtraBinaries() []string           { return a.layout.ExtraBinaries() }
func (a *App) ExtraLibraries() []string          { return a.layout.ExtraLibraries() }
func (a *App) ExtraLibDirs() []string            { return a.layout.ExtraLibDirs() }
func (a *App) ExtraFiles() []string              { return a.layout.ExtraFiles() }
// WLMType returns the numeric wlm.Kind of the underlying job layout, used to
// populate the daemon-launcher's `-w` argument (spec.md §4.5).
func (a *App) WLMType() int { return int(a.layout.Kind()) }

func (a *App) Debug() bool { return a.fe.Debug() }

// DaemonLauncherPath returns the on-node daemon-launcher binary path, used as
// argv[0] of every command Session builds for StartDaemon.
func (a *App) DaemonLauncherPath() string { return a.fe.DaemonLauncherPath() }

// CfgDir returns the per-process frontend config directory Sessions stage
// archives from, set by the Frontend at registration time.
func (a *App) CfgDir() string { return a.cfgDir }

// SetCfgDir is called once by the Frontend when registering this App.
func (a *App) SetCfgDir(dir string) { a.cfgDir = dir }

// CheckFilesExist, ShipPackage, StartDaemon proxy the layout's transfer
// operations for the Session/Manifest core.
func (a *App) CheckFilesExist(ctx context.Context, sourcePaths []string) (map[string]bool, error) {
	return a.layout.CheckFilesExist(ctx, sourcePaths)
}

func (a *App) ShipPackage(ctx context.Context, archivePath string) error {
	return a.layout.ShipPackage(ctx, archivePath)
}

func (a *App) StartDaemon(ctx context.Context, argv []string, synchronous bool) error {
	return a.layout.StartDaemon(ctx, argv, synchronous)
}

// IsRunning reports whether the underlying job is still alive.
func (a *App) IsRunning(ctx context.Context) (bool, error) {
	return a.layout.IsRunning(ctx)
}

// Kill delivers signal sig to the job (0 is a liveness probe).
func (a *App) Kill(ctx context.Context, sig int) error {
	return a.layout.Signal(ctx, sig)
}

// ReleaseBarrier releases an MPIR-held launcher, idempotently failing on a
// second call (spec.md §8 property 7).
func (a *App) ReleaseBarrier(ctx context.Context) error {
	if !a.hasMPIR {
		return ctierrors.New(ctierrors.MpirError, "App was not launched with a barrier")
	}

	client := a.fe.MPIRClient()
	if client == nil {
		return ctierrors.New(ctierrors.MpirError, "no MPIR FE daemon client configured")
	}

	if err := client.ReleaseMPIR(ctx, a.mpirID); err != nil {
		return err
	}

	a.hasMPIR = false
	return nil
}

// MergeLDPreload implements spec.md §4.4 step 2: prepend the process's
// saved LD_PRELOAD to any caller-supplied LD_PRELOAD in envList, stripping
// and re-quoting with shellquote, then return the rewritten env list.
func MergeLDPreload(fe FrontendContext, envList []string) []string {
	saved := fe.SavedLDPreload()

	out := make([]string, 0, len(envList)+1)
	found := false

	for _, kv := range envList {
		if !strings.HasPrefix(kv, "LD_PRELOAD=") {
			out = append(out, kv)
			continue
		}

		found = true
		callerValue := unquote(strings.TrimPrefix(kv, "LD_PRELOAD="))

		merged := callerValue
		if saved != "" {
			if callerValue != "" {
				merged = saved + ":" + callerValue
			} else {
				merged = saved
			}
		}

		out = append(out, "LD_PRELOAD="+requote(merged))
	}

	if !found && saved != "" {
		out = append(out, "LD_PRELOAD="+requote(saved))
	}

	return out
}

// unquote strips a single layer of matching leading/trailing quotes, the way
// the original implementation stripped the caller's LD_PRELOAD quoting
// before merging (spec.md §4.4 step 2).
func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}

	words, err := shellquote.Split(s)
	if err == nil && len(words) == 1 {
		return words[0]
	}

	return s
}

// requote re-quotes a merged value only if it contains characters a shell
// would otherwise split on.
func requote(s string) string {
	if strings.ContainsAny(s, " \t\"'$") {
		return shellquote.Join(s)
	}

	return s
}

// ValidateLaunchRequest checks that StdinPath, if set, can be opened for
// reading and that ChdirPath, if set, is an existing directory. OutFd and
// ErrFd are not checked, nor are ChdirPath's permission bits.
func ValidateLaunchRequest(req wlm.LaunchRequest) error {
	if req.StdinPath != "" {
		f, err := os.Open(req.StdinPath)
		if err != nil {
			return ctierrors.Wrap(ctierrors.NotFound, "stdin path not readable: "+req.StdinPath, err)
		}

		_ = f.Close()
	}

	if req.ChdirPath != "" {
		info, err := os.Stat(req.ChdirPath)
		if err != nil {
			return ctierrors.Wrap(ctierrors.NotFound, "chdir path does not exist: "+req.ChdirPath, err)
		}

		if !info.IsDir() {
			return ctierrors.New(ctierrors.NotFound, "chdir path is not a directory: "+req.ChdirPath)
		}
	}

	return nil
}
