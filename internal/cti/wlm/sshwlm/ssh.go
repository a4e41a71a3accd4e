// Package sshwlm implements CTI's generic "SSH" WLM backend: the fallback
// used when no cluster scheduler is detected (spec.md §4.1). Job identity is
// simply the launcher's local pid plus the list of remote hosts the caller
// names; file shipping and daemon start happen over SSH/SFTP rather than a
// scheduler's native broadcast mechanism.
package sshwlm

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"strings"
	"sync"
	"syscall"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/common-tools-interface/cti-sub002/internal/cti/ctierrors"
	"github.com/common-tools-interface/cti-sub002/internal/cti/logger"
	"github.com/common-tools-interface/cti-sub002/internal/cti/mpir"
	"github.com/common-tools-interface/cti-sub002/internal/cti/wlm"
)

// Dialer opens an SSH connection to a host. Production code supplies a dialer
// backed by the user's SSH agent/known_hosts; tests supply an in-memory one.
type Dialer func(ctx context.Context, host string) (*ssh.Client, error)

// Backend is the SSH JobLayout: one launcher pid, N remote hosts.
type Backend struct {
	jobID    string
	launcherPID int
	hosts    []string
	toolPath string
	dial     Dialer

	mu            sync.Mutex
	clients       map[string]*ssh.Client
	placement     []wlm.RankPlacement
	binaryRankMap map[string][]int
}

// New constructs an SSH backend for an already-launched process tree spread
// across hosts, rooted at toolPath on each remote host.
func New(launcherPID int, hosts []string, toolPath string, dial Dialer) *Backend {
	return &Backend{
		jobID:       fmt.Sprintf("ssh-%d", launcherPID),
		launcherPID: launcherPID,
		hosts:       hosts,
		toolPath:    toolPath,
		dial:        dial,
		clients:     map[string]*ssh.Client{},
	}
}

func (b *Backend) Kind() wlm.Kind               { return wlm.KindSSH }
func (b *Backend) JobID() string                { return b.jobID }
func (b *Backend) NumPEs() int                  { return len(b.hosts) }
func (b *Backend) Hostnames() []string          { return b.hosts }
func (b *Backend) ToolPath() string             { return b.toolPath }
func (b *Backend) ExtraBinaries() []string      { return nil }
func (b *Backend) ExtraLibraries() []string     { return nil }
func (b *Backend) ExtraLibDirs() []string       { return nil }
func (b *Backend) ExtraFiles() []string         { return nil }
func (b *Backend) AttribsPath() string          { return "" }
func (b *Backend) AttribsAuthoritative() bool   { return false }

func (b *Backend) Placement() []wlm.RankPlacement {
	if b.placement != nil {
		return b.placement
	}

	out := make([]wlm.RankPlacement, len(b.hosts))
	for i, h := range b.hosts {
		out[i] = wlm.RankPlacement{Rank: i, Hostname: h, PID: b.launcherPID}
	}

	return out
}

func (b *Backend) BinaryRankMap() map[string][]int { return b.binaryRankMap }

// applyProcTable replaces the host-guessed Placement/BinaryRankMap with the
// exact rank->host/pid/executable rows a barrier launch's MPIR_proctable
// read produced (spec.md §4.4 "registerJob").
func (b *Backend) applyProcTable(table []mpir.ProcTableEntry) {
	placement := make([]wlm.RankPlacement, len(table))
	binaries := map[string][]int{}

	for i, e := range table {
		placement[i] = wlm.RankPlacement{Rank: e.Rank, Hostname: e.Hostname, PID: e.PID}
		binaries[e.Executable] = append(binaries[e.Executable], e.Rank)
	}

	b.placement = placement
	b.binaryRankMap = binaries
}

func (b *Backend) IsRunning(ctx context.Context) (bool, error) {
	proc, err := os.FindProcess(b.launcherPID)
	if err != nil {
		return false, nil
	}

	// On POSIX, FindProcess always succeeds; signal 0 is the liveness probe.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false, nil
	}

	return true, nil
}

func (b *Backend) Signal(ctx context.Context, sig int) error {
	proc, err := os.FindProcess(b.launcherPID)
	if err != nil {
		return ctierrors.Wrap(ctierrors.WlmError, "cannot find launcher process", err)
	}

	if err := proc.Signal(syscall.Signal(sig)); err != nil {
		return ctierrors.Wrap(ctierrors.WlmError, "cannot signal launcher process", err)
	}

	return nil
}

func (b *Backend) client(ctx context.Context, host string) (*ssh.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.clients[host]; ok {
		return c, nil
	}

	c, err := b.dial(ctx, host)
	if err != nil {
		return nil, ctierrors.Wrap(ctierrors.WlmError, "ssh dial failed for "+host, err)
	}

	b.clients[host] = c
	return c, nil
}

// CheckFilesExist stats sourcePaths on every host via SFTP and returns the
// subset present (with a matching size) everywhere.
func (b *Backend) CheckFilesExist(ctx context.Context, sourcePaths []string) (map[string]bool, error) {
	localSizes := map[string]int64{}
	for _, p := range sourcePaths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}

		localSizes[p] = info.Size()
	}

	existing := map[string]bool{}
	for p := range localSizes {
		existing[p] = true
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for _, host := range b.hosts {
		host := host

		g.Go(func() error {
			client, err := b.client(gctx, host)
			if err != nil {
				return err
			}

			sc, err := sftp.NewClient(client)
			if err != nil {
				return ctierrors.Wrap(ctierrors.WlmError, "sftp client failed for "+host, err)
			}
			defer sc.Close()

			for p, size := range localSizes {
				info, err := sc.Stat(p)
				missing := err != nil || info.Size() != size

				if missing {
					mu.Lock()
					existing[p] = false
					mu.Unlock()
				}
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return existing, nil
}

// ShipPackage copies archivePath to <toolPath>/<basename> on every host via
// SFTP, fanning the per-host copies out concurrently — the WLM broadcast
// primitives a real scheduler backend would use are inherently parallel
// across nodes, and this backend should not serialize what they wouldn't.
func (b *Backend) ShipPackage(ctx context.Context, archivePath string) error {
	log := logger.AddContext(logger.Ctx{"component": "ssh-ship"})

	remotePath := path.Join(b.toolPath, path.Base(archivePath))

	g, gctx := errgroup.WithContext(ctx)

	for _, host := range b.hosts {
		host := host

		g.Go(func() error {
			local, err := os.Open(archivePath)
			if err != nil {
				return ctierrors.Wrap(ctierrors.WlmError, "cannot open archive "+archivePath, err)
			}
			defer local.Close()

			client, err := b.client(gctx, host)
			if err != nil {
				return err
			}

			sc, err := sftp.NewClient(client)
			if err != nil {
				return ctierrors.Wrap(ctierrors.WlmError, "sftp client failed for "+host, err)
			}
			defer sc.Close()

			_ = sc.MkdirAll(b.toolPath)

			remote, err := sc.Create(remotePath)
			if err != nil {
				return ctierrors.Wrap(ctierrors.WlmError, "sftp create failed on "+host, err)
			}
			defer remote.Close()

			if _, err := remote.ReadFrom(local); err != nil {
				return ctierrors.Wrap(ctierrors.WlmError, "sftp write failed on "+host, err)
			}

			log.Debug("shipped archive", logger.Ctx{"host": host, "path": remotePath})
			return nil
		})
	}

	return g.Wait()
}

// StartDaemon runs the daemon-launcher binary's argv over an SSH session on
// every host, standing in for the native WLM's process-start primitive.
func (b *Backend) StartDaemon(ctx context.Context, argv []string, synchronous bool) error {
	cmdline := strings.Join(argv, " ")

	run := func(host string) error {
		client, err := b.client(ctx, host)
		if err != nil {
			return err
		}

		session, err := client.NewSession()
		if err != nil {
			return ctierrors.Wrap(ctierrors.WlmError, "ssh session failed on "+host, err)
		}
		defer session.Close()

		return session.Run(cmdline)
	}

	if !synchronous {
		for _, host := range b.hosts {
			go func(h string) {
				if err := run(h); err != nil {
					logger.Warn("async daemon start failed", logger.Ctx{"host": h, "err": err})
				}
			}(host)
		}

		return nil
	}

	for _, host := range b.hosts {
		if err := run(host); err != nil {
			return ctierrors.Wrap(ctierrors.ShipFailed, "daemon launcher failed on "+host, err)
		}
	}

	return nil
}

// LauncherFactory implements wlm.Launcher for the SSH/Localhost reference
// backend (spec.md §4.1's fallback case, with Localhost just its one-host
// degenerate form). Launch forks a non-barriered job directly, matching
// spec.md §4.4's "launchApp". Register builds a Backend for a launcher
// already forked (and, for a barrier launch, still held at
// MPIR_Breakpoint) elsewhere — this backend never ptrace-attaches itself,
// since that sequence belongs to the frontend's mpir.Client/FE daemon.
type LauncherFactory struct {
	Hosts    []string
	ToolPath string
	Dial     Dialer
}

// NewLauncherFactory returns a Launcher for a job spread across hosts,
// staged under toolPath on each.
func NewLauncherFactory(hosts []string, toolPath string, dial Dialer) *LauncherFactory {
	return &LauncherFactory{Hosts: hosts, ToolPath: toolPath, Dial: dial}
}

// Launch execs req.Argv as a plain (untraced) child of the calling process
// and returns a Backend tracking its pid (spec.md §4.4 "launchApp": no
// MPIR barrier, the job starts running immediately).
func (f *LauncherFactory) Launch(ctx context.Context, req wlm.LaunchRequest) (wlm.JobLayout, error) {
	if len(req.Argv) == 0 {
		return nil, ctierrors.New(ctierrors.WlmError, "launchApp requires a non-empty argv")
	}

	cmd := exec.CommandContext(ctx, req.Argv[0], req.Argv[1:]...)
	cmd.Dir = req.ChdirPath
	cmd.Env = req.Env

	if req.StdinPath != "" {
		stdin, err := os.Open(req.StdinPath)
		if err != nil {
			return nil, ctierrors.Wrap(ctierrors.WlmError, "cannot open stdin "+req.StdinPath, err)
		}
		defer stdin.Close()
		cmd.Stdin = stdin
	}

	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, ctierrors.Wrap(ctierrors.WlmError, "launch failed for "+req.Argv[0], err)
	}

	go func() {
		if err := cmd.Wait(); err != nil {
			logger.Debug("launched job exited", logger.Ctx{"pid": cmd.Process.Pid, "err": err})
		}
	}()

	return New(cmd.Process.Pid, f.Hosts, f.ToolPath, f.Dial), nil
}

// Register builds a Backend for a launcher forked elsewhere (spec.md §4.4
// "registerJob"): ids[0] must be the launcher pid, and an optional ids[1]
// of []mpir.ProcTableEntry — the MPIR proctable read at the barrier —
// replaces the host-guessed Placement/BinaryRankMap with exact rows.
func (f *LauncherFactory) Register(ctx context.Context, ids ...any) (wlm.JobLayout, error) {
	if len(ids) == 0 {
		return nil, ctierrors.New(ctierrors.WlmError, "registerJob requires at least a launcher pid")
	}

	pid, ok := ids[0].(int)
	if !ok {
		return nil, ctierrors.New(ctierrors.WlmError, "registerJob: ids[0] must be the launcher pid (int)")
	}

	b := New(pid, f.Hosts, f.ToolPath, f.Dial)

	if len(ids) > 1 {
		if table, ok := ids[1].([]mpir.ProcTableEntry); ok {
			b.applyProcTable(table)
		}
	}

	return b, nil
}
