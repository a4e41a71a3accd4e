// Package mockwlm provides an in-process JobLayout used by the core's own
// test suite, standing in for a real WLM backend per spec.md §8's "backend
// mocked" testing model (scenarios 1-6).
package mockwlm

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/common-tools-interface/cti-sub002/internal/cti/wlm"
)

// Mock is a fully in-memory JobLayout. Shipped archives and started daemons
// are recorded for assertions.
type Mock struct {
	mu sync.Mutex

	jobID     string
	running   bool
	toolPath  string
	hostnames []string
	placement []wlm.RankPlacement
	existing  map[string]bool

	ShippedArchives []string
	StartedArgvs    [][]string
}

// New returns a Mock job with one host and one rank, rooted at toolPath.
func New(jobID, toolPath string) *Mock {
	return &Mock{
		jobID:     jobID,
		running:   true,
		toolPath:  toolPath,
		hostnames: []string{"nid00001"},
		placement: []wlm.RankPlacement{{Rank: 0, Hostname: "nid00001", PID: os.Getpid()}},
		existing:  map[string]bool{},
	}
}

// Factory is the mock Launcher: it never execs anything real (spec.md §8
// "backend mocked"), just hands back a fresh in-memory Mock job for every
// Launch/Register call, recording the requests tests assert against.
type Factory struct {
	mu       sync.Mutex
	ToolPath string

	Launched  []wlm.LaunchRequest
	Registered [][]any
}

// NewFactory returns a mock Launcher rooted at toolPath.
func NewFactory(toolPath string) *Factory {
	return &Factory{ToolPath: toolPath}
}

// Launch records req and returns a new running Mock job, standing in for a
// real WLM's non-barriered job start.
func (f *Factory) Launch(ctx context.Context, req wlm.LaunchRequest) (wlm.JobLayout, error) {
	f.mu.Lock()
	f.Launched = append(f.Launched, req)
	f.mu.Unlock()

	return New(fmt.Sprintf("mock-%d", len(req.Argv)), f.ToolPath), nil
}

// Register records ids and returns a new running Mock job, standing in for
// the barrier-launch path's final registerJob step (spec.md §4.4): a real
// backend would build JobLayout from ids[0].(int) (the barriered launcher
// pid) and, if present, ids[1].([]mpir.ProcTableEntry) (the proctable read
// at the barrier); the mock ignores both since it never really forks.
func (f *Factory) Register(ctx context.Context, ids ...any) (wlm.JobLayout, error) {
	f.mu.Lock()
	f.Registered = append(f.Registered, ids)
	f.mu.Unlock()

	return New(fmt.Sprintf("mock-register-%d", len(f.Registered)), f.ToolPath), nil
}

func (m *Mock) Kind() wlm.Kind  { return wlm.KindMock }
func (m *Mock) JobID() string   { return m.jobID }
func (m *Mock) NumPEs() int     { return len(m.placement) }
func (m *Mock) Hostnames() []string { return m.hostnames }
func (m *Mock) Placement() []wlm.RankPlacement { return m.placement }

func (m *Mock) BinaryRankMap() map[string][]int {
	return map[string][]int{"a.out": {0}}
}

func (m *Mock) ToolPath() string { return m.toolPath }

func (m *Mock) ExtraBinaries() []string  { return nil }
func (m *Mock) ExtraLibraries() []string { return nil }
func (m *Mock) ExtraLibDirs() []string   { return nil }
func (m *Mock) ExtraFiles() []string     { return nil }
func (m *Mock) AttribsPath() string      { return "" }
func (m *Mock) AttribsAuthoritative() bool { return false }

func (m *Mock) IsRunning(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running, nil
}

// SetRunning lets tests simulate job exit.
func (m *Mock) SetRunning(running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = running
}

func (m *Mock) Signal(ctx context.Context, sig int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sig == 0 {
		return nil
	}

	m.running = false
	return nil
}

// MarkExisting lets tests simulate a file already staged on every node, for
// the dedup/symlink path.
func (m *Mock) MarkExisting(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.existing[path] = true
}

func (m *Mock) CheckFilesExist(ctx context.Context, sourcePaths []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := map[string]bool{}
	for _, p := range sourcePaths {
		if m.existing[p] {
			out[p] = true
		}
	}

	return out, nil
}

func (m *Mock) ShipPackage(ctx context.Context, archivePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ShippedArchives = append(m.ShippedArchives, archivePath)
	return nil
}

func (m *Mock) StartDaemon(ctx context.Context, argv []string, synchronous bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]string, len(argv))
	copy(cp, argv)
	m.StartedArgvs = append(m.StartedArgvs, cp)
	return nil
}
