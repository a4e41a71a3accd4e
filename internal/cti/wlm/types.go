// Package wlm defines the workload-manager abstraction CTI dispatches to: a
// Kind/SystemKind pair chosen at startup by Detect, and the JobLayout
// interface each per-WLM backend implements. Per spec.md §1, the concrete
// per-WLM job-layout queries (how Slurm/ALPS/PALS/Flux/SSH each enumerate
// ranks/hosts) are out of scope; this package defines the pluggable
// interface they satisfy, plus a reference SSH backend and a mock backend
// used by tests, matching spec.md §8's "backend mocked" testing model.
package wlm

import "context"

// Kind enumerates the supported workload managers, matching the C ABI's
// cti_wlm_type from spec.md §6.
type Kind int

const (
	KindNone Kind = iota
	KindALPS
	KindSlurm
	KindPALS
	KindSSH
	KindFlux
	KindMock
	KindLocalhost
)

func (k Kind) String() string {
	switch k {
	case KindALPS:
		return "alps"
	case KindSlurm:
		return "slurm"
	case KindPALS:
		return "pals"
	case KindSSH:
		return "ssh"
	case KindFlux:
		return "flux"
	case KindMock:
		return "mock"
	case KindLocalhost:
		return "localhost"
	default:
		return "none"
	}
}

// SystemKind is the detected system modifier, layered on top of Kind.
type SystemKind int

const (
	SystemGeneric SystemKind = iota
	SystemHPCM
	SystemShasta
	SystemXC
	SystemCS
	SystemEproxy
)

func (s SystemKind) String() string {
	switch s {
	case SystemHPCM:
		return "hpcm"
	case SystemShasta:
		return "shasta"
	case SystemXC:
		return "xc"
	case SystemCS:
		return "cs"
	case SystemEproxy:
		return "eproxy"
	default:
		return "generic"
	}
}

// DepsPolicy controls whether addBinary/addLibrary walk the shared-object
// dependency closure of what they add.
type DepsPolicy int

const (
	// DepsIgnore adds only the named file.
	DepsIgnore DepsPolicy = iota
	// DepsStage walks the ELF DT_NEEDED dependency closure (resolver.Closure)
	// and stages every shared object found. The dynamic linker's audit
	// interface is not used, so libraries loaded only at run time (dlopen)
	// are not found.
	DepsStage
)

// RankPlacement describes one PE's host/pid.
type RankPlacement struct {
	Rank     int
	Hostname string
	PID      int
}

// LaunchRequest carries everything needed to start a job.
type LaunchRequest struct {
	Argv       []string
	OutFd      int // -1 if not redirected
	ErrFd      int
	StdinPath  string
	ChdirPath  string
	Env        []string
	Barrier    bool
}

// JobLayout is the pluggable per-WLM interface a concrete backend
// implements. CTI's core only ever talks to jobs through this interface;
// the per-WLM implementations of job-layout discovery are out of scope for
// this repository except for the reference SSH and Mock backends.
type JobLayout interface {
	// Kind returns which WLM this layout belongs to.
	Kind() Kind

	// JobID returns the WLM-specific opaque job identifier.
	JobID() string

	// IsRunning reports whether the job is still alive.
	IsRunning(ctx context.Context) (bool, error)

	// Signal delivers a signal to the job (0 is a liveness probe).
	Signal(ctx context.Context, sig int) error

	// NumPEs returns the number of processing elements (ranks).
	NumPEs() int

	// Hostnames returns the distinct set of hosts holding ranks.
	Hostnames() []string

	// Placement returns the rank->host/pid table.
	Placement() []RankPlacement

	// BinaryRankMap returns which binary each rank is running.
	BinaryRankMap() map[string][]int

	// ToolPath returns the per-job remote directory Sessions stage under.
	ToolPath() string

	// ExtraBinaries/ExtraLibraries/ExtraLibDirs/ExtraFiles are WLM-specific
	// files that must be present in every manifest shipped for this job
	// (spec.md §4.5 step 1).
	ExtraBinaries() []string
	ExtraLibraries() []string
	ExtraLibDirs() []string
	ExtraFiles() []string

	// AttribsPath returns the PMI attribs file path for this job, or "" if
	// the WLM doesn't provide one.
	AttribsPath() string

	// AttribsAuthoritative reports whether AttribsPath was obtained
	// authoritatively or guessed (spec.md §9 Open Questions).
	AttribsAuthoritative() bool

	// CheckFilesExist returns the subset of sourcePaths that are already
	// present, identically, on every compute node of the job (the
	// deduplicate-via-symlink optimization of spec.md §4.5 step 5).
	CheckFilesExist(ctx context.Context, sourcePaths []string) (map[string]bool, error)

	// ShipPackage broadcasts a tar archive to every node of the job.
	ShipPackage(ctx context.Context, archivePath string) error

	// StartDaemon execs the on-node daemon launcher with the given argv on
	// every node, synchronously or asynchronously.
	StartDaemon(ctx context.Context, argv []string, synchronous bool) error
}

// Launcher is implemented by a WLM backend capable of starting a new job
// (as opposed to one only capable of attaching to an existing one).
// Launch starts a non-barriered job directly (spec.md §4.4 "launchApp").
// Register builds a JobLayout for a job whose launcher has already been
// forked and (for a barrier launch) is still held at MPIR_Breakpoint
// elsewhere — the frontend's mpir.Client owns the actual fork+ptrace
// sequence for barrier mode, since ptrace allows only one tracer per
// tracee and that tracer must be the FE daemon (spec.md §4.4
// "launchAppBarrier"/"registerJob"). ids is backend-specific; the SSH/
// Localhost reference backend accepts ids[0].(int) (the launcher pid) and
// optionally ids[1].([]mpir.ProcTableEntry) (the barrier-read proctable).
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (JobLayout, error)
	Register(ctx context.Context, ids ...any) (JobLayout, error)
}
