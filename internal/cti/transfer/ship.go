package transfer

import (
	"fmt"
	"strconv"
	"strings"
)

// DaemonLaunchArgs holds everything Session.ExecManifest/Finalize needs
// to build the on-node daemon-launcher argv of spec.md §4.5/§4.7.
type DaemonLaunchArgs struct {
	JobID         string
	AttribsPath   string
	ExtraLibPath  string
	WLMType       int
	ArchiveName   string // empty for stage-only (cleanup) invocations
	DaemonBase    string // empty when no daemon is to be exec'd
	StageName     string
	Instance      int
	Debug         bool
	EnvAssigns    []string // "VAR=VAL" pairs
	DaemonArgv    []string
	Clean         bool
	CleanInstance int
}

// BuildArgv constructs the daemon-launcher command line per spec.md §4.5/§4.7
// step 1 and §4.8 (the `--clean` cleanup invocation).
func BuildArgv(launcherPath string, a DaemonLaunchArgs) []string {
	argv := []string{launcherPath}

	argv = append(argv, "-a", a.JobID)

	if a.AttribsPath != "" {
		argv = append(argv, "-p", a.AttribsPath)
	}

	if a.ExtraLibPath != "" {
		argv = append(argv, "--ld-lib-path", a.ExtraLibPath)
	}

	argv = append(argv, "-w", strconv.Itoa(a.WLMType))

	if a.ArchiveName != "" {
		argv = append(argv, "-m", a.ArchiveName)
	}

	if a.DaemonBase != "" {
		argv = append(argv, "-b", a.DaemonBase)
	}

	argv = append(argv, "-d", a.StageName)
	argv = append(argv, "-i", strconv.Itoa(a.Instance))

	if a.Debug {
		argv = append(argv, "--debug")
	}

	for _, kv := range a.EnvAssigns {
		argv = append(argv, "-e", kv)
	}

	if a.Clean {
		argv = append(argv, "--clean", strconv.Itoa(a.CleanInstance))
		return argv
	}

	if len(a.DaemonArgv) > 0 {
		argv = append(argv, "--")
		argv = append(argv, a.DaemonArgv...)
	}

	return argv
}

// FormatEnvAssigns is a small helper for callers building EnvAssigns from a
// map, producing a deterministic VAR=VAL ordering for reproducible argvs.
func FormatEnvAssigns(env map[string]string, order []string) []string {
	out := make([]string, 0, len(order))
	for _, k := range order {
		v, ok := env[k]
		if !ok {
			continue
		}

		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}

	return out
}

// JoinLibDirs colon-joins extra remote library directories, matching the
// Session attribute of spec.md §3 ("a colon-list of additional remote
// library directories").
func JoinLibDirs(dirs []string) string {
	return strings.Join(dirs, ":")
}
