package daemonlauncher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseArgvFixedFlagsAndTrailer(t *testing.T) {
	argv := []string{
		"cti-daemon-launcher",
		"-a", "123.pbs",
		"-b", "gdb-server",
		"-d", "cti_daemonabc123",
		"-e", "FOO=bar",
		"-e", "BAZ=qux",
		"-i", "2",
		"-m", "cti_daemonabc1232.tar",
		"-p", "/var/run/attribs",
		"-w", "1",
		"--debug",
		"--",
		"gdb-server", "--attach", "1234",
	}

	a, err := parseArgv(argv)
	require.NoError(t, err)

	require.Equal(t, "123.pbs", a.JobID)
	require.Equal(t, "gdb-server", a.DaemonBase)
	require.Equal(t, "cti_daemonabc123", a.StageDirName)
	require.Equal(t, []string{"FOO=bar", "BAZ=qux"}, a.EnvAssigns)
	require.Equal(t, 2, a.Instance)
	require.Equal(t, "cti_daemonabc1232.tar", a.ArchiveName)
	require.Equal(t, "/var/run/attribs", a.AttribsPath)
	require.Equal(t, 1, a.WLMType)
	require.True(t, a.Debug)
	require.Equal(t, []string{"gdb-server", "--attach", "1234"}, a.DaemonArgv)
}

func TestParseArgvClean(t *testing.T) {
	a, err := parseArgv([]string{"cti-daemon-launcher", "-a", "123.pbs", "-w", "1", "-d", "stage", "--clean", "4"})
	require.NoError(t, err)
	require.True(t, a.Clean)
	require.Equal(t, 4, a.CleanSeq)
	require.Empty(t, a.DaemonArgv)
}

func TestParseArgvStageOnlyHasNoDaemonBase(t *testing.T) {
	a, err := parseArgv([]string{"cti-daemon-launcher", "-a", "123.pbs", "-w", "1", "-d", "stage", "-i", "1"})
	require.NoError(t, err)
	require.Empty(t, a.DaemonBase)
}

func TestBuildExecEnvRewritesPathAndLibPath(t *testing.T) {
	env := buildExecEnv("/tmp/stage", []string{"CTI_EXTRA_LD_LIBRARY_PATH=/extra/lib", "TOOL_VAR=1"})

	m := map[string]string{}
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}

	require.Equal(t, "/tmp/stage/bin", m["PATH"])
	require.Equal(t, "/extra/lib:/tmp/stage/lib", m["LD_LIBRARY_PATH"])
	require.Equal(t, "/bin/sh", m["SHELL"])
	require.Equal(t, "1", m["TOOL_VAR"])
}
