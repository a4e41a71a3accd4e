package transfer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildArgvOrdersFixedFlagsBeforeEnvAndDoubleDash(t *testing.T) {
	argv := BuildArgv("/opt/cti/libexec/cti-daemon-launcher", DaemonLaunchArgs{
		JobID:       "123.pbs",
		WLMType:     2,
		ArchiveName: "cti_daemonabc1231.tar",
		DaemonBase:  "gdb-server",
		StageName:   "cti_daemonabc123",
		Instance:    1,
		EnvAssigns:  []string{"FOO=bar"},
		DaemonArgv:  []string{"gdb-server", "--attach", "1234"},
	})

	require.Equal(t, []string{
		"/opt/cti/libexec/cti-daemon-launcher",
		"-a", "123.pbs",
		"-w", "2",
		"-m", "cti_daemonabc1231.tar",
		"-b", "gdb-server",
		"-d", "cti_daemonabc123",
		"-i", "1",
		"-e", "FOO=bar",
		"--",
		"gdb-server", "--attach", "1234",
	}, argv)
}

func TestBuildArgvCleanOmitsDoubleDash(t *testing.T) {
	argv := BuildArgv("/opt/cti/libexec/cti-daemon-launcher", DaemonLaunchArgs{
		JobID:         "123.pbs",
		WLMType:       2,
		StageName:     "cti_daemonabc123",
		Clean:         true,
		CleanInstance: 3,
	})

	require.Equal(t, []string{
		"/opt/cti/libexec/cti-daemon-launcher",
		"-a", "123.pbs",
		"-w", "2",
		"-d", "cti_daemonabc123",
		"-i", "0",
		"--clean", "3",
	}, argv)
}

func TestJoinLibDirs(t *testing.T) {
	require.Equal(t, "a:b:c", JoinLibDirs([]string{"a", "b", "c"}))
	require.Equal(t, "", JoinLibDirs(nil))
}
