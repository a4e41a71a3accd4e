package wlm

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectForcedMockSkipsVerification(t *testing.T) {
	t.Setenv("CTI_WLM_IMPL", "mock")

	d, err := Detect("")
	require.NoError(t, err)
	require.Equal(t, KindMock, d.WLM)
}

func TestParseForcedWithSystemPrefix(t *testing.T) {
	d, err := parseForced("xc/alps")
	require.NoError(t, err)
	require.Equal(t, KindALPS, d.WLM)
	require.Equal(t, SystemXC, d.System)
}

func TestParseForcedUnknownWLM(t *testing.T) {
	_, err := parseForced("bogus")
	require.Error(t, err)
}

func TestParseForcedDefaultsToGenericSystem(t *testing.T) {
	d, err := parseForced("slurm")
	require.NoError(t, err)
	require.Equal(t, KindSlurm, d.WLM)
	require.Equal(t, SystemGeneric, d.System)
	require.Equal(t, "0", systemKindString(SystemGeneric))
}

func TestFileExistsUsesStatSeam(t *testing.T) {
	orig := statFile
	defer func() { statFile = orig }()

	calls := 0
	statFile = func(path string) (os.FileInfo, error) {
		calls++
		return orig(path)
	}

	require.False(t, fileExists("/this/path/does/not/exist/hopefully"))
	require.Equal(t, 1, calls)
}
