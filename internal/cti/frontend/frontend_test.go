package frontend

import (
	"os"
	"path"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMakeConfigDirCreatesMode0700(t *testing.T) {
	top := t.TempDir()

	dir, err := makeConfigDir(top)
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0700), info.Mode().Perm())

	require.Equal(t, strconv.Itoa(os.Getpid()), path.Base(dir))
}

func TestMakeConfigDirFixesLooseMode(t *testing.T) {
	top := t.TempDir()

	dir, err := makeConfigDir(top)
	require.NoError(t, err)
	require.NoError(t, os.Chmod(dir, 0755))

	// A second call against the same top must re-tighten the mode rather
	// than trust whatever is already on disk.
	dir2, err := makeConfigDir(top)
	require.NoError(t, err)
	require.Equal(t, dir, dir2)

	info, err := os.Stat(dir2)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0700), info.Mode().Perm())
}

func TestSweepOneRemovesStaleDeadPidDir(t *testing.T) {
	parent := t.TempDir()

	// A pid number vanishingly unlikely to be a live process.
	const deadPid = 1 << 30
	name := strconv.Itoa(deadPid)
	full := path.Join(parent, name)
	require.NoError(t, os.MkdirAll(full, 0700))

	old := time.Now().Add(-2 * StaleAppDirAge)
	require.NoError(t, os.Chtimes(full, old, old))

	fe := &Frontend{}
	fe.sweepOne(parent, name)

	_, err := os.Stat(full)
	require.True(t, os.IsNotExist(err))
}

func TestSweepOneKeepsFreshDir(t *testing.T) {
	parent := t.TempDir()

	const deadPid = 1 << 30
	name := strconv.Itoa(deadPid)
	full := path.Join(parent, name)
	require.NoError(t, os.MkdirAll(full, 0700))

	fe := &Frontend{}
	fe.sweepOne(parent, name)

	_, err := os.Stat(full)
	require.NoError(t, err, "a freshly created dir must not be swept regardless of pid liveness")
}

func TestSweepOneIgnoresNonPidNames(t *testing.T) {
	parent := t.TempDir()
	full := path.Join(parent, "not-a-pid")
	require.NoError(t, os.MkdirAll(full, 0700))

	fe := &Frontend{}
	fe.sweepOne(parent, "not-a-pid")

	_, err := os.Stat(full)
	require.NoError(t, err)
}
