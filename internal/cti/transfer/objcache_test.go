package transfer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyIsOrderIndependent(t *testing.T) {
	dir := t.TempDir()

	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(a, []byte("a"), 0644))
	require.NoError(t, os.WriteFile(b, []byte("b"), 0644))

	files1 := []FileEntry{
		{Folder: "bin", Basename: "a.txt", SourcePath: a},
		{Folder: "lib", Basename: "b.txt", SourcePath: b},
	}
	files2 := []FileEntry{
		{Folder: "lib", Basename: "b.txt", SourcePath: b},
		{Folder: "bin", Basename: "a.txt", SourcePath: a},
	}

	links := []SymlinkEntry{{Folder: "lib", Basename: "c.so", Target: "/opt/x/c.so"}}

	key1 := Key("cti_daemonabc123", files1, links)
	key2 := Key("cti_daemonabc123", files2, links)

	require.Equal(t, key1, key2)
	require.NotEmpty(t, key1)
}

func TestKeyChangesWithStageName(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(a, []byte("a"), 0644))

	files := []FileEntry{{Folder: "bin", Basename: "a.txt", SourcePath: a}}

	key1 := Key("cti_daemonabc123", files, nil)
	key2 := Key("cti_daemonxyz789", files, nil)

	require.NotEqual(t, key1, key2)
}

func TestKeySkipsUnreadableSourceFiles(t *testing.T) {
	files := []FileEntry{{Folder: "bin", Basename: "missing.txt", SourcePath: "/nonexistent/missing.txt"}}

	key := Key("cti_daemonabc123", files, nil)
	require.NotEmpty(t, key)
}

func TestCacheFromEnvDisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("CTI_ARCHIVE_CACHE_S3_ENDPOINT", "")

	require.Nil(t, CacheFromEnv())
}

func TestArchiveCloseWithoutBuild(t *testing.T) {
	cfgDir := t.TempDir()

	a, err := New(cfgDir, "cti_daemonabc123", 2)
	require.NoError(t, err)

	require.NoError(t, a.Close())
}
