package transfer

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArchiveRoundTrip(t *testing.T) {
	cfgDir := t.TempDir()
	srcDir := t.TempDir()

	srcPath := filepath.Join(srcDir, "payload.txt")
	require.NoError(t, os.WriteFile(srcPath, []byte("payload contents"), 0644))

	a, err := New(cfgDir, "cti_daemonabc123", 1)
	require.NoError(t, err)
	defer a.Cleanup()

	err = a.Build("cti_daemonabc123", []FileEntry{
		{Folder: "", Basename: "payload.txt", SourcePath: srcPath},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, a.Finalize())
	a.Keep()

	f, err := os.Open(a.Path())
	require.NoError(t, err)
	defer f.Close()

	tr := tar.NewReader(f)

	names := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)

		if hdr.Typeflag == tar.TypeReg {
			body, err := io.ReadAll(tr)
			require.NoError(t, err)
			names[hdr.Name] = string(body)
		} else {
			names[hdr.Name] = ""
		}
	}

	require.Equal(t, "payload contents", names["cti_daemonabc123/payload.txt"])
	require.Contains(t, names, "cti_daemonabc123/")
	require.Contains(t, names, "cti_daemonabc123/bin/")
	require.Contains(t, names, "cti_daemonabc123/lib/")
	require.Contains(t, names, "cti_daemonabc123/tmp/")
}

func TestArchiveCleanupRemovesUnkeptFile(t *testing.T) {
	cfgDir := t.TempDir()

	a, err := New(cfgDir, "cti_daemonxyz987", 1)
	require.NoError(t, err)

	require.NoError(t, a.Build("cti_daemonxyz987", nil, nil))
	require.NoError(t, a.Finalize())

	path := a.Path()
	_, err = os.Stat(path)
	require.NoError(t, err)

	a.Cleanup()

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}
