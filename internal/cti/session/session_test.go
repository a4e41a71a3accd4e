package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/common-tools-interface/cti-sub002/internal/cti/ctierrors"
)

type fakeApp struct {
	cfgDir    string
	shipped   []string
	existing  map[string]bool
}

func newFakeApp(t *testing.T) *fakeApp {
	dir := t.TempDir()
	return &fakeApp{cfgDir: dir, existing: map[string]bool{}}
}

func (f *fakeApp) JobID() string                    { return "job-1" }
func (f *fakeApp) ToolPath() string                 { return "/tmp/tool" }
func (f *fakeApp) Suffix() string                   { return "abc123" }
func (f *fakeApp) BEDaemonName(base string) string  { return base + "_abc123" }
func (f *fakeApp) CfgDir() string                   { return f.cfgDir }
func (f *fakeApp) Debug() bool                       { return false }
func (f *fakeApp) WLMType() int                      { return 6 } // Mock
func (f *fakeApp) DaemonLauncherPath() string        { return "/opt/cti/libexec/cti-daemon-launcher" }
func (f *fakeApp) AttribsPath() string               { return "" }
func (f *fakeApp) ExtraBinaries() []string           { return nil }
func (f *fakeApp) ExtraLibraries() []string          { return nil }
func (f *fakeApp) ExtraLibDirs() []string            { return nil }
func (f *fakeApp) ExtraFiles() []string              { return nil }

func (f *fakeApp) CheckFilesExist(ctx context.Context, paths []string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, p := range paths {
		out[p] = f.existing[p]
	}
	return out, nil
}

func (f *fakeApp) ShipPackage(ctx context.Context, archivePath string) error {
	f.shipped = append(f.shipped, archivePath)
	return nil
}

func (f *fakeApp) StartDaemon(ctx context.Context, argv []string, synchronous bool) error {
	return nil
}

func writeTestFile(t *testing.T, dir, name, content string) string {
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestShipManifestSingleFile(t *testing.T) {
	app := newFakeApp(t)
	s := New(app, false)

	srcDir := t.TempDir()
	src := writeTestFile(t, srcDir, "testing.info", "hello")

	m := s.CreateManifest()
	require.NoError(t, m.AddFile("", "testing.info", src))

	require.NoError(t, s.SendManifest(context.Background(), m))
	require.False(t, m.IsValid())
	require.Len(t, app.shipped, 1)
}

func TestShipManifestConflictOnDifferentSource(t *testing.T) {
	app := newFakeApp(t)
	s := New(app, false)

	srcDir := t.TempDir()
	srcA := writeTestFile(t, srcDir, "a.info", "aaaa")
	srcB := writeTestFile(t, srcDir, "b.info", "bbbb")

	m1 := s.CreateManifest()
	require.NoError(t, m1.AddFile("", "name", srcA))
	require.NoError(t, s.SendManifest(context.Background(), m1))

	m2 := s.CreateManifest()
	require.NoError(t, m2.AddFile("", "name", srcB))

	err := s.SendManifest(context.Background(), m2)
	require.Error(t, err)
	require.True(t, ctierrors.Is(err, ctierrors.Conflict))
}

func TestShipManifestDedupSameSourceIsNoop(t *testing.T) {
	app := newFakeApp(t)
	s := New(app, false)

	srcDir := t.TempDir()
	src := writeTestFile(t, srcDir, "same.info", "same content")

	m1 := s.CreateManifest()
	require.NoError(t, m1.AddFile("", "same.info", src))
	require.NoError(t, s.SendManifest(context.Background(), m1))

	m2 := s.CreateManifest()
	require.NoError(t, m2.AddFile("", "same.info", src))
	require.NoError(t, s.SendManifest(context.Background(), m2))

	require.Len(t, app.shipped, 2) // each ship produces its own (possibly empty) archive
}

func TestManifestRejectsMutationAfterShip(t *testing.T) {
	app := newFakeApp(t)
	s := New(app, false)

	srcDir := t.TempDir()
	src := writeTestFile(t, srcDir, "x.info", "x")

	m := s.CreateManifest()
	require.NoError(t, m.AddFile("", "x.info", src))
	require.NoError(t, s.SendManifest(context.Background(), m))

	err := m.AddFile("", "y.info", src)
	require.Error(t, err)
	require.True(t, ctierrors.Is(err, ctierrors.AlreadyShipped))
}

func TestFinalizeSkipsCleanupWhenNothingShipped(t *testing.T) {
	app := newFakeApp(t)
	s := New(app, false)

	require.NoError(t, s.Finalize(context.Background()))
}

func TestIgnoredLibrariesNeverShip(t *testing.T) {
	app := newFakeApp(t)
	s := New(app, false)

	m := s.CreateManifest()

	require.Contains(t, m.folders["lib"], "libc.so.6")

	for _, key := range m.entries() {
		require.NotEqual(t, "libc.so.6", key.basename, "ignored library basenames must never appear as real archive entries")
	}
}
