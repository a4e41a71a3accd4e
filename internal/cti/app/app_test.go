package app

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/common-tools-interface/cti-sub002/internal/cti/mpir"
	"github.com/common-tools-interface/cti-sub002/internal/cti/wlm/mockwlm"
)

type fakeFrontend struct {
	saved string
}

func (f *fakeFrontend) SavedLDPreload() string      { return f.saved }
func (f *fakeFrontend) MPIRClient() *mpir.Client    { return nil }
func (f *fakeFrontend) Debug() bool                 { return false }
func (f *fakeFrontend) DaemonLauncherPath() string  { return "/opt/cti/libexec/cti-daemon-launcher" }

func TestMergeLDPreloadAddsSavedWhenCallerOmitsIt(t *testing.T) {
	fe := &fakeFrontend{saved: "/opt/cti/lib/audit.so"}

	out := MergeLDPreload(fe, []string{"PATH=/bin"})

	require.Contains(t, out, "PATH=/bin")
	require.Contains(t, out, "LD_PRELOAD=/opt/cti/lib/audit.so")
}

func TestMergeLDPreloadPrependsToCallerValue(t *testing.T) {
	fe := &fakeFrontend{saved: "/opt/cti/lib/audit.so"}

	out := MergeLDPreload(fe, []string{`LD_PRELOAD="/home/user/mylib.so"`})

	require.Contains(t, out, "LD_PRELOAD=/opt/cti/lib/audit.so:/home/user/mylib.so")
}

func TestMergeLDPreloadNoopWhenNeitherSet(t *testing.T) {
	fe := &fakeFrontend{}

	out := MergeLDPreload(fe, []string{"PATH=/bin"})

	require.Equal(t, []string{"PATH=/bin"}, out)
}

func TestRandomSuffixLength(t *testing.T) {
	s, err := randomSuffix()
	require.NoError(t, err)
	require.Len(t, s, 6)
}

func newTestApp(t *testing.T) *App {
	t.Helper()

	a, err := New(&fakeFrontend{}, mockwlm.New("mock-1", "/tmp/cti"))
	require.NoError(t, err)

	return a
}

func TestCreateSessionAssignsDistinctHandles(t *testing.T) {
	a := newTestApp(t)

	s1, h1 := a.CreateSession(true)
	s2, h2 := a.CreateSession(true)

	require.NotEqual(t, h1, h2)
	require.NotSame(t, s1, s2)

	got1, ok := a.Session(h1)
	require.True(t, ok)
	require.Same(t, s1, got1)

	got2, ok := a.Session(h2)
	require.True(t, ok)
	require.Same(t, s2, got2)
}

func TestSessionLookupMissReportsFalse(t *testing.T) {
	a := newTestApp(t)

	_, ok := a.Session(999)
	require.False(t, ok)
}

func TestCloseSessionRemovesHandle(t *testing.T) {
	a := newTestApp(t)

	_, handle := a.CreateSession(false)
	a.CloseSession(handle)

	_, ok := a.Session(handle)
	require.False(t, ok)
}
