package frontend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/common-tools-interface/cti-sub002/internal/cti/app"
	"github.com/common-tools-interface/cti-sub002/internal/cti/wlm"
	"github.com/common-tools-interface/cti-sub002/internal/cti/wlm/mockwlm"
)

func newTestFrontend() *Frontend {
	return &Frontend{apps: map[uint64]*app.App{}}
}

func TestLaunchAppWithoutLauncherFails(t *testing.T) {
	fe := newTestFrontend()

	_, _, err := fe.LaunchApp(context.Background(), wlm.LaunchRequest{Argv: []string{"/bin/true"}})
	require.Error(t, err)
}

func TestLaunchAppRegistersJobFromLauncher(t *testing.T) {
	fe := newTestFrontend()

	factory := mockwlm.NewFactory("/tmp/cti")
	fe.SetLauncher(factory)

	a, handle, err := fe.LaunchApp(context.Background(), wlm.LaunchRequest{
		Argv: []string{"/bin/true"},
		Env:  []string{"PATH=/bin"},
	})
	require.NoError(t, err)
	require.NotZero(t, handle)
	require.NotNil(t, a)

	require.Len(t, factory.Launched, 1)

	got, ok := fe.App(handle)
	require.True(t, ok)
	require.Same(t, a, got)
}

func TestLaunchAppBarrierWithoutMPIRClientFails(t *testing.T) {
	fe := newTestFrontend()
	fe.SetLauncher(mockwlm.NewFactory("/tmp/cti"))

	_, _, err := fe.LaunchAppBarrier(context.Background(), wlm.LaunchRequest{Argv: []string{"/bin/true"}})
	require.Error(t, err)
}

func TestRegisterJobWithoutLauncherFails(t *testing.T) {
	fe := newTestFrontend()

	_, _, err := fe.RegisterJob(context.Background(), 1234)
	require.Error(t, err)
}

func TestRegisterJobUsesLauncherRegister(t *testing.T) {
	fe := newTestFrontend()

	factory := mockwlm.NewFactory("/tmp/cti")
	fe.SetLauncher(factory)

	a, handle, err := fe.RegisterJob(context.Background(), 4242)
	require.NoError(t, err)
	require.NotZero(t, handle)
	require.NotNil(t, a)

	require.Equal(t, [][]any{{4242}}, factory.Registered)
}
