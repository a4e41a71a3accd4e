package mockwlm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/common-tools-interface/cti-sub002/internal/cti/wlm"
)

func TestFactoryLaunchRecordsRequestAndReturnsRunningMock(t *testing.T) {
	f := NewFactory("/tmp/cti")

	req := wlm.LaunchRequest{Argv: []string{"/bin/true"}}
	layout, err := f.Launch(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, []wlm.LaunchRequest{req}, f.Launched)

	running, err := layout.IsRunning(context.Background())
	require.NoError(t, err)
	require.True(t, running)
}

func TestFactoryRegisterRecordsIDs(t *testing.T) {
	f := NewFactory("/tmp/cti")

	_, err := f.Register(context.Background(), 123, "extra")
	require.NoError(t, err)

	require.Len(t, f.Registered, 1)
	require.Equal(t, []any{123, "extra"}, f.Registered[0])
}

func TestFactoryLaunchAndRegisterProduceDistinctJobIDs(t *testing.T) {
	f := NewFactory("/tmp/cti")

	l1, err := f.Launch(context.Background(), wlm.LaunchRequest{Argv: []string{"a"}})
	require.NoError(t, err)

	l2, err := f.Register(context.Background(), 1)
	require.NoError(t, err)

	require.NotEqual(t, l1.JobID(), l2.JobID())
}
