package sshwlm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/common-tools-interface/cti-sub002/internal/cti/mpir"
	"github.com/common-tools-interface/cti-sub002/internal/cti/wlm"
)

func TestLauncherFactoryLaunchStartsProcessAndReturnsBackend(t *testing.T) {
	f := NewLauncherFactory([]string{"localhost"}, "/tmp/cti", nil)

	layout, err := f.Launch(context.Background(), wlm.LaunchRequest{Argv: []string{"/bin/sleep", "0.2"}})
	require.NoError(t, err)
	require.NotEmpty(t, layout.JobID())
	require.Equal(t, []string{"localhost"}, layout.Hostnames())
}

func TestLauncherFactoryLaunchRejectsEmptyArgv(t *testing.T) {
	f := NewLauncherFactory([]string{"localhost"}, "/tmp/cti", nil)

	_, err := f.Launch(context.Background(), wlm.LaunchRequest{})
	require.Error(t, err)
}

func TestLauncherFactoryRegisterWithoutProcTableUsesGuessedPlacement(t *testing.T) {
	f := NewLauncherFactory([]string{"nodeA", "nodeB"}, "/tmp/cti", nil)

	layout, err := f.Register(context.Background(), 4242)
	require.NoError(t, err)

	placement := layout.Placement()
	require.Len(t, placement, 2)
	for _, p := range placement {
		require.Equal(t, 4242, p.PID)
	}
}

func TestLauncherFactoryRegisterRejectsMissingIDs(t *testing.T) {
	f := NewLauncherFactory([]string{"nodeA"}, "/tmp/cti", nil)

	_, err := f.Register(context.Background())
	require.Error(t, err)
}

func TestLauncherFactoryRegisterWithProcTableAppliesExactPlacement(t *testing.T) {
	f := NewLauncherFactory([]string{"nodeA", "nodeB"}, "/tmp/cti", nil)

	table := []mpir.ProcTableEntry{
		{Rank: 0, Hostname: "nodeA", Executable: "a.out", PID: 111},
		{Rank: 1, Hostname: "nodeB", Executable: "a.out", PID: 222},
	}

	layout, err := f.Register(context.Background(), 999, table)
	require.NoError(t, err)

	placement := layout.Placement()
	require.Equal(t, []wlm.RankPlacement{
		{Rank: 0, Hostname: "nodeA", PID: 111},
		{Rank: 1, Hostname: "nodeB", PID: 222},
	}, placement)

	require.Equal(t, map[string][]int{"a.out": {0, 1}}, layout.BinaryRankMap())
}
