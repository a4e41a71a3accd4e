package mpir

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// pipe wires a Client and Server together over in-memory io.Pipes, the same
// framing cti-fe-daemon uses over a real process pipe pair.
func newPipedClientServer(t *testing.T) (*Client, *Server) {
	t.Helper()

	clientReadFromServer, serverWriteToClient := io.Pipe()
	serverReadFromClient, clientWriteToServer := io.Pipe()

	client := NewClient(clientWriteToServer, clientReadFromServer)
	server := NewServer(serverReadFromClient, serverWriteToClient)

	return client, server
}

func TestRegisterAppWithUnattachablePidSurfacesErrorOnFirstUse(t *testing.T) {
	client, server := newPipedClientServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = server.Serve(ctx) }()

	// pid 0 never ptrace-attaches successfully; registration itself still
	// succeeds (it is optimistic), but the first real operation surfaces
	// the attach failure.
	id, err := client.RegisterApp(ctx, 0, "/bin/sh")
	require.NoError(t, err)
	require.NotZero(t, id)

	err = client.LaunchMPIR(ctx, id)
	require.Error(t, err)
}

func TestForwardToUnknownAppIDFails(t *testing.T) {
	client, server := newPipedClientServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = server.Serve(ctx) }()

	err := client.ReleaseMPIR(ctx, AppID(9999))
	require.Error(t, err)
}

func TestLaunchAppWithNonMPIRBinaryFailsSynchronously(t *testing.T) {
	client, server := newPipedClientServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = server.Serve(ctx) }()

	// /bin/true execs and stops fine, but carries none of the MPIR contract
	// symbols, so the launch itself must fail rather than hand back a usable
	// AppID (unlike RegisterApp, which is optimistic about attach failures).
	_, _, err := client.LaunchApp(ctx, []string{"/bin/true"}, nil, "", "")
	require.Error(t, err)
}

func TestLaunchAppRejectsEmptyArgv(t *testing.T) {
	client, server := newPipedClientServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = server.Serve(ctx) }()

	_, _, err := client.LaunchApp(ctx, nil, nil, "", "")
	require.Error(t, err)
}

func TestRoundTripRespectsContextCancellation(t *testing.T) {
	client, _ := newPipedClientServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// No server is serving this client's requests, so the round trip must
	// time out via ctx rather than hang forever.
	_, err := client.RegisterApp(ctx, 1, "/bin/sh")
	require.Error(t, err)
}
