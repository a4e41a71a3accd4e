package statusapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	apps []AppSummary
}

func (f *fakeSource) ListApps(ctx context.Context) []AppSummary { return f.apps }

func newUnixClient(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
		Timeout: 2 * time.Second,
	}
}

func TestListAppsServesSourceOverUnixSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "cti.sock")

	src := &fakeSource{apps: []AppSummary{
		{Handle: 1, JobID: "123.pbs", NumPEs: 4, Hostnames: []string{"nid001"}, Running: true},
	}}

	s, err := Listen(socketPath, src)
	require.NoError(t, err)

	go func() { _ = s.Serve() }()
	defer s.Close(context.Background())

	client := newUnixClient(socketPath)

	resp, err := client.Get("http://unix/apps")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []AppSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, src.apps, got)
}

func TestHealthzReturnsOK(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "cti.sock")

	s, err := Listen(socketPath, &fakeSource{})
	require.NoError(t, err)

	go func() { _ = s.Serve() }()
	defer s.Close(context.Background())

	client := newUnixClient(socketPath)

	resp, err := client.Get("http://unix/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListenRemovesStaleSocketFile(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "cti.sock")

	s1, err := Listen(socketPath, &fakeSource{})
	require.NoError(t, err)
	// Simulate a stale socket left behind by a crashed process: the listener
	// is gone but the file is still there. Closing a Go unix listener unlinks
	// its socket file, so a file is put back at the same path.
	_ = s1.listener.Close()
	require.NoError(t, os.WriteFile(socketPath, nil, 0600))

	s2, err := Listen(socketPath, &fakeSource{})
	require.NoError(t, err)
	defer s2.Close(context.Background())
}
