package mpir

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/common-tools-interface/cti-sub002/internal/cti/ctierrors"
	"github.com/common-tools-interface/cti-sub002/internal/cti/logger"
)

// op names the six FE daemon request kinds.
type op string

const (
	opRegisterApp   op = "register_app"
	opLaunchApp     op = "launch_app"
	opLaunchMPIR    op = "launch_mpir"
	opReadProcTable op = "read_proctable"
	opReleaseMPIR   op = "release_mpir"
	opDeregisterApp op = "deregister_app"
)

// request and response are newline-delimited JSON frames over the pipe pair
// connecting the library to its FE daemon. This stands in for the RPC
// surface the corpus elsewhere generates from .proto files — doing that here
// without a protoc run would mean hand-writing generated code, so the
// protocol is a plain framed JSON request/response instead (see DESIGN.md).
type request struct {
	Op           op       `json:"op"`
	AppID        AppID    `json:"app_id,omitempty"`
	Pid          int      `json:"pid,omitempty"`
	LauncherPath string   `json:"launcher_path,omitempty"`
	Argv         []string `json:"argv,omitempty"`
	Env          []string `json:"env,omitempty"`
	Dir          string   `json:"dir,omitempty"`
	StdinPath    string   `json:"stdin_path,omitempty"`
}

type response struct {
	OK        bool             `json:"ok"`
	Error     string           `json:"error,omitempty"`
	AppID     AppID            `json:"app_id,omitempty"`
	Pid       int              `json:"pid,omitempty"`
	ProcTable []ProcTableEntry `json:"proc_table,omitempty"`
}

// Client is the library-side handle to a running FE daemon process, talking
// to it over a pipe pair. One request is in flight at a time (spec.md §4.3:
// "proctable reads are single-round-trip").
type Client struct {
	mu  sync.Mutex
	enc *json.Encoder
	dec *json.Decoder
}

// NewClient wraps the write end (to the daemon's stdin) and read end (from
// the daemon's stdout) of an already-started FE daemon process.
func NewClient(w io.Writer, r io.Reader) *Client {
	return &Client{
		enc: json.NewEncoder(w),
		dec: json.NewDecoder(bufio.NewReader(r)),
	}
}

func (c *Client) roundTrip(ctx context.Context, req request) (response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	type result struct {
		resp response
		err  error
	}

	done := make(chan result, 1)
	go func() {
		if err := c.enc.Encode(req); err != nil {
			done <- result{err: ctierrors.Wrap(ctierrors.MpirError, "fe daemon request failed", err)}
			return
		}

		var resp response
		if err := c.dec.Decode(&resp); err != nil {
			done <- result{err: ctierrors.Wrap(ctierrors.MpirError, "fe daemon response malformed", err)}
			return
		}

		done <- result{resp: resp}
	}()

	select {
	case <-ctx.Done():
		return response{}, ctierrors.Wrap(ctierrors.MpirError, "fe daemon request cancelled", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return response{}, r.err
		}

		if !r.resp.OK {
			return response{}, ctierrors.New(ctierrors.MpirError, "fe daemon: "+r.resp.Error)
		}

		return r.resp, nil
	}
}

// RegisterApp tells the daemon to ptrace-attach to pid, an already-stopped
// launcher process located at launcherPath, and returns its opaque AppID.
func (c *Client) RegisterApp(ctx context.Context, pid int, launcherPath string) (AppID, error) {
	resp, err := c.roundTrip(ctx, request{Op: opRegisterApp, Pid: pid, LauncherPath: launcherPath})
	if err != nil {
		return 0, err
	}

	return resp.AppID, nil
}

// LaunchApp asks the daemon to fork+exec argv itself, becoming its tracer
// from the moment it execs (spec.md §4.4 "launchApp"/"launchAppBarrier"),
// and returns the resulting AppID and pid once the launcher has reached its
// first post-exec stop.
func (c *Client) LaunchApp(ctx context.Context, argv, env []string, dir, stdinPath string) (AppID, int, error) {
	resp, err := c.roundTrip(ctx, request{
		Op:        opLaunchApp,
		Argv:      argv,
		Env:       env,
		Dir:       dir,
		StdinPath: stdinPath,
	})
	if err != nil {
		return 0, 0, err
	}

	return resp.AppID, resp.Pid, nil
}

// LaunchMPIR sets MPIR_being_debugged and blocks until the launcher reports
// MPIR_Breakpoint, i.e. until it reaches the MPI startup barrier.
func (c *Client) LaunchMPIR(ctx context.Context, id AppID) error {
	_, err := c.roundTrip(ctx, request{Op: opLaunchMPIR, AppID: id})
	return err
}

// ReadProcTable fetches MPIR_proctable for an already-barriered App.
func (c *Client) ReadProcTable(ctx context.Context, id AppID) ([]ProcTableEntry, error) {
	resp, err := c.roundTrip(ctx, request{Op: opReadProcTable, AppID: id})
	if err != nil {
		return nil, err
	}

	return resp.ProcTable, nil
}

// ReleaseMPIR clears the breakpoint and detaches, releasing the launcher
// past the barrier. Per spec.md §4.3 this is fire-and-forget: the daemon
// acknowledges receipt of the request without waiting on the launcher.
func (c *Client) ReleaseMPIR(ctx context.Context, id AppID) error {
	_, err := c.roundTrip(ctx, request{Op: opReleaseMPIR, AppID: id})
	return err
}

// DeregisterApp tells the daemon to forget an AppID, detaching first if it
// is still attached.
func (c *Client) DeregisterApp(ctx context.Context, id AppID) error {
	_, err := c.roundTrip(ctx, request{Op: opDeregisterApp, AppID: id})
	return err
}

// Server is the FE daemon's request loop, run from cmd/cti-fe-daemon. Each
// registered App gets its own OS thread (ptrace's tracer relationship is
// per-thread) via a dedicated worker goroutine locked with
// runtime.LockOSThread.
type Server struct {
	dec *json.Decoder
	enc *json.Encoder

	mu      sync.Mutex
	workers map[AppID]*worker
	nextID  atomic.Uint64
}

type worker struct {
	reqs chan request
	resp chan response
	ctrl *Controller
}

// NewServer wraps the daemon's stdin (requests) and stdout (responses).
func NewServer(r io.Reader, w io.Writer) *Server {
	return &Server{
		dec:     json.NewDecoder(bufio.NewReader(r)),
		enc:     json.NewEncoder(w),
		workers: map[AppID]*worker{},
	}
}

// Serve processes requests until the pipe closes or ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var req request
		if err := s.dec.Decode(&req); err != nil {
			if err == io.EOF {
				return nil
			}

			return ctierrors.Wrap(ctierrors.MpirError, "fe daemon: malformed request", err)
		}

		resp := s.handle(ctx, req)
		if err := s.enc.Encode(resp); err != nil {
			return ctierrors.Wrap(ctierrors.MpirError, "fe daemon: failed to write response", err)
		}
	}
}

func (s *Server) handle(ctx context.Context, req request) response {
	switch req.Op {
	case opRegisterApp:
		return s.handleRegister(req)
	case opLaunchApp:
		return s.handleLaunch(req)
	case opLaunchMPIR:
		return s.forward(req.AppID, req)
	case opReadProcTable:
		return s.forward(req.AppID, req)
	case opReleaseMPIR:
		return s.forward(req.AppID, req)
	case opDeregisterApp:
		return s.handleDeregister(req)
	default:
		return response{Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

func (s *Server) handleRegister(req request) response {
	id := AppID(s.nextID.Add(1))

	w := &worker{reqs: make(chan request), resp: make(chan response)}

	s.mu.Lock()
	s.workers[id] = w
	s.mu.Unlock()

	go w.run(req.Pid, req.LauncherPath)

	logger.Info("fe daemon registered app", logger.Ctx{"app_id": id, "pid": req.Pid})
	return response{OK: true, AppID: id}
}

// handleLaunch forks+execs req.Argv inside a dedicated worker and blocks
// until the new process has made its first post-exec ptrace stop, unlike
// handleRegister's optimistic reply: the caller needs the real pid back
// before it can do anything else with this AppID.
func (s *Server) handleLaunch(req request) response {
	id := AppID(s.nextID.Add(1))

	w := &worker{reqs: make(chan request), resp: make(chan response)}
	ready := make(chan response, 1)

	s.mu.Lock()
	s.workers[id] = w
	s.mu.Unlock()

	go w.runLaunch(req.Argv, req.Env, req.Dir, req.StdinPath, ready)

	resp := <-ready
	if !resp.OK {
		s.mu.Lock()
		delete(s.workers, id)
		s.mu.Unlock()
		return resp
	}

	resp.AppID = id
	logger.Info("fe daemon launched app", logger.Ctx{"app_id": id, "pid": resp.Pid})
	return resp
}

func (s *Server) forward(id AppID, req request) response {
	s.mu.Lock()
	w, ok := s.workers[id]
	s.mu.Unlock()

	if !ok {
		return response{Error: fmt.Sprintf("unknown app_id %d", id)}
	}

	w.reqs <- req
	return <-w.resp
}

func (s *Server) handleDeregister(req request) response {
	resp := s.forward(req.AppID, req)

	s.mu.Lock()
	delete(s.workers, req.AppID)
	s.mu.Unlock()

	return resp
}

// run is the per-App worker loop. It owns the OS thread that attaches to
// the launcher for the App's entire lifetime, per ptrace's thread-affinity
// requirement.
func (w *worker) run(pid int, launcherPath string) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ctrl, err := Attach(pid, launcherPath)
	if err != nil {
		// The register response was already sent optimistically; surface
		// the failure on the first real request instead.
		w.ctrl = nil
	} else {
		w.ctrl = ctrl
	}

	for req := range w.reqs {
		w.resp <- w.step(req)
	}
}

// runLaunch is run's fork+exec counterpart: it owns the OS
// thread for the App's entire lifetime too, since it is the thread that
// issues PTRACE_TRACEME via SysProcAttr on exec and therefore becomes the
// tracer (ptrace allows only one tracer per tracee, so the forking thread
// must also be the one that later attaches/continues/detaches it).
func (w *worker) runLaunch(argv, env []string, dir, stdinPath string, ready chan<- response) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ctrl, pid, err := LaunchUnderPtrace(argv, env, dir, stdinPath)
	if err != nil {
		ready <- response{Error: err.Error()}
		return
	}

	w.ctrl = ctrl
	ready <- response{OK: true, Pid: pid}

	for req := range w.reqs {
		w.resp <- w.step(req)
	}
}

func (w *worker) step(req request) response {
	if w.ctrl == nil {
		return response{Error: "launcher attach failed"}
	}

	switch req.Op {
	case opLaunchMPIR:
		if err := w.ctrl.SetBreakpoint(); err != nil {
			return response{Error: err.Error()}
		}

		return response{OK: true}

	case opReadProcTable:
		table, err := w.ctrl.ReadProcTable()
		if err != nil {
			return response{Error: err.Error()}
		}

		return response{OK: true, ProcTable: table}

	case opReleaseMPIR, opDeregisterApp:
		if err := w.ctrl.Release(); err != nil {
			return response{Error: err.Error()}
		}

		return response{OK: true}

	default:
		return response{Error: fmt.Sprintf("unexpected op %q for attached app", req.Op)}
	}
}
