// Package mpir implements the MPIR launch/barrier protocol of spec.md §4.3:
// attaching to a launcher as a debugger before its MPI init barrier, reading
// MPIR_proctable, and releasing the barrier. The ptrace relationship itself
// only ever runs inside the FE daemon process (cmd/cti-fe-daemon); the
// in-library side talks to it through the Client in fedaemon.go.
package mpir

import (
	"debug/elf"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/common-tools-interface/cti-sub002/internal/cti/ctierrors"
)

// AppID is the opaque handle the FE daemon hands back for an attached
// launcher, stored on the owning App (spec.md §3 "DaemonAppId").
type AppID uint64

// ProcTableEntry is one MPIR_proctable row: an MPI rank's host and pid.
type ProcTableEntry struct {
	Rank       int
	Hostname   string
	Executable string
	PID        int
}

// symbols holds the resolved addresses of the three MPIR contract symbols
// inside a launcher binary (spec.md §4.3/§4.2: MPIR_being_debugged,
// MPIR_Breakpoint, MPIR_proctable, plus the proctable size companion symbol).
type symbols struct {
	beingDebugged uint64
	breakpoint    uint64
	procTable     uint64
	procTableSize uint64
}

// resolveSymbols reads the ELF symbol table of the launcher binary at path
// and returns the addresses of the MPIR contract symbols. Missing symbols
// are a MpirError, matching the detection-time ELF symbol check in
// internal/cti/wlm/detect.go but at launch time against the resolved binary.
func resolveSymbols(path string) (symbols, error) {
	f, err := elf.Open(path)
	if err != nil {
		return symbols{}, ctierrors.Wrap(ctierrors.MpirError, "cannot open launcher binary "+path, err)
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil {
		syms, err = f.DynamicSymbols()
	}
	if err != nil {
		return symbols{}, ctierrors.Wrap(ctierrors.MpirError, "launcher binary has no symbol table", err)
	}

	byName := map[string]elf.Symbol{}
	for _, s := range syms {
		byName[s.Name] = s
	}

	want := []string{"MPIR_being_debugged", "MPIR_Breakpoint", "MPIR_proctable", "MPIR_proctable_size"}
	for _, name := range want {
		if _, ok := byName[name]; !ok {
			return symbols{}, ctierrors.New(ctierrors.MpirError, "launcher missing MPIR symbol "+name)
		}
	}

	return symbols{
		beingDebugged: byName["MPIR_being_debugged"].Value,
		breakpoint:    byName["MPIR_Breakpoint"].Value,
		procTable:     byName["MPIR_proctable"].Value,
		procTableSize: byName["MPIR_proctable_size"].Value,
	}, nil
}

// Controller drives one ptrace-attached launcher through the MPIR handshake.
// It is only ever constructed inside the FE daemon process: ptrace's tracer
// relationship is per-thread, so the controller and the OS thread that
// called Attach must be the same for the whole session (spec.md §4.3).
type Controller struct {
	pid  int
	path string
	syms symbols
}

// Attach ptrace-attaches to an already-forked, not-yet-exec'd (or freshly
// exec'd and stopped) launcher process and waits for its initial stop.
func Attach(pid int, launcherPath string) (*Controller, error) {
	if err := unix.PtraceAttach(pid); err != nil {
		return nil, ctierrors.Wrap(ctierrors.MpirError, "ptrace attach failed", err)
	}

	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(pid, &ws, 0, nil); err != nil {
		return nil, ctierrors.Wrap(ctierrors.MpirError, "ptrace initial wait failed", err)
	}

	syms, err := resolveSymbols(launcherPath)
	if err != nil {
		_ = unix.PtraceDetach(pid)
		return nil, err
	}

	return &Controller{pid: pid, path: launcherPath, syms: syms}, nil
}

// LaunchUnderPtrace forks and execs argv as the tracee of the calling OS
// thread (SysProcAttr.Ptrace forces PTRACE_TRACEME before exec), waits for
// the post-exec SIGTRAP stop, and resolves the MPIR contract symbols
// against the resolved binary path (spec.md §4.4 "launchAppBarrier": the
// launcher must be traced from the moment it execs, which ptrace's
// one-tracer-per-tracee rule means only the process that forked it can do).
// The caller must have called runtime.LockOSThread first and keep calling
// from that same thread for the Controller's lifetime.
func LaunchUnderPtrace(argv, env []string, dir, stdinPath string) (*Controller, int, error) {
	if len(argv) == 0 {
		return nil, 0, ctierrors.New(ctierrors.MpirError, "launch requires a non-empty argv")
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, 0, ctierrors.Wrap(ctierrors.MpirError, "cannot resolve launcher "+argv[0], err)
	}

	cmd := exec.Command(path, argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	if stdinPath != "" {
		stdin, err := os.Open(stdinPath)
		if err != nil {
			return nil, 0, ctierrors.Wrap(ctierrors.MpirError, "cannot open stdin "+stdinPath, err)
		}
		defer stdin.Close()
		cmd.Stdin = stdin
	}

	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, 0, ctierrors.Wrap(ctierrors.MpirError, "launch failed for "+path, err)
	}

	pid := cmd.Process.Pid

	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(pid, &ws, 0, nil); err != nil {
		return nil, 0, ctierrors.Wrap(ctierrors.MpirError, "ptrace initial wait failed", err)
	}

	syms, err := resolveSymbols(path)
	if err != nil {
		_ = unix.PtraceDetach(pid)
		_ = cmd.Process.Kill()
		return nil, 0, err
	}

	return &Controller{pid: pid, path: path, syms: syms}, pid, nil
}

// SetBreakpoint writes 1 to MPIR_being_debugged and continues the launcher,
// then waits for it to stop again at MPIR_Breakpoint — the MPI startup
// barrier (spec.md §4.3).
func (c *Controller) SetBreakpoint() error {
	if err := c.pokeWord(c.syms.beingDebugged, 1); err != nil {
		return err
	}

	if err := unix.PtraceCont(c.pid, 0); err != nil {
		return ctierrors.Wrap(ctierrors.MpirError, "ptrace cont failed", err)
	}

	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(c.pid, &ws, 0, nil); err != nil {
		return ctierrors.Wrap(ctierrors.MpirError, "wait for MPIR_Breakpoint failed", err)
	}

	if !ws.Stopped() {
		return ctierrors.New(ctierrors.MpirError, "launcher exited before reaching MPIR_Breakpoint")
	}

	return nil
}

// ReadProcTable reads the (rank, host, pid) rows MPIR_proctable points to,
// as a single round-trip against the already-stopped launcher.
func (c *Controller) ReadProcTable() ([]ProcTableEntry, error) {
	count, err := c.peekWord(c.syms.procTableSize)
	if err != nil {
		return nil, err
	}

	base, err := c.peekWord(c.syms.procTable)
	if err != nil {
		return nil, err
	}

	const entrySize = 24 // {char *host_name; char *executable_name; int pid;} on a 64-bit ABI, padded.

	out := make([]ProcTableEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		entryAddr := base + i*entrySize

		hostPtr, err := c.peekWord(entryAddr)
		if err != nil {
			return nil, err
		}

		exePtr, err := c.peekWord(entryAddr + 8)
		if err != nil {
			return nil, err
		}

		pidWord, err := c.peekWord(entryAddr + 16)
		if err != nil {
			return nil, err
		}

		host, err := c.peekString(hostPtr)
		if err != nil {
			return nil, err
		}

		exe, err := c.peekString(exePtr)
		if err != nil {
			return nil, err
		}

		out = append(out, ProcTableEntry{
			Rank:       int(i),
			Hostname:   host,
			Executable: exe,
			PID:        int(int32(pidWord)),
		})
	}

	return out, nil
}

// Release clears MPIR_being_debugged, continues and detaches the launcher,
// letting it proceed past the barrier (spec.md §4.3/§8 property 7).
func (c *Controller) Release() error {
	if err := c.pokeWord(c.syms.beingDebugged, 0); err != nil {
		return err
	}

	if err := unix.PtraceDetach(c.pid); err != nil {
		return ctierrors.Wrap(ctierrors.MpirError, "ptrace detach failed", err)
	}

	return nil
}

func (c *Controller) peekWord(addr uint64) (uint64, error) {
	var buf [8]byte
	if _, err := unix.PtracePeekText(c.pid, uintptr(addr), buf[:]); err != nil {
		return 0, ctierrors.Wrap(ctierrors.MpirError, "ptrace peek failed", err)
	}

	return leUint64(buf[:]), nil
}

func (c *Controller) pokeWord(addr uint64, value uint64) error {
	var buf [8]byte
	leEncode(buf[:], value)

	if _, err := unix.PtracePokeText(c.pid, uintptr(addr), buf[:]); err != nil {
		return ctierrors.Wrap(ctierrors.MpirError, "ptrace poke failed", err)
	}

	return nil
}

// peekString reads a NUL-terminated string out of the tracee's address
// space, 8 bytes at a time, up to a sanity limit.
func (c *Controller) peekString(addr uint64) (string, error) {
	const maxLen = 4096

	var out []byte
	for len(out) < maxLen {
		word, err := c.peekWord(addr + uint64(len(out)))
		if err != nil {
			return "", err
		}

		var buf [8]byte
		leEncode(buf[:], word)

		for _, b := range buf {
			if b == 0 {
				return string(out), nil
			}
			out = append(out, b)
		}
	}

	return "", ctierrors.New(ctierrors.MpirError, fmt.Sprintf("string at 0x%x exceeds %d bytes", addr, maxLen))
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}

	return v
}

func leEncode(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}
