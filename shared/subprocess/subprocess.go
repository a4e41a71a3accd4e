// Package subprocess wraps os/exec the way the teacher's shared/subprocess
// package does for the storage drivers: a thin helper that runs a helper
// binary to completion and surfaces stderr on failure, rather than callers
// hand-rolling exec.Command/CombinedOutput everywhere. Reconstructed from the
// call-site contract visible in internal/server/storage/drivers/driver_lvm_utils.go
// (the package's own source was not present in the retrieval pack).
package subprocess

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"
)

// RunError wraps a failed helper invocation with its captured stderr.
type RunError struct {
	Name   string
	Args   []string
	Stderr string
	Err    error
}

func (e *RunError) Error() string {
	msg := e.Err.Error()
	if e.Stderr != "" {
		msg = strings.TrimSpace(e.Stderr)
	}

	return e.Name + " " + strings.Join(e.Args, " ") + ": " + msg
}

func (e *RunError) Unwrap() error { return e.Err }

// RunCommand runs name with args to completion and returns trimmed stdout.
// On non-zero exit it returns a *RunError carrying stderr.
func RunCommand(name string, args ...string) (string, error) {
	return RunCommandContext(context.Background(), name, args...)
}

// RunCommandContext is RunCommand with a caller-supplied context for cancellation.
func RunCommandContext(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		return "", &RunError{Name: name, Args: args, Stderr: stderr.String(), Err: err}
	}

	return strings.TrimSpace(stdout.String()), nil
}

// RunCommandWithTimeout is a convenience wrapper for probes (e.g. `flux
// --version`, `palstat --version`) that must not hang indefinitely.
func RunCommandWithTimeout(timeout time.Duration, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return RunCommandContext(ctx, name, args...)
}
