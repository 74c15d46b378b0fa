// Package execx wraps external tool invocation (ip, dhclient, nmap,
// xfreerdp) behind a cancellable, timeout-bounded runner so that callers
// and tests never touch os/exec directly.
package execx

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/chaoslab/chaosbot/internal/logging"
)

// Result holds the outcome of one command invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes external commands. A non-zero exit is reported in
// Result, not as an error; err is reserved for spawn/cancel failures.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// Local runs commands on this host.
type Local struct {
	// Timeout bounds each command when the caller's context has no
	// earlier deadline. Zero means no extra bound.
	Timeout time.Duration
}

// Run executes a command locally.
func (l Local) Run(ctx context.Context, name string, args ...string) (Result, error) {
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			err = nil
		} else if ctx.Err() != nil {
			// Killed by deadline or cancellation.
			res.ExitCode = -1
			err = ctx.Err()
		}
	}
	return res, err
}

// DryRun logs commands instead of executing them and reports success.
type DryRun struct {
	Log *logging.Logger
}

// Run logs the command line.
func (d DryRun) Run(ctx context.Context, name string, args ...string) (Result, error) {
	if d.Log != nil {
		d.Log.Info(logging.F{Module: "execx"}, "[DRY RUN] %s %s", name, strings.Join(args, " "))
	}
	return Result{Stdout: "dry-run"}, nil
}

// CommandLine renders a command for log output.
func CommandLine(name string, args ...string) string {
	return fmt.Sprintf("%s %s", name, strings.Join(args, " "))
}
