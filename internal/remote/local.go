package remote

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// Local runs commands on this host through bash.
type Local struct {
	Shell string
}

// Run executes req.Command with `bash -c`. Connection fields are ignored.
func (l Local) Run(ctx context.Context, req Request) (Result, error) {
	shell := l.Shell
	if shell == "" {
		shell = "bash"
	}
	ctx, cancel := withTimeout(ctx, req.Timeout)
	defer cancel()

	command := req.Command
	if req.Elevated {
		command = elevate(command, currentUser())
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Stdout = stdoutFor(req, &stdout)
	cmd.Stdin = req.Stdin
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second
	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, timeoutOr(ctx, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &ExitError{Code: res.ExitCode}
	}
	return res, err
}
