package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// NativeSSH shells out to the system ssh client. It serves key-based and
// credential-less targets; the latter rely on keys mounted from the host.
type NativeSSH struct {
	Binary         string
	ConnectTimeout int
	KeySearchPaths []string
	TempDir        string
}

// Args builds the ssh argument vector. keyPath may be empty.
func (n NativeSSH) Args(req Request, keyPath string) []string {
	connectTimeout := n.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10
	}
	args := []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "ConnectTimeout=" + strconv.Itoa(connectTimeout),
		"-o", "LogLevel=ERROR",
		"-o", "BatchMode=yes",
		"-p", strconv.Itoa(port(req.Port)),
	}
	if keyPath != "" {
		args = append(args, "-i", keyPath)
	}
	command := req.Command
	if req.Elevated {
		command = elevate(command, req.User)
	}
	return append(args, req.User+"@"+req.Host, command)
}

// Run executes req through the ssh binary.
func (n NativeSSH) Run(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := withTimeout(ctx, req.Timeout)
	defer cancel()

	if strings.TrimSpace(req.PrivateKey) != "" {
		var res Result
		err := WithKeyFile(n.TempDir, req.PrivateKey, func(path string) error {
			var runErr error
			res, runErr = n.exec(ctx, req, n.Args(req, path))
			return runErr
		})
		return res, err
	}
	return n.exec(ctx, req, n.Args(req, n.ambientKey()))
}

func (n NativeSSH) ambientKey() string {
	for _, path := range n.KeySearchPaths {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

func (n NativeSSH) exec(ctx context.Context, req Request, args []string) (Result, error) {
	binary := n.Binary
	if binary == "" {
		binary = "ssh"
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, args...)
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
	if !errors.As(err, &exitErr) {
		return res, err
	}
	res.ExitCode = exitErr.ExitCode()
	if res.ExitCode == 255 {
		return res, classifySSHFailure(res.Stderr)
	}
	return res, &ExitError{Code: res.ExitCode}
}

// classifySSHFailure interprets the client's diagnostics for exit status 255.
func classifySSHFailure(stderr string) error {
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "too many authentication failures"):
		return ErrAuthFailed
	case strings.Contains(lower, "timed out"):
		return ErrTimeout
	case msg == "":
		return &ExitError{Code: 255}
	default:
		return fmt.Errorf("ssh: %s", msg)
	}
}
