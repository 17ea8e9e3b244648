// Package remote runs shell commands on the local host or over SSH.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var (
	// ErrAuthFailed reports rejected credentials.
	ErrAuthFailed = errors.New("remote: authentication failed")
	// ErrTimeout reports a command or connection that exceeded its deadline.
	ErrTimeout = errors.New("remote: timed out")
)

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remote: command exited with status %d", e.Code)
}

// Request describes one command invocation. When Stdout is set the
// command's standard output is streamed there instead of being captured.
type Request struct {
	Host       string
	Port       int
	User       string
	Password   string
	PrivateKey string
	Command    string
	Elevated   bool
	Timeout    time.Duration
	Stdin      io.Reader
	Stdout     io.Writer
}

// Result carries captured output. ExitCode is meaningful only when the
// command ran to completion.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Transport executes a Request.
type Transport interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// IsRoot reports whether user needs no privilege escalation.
func IsRoot(user string) bool {
	return strings.TrimSpace(user) == "root"
}

func stdoutFor(req Request, buf io.Writer) io.Writer {
	if req.Stdout != nil {
		return req.Stdout
	}
	return buf
}

func port(p int) int {
	if p <= 0 {
		return 22
	}
	return p
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// timeoutOr maps a deadline hit on ctx onto ErrTimeout.
func timeoutOr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

// Quote wraps s in single quotes for POSIX shells.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
