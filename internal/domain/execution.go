package domain

import (
	"encoding/json"
	"time"
)

// ExecutionStatus tracks a single command execution.
type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// ExecutionMode records where a command ran.
type ExecutionMode string

const (
	ModeLocal ExecutionMode = "local"
	ModeSSH   ExecutionMode = "ssh"
)

// FailureKind separates connection problems from command problems.
type FailureKind string

const (
	FailureNone      FailureKind = "none"
	FailureAuth      FailureKind = "auth"
	FailureTimeout   FailureKind = "timeout"
	FailureExit      FailureKind = "exit"
	FailureTransport FailureKind = "transport"
)

// CommandExecution is the audit record of one command on one target.
type CommandExecution struct {
	ID           string
	ServerID     *string
	UserID       *string
	Command      string
	Mode         ExecutionMode
	Status       ExecutionStatus
	Stdout       string
	Stderr       string
	ExitCode     *int
	FailureKind  FailureKind
	ErrorMessage string
	DurationMS   int64
	Metadata     json.RawMessage
	StartedAt    time.Time
	CompletedAt  *time.Time
}

// Succeeded reports whether the command ran and exited zero.
func (e CommandExecution) Succeeded() bool {
	return e.Status == ExecutionSuccess
}

// Output returns stdout, falling back to stderr when stdout is empty.
func (e CommandExecution) Output() string {
	if e.Stdout != "" {
		return e.Stdout
	}
	return e.Stderr
}

// ExecOptions tune a single Execute call.
type ExecOptions struct {
	// Elevated runs the whole command as root for non-root logins.
	Elevated bool
	Timeout  time.Duration
	UserID   *string
	Metadata map[string]any
}

// ExecutionFilter narrows execution history queries.
type ExecutionFilter struct {
	ServerID string
	Status   ExecutionStatus
	Limit    int
}
