package domain

import (
	"encoding/json"
	"time"
)

// DeploymentStatus is a state of the deployment lifecycle.
type DeploymentStatus string

const (
	DeploymentScheduled       DeploymentStatus = "scheduled"
	DeploymentPending         DeploymentStatus = "pending"
	DeploymentPendingApproval DeploymentStatus = "pending_approval"
	DeploymentRunning         DeploymentStatus = "running"
	DeploymentSuccess         DeploymentStatus = "success"
	DeploymentFailed          DeploymentStatus = "failed"
	DeploymentCancelled       DeploymentStatus = "cancelled"
)

// ActiveStatuses are the statuses counted by the single active deployment rule.
var ActiveStatuses = []DeploymentStatus{DeploymentPending, DeploymentRunning}

// IsActive reports whether s blocks other deployments of the same project.
func (s DeploymentStatus) IsActive() bool {
	return s == DeploymentPending || s == DeploymentRunning
}

// IsTerminal reports whether s is final.
func (s DeploymentStatus) IsTerminal() bool {
	return s == DeploymentSuccess || s == DeploymentFailed || s == DeploymentCancelled
}

// Trigger records what started a deployment.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerWebhook   Trigger = "webhook"
	TriggerScheduled Trigger = "scheduled"
	TriggerRollback  Trigger = "rollback"
)

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerManual, TriggerWebhook, TriggerScheduled, TriggerRollback:
		return true
	}
	return false
}

// Deployment captures a single attempt to bring a project to a commit.
type Deployment struct {
	ID                   string
	ProjectID            string
	ServerID             *string
	UserID               *string
	Branch               string
	CommitHash           string
	CommitMessage        string
	Status               DeploymentStatus
	TriggeredBy          Trigger
	EnvironmentSnapshot  json.RawMessage
	RollbackDeploymentID *string
	OutputLog            string
	ErrorLog             string
	Metadata             json.RawMessage
	StartedAt            *time.Time
	CompletedAt          *time.Time
	DurationSeconds      *int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// EnvironmentSnapshot is the point-in-time project configuration captured
// when a deployment starts.
type EnvironmentSnapshot struct {
	Branch         string            `json:"branch"`
	Environment    string            `json:"environment"`
	RuntimeVersion string            `json:"php_version"`
	Framework      string            `json:"framework"`
	EnvVariables   map[string]string `json:"env_variables"`
	CapturedAt     time.Time         `json:"captured_at"`
}

// DeploymentUpdate carries mutable deployment fields. Nil pointers leave the
// column untouched.
type DeploymentUpdate struct {
	ID              string
	Status          *DeploymentStatus
	CommitHash      *string
	CommitMessage   *string
	OutputLog       *string
	ErrorLog        *string
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationSeconds *int
	// ExpectStatus makes the update conditional on the current status.
	ExpectStatus []DeploymentStatus
}

// DeploymentStats summarizes a project's recent deployment history.
type DeploymentStats struct {
	Total       int
	Successful  int
	Failed      int
	SuccessRate float64
	AvgDuration float64
}
