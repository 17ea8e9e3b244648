package domain

import (
	"encoding/json"
	"time"
)

// Project describes a deployable application hosted on a server.
type Project struct {
	ID                   string
	Name                 string
	Slug                 string
	ServerID             *string
	RepositoryURL        string
	Branch               string
	Environment          string
	Framework            string
	RuntimeVersion       string
	DeployPath           string
	HealthCheckURL       string
	EnvVariables         map[string]string
	Metadata             json.RawMessage
	RequiresApproval     bool
	ApprovalEnvironments []string
	ApprovalBranches     []string
	MultiTenant          bool
	CurrentCommitHash    string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// BackupExcludes reads the backup_excludes list from project metadata.
func (p Project) BackupExcludes() []string {
	if len(p.Metadata) == 0 {
		return nil
	}
	var meta struct {
		BackupExcludes []string `json:"backup_excludes"`
	}
	if err := json.Unmarshal(p.Metadata, &meta); err != nil {
		return nil
	}
	return meta.BackupExcludes
}

// Commit is a VCS revision.
type Commit struct {
	Hash      string
	Message   string
	Author    string
	Timestamp time.Time
}

// UpdateStatus compares a project's deployed commit with its remote branch.
type UpdateStatus struct {
	UpToDate      bool
	LocalCommit   string
	RemoteCommit  string
	CommitsBehind int
}
