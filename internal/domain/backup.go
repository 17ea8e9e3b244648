package domain

import "time"

// BackupKind distinguishes file tree archives from database dumps.
type BackupKind string

const (
	BackupKindFile     BackupKind = "file"
	BackupKindDatabase BackupKind = "database"
)

// BackupType is full or incremental.
type BackupType string

const (
	BackupFull        BackupType = "full"
	BackupIncremental BackupType = "incremental"
)

// BackupStatus tracks a backup through its workflow.
type BackupStatus string

const (
	BackupPending   BackupStatus = "pending"
	BackupRunning   BackupStatus = "running"
	BackupCompleted BackupStatus = "completed"
	BackupFailed    BackupStatus = "failed"
)

// Backup is a stored archive of a project's files or database.
type Backup struct {
	ID              string
	Kind            BackupKind
	ProjectID       string
	ServerID        *string
	Type            BackupType
	ParentBackupID  *string
	Filename        string
	StorageDriver   string
	StoragePath     string
	SourcePath      string
	DatabaseName    string
	DatabaseEngine  string
	SizeBytes       int64
	Checksum        string
	Manifest        []string
	ExcludePatterns []string
	Encrypted       bool
	Status          BackupStatus
	ErrorMessage    string
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
}

// BackupUpdate carries mutable backup fields. Nil pointers leave the column
// untouched.
type BackupUpdate struct {
	ID           string
	Status       *BackupStatus
	Filename     *string
	StoragePath  *string
	SizeBytes    *int64
	Checksum     *string
	Manifest     []string
	Encrypted    *bool
	ErrorMessage *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}
