// Package backup archives project files and databases from managed servers
// into object storage and restores them again.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	"github.com/MohamedRoshdi/devflow-sub019/internal/metrics"
	"github.com/MohamedRoshdi/devflow-sub019/internal/notify"
	"github.com/MohamedRoshdi/devflow-sub019/internal/remote"
	"github.com/MohamedRoshdi/devflow-sub019/internal/repository"
	"github.com/MohamedRoshdi/devflow-sub019/internal/service/execution"
	"github.com/MohamedRoshdi/devflow-sub019/internal/storage"
	"github.com/MohamedRoshdi/devflow-sub019/pkg/config"
	"github.com/MohamedRoshdi/devflow-sub019/pkg/crypto"
)

const (
	manifestLimit   = 1000
	cleanupTimeout  = 30 * time.Second
	defaultTimeout  = time.Hour
	filePrefix      = "file-backups"
	databasePrefix  = "database-backups"
	encryptedSuffix = ".age"
)

// DefaultExcludes are left out of every file backup.
var DefaultExcludes = []string{
	"storage/logs/*",
	"storage/framework/cache/*",
	"storage/framework/sessions/*",
	"storage/framework/views/*",
	"node_modules/*",
	"vendor/*",
	".git/*",
	"*.log",
	".env",
	".env.*",
}

var (
	// ErrChainBroken reports a backup chain that cannot be reconstructed.
	ErrChainBroken = errors.New("backup chain broken")
	// ErrNoCipher is returned when a sealed artifact must be read without
	// a configured age identity.
	ErrNoCipher = errors.New("backup is encrypted but no age identity is configured")
)

// Supported database engines.
const (
	EngineMySQL    = "mysql"
	EnginePostgres = "postgresql"
	EngineSQLite   = "sqlite"
)

// Runner executes commands on servers.
type Runner interface {
	Execute(ctx context.Context, target *domain.Server, command string, opts domain.ExecOptions) (*domain.CommandExecution, error)
	Stream(ctx context.Context, target *domain.Server, command string, stdin io.Reader, w io.Writer, opts domain.ExecOptions) (*domain.CommandExecution, error)
	IsLocal(ctx context.Context, target *domain.Server) bool
}

// Staging hands out local scratch directories.
type Staging interface {
	Prepare(id string) (string, error)
	Cleanup(path string) error
}

// Notifier announces failed backups.
type Notifier interface {
	Notify(ctx context.Context, msg notify.Message)
}

// Options tune a file backup.
type Options struct {
	SourcePath string   `json:"source_path,omitempty"`
	Excludes   []string `json:"exclude_patterns,omitempty"`
}

// DatabaseOptions select the database to dump. For sqlite Database is the
// path of the database file.
type DatabaseOptions struct {
	Engine   string `json:"engine" validate:"required,oneof=mysql postgresql sqlite"`
	Database string `json:"database" validate:"required"`
}

// RestoreOptions tune a restore.
type RestoreOptions struct {
	Overwrite  bool   `json:"overwrite"`
	TargetPath string `json:"target_path,omitempty"`
}

// RestoreResult reports the outcome of a restore.
type RestoreResult struct {
	BackupID string   `json:"backup_id"`
	Success  bool     `json:"success"`
	Message  string   `json:"message"`
	Restored []string `json:"restored,omitempty"`
}

// Service runs backup and restore workflows.
type Service struct {
	backups      repository.BackupRepository
	projects     repository.ProjectRepository
	servers      repository.ServerRepository
	runner       Runner
	store        storage.Store
	staging      Staging
	cipher       *crypto.ArchiveCipher
	notifier     Notifier
	metrics      *metrics.Collector
	logger       *slog.Logger
	retention    Retention
	projectsRoot string
	timeout      time.Duration
	now          func() time.Time
	newID        func() string
}

// New constructs the backup service. cipher may be nil.
func New(backups repository.BackupRepository, projects repository.ProjectRepository, servers repository.ServerRepository, runner Runner, store storage.Store, staging Staging, cipher *crypto.ArchiveCipher, notifier Notifier, collector *metrics.Collector, logger *slog.Logger, cfg config.OrchestratorConfig) Service {
	timeout := cfg.DumpTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	root := cfg.ProjectsRoot
	if root == "" {
		root = "/var/www"
	}
	return Service{
		backups:      backups,
		projects:     projects,
		servers:      servers,
		runner:       runner,
		store:        store,
		staging:      staging,
		cipher:       cipher,
		notifier:     notifier,
		metrics:      collector,
		logger:       logger.With("component", "backup"),
		retention:    Retention{Daily: cfg.RetentionDaily, Weekly: cfg.RetentionWeekly, Monthly: cfg.RetentionMonthly},
		projectsRoot: root,
		timeout:      timeout,
		now:          func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
	}
}

// MergeExcludes joins exclude lists, dropping blanks and duplicates while
// keeping first-seen order.
func MergeExcludes(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, p := range list {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// Get returns a backup record.
func (s Service) Get(ctx context.Context, id string) (*domain.Backup, error) {
	return s.backups.GetBackupByID(ctx, id)
}

// List returns a project's backups of a kind, newest first.
func (s Service) List(ctx context.Context, projectID string, kind domain.BackupKind) ([]domain.Backup, error) {
	return s.backups.ListBackupsByProject(ctx, projectID, kind)
}

// CreateFullBackup archives the project's source tree. Lookup problems are
// returned as errors; workflow failures are recorded on the returned backup.
func (s Service) CreateFullBackup(ctx context.Context, projectID string, opts Options) (*domain.Backup, error) {
	project, server, err := s.target(ctx, projectID)
	if err != nil {
		return nil, err
	}
	source := strings.TrimSpace(opts.SourcePath)
	if source == "" {
		source = s.projectDir(project)
	}
	b := s.newBackup(project, server, domain.BackupKindFile, domain.BackupFull)
	b.SourcePath = source
	b.ExcludePatterns = MergeExcludes(DefaultExcludes, project.BackupExcludes(), opts.Excludes)
	b.Filename = fmt.Sprintf("%s_%s_%s.tar.gz", project.Slug, domain.BackupFull, b.CreatedAt.Format("20060102_150405"))

	tmp := s.remoteTemp("backup", b)
	cmd := fmt.Sprintf("cd %s && tar -czf %s%s .", remote.Quote(source), remote.Quote(tmp), tarExcludes(b.ExcludePatterns))
	return s.capture(ctx, project, server, b, cmd, tmp)
}

// CreateIncrementalBackup archives files modified since the parent full
// backup was created.
func (s Service) CreateIncrementalBackup(ctx context.Context, parentID string, opts Options) (*domain.Backup, error) {
	parent, err := s.backups.GetBackupByID(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.Kind != domain.BackupKindFile || parent.Type != domain.BackupFull || parent.Status != domain.BackupCompleted {
		return nil, domain.NewPreconditionError("Parent backup must be a completed full backup")
	}
	project, server, err := s.target(ctx, parent.ProjectID)
	if err != nil {
		return nil, err
	}
	b := s.newBackup(project, server, domain.BackupKindFile, domain.BackupIncremental)
	b.ParentBackupID = &parent.ID
	b.SourcePath = parent.SourcePath
	b.ExcludePatterns = MergeExcludes(parent.ExcludePatterns, opts.Excludes)
	b.Filename = fmt.Sprintf("%s_%s_%s.tar.gz", project.Slug, domain.BackupIncremental, b.CreatedAt.Format("20060102_150405"))

	tmp := s.remoteTemp("backup", b)
	// find selects by mtime only; tar applies the full backup's excludes.
	cmd := fmt.Sprintf("cd %s && find . -type f -newermt %s ! -path './.git/*' -print0 | tar -czf %s --null --no-recursion%s -T -",
		remote.Quote(b.SourcePath),
		remote.Quote(fmt.Sprintf("@%d", parent.CreatedAt.Unix())),
		remote.Quote(tmp),
		tarExcludes(b.ExcludePatterns),
	)
	return s.capture(ctx, project, server, b, cmd, tmp)
}

// CreateDatabaseBackup dumps a database through gzip.
func (s Service) CreateDatabaseBackup(ctx context.Context, projectID string, opts DatabaseOptions) (*domain.Backup, error) {
	if strings.TrimSpace(opts.Database) == "" {
		return nil, domain.NewPreconditionError("Database name is required")
	}
	project, server, err := s.target(ctx, projectID)
	if err != nil {
		return nil, err
	}
	b := s.newBackup(project, server, domain.BackupKindDatabase, domain.BackupFull)
	b.DatabaseEngine = opts.Engine
	b.DatabaseName = opts.Database
	b.Filename = fmt.Sprintf("%s_%s.sql.gz", strings.TrimSuffix(path.Base(opts.Database), path.Ext(opts.Database)), b.CreatedAt.Format("20060102_150405"))

	tmp := s.remoteTemp("dump", b)
	cmd, err := dumpCommand(opts, tmp)
	if err != nil {
		return nil, err
	}
	return s.capture(ctx, project, server, b, cmd, tmp)
}

// GetBackupChain returns the backups needed to restore id: the full base
// followed by its completed incrementals up to and including id, oldest
// first.
func (s Service) GetBackupChain(ctx context.Context, id string) ([]domain.Backup, error) {
	b, err := s.backups.GetBackupByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.chain(ctx, b)
}

func (s Service) chain(ctx context.Context, b *domain.Backup) ([]domain.Backup, error) {
	if b.Type != domain.BackupIncremental {
		return []domain.Backup{*b}, nil
	}
	if b.ParentBackupID == nil {
		return nil, fmt.Errorf("%w: incremental backup %s has no parent", ErrChainBroken, b.ID)
	}
	base, err := s.backups.GetBackupByID(ctx, *b.ParentBackupID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: backup %s references missing parent %s", ErrChainBroken, b.ID, *b.ParentBackupID)
	}
	if err != nil {
		return nil, err
	}
	if base.Type != domain.BackupFull {
		return nil, fmt.Errorf("%w: parent %s of backup %s is not a full backup", ErrChainBroken, base.ID, b.ID)
	}
	children, err := s.backups.ListChildBackups(ctx, base.ID)
	if err != nil {
		return nil, fmt.Errorf("list incrementals: %w", err)
	}
	out := []domain.Backup{*base}
	for _, child := range children {
		if child.ID == b.ID {
			out = append(out, child)
			break
		}
		if child.Status == domain.BackupCompleted && !child.CreatedAt.After(b.CreatedAt) {
			out = append(out, child)
		}
	}
	if out[len(out)-1].ID != b.ID {
		out = append(out, *b)
	}
	return out, nil
}

// RestoreBackup replays the backup's chain onto its server. Files deleted
// after the base was taken are not removed. Lookup and state problems are
// returned as errors; workflow failures are reported in the result.
func (s Service) RestoreBackup(ctx context.Context, id string, opts RestoreOptions) (RestoreResult, error) {
	b, err := s.backups.GetBackupByID(ctx, id)
	if err != nil {
		return RestoreResult{}, err
	}
	if b.Status != domain.BackupCompleted {
		return RestoreResult{}, domain.NewPreconditionError("Cannot restore incomplete backup. Status: " + string(b.Status))
	}
	chain, err := s.chain(ctx, b)
	if err != nil {
		return RestoreResult{}, err
	}
	for _, link := range chain {
		if link.Status != domain.BackupCompleted {
			return RestoreResult{}, fmt.Errorf("%w: backup %s in chain is not completed", ErrChainBroken, link.ID)
		}
	}
	_, server, err := s.target(ctx, b.ProjectID)
	if err != nil {
		return RestoreResult{}, err
	}

	logger := s.logger.With("backup_id", b.ID, "chain_length", len(chain))
	logger.Info("restore started", "overwrite", opts.Overwrite)
	result := RestoreResult{BackupID: b.ID}
	for i := range chain {
		link := chain[i]
		if err := s.restoreOne(ctx, server, &link, opts); err != nil {
			logger.Error("restore failed", "link_id", link.ID, "error", err)
			result.Message = fmt.Sprintf("Restore failed at backup %s: %v", link.ID, err)
			return result, nil
		}
		result.Restored = append(result.Restored, link.ID)
	}
	result.Success = true
	result.Message = fmt.Sprintf("Restored %d backup(s)", len(chain))
	logger.Info("restore finished")
	return result, nil
}

func (s Service) restoreOne(ctx context.Context, server *domain.Server, b *domain.Backup, opts RestoreOptions) error {
	dir, err := s.staging.Prepare("restore-" + b.ID)
	if err != nil {
		return err
	}
	defer s.cleanupLocal(dir)

	local := filepath.Join(dir, b.Filename)
	if err := s.download(ctx, b, local); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	target := local
	if !s.runner.IsLocal(ctx, server) {
		target = s.remoteTemp("restore", b)
		defer s.cleanupRemote(server, target)
		f, err := os.Open(local)
		if err != nil {
			return fmt.Errorf("open staged archive: %w", err)
		}
		record, err := s.runner.Stream(ctx, server, "cat > "+remote.Quote(target), f, io.Discard, s.execOpts(b))
		f.Close()
		if err := commandErr(record, err); err != nil {
			return fmt.Errorf("upload archive: %w", err)
		}
	}

	cmd, err := s.restoreCommand(b, target, opts)
	if err != nil {
		return err
	}
	record, err := s.runner.Execute(ctx, server, cmd, s.execOpts(b))
	if err := commandErr(record, err); err != nil {
		return fmt.Errorf("extract archive: %w", err)
	}
	return nil
}

func (s Service) restoreCommand(b *domain.Backup, archive string, opts RestoreOptions) (string, error) {
	if b.Kind == domain.BackupKindDatabase {
		return restoreDumpCommand(b.DatabaseEngine, b.DatabaseName, archive)
	}
	target := strings.TrimSpace(opts.TargetPath)
	if target == "" {
		target = b.SourcePath
	}
	mode := "--skip-old-files"
	if opts.Overwrite {
		mode = "--overwrite"
	}
	return fmt.Sprintf("mkdir -p %s && tar -xzf %s -C %s %s", remote.Quote(target), remote.Quote(archive), remote.Quote(target), mode), nil
}

// download fetches the stored artifact into local, decrypting it when
// sealed, and verifies the recorded checksum.
func (s Service) download(ctx context.Context, b *domain.Backup, local string) error {
	rc, err := s.store.Get(ctx, b.StoragePath)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", b.StoragePath, err)
	}
	defer rc.Close()

	f, err := os.Create(local)
	if err != nil {
		return fmt.Errorf("create staged archive: %w", err)
	}
	hash := sha256.New()
	w := io.MultiWriter(f, hash)
	var copyErr error
	switch {
	case !b.Encrypted:
		_, copyErr = io.Copy(w, rc)
	case s.cipher == nil:
		copyErr = ErrNoCipher
	default:
		copyErr = s.cipher.Decrypt(w, rc)
	}
	if err := f.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		return fmt.Errorf("download archive: %w", copyErr)
	}
	if b.Checksum != "" && hex.EncodeToString(hash.Sum(nil)) != b.Checksum {
		return fmt.Errorf("Backup %s integrity check failed: checksum mismatch. The backup file may be corrupted.", b.ID)
	}
	return nil
}

// DeleteBackup removes a backup, its incrementals first, then the stored
// artifact, then the record.
func (s Service) DeleteBackup(ctx context.Context, id string) error {
	b, err := s.backups.GetBackupByID(ctx, id)
	if err != nil {
		return err
	}
	return s.remove(ctx, b)
}

func (s Service) remove(ctx context.Context, b *domain.Backup) error {
	children, err := s.backups.ListChildBackups(ctx, b.ID)
	if err != nil {
		return fmt.Errorf("list incrementals of %s: %w", b.ID, err)
	}
	for i := range children {
		if err := s.remove(ctx, &children[i]); err != nil {
			return err
		}
	}
	if b.StoragePath != "" {
		if err := s.store.Delete(ctx, b.StoragePath); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("delete artifact %s: %w", b.StoragePath, err)
		}
	}
	if err := s.backups.DeleteBackup(ctx, b.ID); err != nil {
		return fmt.Errorf("delete backup %s: %w", b.ID, err)
	}
	s.logger.Info("backup deleted", "backup_id", b.ID, "type", b.Type)
	return nil
}

// capture runs the archive command, pulls the archive into staging, stores
// it and records the outcome. Temporary files are removed on every path.
func (s Service) capture(ctx context.Context, project *domain.Project, server *domain.Server, b *domain.Backup, cmd, tmp string) (*domain.Backup, error) {
	if err := s.backups.CreateBackup(ctx, b); err != nil {
		return nil, fmt.Errorf("create backup record: %w", err)
	}
	logger := s.logger.With("backup_id", b.ID, "project_id", project.ID, "kind", b.Kind, "type", b.Type)
	started := s.now()
	running := domain.BackupRunning
	if err := s.backups.UpdateBackup(ctx, domain.BackupUpdate{ID: b.ID, Status: &running, StartedAt: &started}); err != nil {
		return nil, fmt.Errorf("mark backup running: %w", err)
	}
	b.Status = running
	b.StartedAt = &started
	logger.Info("backup started")

	err := s.pipeline(ctx, server, b, cmd, tmp)
	completed := s.now()
	b.CompletedAt = &completed
	update := domain.BackupUpdate{ID: b.ID, CompletedAt: &completed}
	if err != nil {
		b.Status = domain.BackupFailed
		b.ErrorMessage = err.Error()
		update.Status = &b.Status
		update.ErrorMessage = &b.ErrorMessage
		logger.Error("backup failed", "error", err)
		s.notifyFailure(ctx, project, b)
	} else {
		b.Status = domain.BackupCompleted
		update.Status = &b.Status
		update.StoragePath = &b.StoragePath
		update.SizeBytes = &b.SizeBytes
		update.Checksum = &b.Checksum
		update.Manifest = b.Manifest
		update.Encrypted = &b.Encrypted
		logger.Info("backup completed", "size_bytes", b.SizeBytes, "storage_path", b.StoragePath)
	}
	s.metrics.ObserveBackup(string(b.Kind), string(b.Type), string(b.Status), completed.Sub(started))
	if err := s.backups.UpdateBackup(context.WithoutCancel(ctx), update); err != nil {
		return nil, fmt.Errorf("record backup outcome: %w", err)
	}
	return b, nil
}

func (s Service) pipeline(ctx context.Context, server *domain.Server, b *domain.Backup, cmd, tmp string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	defer s.cleanupRemote(server, tmp)

	record, err := s.runner.Execute(ctx, server, cmd, s.execOpts(b))
	if err := commandErr(record, err); err != nil {
		return fmt.Errorf("Failed to create archive: %w", err)
	}

	if b.Kind == domain.BackupKindFile {
		record, err := s.runner.Execute(ctx, server, fmt.Sprintf("tar -tzf %s | head -%d", remote.Quote(tmp), manifestLimit), s.execOpts(b))
		if err := commandErr(record, err); err != nil {
			return fmt.Errorf("Failed to read archive manifest: %w", err)
		}
		b.Manifest = manifest(record.Stdout)
	}

	dir, err := s.staging.Prepare(b.ID)
	if err != nil {
		return err
	}
	defer s.cleanupLocal(dir)

	local := filepath.Join(dir, b.Filename)
	if err := s.fetch(ctx, server, b, tmp, local); err != nil {
		return fmt.Errorf("Failed to transfer archive: %w", err)
	}
	if err := s.upload(ctx, b, local); err != nil {
		return fmt.Errorf("Failed to store archive: %w", err)
	}
	return nil
}

// fetch copies the archive at tmp on server into local and records its
// size and checksum.
func (s Service) fetch(ctx context.Context, server *domain.Server, b *domain.Backup, tmp, local string) error {
	f, err := os.Create(local)
	if err != nil {
		return fmt.Errorf("create staged archive: %w", err)
	}
	defer f.Close()
	hash := sha256.New()
	w := io.MultiWriter(f, hash)

	if s.runner.IsLocal(ctx, server) {
		src, err := os.Open(tmp)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		_, err = io.Copy(w, src)
		src.Close()
		if err != nil {
			return fmt.Errorf("copy archive: %w", err)
		}
	} else {
		record, err := s.runner.Stream(ctx, server, "cat "+remote.Quote(tmp), nil, w, s.execOpts(b))
		if err := commandErr(record, err); err != nil {
			return err
		}
	}
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat staged archive: %w", err)
	}
	b.SizeBytes = info.Size()
	b.Checksum = hex.EncodeToString(hash.Sum(nil))
	return nil
}

func (s Service) upload(ctx context.Context, b *domain.Backup, local string) error {
	prefix := filePrefix
	if b.Kind == domain.BackupKindDatabase {
		prefix = databasePrefix
	}
	key := path.Join(prefix, b.CreatedAt.Format("2006/01/02"), b.Filename)

	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("open staged archive: %w", err)
	}
	defer f.Close()

	if !s.cipher.Enabled() {
		if err := s.store.Put(ctx, key, f, b.SizeBytes); err != nil {
			return err
		}
		b.StoragePath = key
		return nil
	}

	key += encryptedSuffix
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(s.cipher.Encrypt(pw, f))
	}()
	err = s.store.Put(ctx, key, pr, -1)
	pr.CloseWithError(err)
	if err != nil {
		return err
	}
	b.StoragePath = key
	b.Encrypted = true
	return nil
}

func (s Service) cleanupRemote(server *domain.Server, tmp string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	record, err := s.runner.Execute(ctx, server, "rm -f "+remote.Quote(tmp), domain.ExecOptions{Timeout: cleanupTimeout})
	if err := commandErr(record, err); err != nil {
		s.logger.Warn("failed to remove temporary archive", "server_id", server.ID, "path", tmp, "error", err)
	}
}

func (s Service) cleanupLocal(dir string) {
	if err := s.staging.Cleanup(dir); err != nil {
		s.logger.Warn("failed to remove staging directory", "path", dir, "error", err)
	}
}

func (s Service) notifyFailure(ctx context.Context, project *domain.Project, b *domain.Backup) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(context.WithoutCancel(ctx), notify.Message{
		Event:   notify.EventBackupFailed,
		Subject: fmt.Sprintf("Backup of %s failed", project.Name),
		Payload: map[string]any{
			"backup_id":  b.ID,
			"project_id": project.ID,
			"kind":       b.Kind,
			"type":       b.Type,
			"error":      b.ErrorMessage,
		},
	})
}

func (s Service) target(ctx context.Context, projectID string) (*domain.Project, *domain.Server, error) {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	if project.ServerID == nil {
		return nil, nil, domain.NewPreconditionError("Project does not have a server assigned")
	}
	server, err := s.servers.GetServerByID(ctx, *project.ServerID)
	if err != nil {
		return nil, nil, err
	}
	return project, server, nil
}

func (s Service) newBackup(project *domain.Project, server *domain.Server, kind domain.BackupKind, typ domain.BackupType) *domain.Backup {
	serverID := server.ID
	return &domain.Backup{
		ID:            s.newID(),
		Kind:          kind,
		ProjectID:     project.ID,
		ServerID:      &serverID,
		Type:          typ,
		StorageDriver: s.store.Driver(),
		Status:        domain.BackupPending,
		CreatedAt:     s.now(),
	}
}

func (s Service) projectDir(project *domain.Project) string {
	if project.DeployPath != "" {
		return project.DeployPath
	}
	return path.Join(s.projectsRoot, project.Slug)
}

func (s Service) remoteTemp(prefix string, b *domain.Backup) string {
	return fmt.Sprintf("/tmp/%s_%s_%s", prefix, b.ID, b.Filename)
}

func (s Service) execOpts(b *domain.Backup) domain.ExecOptions {
	return domain.ExecOptions{
		Timeout:  s.timeout,
		Metadata: map[string]any{"backup_id": b.ID},
	}
}

func dumpCommand(opts DatabaseOptions, out string) (string, error) {
	db := remote.Quote(opts.Database)
	switch opts.Engine {
	case EngineMySQL:
		return fmt.Sprintf("mysqldump --single-transaction --quick --lock-tables=false %s | gzip > %s", db, remote.Quote(out)), nil
	case EnginePostgres:
		return fmt.Sprintf("pg_dump %s | gzip > %s", db, remote.Quote(out)), nil
	case EngineSQLite:
		return fmt.Sprintf("cat %s | gzip > %s", db, remote.Quote(out)), nil
	default:
		return "", domain.NewPreconditionError("Unsupported database engine: " + opts.Engine)
	}
}

func restoreDumpCommand(engine, database, archive string) (string, error) {
	switch engine {
	case EngineMySQL:
		return fmt.Sprintf("gunzip < %s | mysql %s", remote.Quote(archive), remote.Quote(database)), nil
	case EnginePostgres:
		return fmt.Sprintf("gunzip < %s | psql %s", remote.Quote(archive), remote.Quote(database)), nil
	case EngineSQLite:
		return fmt.Sprintf("gunzip < %s > %s", remote.Quote(archive), remote.Quote(database)), nil
	default:
		return "", fmt.Errorf("unsupported database engine %q", engine)
	}
}

func tarExcludes(patterns []string) string {
	var b strings.Builder
	for _, p := range patterns {
		b.WriteString(" --exclude=")
		b.WriteString(remote.Quote(p))
	}
	return b.String()
}

func manifest(out string) []string {
	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == "./" {
			continue
		}
		files = append(files, line)
		if len(files) == manifestLimit {
			break
		}
	}
	return files
}

func commandErr(record *domain.CommandExecution, err error) error {
	if err != nil {
		return err
	}
	if record.Succeeded() {
		return nil
	}
	if stderr := strings.TrimSpace(record.Stderr); stderr != "" {
		return errors.New(stderr)
	}
	if cause := execution.Err(record); cause != nil {
		return cause
	}
	return errors.New(record.ErrorMessage)
}
