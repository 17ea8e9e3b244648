package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	"github.com/MohamedRoshdi/devflow-sub019/internal/repository"
)

const backupColumns = `id, kind, project_id, server_id, type, parent_backup_id, filename, storage_driver, storage_path,
	source_path, database_name, database_engine, size_bytes, checksum, manifest, exclude_patterns, encrypted, status,
	error_message, started_at, completed_at, created_at`

// CreateBackup inserts a backup record.
func (r *Repository) CreateBackup(ctx context.Context, b *domain.Backup) error {
	manifest, err := encodeManifest(b.Manifest)
	if err != nil {
		return err
	}
	excludes := b.ExcludePatterns
	if excludes == nil {
		excludes = []string{}
	}
	const query = `INSERT INTO backups (id, kind, project_id, server_id, type, parent_backup_id, filename, storage_driver,
			storage_path, source_path, database_name, database_engine, size_bytes, checksum, manifest, exclude_patterns,
			encrypted, status, error_message, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		RETURNING created_at`
	err = r.pool.QueryRow(ctx, query,
		b.ID,
		string(b.Kind),
		b.ProjectID,
		stringPtrToNil(b.ServerID),
		string(b.Type),
		stringPtrToNil(b.ParentBackupID),
		b.Filename,
		b.StorageDriver,
		b.StoragePath,
		b.SourcePath,
		b.DatabaseName,
		b.DatabaseEngine,
		b.SizeBytes,
		b.Checksum,
		manifest,
		excludes,
		b.Encrypted,
		string(b.Status),
		b.ErrorMessage,
		timePtrToNil(b.StartedAt),
		timePtrToNil(b.CompletedAt),
	).Scan(&b.CreatedAt)
	return mapError(err)
}

// GetBackupByID fetches a backup record.
func (r *Repository) GetBackupByID(ctx context.Context, id string) (*domain.Backup, error) {
	query := `SELECT ` + backupColumns + ` FROM backups WHERE id = $1`
	b, err := scanBackup(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return b, nil
}

// UpdateBackup applies the non-nil fields of update.
func (r *Repository) UpdateBackup(ctx context.Context, update domain.BackupUpdate) error {
	manifest, err := encodeManifest(update.Manifest)
	if err != nil {
		return err
	}
	var status any
	if update.Status != nil {
		status = string(*update.Status)
	}
	const query = `UPDATE backups
		SET status = COALESCE($2, status),
			filename = COALESCE($3, filename),
			storage_path = COALESCE($4, storage_path),
			size_bytes = COALESCE($5, size_bytes),
			checksum = COALESCE($6, checksum),
			manifest = COALESCE($7, manifest),
			encrypted = COALESCE($8, encrypted),
			error_message = COALESCE($9, error_message),
			started_at = COALESCE($10, started_at),
			completed_at = COALESCE($11, completed_at)
		WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query,
		update.ID,
		status,
		update.Filename,
		update.StoragePath,
		update.SizeBytes,
		update.Checksum,
		manifest,
		update.Encrypted,
		update.ErrorMessage,
		timePtrToNil(update.StartedAt),
		timePtrToNil(update.CompletedAt),
	)
	if err != nil {
		return mapError(err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListChildBackups returns incrementals whose parent is parentID, oldest first.
func (r *Repository) ListChildBackups(ctx context.Context, parentID string) ([]domain.Backup, error) {
	query := `SELECT ` + backupColumns + ` FROM backups WHERE parent_backup_id = $1 ORDER BY created_at ASC`
	return r.queryBackups(ctx, query, parentID)
}

// ListBackupsByProject returns a project's backups of a kind, newest first.
func (r *Repository) ListBackupsByProject(ctx context.Context, projectID string, kind domain.BackupKind) ([]domain.Backup, error) {
	query := `SELECT ` + backupColumns + ` FROM backups WHERE project_id = $1 AND kind = $2 ORDER BY created_at DESC`
	return r.queryBackups(ctx, query, projectID, string(kind))
}

// ListBackupsByStatus returns backups of a kind in status across all
// projects, newest first.
func (r *Repository) ListBackupsByStatus(ctx context.Context, kind domain.BackupKind, status domain.BackupStatus) ([]domain.Backup, error) {
	query := `SELECT ` + backupColumns + ` FROM backups WHERE kind = $1 AND status = $2 ORDER BY created_at DESC`
	return r.queryBackups(ctx, query, string(kind), string(status))
}

// DeleteBackup removes a backup record. Records referenced by incrementals
// cannot be removed.
func (r *Repository) DeleteBackup(ctx context.Context, id string) error {
	cmdTag, err := r.pool.Exec(ctx, `DELETE FROM backups WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *Repository) queryBackups(ctx context.Context, query string, args ...any) ([]domain.Backup, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var backups []domain.Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		backups = append(backups, *b)
	}
	return backups, rows.Err()
}

func scanBackup(row pgx.Row) (*domain.Backup, error) {
	var b domain.Backup
	var kind, typ, status string
	var manifest []byte
	if err := row.Scan(
		&b.ID,
		&kind,
		&b.ProjectID,
		&b.ServerID,
		&typ,
		&b.ParentBackupID,
		&b.Filename,
		&b.StorageDriver,
		&b.StoragePath,
		&b.SourcePath,
		&b.DatabaseName,
		&b.DatabaseEngine,
		&b.SizeBytes,
		&b.Checksum,
		&manifest,
		&b.ExcludePatterns,
		&b.Encrypted,
		&status,
		&b.ErrorMessage,
		&b.StartedAt,
		&b.CompletedAt,
		&b.CreatedAt,
	); err != nil {
		return nil, err
	}
	b.Kind = domain.BackupKind(kind)
	b.Type = domain.BackupType(typ)
	b.Status = domain.BackupStatus(status)
	if len(manifest) > 0 {
		if err := json.Unmarshal(manifest, &b.Manifest); err != nil {
			return nil, fmt.Errorf("decode backup %s manifest: %w", b.ID, err)
		}
	}
	return &b, nil
}

func encodeManifest(files []string) (any, error) {
	if files == nil {
		return nil, nil
	}
	data, err := json.Marshal(files)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return string(data), nil
}
