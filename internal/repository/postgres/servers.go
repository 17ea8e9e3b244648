package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	"github.com/MohamedRoshdi/devflow-sub019/internal/repository"
)

const serverColumns = `id, name, address, port, username, password_enc, private_key_enc, status, last_ping_at,
	docker_present, docker_version, created_at, updated_at`

// GetServerByID fetches a server and decrypts its credentials.
func (r *Repository) GetServerByID(ctx context.Context, id string) (*domain.Server, error) {
	query := `SELECT ` + serverColumns + ` FROM servers WHERE id = $1`
	s, err := r.scanServer(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return s, nil
}

// ListServersByIDs fetches servers in the order of ids, skipping unknown ones.
func (r *Repository) ListServersByIDs(ctx context.Context, ids []string) ([]domain.Server, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + serverColumns + ` FROM servers WHERE id::text = ANY($1::text[])`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]domain.Server, len(ids))
	for rows.Next() {
		s, err := r.scanServer(rows)
		if err != nil {
			return nil, err
		}
		byID[s.ID] = *s
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	servers := make([]domain.Server, 0, len(byID))
	for _, id := range ids {
		if s, ok := byID[id]; ok {
			servers = append(servers, s)
		}
	}
	return servers, nil
}

// UpdateServerStatus records reachability and optionally the ping time.
func (r *Repository) UpdateServerStatus(ctx context.Context, id string, status domain.ServerStatus, pingedAt *time.Time) error {
	const query = `UPDATE servers
		SET status = $2, last_ping_at = COALESCE($3, last_ping_at), updated_at = NOW()
		WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query, id, string(status), timePtrToNil(pingedAt))
	if err != nil {
		return mapError(err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateServerDocker records the Docker installation state of a server.
func (r *Repository) UpdateServerDocker(ctx context.Context, id string, present bool, version string) error {
	const query = `UPDATE servers SET docker_present = $2, docker_version = $3, updated_at = NOW() WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query, id, present, version)
	if err != nil {
		return mapError(err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *Repository) scanServer(row pgx.Row) (*domain.Server, error) {
	var s domain.Server
	var status string
	var passwordEnc, keyEnc []byte
	if err := row.Scan(
		&s.ID,
		&s.Name,
		&s.Address,
		&s.Port,
		&s.Username,
		&passwordEnc,
		&keyEnc,
		&status,
		&s.LastPingAt,
		&s.DockerPresent,
		&s.DockerVersion,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.Status = domain.ServerStatus(status)
	var err error
	if s.Password, err = r.sealer.OpenString(passwordEnc); err != nil {
		return nil, fmt.Errorf("decrypt server %s password: %w", s.ID, err)
	}
	if s.PrivateKey, err = r.sealer.OpenString(keyEnc); err != nil {
		return nil, fmt.Errorf("decrypt server %s key: %w", s.ID, err)
	}
	return &s, nil
}
