package postgres

import (
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	"github.com/MohamedRoshdi/devflow-sub019/internal/repository"
	"github.com/MohamedRoshdi/devflow-sub019/internal/sanitize"
	"github.com/MohamedRoshdi/devflow-sub019/pkg/crypto"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool   *pgxpool.Pool
	sealer *crypto.Sealer
}

// New constructs a Repository. The sealer decrypts stored server
// credentials and project environment variables.
func New(pool *pgxpool.Pool, sealer *crypto.Sealer) *Repository {
	return &Repository{pool: pool, sealer: sealer}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ServerRepository     = (*Repository)(nil)
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.ApprovalRepository   = (*Repository)(nil)
	_ repository.ExecutionRepository  = (*Repository)(nil)
	_ repository.AuditRepository      = (*Repository)(nil)
	_ repository.UserRepository       = (*Repository)(nil)
	_ repository.BackupRepository     = (*Repository)(nil)
	_ repository.TenantRepository     = (*Repository)(nil)
)

// mapError translates driver errors into repository sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return repository.ErrNotFound
		case "23505":
			if pgErr.ConstraintName == activeDeploymentIndex {
				return repository.ErrActiveDeployment
			}
			return repository.ErrInvalidArgument
		case "23514", "22P02":
			return repository.ErrInvalidArgument
		}
	}
	return err
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func stringPtrToNil(v *string) any {
	if v == nil || strings.TrimSpace(*v) == "" {
		return nil
	}
	return *v
}

func timePtrToNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func intPtrToNil(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// textPtr normalises optional text for a TEXT column, keeping nil as NULL.
func textPtr(v *string) any {
	if v == nil {
		return nil
	}
	return sanitize.Text(*v)
}

func bytesToNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func statusStrings(statuses []domain.DeploymentStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}
