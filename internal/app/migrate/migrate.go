package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Runner applies schema migrations with a goose provider bound to the pool.
type Runner struct {
	pool     *pgxpool.Pool
	db       *sql.DB
	provider *goose.Provider
	dir      string
	log      *slog.Logger
}

// StatusLine describes one migration for status output.
type StatusLine struct {
	Version   int64
	Path      string
	Applied   bool
	AppliedAt time.Time
}

// New returns a runner reading migrations from migrationsDir.
func New(pool *pgxpool.Pool, migrationsDir string, log *slog.Logger) (*Runner, error) {
	if pool == nil {
		return nil, errors.New("nil pool provided")
	}
	if migrationsDir == "" {
		return nil, errors.New("empty migrations directory")
	}
	if _, err := os.Stat(migrationsDir); err != nil {
		return nil, fmt.Errorf("locate migrations dir: %w", err)
	}
	return NewFS(pool, os.DirFS(migrationsDir), migrationsDir, log)
}

// NewFS returns a runner reading migrations from fsys.
func NewFS(pool *pgxpool.Pool, fsys fs.FS, label string, log *slog.Logger) (*Runner, error) {
	if pool == nil {
		return nil, errors.New("nil pool provided")
	}
	if log == nil {
		log = slog.Default()
	}
	db := stdlib.OpenDBFromPool(pool)
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("configure goose: %w", err)
	}
	return &Runner{pool: pool, db: db, provider: provider, dir: label, log: log.With("component", "migrate")}, nil
}

// Ensure applies pending migrations.
func (r *Runner) Ensure(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	r.log.Info("applying migrations", "dir", r.dir)
	results, err := r.provider.Up(runCtx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, res := range results {
		r.log.Info("migration applied", "version", res.Source.Version, "duration", res.Duration)
	}
	r.log.Info("migrations applied", "count", len(results))
	return nil
}

// Status reports applied and pending migrations.
func (r *Runner) Status(ctx context.Context) ([]StatusLine, error) {
	statuses, err := r.provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration status: %w", err)
	}
	lines := make([]StatusLine, 0, len(statuses))
	for _, st := range statuses {
		lines = append(lines, StatusLine{
			Version:   st.Source.Version,
			Path:      st.Source.Path,
			Applied:   st.State == goose.StateApplied,
			AppliedAt: st.AppliedAt,
		})
	}
	return lines, nil
}

// Down rolls back the latest migration, or everything above targetVersion
// when it is positive.
func (r *Runner) Down(ctx context.Context, targetVersion int64) error {
	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if targetVersion > 0 {
		r.log.Info("rolling back migrations", "target", targetVersion)
		if _, err := r.provider.DownTo(runCtx, targetVersion); err != nil {
			return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
		}
	} else {
		r.log.Info("rolling back latest migration")
		if _, err := r.provider.Down(runCtx); err != nil {
			return fmt.Errorf("rollback latest migration: %w", err)
		}
	}
	r.log.Info("rollback complete")
	return nil
}

// Ping ensures the database connection is alive.
func (r *Runner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases the provider. The pool stays open for its owner.
func (r *Runner) Close() error {
	return r.provider.Close()
}
