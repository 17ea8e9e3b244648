package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MohamedRoshdi/devflow-sub019/internal/app/migrate"
	"github.com/MohamedRoshdi/devflow-sub019/pkg/config"
	"github.com/MohamedRoshdi/devflow-sub019/pkg/logger"
)

const usage = `usage: migrate [flags] <up|down|status|check>

  up      apply pending migrations
  down    roll back the latest migration, or down to -to
  status  list migrations and when they were applied
  check   exit 1 when migrations are pending
`

func main() {
	timeout := flag.Duration("timeout", 2*time.Minute, "overall deadline")
	downTo := flag.Int64("to", 0, "version to roll back to (down only)")
	dir := flag.String("dir", "", "migrations directory (overrides MIGRATIONS_DIR)")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	command := strings.ToLower(flag.Arg(0))
	if command == "" {
		command = "up"
	}

	cfg := config.LoadOrchestratorConfig()
	if path := strings.TrimSpace(os.Getenv("ORCHESTRATOR_CONFIG")); path != "" {
		if err := config.ApplyFile(path, &cfg); err != nil {
			logger.New("migrate", slog.LevelInfo).Error("invalid config overlay", "path", path, "error", err)
			os.Exit(1)
		}
	}
	if *dir != "" {
		cfg.MigrationsDir = *dir
	}
	log := logger.New("migrate", cfg.SlogLevel())

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, cfg, log, command, *downTo); err != nil {
		log.Error("migrate failed", "command", command, "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.OrchestratorConfig, log *slog.Logger, command string, downTo int64) error {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.MigrationsDir, log)
	if err != nil {
		return err
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		return err
	}

	switch command {
	case "up":
		return runner.Ensure(ctx)
	case "down":
		return runner.Down(ctx, downTo)
	case "status", "check":
		lines, err := runner.Status(ctx)
		if err != nil {
			return err
		}
		pending := printStatus(lines)
		if command == "check" && pending > 0 {
			return fmt.Errorf("%d migration(s) pending", pending)
		}
		return nil
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func printStatus(lines []migrate.StatusLine) int {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tFILE\tAPPLIED")
	pending := 0
	for _, line := range lines {
		applied := "pending"
		if line.Applied {
			applied = line.AppliedAt.UTC().Format(time.RFC3339)
		} else {
			pending++
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", line.Version, line.Path, applied)
	}
	tw.Flush()
	return pending
}
