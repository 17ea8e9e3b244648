package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	redis "github.com/redis/go-redis/v9"

	"github.com/MohamedRoshdi/devflow-sub019/internal/app/migrate"
	"github.com/MohamedRoshdi/devflow-sub019/internal/cache"
	"github.com/MohamedRoshdi/devflow-sub019/internal/docker"
	httpx "github.com/MohamedRoshdi/devflow-sub019/internal/http"
	"github.com/MohamedRoshdi/devflow-sub019/internal/metrics"
	"github.com/MohamedRoshdi/devflow-sub019/internal/notify"
	"github.com/MohamedRoshdi/devflow-sub019/internal/queue"
	"github.com/MohamedRoshdi/devflow-sub019/internal/remote"
	"github.com/MohamedRoshdi/devflow-sub019/internal/repository/postgres"
	"github.com/MohamedRoshdi/devflow-sub019/internal/service/approval"
	"github.com/MohamedRoshdi/devflow-sub019/internal/service/audit"
	"github.com/MohamedRoshdi/devflow-sub019/internal/service/backup"
	"github.com/MohamedRoshdi/devflow-sub019/internal/service/bulk"
	"github.com/MohamedRoshdi/devflow-sub019/internal/service/deploy"
	"github.com/MohamedRoshdi/devflow-sub019/internal/service/execution"
	"github.com/MohamedRoshdi/devflow-sub019/internal/service/logs"
	"github.com/MohamedRoshdi/devflow-sub019/internal/service/permission"
	"github.com/MohamedRoshdi/devflow-sub019/internal/service/reaper"
	"github.com/MohamedRoshdi/devflow-sub019/internal/service/server"
	"github.com/MohamedRoshdi/devflow-sub019/internal/service/tenant"
	"github.com/MohamedRoshdi/devflow-sub019/internal/service/webhook"
	"github.com/MohamedRoshdi/devflow-sub019/internal/service/worker"
	"github.com/MohamedRoshdi/devflow-sub019/internal/storage"
	"github.com/MohamedRoshdi/devflow-sub019/internal/vcs"
	"github.com/MohamedRoshdi/devflow-sub019/internal/workspace"
	"github.com/MohamedRoshdi/devflow-sub019/internal/ws"
	"github.com/MohamedRoshdi/devflow-sub019/pkg/config"
	"github.com/MohamedRoshdi/devflow-sub019/pkg/crypto"
	"github.com/MohamedRoshdi/devflow-sub019/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("orchestrator", slog.LevelInfo).Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New("orchestrator", cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	sealer, err := crypto.NewSealer(cfg.EncryptionKey)
	if err != nil {
		log.Error("failed to build credential sealer", "error", err)
		os.Exit(1)
	}
	repo := postgres.New(pool, sealer)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.New(registry)

	var (
		redisClient *redis.Client
		jobs        queue.Queue
		tenantCache cache.Cache
	)
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn("redis unavailable, falling back to in-process queue and cache", "addr", addr, "error", err)
			_ = redisClient.Close()
			redisClient = nil
		}
	}
	if redisClient != nil {
		defer redisClient.Close()
		jobs = queue.NewRedisWithClient(redisClient, cfg.QueueName, log)
		tenantCache = cache.NewRedis(redisClient, log)
	} else {
		jobs = queue.NewMemory()
		tenantCache = cache.NewMemory()
	}

	store, err := storage.Open(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open backup storage", "driver", cfg.StorageDriver, "error", err)
		os.Exit(1)
	}
	staging, err := workspace.New(cfg.BackupStagingDir)
	if err != nil {
		log.Error("failed to prepare backup staging", "error", err)
		os.Exit(1)
	}
	var archiveCipher *crypto.ArchiveCipher
	if len(cfg.BackupAgeRecipients) > 0 || strings.TrimSpace(cfg.BackupAgeIdentity) != "" {
		archiveCipher, err = crypto.NewArchiveCipher(cfg.BackupAgeRecipients, cfg.BackupAgeIdentity)
		if err != nil {
			log.Error("failed to configure backup encryption", "error", err)
			os.Exit(1)
		}
	}

	mirror, err := vcs.NewMirror(cfg.VCSMirrorRoot, cfg.VCSToken, log)
	if err != nil {
		log.Error("failed to prepare repository mirrors", "error", err)
		os.Exit(1)
	}

	var dockerProbe server.DockerProbe
	if dc, err := docker.New(cfg.DockerHost); err != nil {
		log.Warn("docker engine client unavailable", "error", err)
	} else {
		defer dc.Close()
		dockerProbe = dc
	}

	identity := remote.NewIdentity(remote.IdentityConfig{
		LocalAddresses: cfg.LocalAddresses,
		PublicIPLookup: cfg.PublicIPLookup,
		PublicIPURL:    cfg.PublicIPURL,
		Logger:         log,
	})
	executor := execution.New(repo, identity, execution.Transports{
		Local:    remote.Local{},
		Password: remote.PasswordSSH{SudoDelay: cfg.SudoPasswordDelay},
		Native:   remote.NativeSSH{KeySearchPaths: cfg.SSHKeySearchPaths},
	}, collector, log, cfg)

	notifier := notify.NewWebhook(cfg.NotifyWebhookURLs, cfg.NotifyTimeout, log)
	auditSvc := audit.New(repo, log)
	permSvc := permission.New(repo)
	logSvc := logs.New(ws.NewHub(), log)

	approvalSvc := approval.New(repo, repo, repo, permSvc, notifier, jobs, collector, log)
	deploySvc := deploy.New(repo, repo, repo, mirror, approvalSvc, jobs, auditSvc, collector, log)
	serverSvc := server.New(repo, executor, dockerProbe, log, cfg)
	tenantSvc := tenant.New(repo, repo, repo, executor, tenantCache, log, cfg)
	bulkSvc := bulk.New(repo, repo, serverSvc, deploySvc, tenantSvc, collector, log, cfg)
	backupSvc := backup.New(repo, repo, repo, executor, store, staging, archiveCipher, notifier, collector, log, cfg)
	webhookSvc := webhook.New(cfg.WebhookSecret, repo, deploySvc, log)

	deployWorker := worker.New(jobs, repo, repo, repo, executor, approvalSvc, logSvc, notifier, collector, log, cfg)
	go deployWorker.Run(ctx)
	go reaper.New(repo, approvalSvc, backupSvc, jobs, logSvc, collector, log, cfg).Run(ctx)

	var limiter httpx.RateLimiter
	if cfg.RateLimitRedis && redisClient != nil {
		limiter = httpx.NewRedisRateLimiter(redisClient, log)
	}

	router := httpx.NewRouter(log, httpx.Services{
		Deploy:      deploySvc,
		Approvals:   approvalSvc,
		Servers:     serverSvc,
		Bulk:        bulkSvc,
		Tenants:     tenantSvc,
		Backups:     backupSvc,
		Executions:  executor,
		Audit:       auditSvc,
		Permissions: permSvc,
		Webhook:     webhookSvc,
		Logs:        logSvc,
	}, cfg.JWTSecret, limiter, pool.Ping, registry)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("orchestrator starting", "addr", cfg.Addr, "storage", store.Driver(), "queue", queueKind(redisClient))
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("orchestrator stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func queueKind(client *redis.Client) string {
	if client == nil {
		return "memory"
	}
	return "redis"
}
