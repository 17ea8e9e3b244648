package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// OrchestratorConfig holds runtime configuration for the orchestrator service.
type OrchestratorConfig struct {
	Environment   string `yaml:"environment"`
	Addr          string `yaml:"addr" validate:"required"`
	LogLevel      string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	DatabaseURL   string `yaml:"database_url" validate:"required"`
	MigrationsDir string `yaml:"migrations_dir" validate:"required"`
	JWTSecret     string `yaml:"jwt_secret" validate:"required"`
	EncryptionKey string `yaml:"encryption_key" validate:"required"`
	WebhookSecret string `yaml:"webhook_secret"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" validate:"gte=0"`
	QueueName     string `yaml:"queue_name" validate:"required"`

	WorkerConcurrency int           `yaml:"worker_concurrency" validate:"gte=1"`
	WorkerPollEvery   time.Duration `yaml:"worker_poll_every"`
	ReaperInterval    time.Duration `yaml:"reaper_interval"`
	DeploymentStale   time.Duration `yaml:"deployment_stale_after"`
	ApprovalTTL       time.Duration `yaml:"approval_ttl"`

	BulkConcurrency   int     `yaml:"bulk_concurrency" validate:"gte=1"`
	BulkRatePerSecond float64 `yaml:"bulk_rate_per_second" validate:"gte=0"`

	CommandTimeout     time.Duration `yaml:"command_timeout"`
	DeployTimeout      time.Duration `yaml:"deploy_timeout"`
	InstallTimeout     time.Duration `yaml:"install_timeout"`
	DumpTimeout        time.Duration `yaml:"dump_timeout"`
	HealthCheckTimeout time.Duration `yaml:"health_check_timeout"`
	MaxOutputBytes     int           `yaml:"max_output_bytes" validate:"gte=1024"`
	SudoPasswordDelay  time.Duration `yaml:"sudo_password_delay"`
	SSHKeySearchPaths  []string      `yaml:"ssh_key_search_paths"`

	LocalAddresses []string `yaml:"local_addresses"`
	PublicIPLookup bool     `yaml:"public_ip_lookup"`
	PublicIPURL    string   `yaml:"public_ip_url" validate:"omitempty,url"`

	NotifyWebhookURLs []string      `yaml:"notify_webhook_urls" validate:"dive,url"`
	NotifyTimeout     time.Duration `yaml:"notify_timeout"`

	StorageDriver      string `yaml:"storage_driver" validate:"oneof=local s3 gcs"`
	StorageLocalRoot   string `yaml:"storage_local_root"`
	S3Bucket           string `yaml:"s3_bucket" validate:"required_if=StorageDriver s3"`
	S3Region           string `yaml:"s3_region"`
	S3Endpoint         string `yaml:"s3_endpoint"`
	S3AccessKey        string `yaml:"s3_access_key"`
	S3SecretKey        string `yaml:"s3_secret_key"`
	GCSBucket          string `yaml:"gcs_bucket" validate:"required_if=StorageDriver gcs"`
	GCSCredentialsFile string `yaml:"gcs_credentials_file"`

	BackupStagingDir    string   `yaml:"backup_staging_dir" validate:"required"`
	BackupAgeRecipients []string `yaml:"backup_age_recipients"`
	BackupAgeIdentity   string   `yaml:"backup_age_identity"`
	RetentionDaily      int      `yaml:"retention_daily" validate:"gte=0"`
	RetentionWeekly     int      `yaml:"retention_weekly" validate:"gte=0"`
	RetentionMonthly    int      `yaml:"retention_monthly" validate:"gte=0"`

	VCSMirrorRoot string        `yaml:"vcs_mirror_root"`
	VCSToken      string        `yaml:"vcs_token"`
	DockerHost    string        `yaml:"docker_host"`
	ProjectsRoot  string        `yaml:"projects_root" validate:"required"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`

	RateLimitRedis bool `yaml:"rate_limit_redis"`
}

// LoadOrchestratorConfig constructs an OrchestratorConfig from environment variables.
func LoadOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("ORCHESTRATOR_ADDR", ":4000"),
		LogLevel:      GetString("LOG_LEVEL", "info"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://devflow:devflow@db:5432/devflow?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		JWTSecret:     GetString("JWT_SECRET", "supersecuresecret"),
		EncryptionKey: GetString("ENCRYPTION_KEY", "supersecuresecret"),
		WebhookSecret: GetString("GIT_WEBHOOK_SECRET", ""),

		RedisAddr:     GetString("REDIS_ADDR", ""),
		RedisPassword: GetString("REDIS_PASSWORD", ""),
		RedisDB:       GetInt("REDIS_DB", 0),
		QueueName:     GetString("QUEUE_NAME", "deployments"),

		WorkerConcurrency: GetInt("WORKER_CONCURRENCY", 2),
		WorkerPollEvery:   GetSeconds("WORKER_POLL_SECONDS", 2),
		ReaperInterval:    GetSeconds("REAPER_INTERVAL_SECONDS", 60),
		DeploymentStale:   time.Duration(GetInt("DEPLOYMENT_STALE_MINUTES", 60)) * time.Minute,
		ApprovalTTL:       time.Duration(GetInt("APPROVAL_TTL_HOURS", 72)) * time.Hour,

		BulkConcurrency:   GetInt("BULK_CONCURRENCY", 8),
		BulkRatePerSecond: float64(GetInt("BULK_RATE_PER_SECOND", 0)),

		CommandTimeout:     GetSeconds("COMMAND_TIMEOUT_SECONDS", 10),
		DeployTimeout:      GetSeconds("DEPLOY_TIMEOUT_SECONDS", 600),
		InstallTimeout:     GetSeconds("INSTALL_TIMEOUT_SECONDS", 600),
		DumpTimeout:        GetSeconds("DUMP_TIMEOUT_SECONDS", 3600),
		HealthCheckTimeout: GetSeconds("HEALTH_CHECK_TIMEOUT_SECONDS", 10),
		MaxOutputBytes:     GetInt("MAX_OUTPUT_BYTES", 64*1024),
		SudoPasswordDelay:  time.Duration(GetInt("SUDO_PASSWORD_DELAY_MS", 500)) * time.Millisecond,
		SSHKeySearchPaths:  GetList("SSH_KEY_SEARCH_PATHS", []string{"/tmp/host_ssh_key", "/root/.ssh/id_ed25519", "/root/.ssh/id_rsa"}),

		LocalAddresses: GetList("LOCAL_ADDRESSES", nil),
		PublicIPLookup: GetBool("PUBLIC_IP_LOOKUP", false),
		PublicIPURL:    GetString("PUBLIC_IP_URL", "https://api.ipify.org"),

		NotifyWebhookURLs: GetList("NOTIFY_WEBHOOK_URLS", nil),
		NotifyTimeout:     GetSeconds("NOTIFY_TIMEOUT_SECONDS", 5),

		StorageDriver:      GetString("STORAGE_DRIVER", "local"),
		StorageLocalRoot:   GetString("STORAGE_LOCAL_ROOT", "/var/lib/devflow/storage"),
		S3Bucket:           GetString("S3_BUCKET", ""),
		S3Region:           GetString("S3_REGION", "us-east-1"),
		S3Endpoint:         GetString("S3_ENDPOINT", ""),
		S3AccessKey:        GetString("S3_ACCESS_KEY", ""),
		S3SecretKey:        GetString("S3_SECRET_KEY", ""),
		GCSBucket:          GetString("GCS_BUCKET", ""),
		GCSCredentialsFile: GetString("GCS_CREDENTIALS_FILE", ""),

		BackupStagingDir:    GetString("BACKUP_STAGING_DIR", "/var/lib/devflow/staging"),
		BackupAgeRecipients: GetList("BACKUP_AGE_RECIPIENTS", nil),
		BackupAgeIdentity:   GetString("BACKUP_AGE_IDENTITY", ""),
		RetentionDaily:      GetInt("BACKUP_RETENTION_DAILY", 7),
		RetentionWeekly:     GetInt("BACKUP_RETENTION_WEEKLY", 4),
		RetentionMonthly:    GetInt("BACKUP_RETENTION_MONTHLY", 3),

		VCSMirrorRoot: GetString("VCS_MIRROR_ROOT", "/var/lib/devflow/mirrors"),
		VCSToken:      GetString("VCS_TOKEN", ""),
		DockerHost:    GetString("DOCKER_HOST", ""),
		ProjectsRoot:  GetString("PROJECTS_ROOT", "/var/www"),
		CacheTTL:      GetSeconds("CACHE_TTL_SECONDS", 300),

		RateLimitRedis: GetBool("RATE_LIMIT_REDIS", true),
	}
}

// Load reads environment configuration, applies the optional YAML overlay
// named by ORCHESTRATOR_CONFIG and validates the result.
func Load() (OrchestratorConfig, error) {
	cfg := LoadOrchestratorConfig()
	if path := strings.TrimSpace(GetString("ORCHESTRATOR_CONFIG", "")); path != "" {
		if err := ApplyFile(path, &cfg); err != nil {
			return OrchestratorConfig{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return OrchestratorConfig{}, err
	}
	return cfg, nil
}

// ApplyFile overlays values from a YAML document onto cfg. Keys absent from
// the document keep their current value. ${VAR} references are expanded.
func ApplyFile(path string, cfg *OrchestratorConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// Validate checks structural constraints on the configuration.
func (c OrchestratorConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// SlogLevel maps LogLevel onto a slog.Level.
func (c OrchestratorConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
