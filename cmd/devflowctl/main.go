package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	apiclient "github.com/MohamedRoshdi/devflow-sub019/pkg/api/client"
	"github.com/MohamedRoshdi/devflow-sub019/pkg/jwt"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "token":
		err = commandToken(args)
	case "deploy":
		err = commandDeploy(args)
	case "approvals":
		err = commandApprovals(args)
	case "bulk":
		err = commandBulk(args)
	case "backup":
		err = commandBackup(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		printError(err)
		os.Exit(1)
	}
}

func printError(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	var apiErr apiclient.APIError
	if errors.As(err, &apiErr) {
		for _, reason := range apiErr.Reasons {
			fmt.Fprintf(os.Stderr, "  - %s\n", reason)
		}
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	token := fs.String("token", "", "Access token (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default http://localhost:4000)")
	fs.Parse(args)

	secret := strings.TrimSpace(*token)
	if secret == "" {
		value, err := prompt("Access token: ")
		if err != nil {
			return err
		}
		secret = value
	}
	if secret == "" {
		return errors.New("access token is required")
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}
	cfg.AccessToken = secret
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("login successful")
	return nil
}

// commandToken mints a token locally for operators holding the signing secret.
func commandToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	userID := fs.String("user", "", "User identifier")
	name := fs.String("name", "", "Display name")
	ttl := fs.Duration("ttl", 12*time.Hour, "Token lifetime")
	save := fs.Bool("save", false, "Store the token as the active login")
	fs.Parse(args)

	if strings.TrimSpace(*userID) == "" {
		return errors.New("--user is required")
	}
	secret := strings.TrimSpace(os.Getenv("DEVFLOW_JWT_SECRET"))
	if secret == "" {
		value, err := prompt("Signing secret: ")
		if err != nil {
			return err
		}
		secret = value
	}
	if secret == "" {
		return errors.New("signing secret is required")
	}
	token, err := jwt.GenerateToken(*userID, *name, secret, *ttl)
	if err != nil {
		return err
	}
	if *save {
		cfg, _ := loadConfig()
		cfg.AccessToken = token
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Println("token saved")
		return nil
	}
	fmt.Println(token)
	return nil
}

func prompt(label string) (string, error) {
	fmt.Print(label)
	bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Print("\n")
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(string(bytes)), nil
}

func authedClient() (*apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, errors.New("please login first using 'devflowctl login'")
	}
	return apiclient.New(cfg.APIBaseURL, apiclient.WithToken(token))
}

func commandDeploy(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: devflowctl deploy [trigger|schedule|list|rollback|cancel|logs]")
	}
	sub := args[0]
	switch sub {
	case "trigger":
		return deployTrigger(args[1:])
	case "schedule":
		return deploySchedule(args[1:])
	case "list":
		return deployList(args[1:])
	case "rollback":
		return deployRollback(args[1:])
	case "cancel":
		return deployCancel(args[1:])
	case "logs":
		return deployLogs(args[1:])
	default:
		return fmt.Errorf("unknown deploy command: %s", sub)
	}
}

func deployTrigger(args []string) error {
	fs := flag.NewFlagSet("deploy trigger", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	commit := fs.String("commit", "", "Commit SHA")
	follow := fs.Bool("follow", false, "Stream output until the deployment finishes")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dep, err := client.Deploy(ctx, *projectID, *commit)
	if err != nil {
		return err
	}
	fmt.Printf("deployment triggered: %s status=%s\n", dep.ID, dep.Status)
	if dep.Status == domain.DeploymentPendingApproval {
		fmt.Println("deployment is waiting for approval")
		return nil
	}
	if *follow {
		return streamLogs(client, dep.ID)
	}
	return nil
}

func deploySchedule(args []string) error {
	fs := flag.NewFlagSet("deploy schedule", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	at := fs.String("at", "", "RFC3339 start time (empty queues immediately)")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	var when time.Time
	if strings.TrimSpace(*at) != "" {
		parsed, err := time.Parse(time.RFC3339, *at)
		if err != nil {
			return fmt.Errorf("--at: %w", err)
		}
		when = parsed
	}
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	dep, err := client.Schedule(ctx, *projectID, when)
	if err != nil {
		return err
	}
	fmt.Printf("deployment queued: %s status=%s\n", dep.ID, dep.Status)
	return nil
}

func deployList(args []string) error {
	fs := flag.NewFlagSet("deploy list", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	limit := fs.Int("limit", 10, "Maximum number of deployments")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	deployments, err := client.ListDeployments(ctx, *projectID, *limit)
	if err != nil {
		return err
	}
	for _, dep := range deployments {
		commit := dep.CommitHash
		if len(commit) > 7 {
			commit = commit[:7]
		}
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", dep.ID, dep.Status, dep.TriggeredBy, commit, dep.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func deployRollback(args []string) error {
	fs := flag.NewFlagSet("deploy rollback", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	deploymentID := fs.String("to", "", "Successful deployment to roll back to")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" || strings.TrimSpace(*deploymentID) == "" {
		return errors.New("--project and --to are required")
	}
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dep, err := client.Rollback(ctx, *projectID, *deploymentID)
	if err != nil {
		return err
	}
	fmt.Printf("rollback started: %s commit=%s status=%s\n", dep.ID, dep.CommitHash, dep.Status)
	return nil
}

func deployCancel(args []string) error {
	fs := flag.NewFlagSet("deploy cancel", flag.ExitOnError)
	deploymentID := fs.String("deployment", "", "Deployment identifier")
	fs.Parse(args)
	if strings.TrimSpace(*deploymentID) == "" {
		return errors.New("--deployment is required")
	}
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := client.CancelDeployment(ctx, *deploymentID); err != nil {
		return err
	}
	fmt.Println("deployment cancelled")
	return nil
}

func deployLogs(args []string) error {
	fs := flag.NewFlagSet("deploy logs", flag.ExitOnError)
	deploymentID := fs.String("deployment", "", "Deployment identifier")
	follow := fs.Bool("follow", false, "Stream live output")
	fs.Parse(args)
	if strings.TrimSpace(*deploymentID) == "" {
		return errors.New("--deployment is required")
	}
	client, err := authedClient()
	if err != nil {
		return err
	}
	if *follow {
		return streamLogs(client, *deploymentID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logs, err := client.GetDeploymentLogs(ctx, *deploymentID)
	if err != nil {
		return err
	}
	fmt.Print(logs.Logs)
	if !strings.HasSuffix(logs.Logs, "\n") {
		fmt.Println()
	}
	fmt.Printf("status=%s\n", logs.Status)
	return nil
}

func streamLogs(client *apiclient.Client, deploymentID string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var final string
	err := client.StreamLogs(ctx, deploymentID, func(line apiclient.LogLine) {
		if line.Status != "" {
			final = line.Status
		}
		if line.Message == "" {
			return
		}
		out := os.Stdout
		if line.Stream == "stderr" {
			out = os.Stderr
		}
		fmt.Fprintln(out, line.Message)
	})
	if err != nil {
		return err
	}
	if final != "" {
		fmt.Printf("deployment finished: %s\n", final)
		if final != string(domain.DeploymentSuccess) {
			return fmt.Errorf("deployment ended with status %s", final)
		}
	}
	return nil
}

func commandApprovals(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: devflowctl approvals [pending|approve|reject]")
	}
	sub := args[0]
	switch sub {
	case "pending":
		return approvalsPending()
	case "approve":
		return approvalsDecide(args[1:], true)
	case "reject":
		return approvalsDecide(args[1:], false)
	default:
		return fmt.Errorf("unknown approvals command: %s", sub)
	}
}

func approvalsPending() error {
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	approvals, err := client.PendingApprovals(ctx)
	if err != nil {
		return err
	}
	if len(approvals) == 0 {
		fmt.Println("no pending approvals")
		return nil
	}
	for _, a := range approvals {
		fmt.Printf("%s\tdeployment=%s\trequested_by=%s\t%s\n", a.ID, a.DeploymentID, a.RequestedBy, a.RequestedAt.Format(time.RFC3339))
	}
	return nil
}

func approvalsDecide(args []string, approve bool) error {
	name := "approvals reject"
	if approve {
		name = "approvals approve"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	approvalID := fs.String("approval", "", "Approval identifier")
	notes := fs.String("notes", "", "Notes (approve) or reason (reject)")
	fs.Parse(args)

	if strings.TrimSpace(*approvalID) == "" {
		return errors.New("--approval is required")
	}
	if !approve && strings.TrimSpace(*notes) == "" {
		return errors.New("--notes is required when rejecting")
	}
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var a domain.DeploymentApproval
	if approve {
		a, err = client.Approve(ctx, *approvalID, *notes)
	} else {
		a, err = client.Reject(ctx, *approvalID, *notes)
	}
	if err != nil {
		return err
	}
	fmt.Printf("approval %s %s\n", a.ID, a.Status)
	return nil
}

func commandBulk(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: devflowctl bulk <ping|reboot|restart_service|install_docker|deploy|tenant_deploy> --ids a,b")
	}
	operation := args[0]
	fs := flag.NewFlagSet("bulk "+operation, flag.ExitOnError)
	ids := fs.String("ids", "", "Comma separated target identifiers")
	service := fs.String("service", "", "Service name for restart_service")
	projectID := fs.String("project", "", "Project identifier for tenant_deploy")
	fs.Parse(args[1:])

	targets := splitList(*ids)
	if len(targets) == 0 {
		return errors.New("--ids is required")
	}
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	out, err := client.Bulk(ctx, operation, apiclient.BulkRequest{IDs: targets, Service: *service, ProjectID: *projectID})
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(out.Results))
	for id := range out.Results {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	for _, id := range keys {
		res := out.Results[id]
		state := "ok"
		if !res.Success {
			state = "failed"
		}
		fmt.Printf("%s\t%s\t%s\n", id, state, res.Message)
	}
	fmt.Printf("total=%d successful=%d failed=%d\n", out.Summary.Total, out.Summary.Successful, out.Summary.Failed)
	if out.Summary.Failed > 0 {
		return fmt.Errorf("%d of %d targets failed", out.Summary.Failed, out.Summary.Total)
	}
	return nil
}

func commandBackup(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: devflowctl backup [create|incremental|database|list|restore|delete]")
	}
	sub := args[0]
	switch sub {
	case "create":
		return backupCreate(args[1:])
	case "incremental":
		return backupIncremental(args[1:])
	case "database":
		return backupDatabase(args[1:])
	case "list":
		return backupList(args[1:])
	case "restore":
		return backupRestore(args[1:])
	case "delete":
		return backupDelete(args[1:])
	default:
		return fmt.Errorf("unknown backup command: %s", sub)
	}
}

func backupCreate(args []string) error {
	fs := flag.NewFlagSet("backup create", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	exclude := fs.String("exclude", "", "Comma separated exclude patterns")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	b, err := client.CreateFileBackup(ctx, *projectID, splitList(*exclude))
	if err != nil {
		return err
	}
	return reportBackup(b)
}

func backupIncremental(args []string) error {
	fs := flag.NewFlagSet("backup incremental", flag.ExitOnError)
	parentID := fs.String("parent", "", "Backup to build on")
	fs.Parse(args)

	if strings.TrimSpace(*parentID) == "" {
		return errors.New("--parent is required")
	}
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	b, err := client.CreateIncrementalBackup(ctx, *parentID)
	if err != nil {
		return err
	}
	return reportBackup(b)
}

func backupDatabase(args []string) error {
	fs := flag.NewFlagSet("backup database", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	engine := fs.String("engine", "mysql", "Database engine (mysql|postgresql|sqlite)")
	database := fs.String("database", "", "Database name or sqlite file path")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" || strings.TrimSpace(*database) == "" {
		return errors.New("--project and --database are required")
	}
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	b, err := client.CreateDatabaseBackup(ctx, *projectID, *engine, *database)
	if err != nil {
		return err
	}
	return reportBackup(b)
}

func reportBackup(b domain.Backup) error {
	if b.Status == domain.BackupFailed {
		return fmt.Errorf("backup %s failed: %s", b.ID, b.ErrorMessage)
	}
	fmt.Printf("backup %s %s size=%d checksum=%s encrypted=%t\n", b.ID, b.Status, b.SizeBytes, b.Checksum, b.Encrypted)
	return nil
}

func backupList(args []string) error {
	fs := flag.NewFlagSet("backup list", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	kind := fs.String("kind", "", "Filter by kind (file|database)")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	backups, err := client.ListBackups(ctx, *projectID, *kind)
	if err != nil {
		return err
	}
	for _, b := range backups {
		parent := "-"
		if b.ParentBackupID != nil {
			parent = *b.ParentBackupID
		}
		fmt.Printf("%s\t%s\t%s\t%s\tparent=%s\t%s\n", b.ID, b.Kind, b.Type, b.Status, parent, b.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func backupRestore(args []string) error {
	fs := flag.NewFlagSet("backup restore", flag.ExitOnError)
	backupID := fs.String("backup", "", "Backup identifier")
	overwrite := fs.Bool("overwrite", false, "Overwrite existing files")
	fs.Parse(args)

	if strings.TrimSpace(*backupID) == "" {
		return errors.New("--backup is required")
	}
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	res, err := client.RestoreBackup(ctx, *backupID, *overwrite)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("restore failed: %s", res.Message)
	}
	fmt.Printf("restored %s: %s\n", res.BackupID, res.Message)
	return nil
}

func backupDelete(args []string) error {
	fs := flag.NewFlagSet("backup delete", flag.ExitOnError)
	backupID := fs.String("backup", "", "Backup identifier")
	fs.Parse(args)

	if strings.TrimSpace(*backupID) == "" {
		return errors.New("--backup is required")
	}
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := client.DeleteBackup(ctx, *backupID); err != nil {
		return err
	}
	fmt.Println("backup deleted")
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBase()}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase()
	}
	return cfg, nil
}

func defaultAPIBase() string {
	if v := strings.TrimSpace(os.Getenv("DEVFLOW_API")); v != "" {
		return v
	}
	return "http://localhost:4000"
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "devflow", "config.json"), nil
}

func printUsage() {
	fmt.Printf("devflowctl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	devflowctl login [--token tok] [--api http://localhost:4000]
	devflowctl token --user <user-id> [--name name] [--ttl 12h] [--save]
	devflowctl deploy trigger --project <project-id> [--commit sha] [--follow]
	devflowctl deploy schedule --project <project-id> [--at 2026-01-02T15:04:05Z]
	devflowctl deploy list --project <project-id> [--limit N]
	devflowctl deploy rollback --project <project-id> --to <deployment-id>
	devflowctl deploy cancel --deployment <deployment-id>
	devflowctl deploy logs --deployment <deployment-id> [--follow]
	devflowctl approvals pending
	devflowctl approvals approve --approval <approval-id> [--notes text]
	devflowctl approvals reject --approval <approval-id> --notes <reason>
	devflowctl bulk <operation> --ids a,b [--service name] [--project <project-id>]
	devflowctl backup create --project <project-id> [--exclude pattern,pattern]
	devflowctl backup incremental --parent <backup-id>
	devflowctl backup database --project <project-id> --database <name> [--engine mysql]
	devflowctl backup list --project <project-id> [--kind file|database]
	devflowctl backup restore --backup <backup-id> [--overwrite]
	devflowctl backup delete --backup <backup-id>
	devflowctl version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
