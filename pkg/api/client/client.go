package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
)

// Client provides typed access to the orchestrator API for interactive tools.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	streamHTTP *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
			c.streamHTTP = h
		}
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL: strings.TrimRight(trimmed, "/"),
		// bulk operations wait for every target
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		streamHTTP: &http.Client{},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
	Reasons []string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) request(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	req, err := c.request(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return extractError(resp.StatusCode, resp.Body)
	}
	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(status int, body io.Reader) APIError {
	apiErr := APIError{Status: status}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return apiErr
	}
	var payload struct {
		Error   string   `json:"error"`
		Reasons []string `json:"reasons"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(payload.Error)
	apiErr.Reasons = payload.Reasons
	return apiErr
}

func escape(id string) string {
	return url.PathEscape(id)
}

// Deploy starts a manual deployment. An empty commit deploys the branch head.
func (c *Client) Deploy(ctx context.Context, projectID, commit string) (domain.Deployment, error) {
	var d domain.Deployment
	body := map[string]string{"commit_hash": commit}
	err := c.do(ctx, http.MethodPost, "/projects/"+escape(projectID)+"/deployments", body, &d)
	return d, err
}

// Schedule queues a deployment for at. A zero at starts it as soon as a
// worker is free.
func (c *Client) Schedule(ctx context.Context, projectID string, at time.Time) (domain.Deployment, error) {
	body := map[string]any{}
	if !at.IsZero() {
		body["scheduled_at"] = at.UTC()
	}
	var d domain.Deployment
	err := c.do(ctx, http.MethodPost, "/projects/"+escape(projectID)+"/deployments/schedule", body, &d)
	return d, err
}

// Rollback redeploys the commit of a previous successful deployment.
func (c *Client) Rollback(ctx context.Context, projectID, deploymentID string) (domain.Deployment, error) {
	var d domain.Deployment
	err := c.do(ctx, http.MethodPost, "/projects/"+escape(projectID)+"/rollback", map[string]string{"deployment_id": deploymentID}, &d)
	return d, err
}

// ListDeployments returns a project's newest deployments.
func (c *Client) ListDeployments(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	path := "/projects/" + escape(projectID) + "/deployments?limit=" + strconv.Itoa(limit)
	var list []domain.Deployment
	err := c.do(ctx, http.MethodGet, path, nil, &list)
	return list, err
}

// CancelDeployment cancels an active deployment.
func (c *Client) CancelDeployment(ctx context.Context, deploymentID string) error {
	return c.do(ctx, http.MethodPost, "/deployments/"+escape(deploymentID)+"/cancel", nil, nil)
}

// DeploymentLogs is the persisted transcript of a deployment.
type DeploymentLogs struct {
	Logs            string
	Status          domain.DeploymentStatus
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationSeconds *int
}

// GetDeploymentLogs fetches the stored output of a deployment.
func (c *Client) GetDeploymentLogs(ctx context.Context, deploymentID string) (DeploymentLogs, error) {
	var logs DeploymentLogs
	err := c.do(ctx, http.MethodGet, "/deployments/"+escape(deploymentID)+"/logs", nil, &logs)
	return logs, err
}

// LogLine is one streamed deployment line.
type LogLine struct {
	Stream  string    `json:"stream"`
	Message string    `json:"message"`
	Status  string    `json:"status,omitempty"`
	At      time.Time `json:"at"`
}

// StreamLogs follows the live output of a deployment until the server ends
// the stream or ctx is cancelled. fn receives every decoded line.
func (c *Client) StreamLogs(ctx context.Context, deploymentID string, fn func(LogLine)) error {
	req, err := c.request(ctx, http.MethodGet, "/deployments/"+escape(deploymentID)+"/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.streamHTTP.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return extractError(resp.StatusCode, resp.Body)
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var line LogLine
		if err := json.Unmarshal([]byte(data), &line); err != nil {
			continue
		}
		fn(line)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

// PendingApprovals lists approvals the caller may decide.
func (c *Client) PendingApprovals(ctx context.Context) ([]domain.DeploymentApproval, error) {
	var list []domain.DeploymentApproval
	err := c.do(ctx, http.MethodGet, "/approvals/pending", nil, &list)
	return list, err
}

// Approve approves a pending request.
func (c *Client) Approve(ctx context.Context, approvalID, notes string) (domain.DeploymentApproval, error) {
	var a domain.DeploymentApproval
	err := c.do(ctx, http.MethodPost, "/approvals/"+escape(approvalID)+"/approve", map[string]string{"notes": notes}, &a)
	return a, err
}

// Reject rejects a pending request.
func (c *Client) Reject(ctx context.Context, approvalID, reason string) (domain.DeploymentApproval, error) {
	var a domain.DeploymentApproval
	err := c.do(ctx, http.MethodPost, "/approvals/"+escape(approvalID)+"/reject", map[string]string{"reason": reason}, &a)
	return a, err
}

// BulkRequest selects the targets of a bulk operation.
type BulkRequest struct {
	IDs       []string `json:"ids"`
	Service   string   `json:"service,omitempty"`
	ProjectID string   `json:"project_id,omitempty"`
}

// BulkResponse carries per-target outcomes and their summary.
type BulkResponse struct {
	Results map[string]domain.TargetResult `json:"results"`
	Summary domain.BulkSummary             `json:"summary"`
}

// Bulk runs operation over the requested targets.
func (c *Client) Bulk(ctx context.Context, operation string, in BulkRequest) (BulkResponse, error) {
	var out BulkResponse
	err := c.do(ctx, http.MethodPost, "/bulk/"+escape(operation), in, &out)
	return out, err
}

// ListBackups returns a project's backups. kind may be empty.
func (c *Client) ListBackups(ctx context.Context, projectID, kind string) ([]domain.Backup, error) {
	path := "/projects/" + escape(projectID) + "/backups"
	if kind != "" {
		path += "?kind=" + url.QueryEscape(kind)
	}
	var list []domain.Backup
	err := c.do(ctx, http.MethodGet, path, nil, &list)
	return list, err
}

// CreateFileBackup archives the project directory.
func (c *Client) CreateFileBackup(ctx context.Context, projectID string, excludes []string) (domain.Backup, error) {
	var b domain.Backup
	err := c.do(ctx, http.MethodPost, "/projects/"+escape(projectID)+"/backups/files", map[string]any{"exclude_patterns": excludes}, &b)
	return b, err
}

// CreateIncrementalBackup archives files changed since parentID.
func (c *Client) CreateIncrementalBackup(ctx context.Context, parentID string) (domain.Backup, error) {
	var b domain.Backup
	err := c.do(ctx, http.MethodPost, "/backups/"+escape(parentID)+"/incremental", map[string]any{}, &b)
	return b, err
}

// CreateDatabaseBackup dumps a project database.
func (c *Client) CreateDatabaseBackup(ctx context.Context, projectID, engine, database string) (domain.Backup, error) {
	var b domain.Backup
	err := c.do(ctx, http.MethodPost, "/projects/"+escape(projectID)+"/backups/database", map[string]string{"engine": engine, "database": database}, &b)
	return b, err
}

// RestoreResult reports a restore outcome.
type RestoreResult struct {
	BackupID string   `json:"backup_id"`
	Success  bool     `json:"success"`
	Message  string   `json:"message"`
	Restored []string `json:"restored,omitempty"`
}

// RestoreBackup replays a backup and its chain onto the project's server.
func (c *Client) RestoreBackup(ctx context.Context, backupID string, overwrite bool) (RestoreResult, error) {
	var res RestoreResult
	err := c.do(ctx, http.MethodPost, "/backups/"+escape(backupID)+"/restore", map[string]bool{"overwrite": overwrite}, &res)
	return res, err
}

// DeleteBackup removes a backup and the incrementals built on it.
func (c *Client) DeleteBackup(ctx context.Context, backupID string) error {
	return c.do(ctx, http.MethodDelete, "/backups/"+escape(backupID), nil, nil)
}
