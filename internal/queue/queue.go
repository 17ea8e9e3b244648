// Package queue carries deployment jobs from the API to workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrEmptyID rejects jobs without a deployment.
var ErrEmptyID = errors.New("queue: deployment id required")

// Job references a deployment to run. Workers reload the deployment and
// skip it when it is no longer active, so redelivery is harmless.
type Job struct {
	DeploymentID string    `json:"deployment_id"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	NotBefore    time.Time `json:"not_before,omitempty"`
}

// Queue is a delayed work queue with per-deployment claims.
type Queue interface {
	Enqueue(ctx context.Context, deploymentID string, delay time.Duration) error
	// Dequeue blocks up to wait for a due job and returns nil when none arrived.
	Dequeue(ctx context.Context, wait time.Duration) (*Job, error)
	// Claim takes an exclusive lease on a deployment for ttl.
	Claim(ctx context.Context, deploymentID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, deploymentID string) error
	Close() error
}

func encodeJob(job Job) (string, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	return string(data), nil
}

func decodeJob(raw string) (*Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}
