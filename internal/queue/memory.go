package queue

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Queue for single-node installs and tests.
type Memory struct {
	mu      sync.Mutex
	ready   []Job
	delayed []Job
	claims  map[string]time.Time
	signal  chan struct{}
	now     func() time.Time
}

// NewMemory returns an empty in-process queue.
func NewMemory() *Memory {
	return &Memory{
		claims: make(map[string]time.Time),
		signal: make(chan struct{}, 1),
		now:    time.Now,
	}
}

// Enqueue appends a job, deferring it by delay when positive.
func (q *Memory) Enqueue(_ context.Context, deploymentID string, delay time.Duration) error {
	if strings.TrimSpace(deploymentID) == "" {
		return ErrEmptyID
	}
	now := q.now().UTC()
	job := Job{DeploymentID: deploymentID, EnqueuedAt: now}
	q.mu.Lock()
	if delay > 0 {
		job.NotBefore = now.Add(delay)
		q.delayed = append(q.delayed, job)
		sort.SliceStable(q.delayed, func(i, j int) bool { return q.delayed[i].NotBefore.Before(q.delayed[j].NotBefore) })
	} else {
		q.ready = append(q.ready, job)
	}
	q.mu.Unlock()
	q.notify()
	return nil
}

// Dequeue returns the oldest due job, waiting up to wait for one.
func (q *Memory) Dequeue(ctx context.Context, wait time.Duration) (*Job, error) {
	if wait <= 0 {
		wait = time.Second
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	for {
		job, next := q.pop()
		if job != nil {
			return job, nil
		}
		var timer *time.Timer
		var due <-chan time.Time
		if !next.IsZero() {
			timer = time.NewTimer(next.Sub(q.now()))
			due = timer.C
		}
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil, ctx.Err()
		case <-deadline.C:
			stopTimer(timer)
			return nil, nil
		case <-q.signal:
		case <-due:
		}
		stopTimer(timer)
	}
}

// pop returns a ready job or, when none is ready, the time the next
// delayed job comes due.
func (q *Memory) pop() (*Job, time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for len(q.delayed) > 0 && !q.delayed[0].NotBefore.After(now) {
		q.ready = append(q.ready, q.delayed[0])
		q.delayed = q.delayed[1:]
	}
	if len(q.ready) > 0 {
		job := q.ready[0]
		q.ready = q.ready[1:]
		return &job, time.Time{}
	}
	if len(q.delayed) > 0 {
		return nil, q.delayed[0].NotBefore
	}
	return nil, time.Time{}
}

// Claim takes the lease unless an unexpired one exists.
func (q *Memory) Claim(_ context.Context, deploymentID string, ttl time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	if until, ok := q.claims[deploymentID]; ok && now.Before(until) {
		return false, nil
	}
	q.claims[deploymentID] = now.Add(ttl)
	return true, nil
}

// Release drops the lease.
func (q *Memory) Release(_ context.Context, deploymentID string) error {
	q.mu.Lock()
	delete(q.claims, deploymentID)
	q.mu.Unlock()
	return nil
}

// Close is a no-op.
func (q *Memory) Close() error { return nil }

// Len reports ready and delayed job counts.
func (q *Memory) Len() (ready, delayed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), len(q.delayed)
}

func (q *Memory) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
