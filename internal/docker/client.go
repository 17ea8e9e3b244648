// Package docker talks to the local Docker daemon.
package docker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/docker/docker/client"
)

// ErrUnavailable indicates the daemon could not be reached.
var ErrUnavailable = errors.New("docker: daemon unavailable")

// Client wraps the Docker SDK client.
type Client struct {
	inner *client.Client
}

// New creates a client from the environment, overriding the host when set.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping validates connectivity to the daemon.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return ErrUnavailable
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("%w: empty API version", ErrUnavailable)
	}
	return nil
}

// ServerVersion returns the engine version, e.g. "26.1.1".
func (c *Client) ServerVersion(ctx context.Context) (string, error) {
	if c == nil || c.inner == nil {
		return "", ErrUnavailable
	}
	v, err := c.inner.ServerVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return strings.TrimSpace(v.Version), nil
}

// Close releases resources held by the client.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
