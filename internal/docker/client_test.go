package docker

import (
	"context"
	"errors"
	"testing"
)

func TestNilClientIsUnavailable(t *testing.T) {
	var c *Client
	if err := c.Ping(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := c.ServerVersion(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("expected nil close error, got %v", err)
	}
}

func TestPingUnreachableHost(t *testing.T) {
	c, err := New("unix:///nonexistent/devflow-docker.sock")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	defer c.Close()
	if err := c.Ping(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
