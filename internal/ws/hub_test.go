package ws

import (
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordingSubscriber struct {
	received [][]byte
	fail     bool
	closed   bool
}

func (r *recordingSubscriber) Send(p []byte) error {
	if r.fail {
		return errors.New("broken pipe")
	}
	r.received = append(r.received, p)
	return nil
}

func (r *recordingSubscriber) Close() { r.closed = true }

func TestHubBroadcastDropsFailingClients(t *testing.T) {
	hub := NewHub()
	good := &recordingSubscriber{}
	bad := &recordingSubscriber{fail: true}
	other := &recordingSubscriber{}
	hub.Register("dep-1", good)
	hub.Register("dep-1", bad)
	hub.Register("dep-2", other)

	hub.Broadcast("dep-1", []byte("step 1"))

	if len(good.received) != 1 || string(good.received[0]) != "step 1" {
		t.Fatalf("expected good client to receive payload, got %v", good.received)
	}
	if !bad.closed || hub.Subscribers("dep-1") != 1 {
		t.Fatalf("expected failing client dropped, subscribers=%d", hub.Subscribers("dep-1"))
	}
	if len(other.received) != 0 {
		t.Fatalf("expected other topic untouched")
	}

	hub.CloseTopic("dep-1")
	if !good.closed || hub.Subscribers("dep-1") != 0 {
		t.Fatalf("expected topic closed")
	}
}

func TestSSEClientFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	c := NewSSEClient(rec, rec, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := c.Send([]byte(`{"line":"ok"}`)); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if err := c.Heartbeat(); err != nil {
		t.Fatalf("Heartbeat returned error: %v", err)
	}
	c.Close()
	select {
	case <-c.Done():
	default:
		t.Fatalf("expected Done to be closed")
	}
	if err := c.Send([]byte("late")); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after close, got %v", err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "data: {\"line\":\"ok\"}\n\n") || !strings.Contains(body, ": ping\n\n") {
		t.Fatalf("unexpected body %q", body)
	}
}
