// Package logs streams live deployment output to subscribers.
package logs

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MohamedRoshdi/devflow-sub019/internal/ws"
)

const backlogSize = 200

// Entry is one streamed line.
type Entry struct {
	DeploymentID string    `json:"deployment_id"`
	Stream       string    `json:"stream"`
	Message      string    `json:"message"`
	Status       string    `json:"status,omitempty"`
	At           time.Time `json:"at"`
}

// Service broadcasts deployment progress through the hub and keeps a short
// backlog so late subscribers see recent lines.
type Service struct {
	hub    *ws.Hub
	logger *slog.Logger

	mu      *sync.Mutex
	backlog map[string][]Entry
}

// New constructs a log service.
func New(hub *ws.Hub, logger *slog.Logger) Service {
	return Service{
		hub:     hub,
		logger:  logger.With("component", "deploy-logs"),
		mu:      &sync.Mutex{},
		backlog: make(map[string][]Entry),
	}
}

// Hub returns the subscriber hub for HTTP handlers.
func (s Service) Hub() *ws.Hub {
	return s.hub
}

// Line publishes a single message.
func (s Service) Line(deploymentID, stream, message string) {
	s.publish(Entry{DeploymentID: deploymentID, Stream: stream, Message: message, At: time.Now().UTC()})
}

// Finish publishes the terminal status, closes subscribers and drops the backlog.
func (s Service) Finish(deploymentID, status string) {
	s.publish(Entry{DeploymentID: deploymentID, Stream: "system", Message: "deployment finished", Status: status, At: time.Now().UTC()})
	s.logger.Debug("closing deployment stream", "deployment_id", deploymentID, "status", status, "subscribers", s.hub.Subscribers(deploymentID))
	s.hub.CloseTopic(deploymentID)
	s.mu.Lock()
	delete(s.backlog, deploymentID)
	s.mu.Unlock()
}

// Backlog returns buffered entries encoded for streaming.
func (s Service) Backlog(deploymentID string) [][]byte {
	s.mu.Lock()
	entries := append([]Entry(nil), s.backlog[deploymentID]...)
	s.mu.Unlock()
	out := make([][]byte, 0, len(entries))
	for _, e := range entries {
		if data, err := json.Marshal(e); err == nil {
			out = append(out, data)
		}
	}
	return out
}

// Writer returns an io.Writer that publishes each complete line written to it.
func (s Service) Writer(deploymentID, stream string) *LineWriter {
	return &LineWriter{svc: s, deploymentID: deploymentID, stream: stream}
}

func (s Service) publish(e Entry) {
	s.mu.Lock()
	buf := append(s.backlog[e.DeploymentID], e)
	if len(buf) > backlogSize {
		buf = buf[len(buf)-backlogSize:]
	}
	s.backlog[e.DeploymentID] = buf
	s.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Warn("failed to marshal log entry", "deployment_id", e.DeploymentID, "error", err)
		return
	}
	s.hub.Broadcast(e.DeploymentID, data)
}

// LineWriter splits written bytes into lines.
type LineWriter struct {
	svc          Service
	deploymentID string
	stream       string
	mu           sync.Mutex
	pending      bytes.Buffer
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending.Write(p)
	for {
		line, err := w.pending.ReadString('\n')
		if err != nil {
			w.pending.WriteString(line)
			break
		}
		w.svc.Line(w.deploymentID, w.stream, strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Flush publishes a trailing partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending.Len() > 0 {
		w.svc.Line(w.deploymentID, w.stream, w.pending.String())
		w.pending.Reset()
	}
}
