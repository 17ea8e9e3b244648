package httpx

import (
	"net/http"
	"time"

	"github.com/MohamedRoshdi/devflow-sub019/internal/ws"
)

// handleDeploymentStream serves live deployment output as Server-Sent
// Events. Buffered lines are replayed before the subscription starts.
func (r *Router) handleDeploymentStream(w http.ResponseWriter, req *http.Request) {
	deploymentID := req.PathValue("deploymentID")
	d, err := r.deploy.Get(req.Context(), deploymentID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	client := ws.NewSSEClient(w, flusher, r.logger)
	for _, line := range r.logs.Backlog(deploymentID) {
		if err := client.Send(line); err != nil {
			return
		}
	}
	if d.Status.IsTerminal() {
		_ = client.Send([]byte(`{"status":"` + string(d.Status) + `"}`))
		return
	}
	hub := r.logs.Hub()
	hub.Register(deploymentID, client)
	defer hub.Unregister(deploymentID, client)
	defer r.metrics.streamOpened("sse")()

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			client.Close()
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				client.Close()
				return
			}
		}
	}
}

// handleDeploymentWS upgrades to a websocket that receives the same lines as
// the SSE stream.
func (r *Router) handleDeploymentWS(w http.ResponseWriter, req *http.Request) {
	deploymentID := req.PathValue("deploymentID")
	if _, err := r.deploy.Get(req.Context(), deploymentID); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	for _, line := range r.logs.Backlog(deploymentID) {
		if err := client.Send(line); err != nil {
			client.Close()
			return
		}
	}
	hub := r.logs.Hub()
	hub.Register(deploymentID, client)
	detach := r.metrics.streamOpened("ws")
	go func() {
		defer detach()
		defer hub.Unregister(deploymentID, client)
		client.ReadPump(3 * r.heartbeat)
	}()
	go func() {
		ticker := time.NewTicker(r.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-client.Done():
				return
			case <-ticker.C:
				if err := client.Ping(); err != nil {
					client.Close()
					return
				}
			}
		}
	}()
}
