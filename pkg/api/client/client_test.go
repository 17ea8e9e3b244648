package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
)

func TestNewNormalisesBaseURL(t *testing.T) {
	cli, err := New("api.example.test:4000/", WithToken("  tok "))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if cli.baseURL != "http://api.example.test:4000" {
		t.Fatalf("unexpected base url %q", cli.baseURL)
	}
	if cli.token != "tok" {
		t.Fatalf("expected trimmed token, got %q", cli.token)
	}
}

func TestDeploySendsTokenAndCommit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/projects/p1/deployments" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected authorization %q", got)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["commit_hash"] != "abc1234" {
			t.Errorf("unexpected commit %q", body["commit_hash"])
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(domain.Deployment{ID: "d1", ProjectID: "p1", Status: domain.DeploymentPending})
	}))
	defer srv.Close()

	cli, _ := New(srv.URL, WithToken("secret"))
	d, err := cli.Deploy(context.Background(), "p1", "abc1234")
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if d.ID != "d1" || d.Status != domain.DeploymentPending {
		t.Fatalf("unexpected deployment %+v", d)
	}
}

func TestAPIErrorCarriesReasons(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":"deployment prerequisites not met","reasons":["Server is offline"]}`)
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	_, err := cli.Deploy(context.Background(), "p1", "")
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusConflict || len(apiErr.Reasons) != 1 || apiErr.Reasons[0] != "Server is offline" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestAPIErrorFallsBackToBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	err := cli.CancelDeployment(context.Background(), "d1")
	var apiErr APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "gateway down" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestBulkDecodesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bulk/ping" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var in BulkRequest
		_ = json.NewDecoder(r.Body).Decode(&in)
		if len(in.IDs) != 2 {
			t.Errorf("expected two ids, got %v", in.IDs)
		}
		_ = json.NewEncoder(w).Encode(BulkResponse{
			Results: map[string]domain.TargetResult{
				"s1": {Success: true, Message: "Server is online"},
				"s2": {Success: false, Message: "Server is offline"},
			},
			Summary: domain.BulkSummary{Total: 2, Successful: 1, Failed: 1},
		})
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	out, err := cli.Bulk(context.Background(), "ping", BulkRequest{IDs: []string{"s1", "s2"}})
	if err != nil {
		t.Fatalf("Bulk: %v", err)
	}
	if out.Summary.Failed != 1 || !out.Results["s1"].Success {
		t.Fatalf("unexpected bulk response %+v", out)
	}
}

func TestStreamLogsParsesEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("expected event-stream accept header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": heartbeat\n\n")
		fmt.Fprint(w, `data: {"stream":"stdout","message":"cloning"}`+"\n\n")
		fmt.Fprint(w, "data: not-json\n\n")
		fmt.Fprint(w, `data: {"stream":"system","message":"deployment finished","status":"success"}`+"\n\n")
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	var lines []LogLine
	if err := cli.StreamLogs(context.Background(), "d1", func(l LogLine) { lines = append(lines, l) }); err != nil {
		t.Fatalf("StreamLogs: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0].Message != "cloning" || lines[1].Status != "success" {
		t.Fatalf("unexpected lines %+v", lines)
	}
}

func TestDeleteBackupAcceptsNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/backups/b1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	if err := cli.DeleteBackup(context.Background(), "b1"); err != nil {
		t.Fatalf("DeleteBackup: %v", err)
	}
}
