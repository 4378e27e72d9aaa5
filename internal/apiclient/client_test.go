package apiclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"lattice/internal/api"
	"lattice/internal/apiclient"
	"lattice/internal/services"
)

func newClient(t *testing.T, url string) *apiclient.Client {
	t.Helper()
	client, err := apiclient.New(url, "secret", 2*time.Second, apiclient.WithRetry(5, 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return client
}

func TestNewRejectsEmptyURL(t *testing.T) {
	if _, err := apiclient.New("  ", "x", time.Second); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestCompleteRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/api/v1/jobs/7/complete" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req api.CompleteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NodeID != "n1" {
			t.Errorf("bad body %+v err=%v", req, err)
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "database is locked"})
			return
		}
		_ = json.NewEncoder(w).Encode(api.StatusResponse{Status: "ok"})
	}))
	defer srv.Close()

	err := newClient(t, srv.URL).Complete(context.Background(), 7, api.CompleteRequest{NodeID: "n1", Outcome: "completed"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestStatusMapping(t *testing.T) {
	cases := map[int]error{
		http.StatusBadRequest:   services.ErrValidation,
		http.StatusUnauthorized: services.ErrConfiguration,
		http.StatusNotFound:     services.ErrNotFound,
		http.StatusConflict:     services.ErrConflict,
	}
	for status, want := range cases {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "nope"})
		}))
		err := newClient(t, srv.URL).Report(context.Background(), 1, api.FileReportRequest{NodeID: "n1"})
		srv.Close()
		if !errors.Is(err, want) {
			t.Fatalf("status %d: expected %v, got %v", status, want, err)
		}
		if calls.Load() != 1 {
			t.Fatalf("status %d: non-retryable error retried %d times", status, calls.Load())
		}
	}
}

func TestPollIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).Poll(context.Background(), api.PollRequest{NodeID: "n1"})
	if !services.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("poll must not retry, got %d calls", calls.Load())
	}
}

func TestTransportFailureExhaustsAttempts(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newClient(t, url).Register(context.Background(), api.RegisterRequest{NodeID: "n1"})
	if !errors.Is(err, services.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestJobsQueryAndRequestID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != api.PathJobs || q.Get("status") != "queued" || q.Get("type") != "transcode" || q.Get("limit") != "5" {
			t.Errorf("unexpected request %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		if r.Header.Get(api.RequestIDHeader) != "req-9" {
			t.Errorf("missing request id header")
		}
		_ = json.NewEncoder(w).Encode(api.JobsResponse{Jobs: []api.Job{{ID: 4, Status: "queued"}}})
	}))
	defer srv.Close()

	ctx := services.WithRequestID(context.Background(), "req-9")
	resp, err := newClient(t, srv.URL).Jobs(ctx, apiclient.JobsQuery{Status: "queued", Type: "transcode", Limit: 5})
	if err != nil {
		t.Fatalf("Jobs: %v", err)
	}
	if len(resp.Jobs) != 1 || resp.Jobs[0].ID != 4 {
		t.Fatalf("unexpected jobs %+v", resp.Jobs)
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := apiclient.New(srv.URL, "secret", time.Second, apiclient.WithRetry(5, time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = client.Requeue(ctx, 3, api.RequeueRequest{NodeID: "n1"})
	if !errors.Is(err, services.ErrTimeout) {
		t.Fatalf("expected timeout while backing off, got %v", err)
	}
}
