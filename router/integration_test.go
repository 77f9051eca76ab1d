//go:build integration

package router_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/whisper-darkly/signalwatch/breaker"
	"github.com/whisper-darkly/signalwatch/broadcast"
	"github.com/whisper-darkly/signalwatch/queue"
	"github.com/whisper-darkly/signalwatch/ratelimit"
	"github.com/whisper-darkly/signalwatch/router"
	"github.com/whisper-darkly/signalwatch/store"
	"github.com/whisper-darkly/signalwatch/store/sqlite"
	"github.com/whisper-darkly/signalwatch/summarizer"
)

// newTestServer wires a router against an in-memory sqlite store with no
// AI client configured, so the summarization path always takes the
// deterministic fallback.
func newTestServer(t *testing.T) (*httptest.Server, store.Store) {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	hub := broadcast.NewHub()
	t.Cleanup(hub.Stop)

	q := queue.New(db.Events(), hub, queue.Config{BatchInterval: 10 * time.Millisecond})
	q.Start(context.Background())

	cb := breaker.New(breaker.Config{})
	summ := summarizer.New(db, nil, cb, hub, summarizer.Config{})

	h := router.New(router.Deps{
		Store:      db,
		Queue:      q,
		Hub:        hub,
		Limiter:    ratelimit.New(ratelimit.Config{}),
		Breaker:    cb,
		Summarizer: summ,
		JWTSecret:  []byte("test-secret"),
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, db
}

func TestPostEventThenListAndGet(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{"service":"payment-service","severity":4,"metadata":{"errorType":"timeout"}}`
	resp, err := http.Post(srv.URL+"/events", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-RateLimit-Limit") == "" {
		t.Error("expected X-RateLimit-Limit header on ingestion response")
	}

	var created store.Event
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode created event: %v", err)
	}

	// Give the queue's batch drain a moment to persist the event.
	time.Sleep(50 * time.Millisecond)

	getResp, err := http.Get(srv.URL + "/events/" + created.EventID.String())
	if err != nil {
		t.Fatalf("GET /events/{id}: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", getResp.StatusCode)
	}
}

func TestPostEventRejectsInvalidSeverity(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{"service":"payment-service","severity":9}`
	resp, err := http.Post(srv.URL+"/events", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestIncidentsEndpointsRequireAdminForPatch(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/incidents/active")
	if err != nil {
		t.Fatalf("GET /incidents/active: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPatch, srv.URL+"/incidents/00000000-0000-0000-0000-000000000000", bytes.NewBufferString(`{}`))
	patchResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH /incidents/{id}: %v", err)
	}
	defer patchResp.Body.Close()
	if patchResp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without bearer token, got %d", patchResp.StatusCode)
	}
}

func TestCircuitBreakerStatusRequiresAdmin(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/ai/circuit-breaker")
	if err != nil {
		t.Fatalf("GET /ai/circuit-breaker: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without bearer token, got %d", resp.StatusCode)
	}
}
