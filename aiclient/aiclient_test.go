package aiclient

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/whisper-darkly/signalwatch/breaker"
	"github.com/whisper-darkly/signalwatch/store"
)

type fakeClient struct {
	calls   int
	results []struct {
		out string
		err error
	}
}

func (f *fakeClient) Available() bool { return true }

func (f *fakeClient) Complete(ctx context.Context, system, user string) (string, error) {
	r := f.results[f.calls]
	f.calls++
	return r.out, r.err
}

func TestCompleteWithRetrySucceedsAfterTransientFailure(t *testing.T) {
	fc := &fakeClient{results: []struct {
		out string
		err error
	}{
		{err: &StatusError{Code: http.StatusInternalServerError}},
		{out: "ok"},
	}}
	b := breaker.New(breaker.Config{FailureThreshold: 10})
	out, err := CompleteWithRetry(context.Background(), b, fc, "sys", "user", RetryConfig{Base: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if out != "ok" {
		t.Fatalf("out = %q", out)
	}
	if fc.calls != 2 {
		t.Fatalf("calls = %d, want 2", fc.calls)
	}
}

func TestCompleteWithRetryTerminalOn401(t *testing.T) {
	fc := &fakeClient{results: []struct {
		out string
		err error
	}{
		{err: &StatusError{Code: http.StatusUnauthorized}},
	}}
	b := breaker.New(breaker.Config{FailureThreshold: 10})
	_, err := CompleteWithRetry(context.Background(), b, fc, "sys", "user", RetryConfig{Base: time.Millisecond})
	if err == nil {
		t.Fatal("expected terminal error")
	}
	if fc.calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on 401)", fc.calls)
	}
}

func TestCompleteWithRetryExhaustsAttempts(t *testing.T) {
	results := make([]struct {
		out string
		err error
	}, 10)
	for i := range results {
		results[i].err = errors.New("boom")
	}
	fc := &fakeClient{results: results}
	b := breaker.New(breaker.Config{FailureThreshold: 100})
	_, err := CompleteWithRetry(context.Background(), b, fc, "sys", "user", RetryConfig{MaxRetries: 2, Base: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if fc.calls != 3 {
		t.Fatalf("calls = %d, want 3 (1 + 2 retries)", fc.calls)
	}
}

func TestBuildBatchPromptIncludesCoreFields(t *testing.T) {
	incID := uuid.New()
	ic := IncidentContext{
		Incident: &store.Incident{IncidentID: incID, AffectedServices: []string{"payment-service"}},
		Events:   []*store.Event{{EventID: uuid.New(), Service: "payment-service", Severity: 4, Timestamp: time.Now()}},
	}
	prompt := BuildBatchPrompt([]IncidentContext{ic})
	if !strings.Contains(prompt, incID.String()) {
		t.Errorf("prompt missing incident id: %s", prompt)
	}
	if !strings.Contains(prompt, "payment-service") {
		t.Errorf("prompt missing service: %s", prompt)
	}
}

func TestParseBatchResponse(t *testing.T) {
	raw := `{"incidents":[{"incidentId":"abc","summary":"s","rootCause":"r","impact":"i","suggestedActions":["a"]}]}`
	resp, err := ParseBatchResponse(raw)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if len(resp.Incidents) != 1 || resp.Incidents[0].IncidentID != "abc" {
		t.Errorf("resp = %+v", resp)
	}
}
