package summarizer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/whisper-darkly/signalwatch/aiclient"
	"github.com/whisper-darkly/signalwatch/breaker"
	"github.com/whisper-darkly/signalwatch/jsonvalue"
	"github.com/whisper-darkly/signalwatch/store"
)

type fakeAI struct {
	available bool
	response  string
	err       error
}

func (f *fakeAI) Available() bool { return f.available }
func (f *fakeAI) Complete(ctx context.Context, system, user string) (string, error) {
	return f.response, f.err
}

type fakeEventStore struct {
	store.EventStore
	byIncident map[uuid.UUID][]*store.Event
}

func (f *fakeEventStore) FindByIncident(ctx context.Context, incidentID uuid.UUID, limit int) ([]*store.Event, error) {
	return f.byIncident[incidentID], nil
}

type fakeIncidentStore struct {
	store.IncidentStore
	needed   []*store.Incident
	patches  map[uuid.UUID]store.IncidentSummaryPatch
	byID     map[uuid.UUID]*store.Incident
}

func (f *fakeIncidentStore) FindBySummaryNeeded(ctx context.Context, since time.Time, limit int) ([]*store.Incident, error) {
	return f.needed, nil
}

func (f *fakeIncidentStore) ApplySummary(ctx context.Context, incidentID uuid.UUID, patch store.IncidentSummaryPatch) error {
	if f.patches == nil {
		f.patches = map[uuid.UUID]store.IncidentSummaryPatch{}
	}
	f.patches[incidentID] = patch
	return nil
}

func (f *fakeIncidentStore) Get(ctx context.Context, id uuid.UUID) (*store.Incident, error) {
	return f.byID[id], nil
}

type fakeStore struct {
	store.Store
	ev  *fakeEventStore
	inc *fakeIncidentStore
}

func (f *fakeStore) Events() store.EventStore       { return f.ev }
func (f *fakeStore) Incidents() store.IncidentStore { return f.inc }

func TestRunOnceSkipsWhenAIUnavailable(t *testing.T) {
	incID := uuid.New()
	inc := &store.Incident{IncidentID: incID, AffectedServices: []string{"svc"}}
	incStore := &fakeIncidentStore{needed: []*store.Incident{inc}, byID: map[uuid.UUID]*store.Incident{incID: inc}}
	st := &fakeStore{ev: &fakeEventStore{}, inc: incStore}

	w := New(st, &fakeAI{available: false}, breaker.New(breaker.Config{}), nil, Config{})
	if err := w.runOnce(context.Background()); err != nil {
		t.Fatalf("err = %v", err)
	}
	if len(incStore.patches) != 0 {
		t.Fatalf("expected no patches applied when unavailable, got %d", len(incStore.patches))
	}
}

func TestProcessBatchAppliesFallbackOnCompletionFailure(t *testing.T) {
	incID := uuid.New()
	inc := &store.Incident{IncidentID: incID, AffectedServices: []string{"payment-service"}, EventIDs: []uuid.UUID{uuid.New()}}
	evStore := &fakeEventStore{byIncident: map[uuid.UUID][]*store.Event{
		incID: {{EventID: uuid.New(), Service: "payment-service", Metadata: jsonvalue.Map(nil)}},
	}}
	incStore := &fakeIncidentStore{byID: map[uuid.UUID]*store.Incident{incID: inc}}
	st := &fakeStore{ev: evStore, inc: incStore}

	ai := &fakeAI{available: true, err: errors.New("provider down")}
	w := New(st, ai, breaker.New(breaker.Config{FailureThreshold: 100}), nil, Config{
		Retry: aiclient.RetryConfig{MaxRetries: 0, Base: time.Millisecond, MaxDelay: time.Millisecond},
	})

	w.processBatch(context.Background(), []*store.Incident{inc})

	patch, ok := incStore.patches[incID]
	if !ok {
		t.Fatal("expected fallback patch applied")
	}
	if patch.AIGeneratedSummary == "" {
		t.Error("fallback summary should not be empty")
	}
}

func TestSummarizeOneBypassesSchedule(t *testing.T) {
	incID := uuid.New()
	inc := &store.Incident{IncidentID: incID, AffectedServices: []string{"svc"}}
	incStore := &fakeIncidentStore{byID: map[uuid.UUID]*store.Incident{incID: inc}}
	evStore := &fakeEventStore{byIncident: map[uuid.UUID][]*store.Event{incID: nil}}
	st := &fakeStore{ev: evStore, inc: incStore}

	w := New(st, &fakeAI{available: false}, breaker.New(breaker.Config{}), nil, Config{})
	if err := w.SummarizeOne(context.Background(), incID); err != nil {
		t.Fatalf("err = %v", err)
	}
	if _, ok := incStore.patches[incID]; !ok {
		t.Fatal("expected fallback applied via manual trigger")
	}
}
