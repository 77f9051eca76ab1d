package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/whisper-darkly/signalwatch/jsonvalue"
	"github.com/whisper-darkly/signalwatch/spike"
	"github.com/whisper-darkly/signalwatch/store"
)

// ---- fakes ----

type fakeStatsStore struct{ store.StatsStore }

func (f *fakeStatsStore) Upsert(context.Context, string, string, int64, time.Time) error { return nil }
func (f *fakeStatsStore) FindRecent(context.Context, string, int) ([]*store.ServiceStats, error) {
	return nil, nil
}
func (f *fakeStatsStore) DeleteOlderThan(context.Context, time.Time) (int64, error) { return 0, nil }

type fakeEventStore struct {
	store.EventStore
	unassigned []*store.Event
	assigned   map[uuid.UUID]uuid.UUID
}

func (f *fakeEventStore) FindRecentUnassigned(ctx context.Context, since time.Time) ([]*store.Event, error) {
	return f.unassigned, nil
}

func (f *fakeEventStore) AssignIncident(ctx context.Context, eventIDs []uuid.UUID, incidentID uuid.UUID) error {
	if f.assigned == nil {
		f.assigned = map[uuid.UUID]uuid.UUID{}
	}
	for _, id := range eventIDs {
		f.assigned[id] = incidentID
		for _, e := range f.unassigned {
			if e.EventID == id {
				cp := incidentID
				e.IncidentID = &cp
			}
		}
	}
	return nil
}

type fakeIncidentStore struct {
	store.IncidentStore
	incidents map[uuid.UUID]*store.Incident
}

func newFakeIncidentStore() *fakeIncidentStore {
	return &fakeIncidentStore{incidents: map[uuid.UUID]*store.Incident{}}
}

func (f *fakeIncidentStore) Create(ctx context.Context, inc *store.Incident) error {
	f.incidents[inc.IncidentID] = inc
	return nil
}

func (f *fakeIncidentStore) FindExtensionCandidate(ctx context.Context, service string, createdSince time.Time) (*store.Incident, error) {
	for _, inc := range f.incidents {
		if inc.HasService(service) && (inc.Status == store.StatusActive || inc.Status == store.StatusInvestigating) && !inc.CreatedAt.Before(createdSince) {
			return inc, nil
		}
	}
	return nil, nil
}

func (f *fakeIncidentStore) Extend(ctx context.Context, incidentID uuid.UUID, patch store.IncidentExtension) error {
	inc := f.incidents[incidentID]
	inc.EventIDs = append(inc.EventIDs, patch.NewEventIDs...)
	if patch.SeverityScore > inc.SeverityScore {
		inc.SeverityScore = patch.SeverityScore
	}
	inc.AffectedServices = append(inc.AffectedServices, patch.NewServices...)
	inc.Summary = patch.Summary
	return nil
}

func (f *fakeIncidentStore) Get(ctx context.Context, id uuid.UUID) (*store.Incident, error) {
	return f.incidents[id], nil
}

type fakeStore struct {
	store.Store
	ev  *fakeEventStore
	inc *fakeIncidentStore
}

func (f *fakeStore) Events() store.EventStore       { return f.ev }
func (f *fakeStore) Incidents() store.IncidentStore { return f.inc }

func mkEvent(service, errorType string, t time.Time) *store.Event {
	return &store.Event{
		EventID:   uuid.New(),
		Service:   service,
		Severity:  3,
		Timestamp: t,
		Metadata:  jsonvalue.Map(map[string]jsonvalue.Value{"errorType": jsonvalue.Text(errorType)}),
	}
}

// S3 from spec: two events of service=order-service, errorType=DeadlockDetected
// create an incident in run 1; two more similar events in run 2 extend it.
// eventIds.length=4, affectedServices={order-service}, severityScore non-decreased.
func TestAggregationExtendsExistingIncident(t *testing.T) {
	now := time.Now()
	evStore := &fakeEventStore{unassigned: []*store.Event{
		mkEvent("order-service", "DeadlockDetected", now.Add(-50*time.Second)),
		mkEvent("order-service", "DeadlockDetected", now.Add(-40*time.Second)),
	}}
	incStore := newFakeIncidentStore()
	st := &fakeStore{ev: evStore, inc: incStore}
	det := spike.New(&fakeStatsStore{}, spike.Config{})

	w := New(st, det, nil, Config{})

	if err := w.runOnce(context.Background()); err != nil {
		t.Fatalf("run 1: %v", err)
	}
	if len(incStore.incidents) != 1 {
		t.Fatalf("expected 1 incident after run 1, got %d", len(incStore.incidents))
	}
	var firstScore int
	for _, inc := range incStore.incidents {
		if len(inc.EventIDs) != 2 {
			t.Fatalf("expected 2 eventIds after run 1, got %d", len(inc.EventIDs))
		}
		firstScore = inc.SeverityScore
	}

	evStore.unassigned = []*store.Event{
		mkEvent("order-service", "DeadlockDetected", now.Add(-20*time.Second)),
		mkEvent("order-service", "DeadlockDetected", now.Add(-10*time.Second)),
	}
	if err := w.runOnce(context.Background()); err != nil {
		t.Fatalf("run 2: %v", err)
	}

	if len(incStore.incidents) != 1 {
		t.Fatalf("expected still 1 incident after run 2, got %d", len(incStore.incidents))
	}
	for _, inc := range incStore.incidents {
		if len(inc.EventIDs) != 4 {
			t.Errorf("eventIds = %d, want 4", len(inc.EventIDs))
		}
		if len(inc.AffectedServices) != 1 || inc.AffectedServices[0] != "order-service" {
			t.Errorf("affectedServices = %v", inc.AffectedServices)
		}
		if inc.SeverityScore < firstScore {
			t.Errorf("severityScore decreased: %d < %d", inc.SeverityScore, firstScore)
		}
	}
}

func TestErrorTypeFallsBackToSynthetic(t *testing.T) {
	e := &store.Event{Severity: 4, Metadata: jsonvalue.Map(map[string]jsonvalue.Value{})}
	if got := errorTypeFor(e); got != "severity_4" {
		t.Errorf("errorTypeFor = %q, want severity_4", got)
	}
}

func TestClusterEventsGroupsByServiceAndErrorType(t *testing.T) {
	now := time.Now()
	events := []*store.Event{
		mkEvent("a", "Timeout", now),
		mkEvent("a", "Timeout", now),
		mkEvent("a", "Crash", now),
		mkEvent("b", "Timeout", now),
	}
	clusters := clusterEvents(events)
	if len(clusters) != 3 {
		t.Fatalf("clusters = %d, want 3", len(clusters))
	}
	if len(clusters["a|Timeout"].events) != 2 {
		t.Errorf("a|Timeout cluster size = %d, want 2", len(clusters["a|Timeout"].events))
	}
}
