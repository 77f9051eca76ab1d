package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/whisper-darkly/signalwatch/jsonvalue"
	"github.com/whisper-darkly/signalwatch/store"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEventInsertAndGet(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ev := &store.Event{
		EventID:   uuid.New(),
		Service:   "payment-service",
		Severity:  4,
		Timestamp: time.Now().UTC().Truncate(time.Second),
		Metadata:  jsonvalue.Map(map[string]jsonvalue.Value{"errorType": jsonvalue.Text("timeout")}),
		Tags:      []string{"prod"},
	}

	inserted, rowErrs, err := db.Events().InsertMany(ctx, []*store.Event{ev})
	if err != nil {
		t.Fatalf("insert err = %v", err)
	}
	if inserted != 1 || len(rowErrs) != 0 {
		t.Fatalf("inserted = %d, rowErrs = %v", inserted, rowErrs)
	}

	got, err := db.Events().Get(ctx, ev.EventID)
	if err != nil {
		t.Fatalf("get err = %v", err)
	}
	if got == nil || got.Service != "payment-service" || got.Severity != 4 {
		t.Fatalf("got = %+v", got)
	}
	if got.Metadata.GetText("errorType") != "timeout" {
		t.Errorf("metadata roundtrip failed: %+v", got.Metadata)
	}
}

func TestEventInsertManyDeduplicatesOnConflict(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ev := &store.Event{EventID: uuid.New(), Service: "svc", Severity: 2, Timestamp: time.Now(), Metadata: jsonvalue.Map(nil)}

	db.Events().InsertMany(ctx, []*store.Event{ev})
	inserted, _, err := db.Events().InsertMany(ctx, []*store.Event{ev})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if inserted != 0 {
		t.Errorf("inserted = %d on duplicate insert, want 0", inserted)
	}
}

func TestIncidentCreateExtendAndGet(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	inc := &store.Incident{
		IncidentID:       uuid.New(),
		EventIDs:         []uuid.UUID{uuid.New()},
		Status:           store.StatusActive,
		SeverityScore:    3,
		AffectedServices: []string{"payment-service"},
		Summary:          "initial",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := db.Incidents().Create(ctx, inc); err != nil {
		t.Fatalf("create err = %v", err)
	}

	newEvent := uuid.New()
	err := db.Incidents().Extend(ctx, inc.IncidentID, store.IncidentExtension{
		NewEventIDs:   []uuid.UUID{newEvent},
		SeverityScore: 5,
		NewServices:   []string{"auth-service"},
		Summary:       "extended",
	})
	if err != nil {
		t.Fatalf("extend err = %v", err)
	}

	got, err := db.Incidents().Get(ctx, inc.IncidentID)
	if err != nil {
		t.Fatalf("get err = %v", err)
	}
	if got.SeverityScore != 5 {
		t.Errorf("severity = %d, want 5", got.SeverityScore)
	}
	if !got.HasEvent(newEvent) {
		t.Error("expected new event attached")
	}
	if !got.HasService("auth-service") || !got.HasService("payment-service") {
		t.Errorf("affected services = %v", got.AffectedServices)
	}
	if got.Summary != "extended" {
		t.Errorf("summary = %q", got.Summary)
	}
}

func TestIncidentApplyOperatorPatchSetsTimestamps(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	inc := &store.Incident{IncidentID: uuid.New(), Status: store.StatusActive, CreatedAt: now, UpdatedAt: now}
	if err := db.Incidents().Create(ctx, inc); err != nil {
		t.Fatalf("create err = %v", err)
	}

	resolved := store.StatusResolved
	updated, err := db.Incidents().ApplyOperatorPatch(ctx, inc.IncidentID, store.IncidentOperatorPatch{Status: &resolved})
	if err != nil {
		t.Fatalf("patch err = %v", err)
	}
	if updated.Status != store.StatusResolved || updated.ResolvedAt == nil {
		t.Fatalf("updated = %+v", updated)
	}
}

func TestConfigGetSetRoundtrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Config().SetConfig(ctx, map[string]any{"queueMaxSize": float64(42)}); err != nil {
		t.Fatalf("set err = %v", err)
	}
	got, err := db.Config().GetConfig(ctx)
	if err != nil {
		t.Fatalf("get err = %v", err)
	}
	if got["queueMaxSize"] != float64(42) {
		t.Errorf("got = %v", got)
	}
}

func TestUserCreateAndSession(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	u, err := db.Users().CreateUser(ctx, "alice", "hash", store.RoleAdmin)
	if err != nil {
		t.Fatalf("create user err = %v", err)
	}

	sess, err := db.Users().CreateSession(ctx, u.ID, "refresh-token", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("create session err = %v", err)
	}

	got, err := db.Users().GetSessionByRefreshToken(ctx, "refresh-token")
	if err != nil {
		t.Fatalf("get session err = %v", err)
	}
	if got == nil || got.ID != sess.ID {
		t.Fatalf("got = %+v", got)
	}

	if err := db.Users().DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("delete session err = %v", err)
	}
	got, err = db.Users().GetSessionByRefreshToken(ctx, "refresh-token")
	if err != nil {
		t.Fatalf("get session err = %v", err)
	}
	if got != nil {
		t.Error("expected session to be deleted")
	}
}
