// Package sqlite provides the SQLite-backed store.Store implementation.
// It uses modernc.org/sqlite (pure Go, no CGO) so the binary is fully static
// and works in scratch/alpine Docker images without a C compiler. Intended
// for single-node deployments and local development; store/postgres is the
// multi-node-capable backend.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"

	"github.com/whisper-darkly/signalwatch/jsonvalue"
	"github.com/whisper-darkly/signalwatch/store"
)

// DB implements store.Store using SQLite via database/sql.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// SQLite serialises writes; one connection avoids SQLITE_BUSY on writes.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies the schema. New versions should only ADD statements here
// so that existing databases keep working without a migration tool.
func (s *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			event_id    TEXT PRIMARY KEY,
			service     TEXT NOT NULL,
			severity    INTEGER NOT NULL,
			timestamp   TEXT NOT NULL,
			metadata    TEXT NOT NULL DEFAULT '{}',
			tags        TEXT NOT NULL DEFAULT '[]',
			incident_id TEXT,
			raw_payload TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_service_ts ON events(service, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_incident ON events(incident_id)`,

		`CREATE TABLE IF NOT EXISTS incidents (
			incident_id          TEXT PRIMARY KEY,
			event_ids            TEXT NOT NULL DEFAULT '[]',
			status                TEXT NOT NULL DEFAULT 'active',
			severity_score        INTEGER NOT NULL DEFAULT 1,
			affected_services     TEXT NOT NULL DEFAULT '[]',
			summary               TEXT NOT NULL DEFAULT '',
			ai_generated_summary  TEXT NOT NULL DEFAULT '',
			root_cause            TEXT NOT NULL DEFAULT '',
			resolution            TEXT NOT NULL DEFAULT '',
			suggested_actions     TEXT NOT NULL DEFAULT '[]',
			assigned_to           INTEGER,
			created_at            TEXT NOT NULL,
			updated_at            TEXT NOT NULL,
			acknowledged_at       TEXT,
			resolved_at           TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_created ON incidents(created_at)`,

		`CREATE TABLE IF NOT EXISTS service_stats (
			service    TEXT NOT NULL,
			window_key TEXT NOT NULL,
			count      INTEGER NOT NULL DEFAULT 0,
			timestamp  TEXT NOT NULL,
			PRIMARY KEY (service, window_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_service_stats_ts ON service_stats(timestamp)`,

		`CREATE TABLE IF NOT EXISTS config (
			id   INTEGER PRIMARY KEY CHECK (id = 1),
			data TEXT NOT NULL DEFAULT '{}'
		)`,

		`CREATE TABLE IF NOT EXISTS users (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			username      TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role          TEXT NOT NULL DEFAULT 'operator',
			created_at    TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			user_id       INTEGER NOT NULL REFERENCES users(id),
			refresh_token TEXT NOT NULL UNIQUE,
			expires_at    TEXT NOT NULL,
			created_at    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Events() store.EventStore       { return (*eventStore)(s) }
func (s *DB) Incidents() store.IncidentStore { return (*incidentStore)(s) }
func (s *DB) Stats() store.StatsStore        { return (*statsStore)(s) }
func (s *DB) Config() store.ConfigStore      { return (*configStore)(s) }
func (s *DB) Users() store.UserStore         { return (*userStore)(s) }

// ---- time helpers (SQLite has no native timestamp type) ----

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(raw string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, raw)
	return t
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTimePtr(raw *string) *time.Time {
	if raw == nil || *raw == "" {
		return nil
	}
	t := parseTime(*raw)
	return &t
}

// ---- events ----

type eventStore DB

func (s *eventStore) InsertMany(ctx context.Context, events []*store.Event) (int, map[uuid.UUID]error, error) {
	if len(events) == 0 {
		return 0, nil, nil
	}

	inserted := 0
	rowErrs := make(map[uuid.UUID]error)
	for _, e := range events {
		added, err := s.insertOne(ctx, e)
		if err != nil {
			rowErrs[e.EventID] = err
			continue
		}
		if added {
			inserted++
		}
	}
	if len(rowErrs) == 0 {
		rowErrs = nil
	}
	return inserted, rowErrs, nil
}

func (s *eventStore) insertOne(ctx context.Context, e *store.Event) (bool, error) {
	metaJSON, err := json.Marshal(e.Metadata.ToAny())
	if err != nil {
		metaJSON = []byte("{}")
	}
	tagsJSON, err := json.Marshal(e.Tags)
	if err != nil {
		tagsJSON = []byte("[]")
	}
	var incidentID any
	if e.IncidentID != nil {
		incidentID = e.IncidentID.String()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, service, severity, timestamp, metadata, tags, incident_id, raw_payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`, e.EventID.String(), e.Service, e.Severity, fmtTime(e.Timestamp), string(metaJSON), string(tagsJSON), incidentID, e.RawPayload)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *eventStore) FindRecentUnassigned(ctx context.Context, since time.Time) ([]*store.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, service, severity, timestamp, metadata, tags, incident_id, raw_payload
		  FROM events
		 WHERE incident_id IS NULL AND timestamp >= ?
		 ORDER BY timestamp
	`, fmtTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *eventStore) FindByIDs(ctx context.Context, ids []uuid.UUID, limitPerIncident int) ([]*store.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders, args := inClause(ids)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT event_id, service, severity, timestamp, metadata, tags, incident_id, raw_payload
		  FROM events WHERE event_id IN (%s)
		 ORDER BY timestamp
	`, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *eventStore) FindByIncident(ctx context.Context, incidentID uuid.UUID, limit int) ([]*store.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, service, severity, timestamp, metadata, tags, incident_id, raw_payload
		  FROM events
		 WHERE incident_id = ?
		 ORDER BY timestamp DESC
		 LIMIT ?
	`, incidentID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *eventStore) AssignIncident(ctx context.Context, eventIDs []uuid.UUID, incidentID uuid.UUID) error {
	if len(eventIDs) == 0 {
		return nil
	}
	placeholders, idArgs := inClause(eventIDs)
	args := append([]any{incidentID.String()}, idArgs...)
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE events SET incident_id = ? WHERE event_id IN (%s)
	`, placeholders), args...)
	return err
}

func inClause(ids []uuid.UUID) (string, []any) {
	placeholders := ""
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = id.String()
	}
	return placeholders, args
}

func (s *eventStore) List(ctx context.Context, filter store.EventFilter) ([]*store.Event, int, error) {
	where, args := eventFilterClause(filter)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	order := "timestamp DESC"
	if filter.Sort == "asc" {
		order = "timestamp ASC"
	}

	queryArgs := append(append([]any{}, args...), limit, (page-1)*limit)
	query := fmt.Sprintf(`
		SELECT event_id, service, severity, timestamp, metadata, tags, incident_id, raw_payload
		  FROM events %s
		 ORDER BY %s
		 LIMIT ? OFFSET ?
	`, where, order)

	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	return events, total, err
}

func eventFilterClause(f store.EventFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.Service != "" {
		clauses = append(clauses, "service = ?")
		args = append(args, f.Service)
	}
	if f.Severity != nil {
		clauses = append(clauses, "severity = ?")
		args = append(args, *f.Severity)
	}
	if f.MinSeverity != nil {
		clauses = append(clauses, "severity >= ?")
		args = append(args, *f.MinSeverity)
	}
	if f.MaxSeverity != nil {
		clauses = append(clauses, "severity <= ?")
		args = append(args, *f.MaxSeverity)
	}
	if f.Start != nil {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, fmtTime(*f.Start))
	}
	if f.End != nil {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, fmtTime(*f.End))
	}
	for _, tag := range f.Tags {
		clauses = append(clauses, "tags LIKE ?")
		args = append(args, "%\""+tag+"\"%")
	}

	if len(clauses) == 0 {
		return "", args
	}
	joined := clauses[0]
	for _, c := range clauses[1:] {
		joined += " AND " + c
	}
	return "WHERE " + joined, args
}

func (s *eventStore) Get(ctx context.Context, id uuid.UUID) (*store.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, service, severity, timestamp, metadata, tags, incident_id, raw_payload
		  FROM events WHERE event_id = ?
	`, id.String())
	e, err := scanEvent(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (s *eventStore) Stats(ctx context.Context, start, end time.Time) (*store.EventStatsSummary, error) {
	summary := &store.EventStatsSummary{BySeverity: map[int]int64{}, ByService: map[string]int64{}}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE timestamp >= ? AND timestamp <= ?`,
		fmtTime(start), fmtTime(end),
	).Scan(&summary.Total); err != nil {
		return nil, fmt.Errorf("total: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT severity, COUNT(*) FROM events WHERE timestamp >= ? AND timestamp <= ? GROUP BY severity
	`, fmtTime(start), fmtTime(end))
	if err != nil {
		return nil, fmt.Errorf("by severity: %w", err)
	}
	for rows.Next() {
		var sev int
		var count int64
		if err := rows.Scan(&sev, &count); err != nil {
			rows.Close()
			return nil, err
		}
		summary.BySeverity[sev] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT service, COUNT(*) FROM events WHERE timestamp >= ? AND timestamp <= ? GROUP BY service
	`, fmtTime(start), fmtTime(end))
	if err != nil {
		return nil, fmt.Errorf("by service: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var service string
		var count int64
		if err := rows.Scan(&service, &count); err != nil {
			return nil, err
		}
		summary.ByService[service] = count
	}
	return summary, rows.Err()
}

type scanFn func(dest ...any) error

func scanEvent(scan scanFn) (*store.Event, error) {
	var e store.Event
	var id, svc, ts, meta, tags, payload string
	var incidentID *string
	if err := scan(&id, &svc, &e.Severity, &ts, &meta, &tags, &incidentID, &payload); err != nil {
		return nil, err
	}
	e.EventID = uuid.MustParse(id)
	e.Service = svc
	e.Timestamp = parseTime(ts)
	e.RawPayload = payload
	e.Metadata = unmarshalMetadata([]byte(meta))
	_ = json.Unmarshal([]byte(tags), &e.Tags)
	if incidentID != nil {
		iid := uuid.MustParse(*incidentID)
		e.IncidentID = &iid
	}
	return &e, nil
}

func scanEvents(rows *sql.Rows) ([]*store.Event, error) {
	var events []*store.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func unmarshalMetadata(raw []byte) jsonvalue.Value {
	if len(raw) == 0 {
		return jsonvalue.Map(nil)
	}
	var v jsonvalue.Value
	if err := v.UnmarshalJSON(raw); err != nil {
		return jsonvalue.Map(nil)
	}
	return v
}

// ---- incidents ----

type incidentStore DB

func (s *incidentStore) Create(ctx context.Context, inc *store.Incident) error {
	eventIDs, _ := json.Marshal(uuidStrings(inc.EventIDs))
	services, _ := json.Marshal(inc.AffectedServices)
	actions, _ := json.Marshal(inc.SuggestedActions)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents (incident_id, event_ids, status, severity_score, affected_services,
			summary, ai_generated_summary, root_cause, resolution, suggested_actions,
			assigned_to, created_at, updated_at, acknowledged_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inc.IncidentID.String(), string(eventIDs), string(inc.Status), inc.SeverityScore, string(services),
		inc.Summary, inc.AIGeneratedSummary, inc.RootCause, inc.Resolution, string(actions),
		inc.AssignedTo, fmtTime(inc.CreatedAt), fmtTime(inc.UpdatedAt),
		fmtTimePtr(inc.AcknowledgedAt), fmtTimePtr(inc.ResolvedAt))
	return err
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

const incidentColumns = `incident_id, event_ids, status, severity_score, affected_services, summary,
	ai_generated_summary, root_cause, resolution, suggested_actions, assigned_to,
	created_at, updated_at, acknowledged_at, resolved_at`

func (s *incidentStore) FindExtensionCandidate(ctx context.Context, service string, createdSince time.Time) (*store.Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+incidentColumns+`
		  FROM incidents
		 WHERE status != 'resolved'
		   AND created_at >= ?
		   AND affected_services LIKE ?
		 ORDER BY created_at DESC
		 LIMIT 1
	`, fmtTime(createdSince), "%\""+service+"\"%")
	inc, err := scanIncident(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return inc, err
}

func (s *incidentStore) Extend(ctx context.Context, incidentID uuid.UUID, patch store.IncidentExtension) error {
	inc, err := s.Get(ctx, incidentID)
	if err != nil {
		return err
	}
	if inc == nil {
		return fmt.Errorf("incident not found: %s", incidentID)
	}

	events := inc.EventIDs
	for _, id := range patch.NewEventIDs {
		if !inc.HasEvent(id) {
			events = append(events, id)
		}
	}
	services := inc.AffectedServices
	for _, svc := range patch.NewServices {
		if !inc.HasService(svc) {
			services = append(services, svc)
		}
	}
	severity := inc.SeverityScore
	if patch.SeverityScore > severity {
		severity = patch.SeverityScore
	}
	summary := inc.Summary
	if patch.Summary != "" {
		summary = patch.Summary
	}

	eventIDsJSON, _ := json.Marshal(uuidStrings(events))
	servicesJSON, _ := json.Marshal(services)
	_, err = s.db.ExecContext(ctx, `
		UPDATE incidents SET event_ids = ?, severity_score = ?, affected_services = ?, summary = ?, updated_at = ?
		WHERE incident_id = ?
	`, string(eventIDsJSON), severity, string(servicesJSON), summary, fmtTime(time.Now()), incidentID.String())
	return err
}

func (s *incidentStore) ApplySummary(ctx context.Context, incidentID uuid.UUID, patch store.IncidentSummaryPatch) error {
	actions, _ := json.Marshal(patch.SuggestedActions)
	_, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET ai_generated_summary = ?, root_cause = ?, suggested_actions = ?, updated_at = ?
		WHERE incident_id = ?
	`, patch.AIGeneratedSummary, patch.RootCause, string(actions), fmtTime(time.Now()), incidentID.String())
	return err
}

func (s *incidentStore) ApplyOperatorPatch(ctx context.Context, incidentID uuid.UUID, patch store.IncidentOperatorPatch) (*store.Incident, error) {
	inc, err := s.Get(ctx, incidentID)
	if err != nil || inc == nil {
		return inc, err
	}

	now := time.Now()
	if patch.Status != nil {
		inc.Status = *patch.Status
		if *patch.Status == store.StatusResolved {
			inc.ResolvedAt = &now
		}
	}
	if patch.AssignedTo != nil {
		inc.AssignedTo = patch.AssignedTo
		if inc.AcknowledgedAt == nil {
			inc.AcknowledgedAt = &now
		}
	}
	if patch.Resolution != nil {
		inc.Resolution = *patch.Resolution
	}
	if patch.RootCause != nil {
		inc.RootCause = *patch.RootCause
	}
	inc.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		UPDATE incidents SET status = ?, assigned_to = ?, resolution = ?, root_cause = ?,
			acknowledged_at = ?, resolved_at = ?, updated_at = ?
		WHERE incident_id = ?
	`, string(inc.Status), inc.AssignedTo, inc.Resolution, inc.RootCause,
		fmtTimePtr(inc.AcknowledgedAt), fmtTimePtr(inc.ResolvedAt), fmtTime(inc.UpdatedAt), incidentID.String())
	if err != nil {
		return nil, err
	}
	return inc, nil
}

func (s *incidentStore) FindBySummaryNeeded(ctx context.Context, since time.Time, limit int) ([]*store.Incident, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+incidentColumns+`
		  FROM incidents
		 WHERE ai_generated_summary = ''
		   AND created_at >= ?
		 ORDER BY severity_score DESC, created_at DESC
		 LIMIT ?
	`, fmtTime(since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIncidents(rows)
}

func (s *incidentStore) List(ctx context.Context, filter store.IncidentFilter) ([]*store.Incident, int, error) {
	where, args := incidentFilterClause(filter)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM incidents "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count incidents: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	order := "created_at DESC"
	if filter.Sort == "severity" {
		order = "severity_score DESC, created_at DESC"
	}

	queryArgs := append(append([]any{}, args...), limit, (page-1)*limit)
	query := fmt.Sprintf(`
		SELECT `+incidentColumns+`
		  FROM incidents %s
		 ORDER BY %s
		 LIMIT ? OFFSET ?
	`, where, order)

	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	incidents, err := scanIncidents(rows)
	return incidents, total, err
}

func incidentFilterClause(f store.IncidentFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.MinSeverity != nil {
		clauses = append(clauses, "severity_score >= ?")
		args = append(args, *f.MinSeverity)
	}
	if f.Service != "" {
		clauses = append(clauses, "affected_services LIKE ?")
		args = append(args, "%\""+f.Service+"\"%")
	}
	if f.Start != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, fmtTime(*f.Start))
	}
	if f.End != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, fmtTime(*f.End))
	}

	if len(clauses) == 0 {
		return "", args
	}
	joined := clauses[0]
	for _, c := range clauses[1:] {
		joined += " AND " + c
	}
	return "WHERE " + joined, args
}

func (s *incidentStore) ListActive(ctx context.Context) ([]*store.Incident, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+incidentColumns+`
		  FROM incidents
		 WHERE status != 'resolved'
		 ORDER BY severity_score DESC, created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIncidents(rows)
}

func (s *incidentStore) Get(ctx context.Context, id uuid.UUID) (*store.Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+incidentColumns+`
		  FROM incidents WHERE incident_id = ?
	`, id.String())
	inc, err := scanIncident(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return inc, err
}

func scanIncident(scan scanFn) (*store.Incident, error) {
	var inc store.Incident
	var id, eventIDs, status, services, actions string
	var acknowledgedAt, resolvedAt *string
	var createdAt, updatedAt string
	err := scan(&id, &eventIDs, &status, &inc.SeverityScore, &services, &inc.Summary,
		&inc.AIGeneratedSummary, &inc.RootCause, &inc.Resolution, &actions, &inc.AssignedTo,
		&createdAt, &updatedAt, &acknowledgedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	inc.IncidentID = uuid.MustParse(id)
	inc.Status = store.IncidentStatus(status)
	inc.CreatedAt = parseTime(createdAt)
	inc.UpdatedAt = parseTime(updatedAt)
	inc.AcknowledgedAt = parseTimePtr(acknowledgedAt)
	inc.ResolvedAt = parseTimePtr(resolvedAt)

	var ids []string
	_ = json.Unmarshal([]byte(eventIDs), &ids)
	inc.EventIDs = make([]uuid.UUID, len(ids))
	for i, s := range ids {
		inc.EventIDs[i] = uuid.MustParse(s)
	}
	_ = json.Unmarshal([]byte(services), &inc.AffectedServices)
	_ = json.Unmarshal([]byte(actions), &inc.SuggestedActions)
	return &inc, nil
}

func scanIncidents(rows *sql.Rows) ([]*store.Incident, error) {
	var incidents []*store.Incident
	for rows.Next() {
		inc, err := scanIncident(rows.Scan)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

// ---- stats ----

type statsStore DB

func (s *statsStore) Upsert(ctx context.Context, service, windowKey string, delta int64, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_stats (service, window_key, count, timestamp)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(service, window_key) DO UPDATE SET count = count + ?
	`, service, windowKey, delta, fmtTime(ts), delta)
	return err
}

func (s *statsStore) FindRecent(ctx context.Context, service string, limit int) ([]*store.ServiceStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT service, window_key, count, timestamp
		  FROM service_stats
		 WHERE service = ?
		 ORDER BY timestamp DESC
		 LIMIT ?
	`, service, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.ServiceStats
	for rows.Next() {
		var st store.ServiceStats
		var ts string
		if err := rows.Scan(&st.Service, &st.WindowKey, &st.Count, &ts); err != nil {
			return nil, err
		}
		st.Timestamp = parseTime(ts)
		out = append(out, &st)
	}
	return out, rows.Err()
}

func (s *statsStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM service_stats WHERE timestamp < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- config ----

type configStore DB

func (s *configStore) GetConfig(ctx context.Context) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM config WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *configStore) SetConfig(ctx context.Context, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO config (id, data) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET data = ?
	`, string(raw), string(raw))
	return err
}

// ---- users ----

type userStore DB

func (s *userStore) CreateUser(ctx context.Context, username, passwordHash string, role store.Role) (*store.User, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, created_at) VALUES (?, ?, ?, ?)
	`, username, passwordHash, string(role), fmtTime(now))
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &store.User{ID: id, Username: username, PasswordHash: passwordHash, Role: role, CreatedAt: now}, nil
}

func (s *userStore) GetUser(ctx context.Context, id int64) (*store.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, created_at FROM users WHERE id = ?`, id)
	return scanUser(row.Scan)
}

func (s *userStore) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, created_at FROM users WHERE username = ?`, username)
	return scanUser(row.Scan)
}

func scanUser(scan scanFn) (*store.User, error) {
	var u store.User
	var role, createdAt string
	err := scan(&u.ID, &u.Username, &u.PasswordHash, &role, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Role = store.Role(role)
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

func (s *userStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

func (s *userStore) CreateSession(ctx context.Context, userID int64, refreshToken string, expiresAt time.Time) (*store.Session, error) {
	id := uuid.New()
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, refresh_token, expires_at, created_at) VALUES (?, ?, ?, ?, ?)
	`, id.String(), userID, refreshToken, fmtTime(expiresAt), fmtTime(now))
	if err != nil {
		return nil, err
	}
	return &store.Session{ID: id, UserID: userID, RefreshToken: refreshToken, ExpiresAt: expiresAt, CreatedAt: now}, nil
}

func (s *userStore) GetSessionByRefreshToken(ctx context.Context, refreshToken string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, refresh_token, expires_at, created_at FROM sessions WHERE refresh_token = ?`, refreshToken)
	var sess store.Session
	var id, expiresAt, createdAt string
	err := row.Scan(&id, &sess.UserID, &sess.RefreshToken, &expiresAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.ID = uuid.MustParse(id)
	sess.ExpiresAt = parseTime(expiresAt)
	sess.CreatedAt = parseTime(createdAt)
	return &sess, nil
}

func (s *userStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id.String())
	return err
}

func (s *userStore) DeleteExpiredSessions(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, fmtTime(time.Now()))
	return err
}
