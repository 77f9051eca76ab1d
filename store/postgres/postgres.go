// Package postgres provides the PostgreSQL-backed store.Store implementation.
// It uses pgx/v5 (pure Go, no CGO) and runs embedded migrations at startup.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/whisper-darkly/signalwatch/jsonvalue"
	"github.com/whisper-darkly/signalwatch/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB implements store.Store using PostgreSQL via pgx/v5.
type DB struct {
	pool *pgxpool.Pool
}

// Open creates a connection pool, runs migrations, and returns a ready DB.
func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	if err := runMigrations(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &DB{pool: pool}, nil
}

// RunMigrations applies all pending up-migrations against dsn.
// Safe to call multiple times — ErrNoChange is treated as success.
func RunMigrations(dsn string) error { return runMigrations(dsn) }

func runMigrations(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("iofs source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, toMigrateURL(dsn))
	if err != nil {
		return fmt.Errorf("migrate.New: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// toMigrateURL converts a postgres:// or postgresql:// DSN to the pgx5://
// scheme expected by golang-migrate's pgx/v5 driver.
func toMigrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + dsn[len(prefix):]
		}
	}
	return "pgx5://" + dsn
}

func (d *DB) Close() error {
	d.pool.Close()
	return nil
}

func (d *DB) Events() store.EventStore     { return (*eventStore)(d) }
func (d *DB) Incidents() store.IncidentStore { return (*incidentStore)(d) }
func (d *DB) Stats() store.StatsStore      { return (*statsStore)(d) }
func (d *DB) Config() store.ConfigStore    { return (*configStore)(d) }
func (d *DB) Users() store.UserStore       { return (*userStore)(d) }

// ---- events ----

type eventStore DB

func (s *eventStore) InsertMany(ctx context.Context, events []*store.Event) (int, map[uuid.UUID]error, error) {
	if len(events) == 0 {
		return 0, nil, nil
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		meta, err := json.Marshal(e.Metadata.ToAny())
		if err != nil {
			meta = []byte("{}")
		}
		batch.Queue(`
			INSERT INTO events (event_id, service, severity, timestamp, metadata, tags, incident_id, raw_payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (event_id) DO NOTHING
		`, e.EventID, e.Service, e.Severity, e.Timestamp, meta, e.Tags, e.IncidentID, e.RawPayload)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	rowErrs := make(map[uuid.UUID]error)
	inserted := 0
	for _, e := range events {
		tag, err := br.Exec()
		if err != nil {
			rowErrs[e.EventID] = err
			continue
		}
		if tag.RowsAffected() > 0 {
			inserted++
		}
	}
	if err := br.Close(); err != nil {
		return inserted, rowErrs, fmt.Errorf("close batch: %w", err)
	}
	if len(rowErrs) == 0 {
		rowErrs = nil
	}
	return inserted, rowErrs, nil
}

func (s *eventStore) FindRecentUnassigned(ctx context.Context, since time.Time) ([]*store.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, service, severity, timestamp, metadata, tags, incident_id, raw_payload
		  FROM events
		 WHERE incident_id IS NULL AND timestamp >= $1
		 ORDER BY timestamp
	`, since)
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
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, service, severity, timestamp, metadata, tags, incident_id, raw_payload
		  FROM events
		 WHERE event_id = ANY($1)
		 ORDER BY timestamp
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *eventStore) FindByIncident(ctx context.Context, incidentID uuid.UUID, limit int) ([]*store.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, service, severity, timestamp, metadata, tags, incident_id, raw_payload
		  FROM events
		 WHERE incident_id = $1
		 ORDER BY timestamp DESC
		 LIMIT $2
	`, incidentID, limit)
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
	_, err := s.pool.Exec(ctx, `
		UPDATE events SET incident_id = $2 WHERE event_id = ANY($1)
	`, eventIDs, incidentID)
	return err
}

func (s *eventStore) List(ctx context.Context, filter store.EventFilter) ([]*store.Event, int, error) {
	where, args := eventFilterClause(filter)

	var total int
	countQuery := "SELECT COUNT(*) FROM events " + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
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

	args = append(args, limit, (page-1)*limit)
	query := fmt.Sprintf(`
		SELECT event_id, service, severity, timestamp, metadata, tags, incident_id, raw_payload
		  FROM events %s
		 ORDER BY %s
		 LIMIT $%d OFFSET $%d
	`, where, order, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
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

	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.Service != "" {
		add("service = $%d", f.Service)
	}
	if f.Severity != nil {
		add("severity = $%d", *f.Severity)
	}
	if f.MinSeverity != nil {
		add("severity >= $%d", *f.MinSeverity)
	}
	if f.MaxSeverity != nil {
		add("severity <= $%d", *f.MaxSeverity)
	}
	if f.Start != nil {
		add("timestamp >= $%d", *f.Start)
	}
	if f.End != nil {
		add("timestamp <= $%d", *f.End)
	}
	if len(f.Tags) > 0 {
		add("tags && $%d", f.Tags)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func (s *eventStore) Get(ctx context.Context, id uuid.UUID) (*store.Event, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT event_id, service, severity, timestamp, metadata, tags, incident_id, raw_payload
		  FROM events WHERE event_id = $1
	`, id)
	ev, err := scanEvent(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return ev, err
}

func (s *eventStore) Stats(ctx context.Context, start, end time.Time) (*store.EventStatsSummary, error) {
	summary := &store.EventStatsSummary{
		BySeverity: map[int]int64{},
		ByService:  map[string]int64{},
	}

	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM events WHERE timestamp >= $1 AND timestamp <= $2`, start, end,
	).Scan(&summary.Total); err != nil {
		return nil, fmt.Errorf("total: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT severity, COUNT(*) FROM events
		 WHERE timestamp >= $1 AND timestamp <= $2
		 GROUP BY severity
	`, start, end)
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

	rows, err = s.pool.Query(ctx, `
		SELECT service, COUNT(*) FROM events
		 WHERE timestamp >= $1 AND timestamp <= $2
		 GROUP BY service
	`, start, end)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*store.Event, error) {
	var e store.Event
	var meta []byte
	var tags []string
	var incidentID *uuid.UUID
	err := row.Scan(&e.EventID, &e.Service, &e.Severity, &e.Timestamp, &meta, &tags, &incidentID, &e.RawPayload)
	if err != nil {
		return nil, err
	}
	e.Tags = tags
	e.IncidentID = incidentID
	e.Metadata = unmarshalMetadata(meta)
	return &e, nil
}

func scanEvents(rows pgx.Rows) ([]*store.Event, error) {
	var events []*store.Event
	for rows.Next() {
		e, err := scanEvent(rows)
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

func (s *incidentStore) Create(ctx context.Context, incident *store.Incident) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO incidents (incident_id, event_ids, status, severity_score, affected_services,
			summary, ai_generated_summary, root_cause, resolution, suggested_actions,
			assigned_to, created_at, updated_at, acknowledged_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, incident.IncidentID, incident.EventIDs, incident.Status, incident.SeverityScore,
		incident.AffectedServices, incident.Summary, incident.AIGeneratedSummary, incident.RootCause,
		incident.Resolution, incident.SuggestedActions, incident.AssignedTo,
		incident.CreatedAt, incident.UpdatedAt, incident.AcknowledgedAt, incident.ResolvedAt)
	return err
}

func (s *incidentStore) FindExtensionCandidate(ctx context.Context, service string, createdSince time.Time) (*store.Incident, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT incident_id, event_ids, status, severity_score, affected_services, summary,
			ai_generated_summary, root_cause, resolution, suggested_actions, assigned_to,
			created_at, updated_at, acknowledged_at, resolved_at
		  FROM incidents
		 WHERE status != 'resolved'
		   AND created_at >= $2
		   AND $1 = ANY(affected_services)
		 ORDER BY created_at DESC
		 LIMIT 1
	`, service, createdSince)
	inc, err := scanIncident(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return inc, err
}

// Extend reads the current event/service lists and appends in Go (rather
// than DISTINCT-unnesting in SQL, which does not preserve order) so
// event_ids stays an ordered, duplicate-free sequence per the data model.
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
	severityScore := inc.SeverityScore
	if patch.SeverityScore > severityScore {
		severityScore = patch.SeverityScore
	}
	summary := inc.Summary
	if patch.Summary != "" {
		summary = patch.Summary
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE incidents SET
			event_ids         = $2,
			severity_score    = $3,
			affected_services = $4,
			summary           = $5,
			updated_at        = now()
		WHERE incident_id = $1
	`, incidentID, events, severityScore, services, summary)
	return err
}

func (s *incidentStore) ApplySummary(ctx context.Context, incidentID uuid.UUID, patch store.IncidentSummaryPatch) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE incidents SET
			ai_generated_summary = $2,
			root_cause           = $3,
			suggested_actions    = $4,
			updated_at           = now()
		WHERE incident_id = $1
	`, incidentID, patch.AIGeneratedSummary, patch.RootCause, patch.SuggestedActions)
	return err
}

func (s *incidentStore) ApplyOperatorPatch(ctx context.Context, incidentID uuid.UUID, patch store.IncidentOperatorPatch) (*store.Incident, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE incidents SET
			status          = COALESCE($2, status),
			assigned_to     = COALESCE($3, assigned_to),
			resolution      = COALESCE($4, resolution),
			root_cause      = COALESCE($5, root_cause),
			acknowledged_at = CASE WHEN $3 IS NOT NULL AND acknowledged_at IS NULL THEN now() ELSE acknowledged_at END,
			resolved_at     = CASE WHEN $2 = 'resolved' THEN now() ELSE resolved_at END,
			updated_at      = now()
		WHERE incident_id = $1
		RETURNING incident_id, event_ids, status, severity_score, affected_services, summary,
			ai_generated_summary, root_cause, resolution, suggested_actions, assigned_to,
			created_at, updated_at, acknowledged_at, resolved_at
	`, incidentID, patch.Status, patch.AssignedTo, patch.Resolution, patch.RootCause)
	inc, err := scanIncident(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return inc, err
}

func (s *incidentStore) FindBySummaryNeeded(ctx context.Context, since time.Time, limit int) ([]*store.Incident, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT incident_id, event_ids, status, severity_score, affected_services, summary,
			ai_generated_summary, root_cause, resolution, suggested_actions, assigned_to,
			created_at, updated_at, acknowledged_at, resolved_at
		  FROM incidents
		 WHERE ai_generated_summary = ''
		   AND created_at >= $1
		 ORDER BY severity_score DESC, created_at DESC
		 LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIncidents(rows)
}

func (s *incidentStore) List(ctx context.Context, filter store.IncidentFilter) ([]*store.Incident, int, error) {
	where, args := incidentFilterClause(filter)

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM incidents "+where, args...).Scan(&total); err != nil {
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

	args = append(args, limit, (page-1)*limit)
	query := fmt.Sprintf(`
		SELECT incident_id, event_ids, status, severity_score, affected_services, summary,
			ai_generated_summary, root_cause, resolution, suggested_actions, assigned_to,
			created_at, updated_at, acknowledged_at, resolved_at
		  FROM incidents %s
		 ORDER BY %s
		 LIMIT $%d OFFSET $%d
	`, where, order, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
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

	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.MinSeverity != nil {
		add("severity_score >= $%d", *f.MinSeverity)
	}
	if f.Service != "" {
		add("$%d = ANY(affected_services)", f.Service)
	}
	if f.Start != nil {
		add("created_at >= $%d", *f.Start)
	}
	if f.End != nil {
		add("created_at <= $%d", *f.End)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func (s *incidentStore) ListActive(ctx context.Context) ([]*store.Incident, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT incident_id, event_ids, status, severity_score, affected_services, summary,
			ai_generated_summary, root_cause, resolution, suggested_actions, assigned_to,
			created_at, updated_at, acknowledged_at, resolved_at
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
	row := s.pool.QueryRow(ctx, `
		SELECT incident_id, event_ids, status, severity_score, affected_services, summary,
			ai_generated_summary, root_cause, resolution, suggested_actions, assigned_to,
			created_at, updated_at, acknowledged_at, resolved_at
		  FROM incidents WHERE incident_id = $1
	`, id)
	inc, err := scanIncident(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return inc, err
}

func scanIncident(row rowScanner) (*store.Incident, error) {
	var inc store.Incident
	var status string
	err := row.Scan(&inc.IncidentID, &inc.EventIDs, &status, &inc.SeverityScore, &inc.AffectedServices,
		&inc.Summary, &inc.AIGeneratedSummary, &inc.RootCause, &inc.Resolution, &inc.SuggestedActions,
		&inc.AssignedTo, &inc.CreatedAt, &inc.UpdatedAt, &inc.AcknowledgedAt, &inc.ResolvedAt)
	if err != nil {
		return nil, err
	}
	inc.Status = store.IncidentStatus(status)
	return &inc, nil
}

func scanIncidents(rows pgx.Rows) ([]*store.Incident, error) {
	var incidents []*store.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO service_stats (service, window_key, count, timestamp)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (service, window_key) DO UPDATE SET count = service_stats.count + $3
	`, service, windowKey, delta, ts)
	return err
}

func (s *statsStore) FindRecent(ctx context.Context, service string, limit int) ([]*store.ServiceStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT service, window_key, count, timestamp
		  FROM service_stats
		 WHERE service = $1
		 ORDER BY timestamp DESC
		 LIMIT $2
	`, service, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.ServiceStats
	for rows.Next() {
		var st store.ServiceStats
		if err := rows.Scan(&st.Service, &st.WindowKey, &st.Count, &st.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

func (s *statsStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM service_stats WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ---- config ----

type configStore DB

func (s *configStore) GetConfig(ctx context.Context) (map[string]any, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM config WHERE id = 1`).Scan(&raw)
	if err == pgx.ErrNoRows {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *configStore) SetConfig(ctx context.Context, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO config (id, data) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET data = $1
	`, raw)
	return err
}

// ---- users ----

type userStore DB

func (s *userStore) CreateUser(ctx context.Context, username, passwordHash string, role store.Role) (*store.User, error) {
	var u store.User
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (username, password_hash, role)
		VALUES ($1, $2, $3)
		RETURNING id, username, password_hash, role, created_at
	`, username, passwordHash, role).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	return &u, err
}

func (s *userStore) GetUser(ctx context.Context, id int64) (*store.User, error) {
	var u store.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, role, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *userStore) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	var u store.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, role, created_at FROM users WHERE username = $1`, username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *userStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

func (s *userStore) CreateSession(ctx context.Context, userID int64, refreshToken string, expiresAt time.Time) (*store.Session, error) {
	var sess store.Session
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sessions (user_id, refresh_token, expires_at)
		VALUES ($1, $2, $3)
		RETURNING id, user_id, refresh_token, expires_at, created_at
	`, userID, refreshToken, expiresAt).Scan(&sess.ID, &sess.UserID, &sess.RefreshToken, &sess.ExpiresAt, &sess.CreatedAt)
	return &sess, err
}

func (s *userStore) GetSessionByRefreshToken(ctx context.Context, refreshToken string) (*store.Session, error) {
	var sess store.Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, refresh_token, expires_at, created_at FROM sessions WHERE refresh_token = $1`,
		refreshToken,
	).Scan(&sess.ID, &sess.UserID, &sess.RefreshToken, &sess.ExpiresAt, &sess.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return &sess, err
}

func (s *userStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

func (s *userStore) DeleteExpiredSessions(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < now()`)
	return err
}
