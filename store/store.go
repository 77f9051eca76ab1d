// Package store defines the persistence abstraction for signalwatch.
// Any backend satisfying Store is acceptable; store/postgres and
// store/sqlite are the two concrete implementations shipped here.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/whisper-darkly/signalwatch/jsonvalue"
)

// ---- incident status ----

type IncidentStatus string

const (
	StatusActive        IncidentStatus = "active"
	StatusInvestigating IncidentStatus = "investigating"
	StatusResolved      IncidentStatus = "resolved"
)

// Role classifies an operator account.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
)

// ---- domain types ----

// Event is immutable once written, except for the one-time IncidentID
// back-link assigned by the aggregation worker.
type Event struct {
	EventID    uuid.UUID       `json:"eventId"`
	Service    string          `json:"service"`
	Severity   int             `json:"severity"` // clamped 1..5
	Timestamp  time.Time       `json:"timestamp"`
	Metadata   jsonvalue.Value `json:"metadata"`
	Tags       []string        `json:"tags"`
	IncidentID *uuid.UUID      `json:"incidentId,omitempty"`
	RawPayload string          `json:"rawPayload,omitempty"`
}

// ClampSeverity enforces the 1..5 invariant at the boundary.
func ClampSeverity(s int) int {
	if s < 1 {
		return 1
	}
	if s > 5 {
		return 5
	}
	return s
}

// Incident is the mutable aggregate materialized by the aggregation worker.
type Incident struct {
	IncidentID         uuid.UUID      `json:"incidentId"`
	EventIDs           []uuid.UUID    `json:"eventIds"`
	Status             IncidentStatus `json:"status"`
	SeverityScore      int            `json:"severityScore"` // 1..5
	AffectedServices   []string       `json:"affectedServices"`
	Summary            string         `json:"summary"`
	AIGeneratedSummary string         `json:"aiGeneratedSummary,omitempty"`
	RootCause          string         `json:"rootCause,omitempty"`
	Resolution         string         `json:"resolution,omitempty"`
	SuggestedActions   []string       `json:"suggestedActions,omitempty"`
	AssignedTo         *int64         `json:"assignedTo,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
	AcknowledgedAt     *time.Time     `json:"acknowledgedAt,omitempty"`
	ResolvedAt         *time.Time     `json:"resolvedAt,omitempty"`
}

// HasService reports whether service is already in AffectedServices.
func (i *Incident) HasService(service string) bool {
	for _, s := range i.AffectedServices {
		if s == service {
			return true
		}
	}
	return false
}

// HasEvent reports whether eventID is already attached (eventIds forbid
// duplicates per the data model invariants).
func (i *Incident) HasEvent(eventID uuid.UUID) bool {
	for _, id := range i.EventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// ServiceStats is the rolling-window counter backing the spike detector.
type ServiceStats struct {
	Service   string    `json:"service"`
	WindowKey string    `json:"windowKey"`
	Count     int64     `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// ---- operators (ambient: assignedTo / acknowledgment) ----

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

type Session struct {
	ID           uuid.UUID `json:"id"`
	UserID       int64     `json:"user_id"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// ---- patches (field-scoped updates only — see spec §5, §9 Open Question 3) ----

// IncidentExtension is what the aggregation worker writes when it extends
// an existing incident with a new cluster of events. It never touches
// AIGeneratedSummary/RootCause/SuggestedActions, which belong to the
// summarization worker.
type IncidentExtension struct {
	NewEventIDs      []uuid.UUID
	SeverityScore    int // only applied if greater than current (monotone)
	NewServices      []string // services to add if not already present; nil/empty is a no-op
	Summary          string
}

// IncidentSummaryPatch is what the summarization worker writes. It never
// touches EventIDs/SeverityScore/Summary/AffectedServices, which belong to
// the aggregation worker.
type IncidentSummaryPatch struct {
	AIGeneratedSummary string
	RootCause          string
	SuggestedActions   []string
}

// IncidentOperatorPatch is what an operator writes via PATCH /incidents/:id.
type IncidentOperatorPatch struct {
	Status     *IncidentStatus
	AssignedTo *int64
	Resolution *string
	RootCause  *string
}

// ---- filters ----

type EventFilter struct {
	Service     string
	Severity    *int
	MinSeverity *int
	MaxSeverity *int
	Start       *time.Time
	End         *time.Time
	Tags        []string
	Page        int
	Limit       int
	Sort        string
}

type IncidentFilter struct {
	Status      string
	MinSeverity *int
	Service     string
	Start       *time.Time
	End         *time.Time
	Page        int
	Limit       int
	Sort        string
}

// EventStatsSummary is the GET /events/stats response shape.
type EventStatsSummary struct {
	Total      int64            `json:"total"`
	BySeverity map[int]int64    `json:"bySeverity"`
	ByService  map[string]int64 `json:"byService"`
}

// ---- store interfaces, grouped by aggregate per spec §4.9 ----

// EventStore is the events persistence contract.
type EventStore interface {
	// InsertMany performs a single unordered bulk insert. A duplicate
	// eventId is skipped without error and not counted in inserted; other
	// per-row failures are returned individually; there is no rollback of
	// the rows that succeeded.
	InsertMany(ctx context.Context, events []*Event) (inserted int, rowErrs map[uuid.UUID]error, err error)
	FindRecentUnassigned(ctx context.Context, since time.Time) ([]*Event, error)
	FindByIDs(ctx context.Context, ids []uuid.UUID, limitPerIncident int) ([]*Event, error)
	FindByIncident(ctx context.Context, incidentID uuid.UUID, limit int) ([]*Event, error)
	AssignIncident(ctx context.Context, eventIDs []uuid.UUID, incidentID uuid.UUID) error
	List(ctx context.Context, filter EventFilter) (events []*Event, total int, err error)
	Get(ctx context.Context, id uuid.UUID) (*Event, error)
	Stats(ctx context.Context, start, end time.Time) (*EventStatsSummary, error)
}

// IncidentStore is the incidents persistence contract.
type IncidentStore interface {
	Create(ctx context.Context, incident *Incident) error
	FindExtensionCandidate(ctx context.Context, service string, createdSince time.Time) (*Incident, error)
	Extend(ctx context.Context, incidentID uuid.UUID, patch IncidentExtension) error
	ApplySummary(ctx context.Context, incidentID uuid.UUID, patch IncidentSummaryPatch) error
	ApplyOperatorPatch(ctx context.Context, incidentID uuid.UUID, patch IncidentOperatorPatch) (*Incident, error)
	FindBySummaryNeeded(ctx context.Context, since time.Time, limit int) ([]*Incident, error)
	List(ctx context.Context, filter IncidentFilter) (incidents []*Incident, total int, err error)
	ListActive(ctx context.Context) ([]*Incident, error)
	Get(ctx context.Context, id uuid.UUID) (*Incident, error)
}

// StatsStore is the rolling-window counter persistence contract.
type StatsStore interface {
	Upsert(ctx context.Context, service, windowKey string, delta int64, ts time.Time) error
	FindRecent(ctx context.Context, service string, limit int) ([]*ServiceStats, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ConfigStore is the persistence interface for the single live-config row.
type ConfigStore interface {
	GetConfig(ctx context.Context) (map[string]any, error)
	SetConfig(ctx context.Context, data map[string]any) error
}

// UserStore backs operator authentication (ambient: assignedTo/acknowledge).
type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string, role Role) (*User, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	CountUsers(ctx context.Context) (int, error)

	CreateSession(ctx context.Context, userID int64, refreshToken string, expiresAt time.Time) (*Session, error)
	GetSessionByRefreshToken(ctx context.Context, refreshToken string) (*Session, error)
	DeleteSession(ctx context.Context, id uuid.UUID) error
	DeleteExpiredSessions(ctx context.Context) error
}

// Store is the full persistence abstraction the core depends on.
type Store interface {
	Events() EventStore
	Incidents() IncidentStore
	Stats() StatsStore
	Config() ConfigStore
	Users() UserStore
	Close() error
}
