// Package router registers every HTTP endpoint using vanilla net/http
// (Go 1.22+ method-pattern mux), wiring the ingestion admission gate,
// the realtime websocket upgrade, and the admin-facing incident and
// circuit-breaker surfaces onto the core packages.
package router

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/whisper-darkly/signalwatch/apperr"
	"github.com/whisper-darkly/signalwatch/auth"
	"github.com/whisper-darkly/signalwatch/breaker"
	"github.com/whisper-darkly/signalwatch/broadcast"
	"github.com/whisper-darkly/signalwatch/config"
	"github.com/whisper-darkly/signalwatch/jsonvalue"
	"github.com/whisper-darkly/signalwatch/middleware"
	"github.com/whisper-darkly/signalwatch/queue"
	"github.com/whisper-darkly/signalwatch/ratelimit"
	"github.com/whisper-darkly/signalwatch/store"
	"github.com/whisper-darkly/signalwatch/summarizer"
)

const refreshCookie = "refresh_token"
const sessionTTL = 24 * time.Hour

// loadLevel is the X-Load-Level header value, per spec §6.
type loadLevel string

const (
	loadNormal   loadLevel = "normal"
	loadWarning  loadLevel = "warning"
	loadCritical loadLevel = "critical"
)

const (
	warningUtilization = 0.70
	rejectUtilization  = 0.90
)

// Deps holds every dependency the router wires onto its handlers.
type Deps struct {
	Store      store.Store
	Queue      *queue.Queue
	Hub        *broadcast.Hub
	Limiter    *ratelimit.Limiter
	Breaker    *breaker.Breaker
	Summarizer *summarizer.Worker
	Config     *config.Global
	JWTSecret  []byte
}

// New builds and returns the application HTTP handler.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	requireAuth := middleware.RequireAuth(d.JWTSecret)
	requireAdmin := middleware.RequireAdmin()
	admin := func(h http.HandlerFunc) http.Handler { return requireAuth(requireAdmin(h)) }

	// ---- auth (ambient: needed to obtain a token for the admin routes) ----
	mux.HandleFunc("POST /auth/login", login(d))
	mux.HandleFunc("POST /auth/refresh", refreshToken(d))
	mux.Handle("POST /auth/logout", requireAuth(http.HandlerFunc(logout(d))))

	// ---- ingestion ----
	mux.HandleFunc("POST /events", postEvent(d))
	mux.HandleFunc("GET /events", listEvents(d))
	mux.HandleFunc("GET /events/stats", eventStats(d))
	mux.HandleFunc("GET /events/{id}", getEvent(d))

	// ---- incidents ----
	mux.HandleFunc("GET /incidents", listIncidents(d))
	mux.HandleFunc("GET /incidents/active", activeIncidents(d))
	mux.HandleFunc("GET /incidents/{id}", getIncident(d))
	mux.Handle("PATCH /incidents/{id}", admin(patchIncident(d)))

	// ---- AI / circuit breaker ----
	mux.Handle("POST /ai/summarize/{id}", admin(summarizeIncident(d)))
	mux.Handle("GET /ai/circuit-breaker", admin(getCircuitBreaker(d)))
	mux.Handle("POST /ai/circuit-breaker/reset", admin(resetCircuitBreaker(d)))
	mux.Handle("POST /ai/circuit-breaker/trip", admin(tripCircuitBreaker(d)))

	// ---- realtime channel ----
	mux.HandleFunc("GET /realtime", realtime(d))

	return mux
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeAppError renders an *apperr.Error, setting Retry-After when present.
func writeAppError(w http.ResponseWriter, err error) {
	ae, ok := apperr.As(err)
	if !ok {
		ae = apperr.New(apperr.Internal, err.Error())
	}
	if ae.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ae.RetryAfter))
	}
	body := map[string]any{"error": ae.Message}
	if len(ae.Fields) > 0 {
		body["fields"] = ae.Fields
	}
	writeJSON(w, ae.Kind.HTTPStatus(), body)
}

// ---- admission gate (spec §5: rate limit + queue pressure) ----

func clientID(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xr := r.Header.Get("X-Real-IP"); xr != "" {
		return xr
	}
	return r.RemoteAddr
}

// admit applies rate limiting then queue-pressure classification, setting
// every header spec §6 requires on the ingestion path. It returns false
// (having already written a response) when the request must be rejected.
func admit(w http.ResponseWriter, r *http.Request, d Deps) bool {
	decision := d.Limiter.Allow(clientID(r), time.Now())
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

	if !decision.Allowed {
		writeAppError(w, apperr.New(apperr.RateLimited, "rate limit exceeded").
			WithRetryAfter(int(decision.RetryAfter.Seconds())))
		return false
	}

	stats := d.Queue.Stats()
	utilization := float64(stats.QueueSize) / float64(stats.MaxQueueSize)
	w.Header().Set("X-Queue-Utilization", strconv.Itoa(int(utilization*100))+"%")

	switch {
	case utilization >= rejectUtilization:
		w.Header().Set("X-Load-Level", string(loadCritical))
		writeAppError(w, apperr.New(apperr.Overloaded, "event queue at capacity").WithRetryAfter(1))
		return false
	case utilization >= warningUtilization:
		w.Header().Set("X-Load-Level", string(loadWarning))
	default:
		w.Header().Set("X-Load-Level", string(loadNormal))
	}
	return true
}

// ---- ingestion handlers ----

type postEventBody struct {
	Service    string          `json:"service"`
	Severity   int             `json:"severity"`
	Metadata   jsonvalue.Value `json:"metadata"`
	Tags       []string        `json:"tags"`
	RawPayload string          `json:"rawPayload"`
}

func postEvent(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !admit(w, r, d) {
			return
		}

		var body postEventBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeAppError(w, apperr.New(apperr.Validation, "invalid JSON body"))
			return
		}
		if body.Service == "" {
			writeAppError(w, apperr.New(apperr.Validation, "service is required").
				WithFields(apperr.FieldError{Field: "service", Message: "required"}))
			return
		}
		if body.Severity < 1 || body.Severity > 5 {
			writeAppError(w, apperr.New(apperr.Validation, "severity must be between 1 and 5").
				WithFields(apperr.FieldError{Field: "severity", Message: "must be 1..5", Value: body.Severity}))
			return
		}

		ev := &store.Event{
			EventID:    uuid.New(),
			Service:    body.Service,
			Severity:   store.ClampSeverity(body.Severity),
			Timestamp:  time.Now().UTC(),
			Metadata:   body.Metadata,
			Tags:       body.Tags,
			RawPayload: body.RawPayload,
		}

		result := d.Queue.Enqueue(ev)
		if !result.Accepted {
			writeAppError(w, apperr.New(apperr.Overloaded, "event queue at capacity").WithRetryAfter(1))
			return
		}
		writeJSON(w, http.StatusCreated, ev)
	}
}

func listEvents(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := store.EventFilter{
			Service: q.Get("service"),
			Tags:    splitCSV(q.Get("tags")),
			Page:    queryInt(q, "page", 1),
			Limit:   queryInt(q, "limit", 20),
			Sort:    q.Get("sort"),
		}
		if v := queryIntPtr(q, "severity"); v != nil {
			filter.Severity = v
		}
		if v := queryIntPtr(q, "minSeverity"); v != nil {
			filter.MinSeverity = v
		}
		if v := queryIntPtr(q, "maxSeverity"); v != nil {
			filter.MaxSeverity = v
		}
		if t, ok := queryTime(q, "startDate"); ok {
			filter.Start = &t
		}
		if t, ok := queryTime(q, "endDate"); ok {
			filter.End = &t
		}

		events, total, err := d.Store.Events().List(r.Context(), filter)
		if err != nil {
			writeAppError(w, apperr.Wrap(apperr.StoreUnavailable, "list events", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"events": events,
			"total":  total,
			"page":   filter.Page,
			"limit":  filter.Limit,
		})
	}
}

func getEvent(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeAppError(w, apperr.New(apperr.Validation, "invalid event id"))
			return
		}
		ev, err := d.Store.Events().Get(r.Context(), id)
		if err != nil {
			writeAppError(w, apperr.Wrap(apperr.StoreUnavailable, "get event", err))
			return
		}
		if ev == nil {
			writeAppError(w, apperr.NotFoundf("event %s not found", id))
			return
		}
		writeJSON(w, http.StatusOK, ev)
	}
}

func eventStats(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		end := time.Now().UTC()
		start := end.Add(-24 * time.Hour)
		if t, ok := queryTime(q, "startDate"); ok {
			start = t
		}
		if t, ok := queryTime(q, "endDate"); ok {
			end = t
		}
		summary, err := d.Store.Events().Stats(r.Context(), start, end)
		if err != nil {
			writeAppError(w, apperr.Wrap(apperr.StoreUnavailable, "event stats", err))
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

// ---- incident handlers ----

func listIncidents(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := store.IncidentFilter{
			Status:  q.Get("status"),
			Service: q.Get("service"),
			Page:    queryInt(q, "page", 1),
			Limit:   queryInt(q, "limit", 20),
			Sort:    q.Get("sort"),
		}
		if v := queryIntPtr(q, "minSeverity"); v != nil {
			filter.MinSeverity = v
		}
		if t, ok := queryTime(q, "startDate"); ok {
			filter.Start = &t
		}
		if t, ok := queryTime(q, "endDate"); ok {
			filter.End = &t
		}

		incidents, total, err := d.Store.Incidents().List(r.Context(), filter)
		if err != nil {
			writeAppError(w, apperr.Wrap(apperr.StoreUnavailable, "list incidents", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"incidents": incidents,
			"total":     total,
			"page":      filter.Page,
			"limit":     filter.Limit,
		})
	}
}

func activeIncidents(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		incidents, err := d.Store.Incidents().ListActive(r.Context())
		if err != nil {
			writeAppError(w, apperr.Wrap(apperr.StoreUnavailable, "list active incidents", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"incidents": incidents})
	}
}

func getIncident(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeAppError(w, apperr.New(apperr.Validation, "invalid incident id"))
			return
		}
		inc, err := d.Store.Incidents().Get(r.Context(), id)
		if err != nil {
			writeAppError(w, apperr.Wrap(apperr.StoreUnavailable, "get incident", err))
			return
		}
		if inc == nil {
			writeAppError(w, apperr.NotFoundf("incident %s not found", id))
			return
		}

		events, err := d.Store.Events().FindByIncident(r.Context(), id, 0)
		if err != nil {
			writeAppError(w, apperr.Wrap(apperr.StoreUnavailable, "load incident events", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"incident": inc, "events": events})
	}
}

type patchIncidentBody struct {
	Status     *store.IncidentStatus `json:"status"`
	AssignedTo *int64                `json:"assignedTo"`
	Resolution *string               `json:"resolution"`
	RootCause  *string               `json:"rootCause"`
}

func patchIncident(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeAppError(w, apperr.New(apperr.Validation, "invalid incident id"))
			return
		}
		var body patchIncidentBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeAppError(w, apperr.New(apperr.Validation, "invalid JSON body"))
			return
		}
		if body.Status != nil {
			switch *body.Status {
			case store.StatusActive, store.StatusInvestigating, store.StatusResolved:
			default:
				writeAppError(w, apperr.New(apperr.Validation, "invalid status").
					WithFields(apperr.FieldError{Field: "status", Value: *body.Status}))
				return
			}
		}

		updated, err := d.Store.Incidents().ApplyOperatorPatch(r.Context(), id, store.IncidentOperatorPatch{
			Status:     body.Status,
			AssignedTo: body.AssignedTo,
			Resolution: body.Resolution,
			RootCause:  body.RootCause,
		})
		if err != nil {
			writeAppError(w, apperr.Wrap(apperr.StoreUnavailable, "patch incident", err))
			return
		}
		if updated == nil {
			writeAppError(w, apperr.NotFoundf("incident %s not found", id))
			return
		}
		if d.Hub != nil {
			d.Hub.PublishIncident(updated, broadcast.IncidentUpdated)
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

// ---- AI / circuit breaker handlers ----

func summarizeIncident(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeAppError(w, apperr.New(apperr.Validation, "invalid incident id"))
			return
		}
		if d.Breaker.State() == breaker.Open {
			writeAppError(w, apperr.New(apperr.ExternalUnavailable, "AI summarization circuit is open").WithRetryAfter(30))
			return
		}
		if err := d.Summarizer.SummarizeOne(r.Context(), id); err != nil {
			writeAppError(w, apperr.Wrap(apperr.ExternalUnavailable, "summarize incident", err))
			return
		}
		inc, err := d.Store.Incidents().Get(r.Context(), id)
		if err != nil || inc == nil {
			writeAppError(w, apperr.NotFoundf("incident %s not found", id))
			return
		}
		writeJSON(w, http.StatusOK, inc)
	}
}

func getCircuitBreaker(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"state":       d.Breaker.State().String(),
			"transitions": d.Breaker.Transitions(),
		})
	}
}

func resetCircuitBreaker(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Breaker.Reset()
		writeJSON(w, http.StatusOK, map[string]any{"state": d.Breaker.State().String()})
	}
}

func tripCircuitBreaker(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Breaker.Trip()
		writeJSON(w, http.StatusOK, map[string]any{"state": d.Breaker.State().String()})
	}
}

// ---- realtime channel ----

// realtime upgrades to a websocket. No bearer token is read: every
// connection is attached, read-only, per spec §6.
func realtime(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Hub.ServeWebSocket(w, r); err != nil {
			writeAppError(w, apperr.Wrap(apperr.Internal, "websocket upgrade failed", err))
		}
	}
}

// ---- auth handlers (ambient: needed to obtain a bearer token at all) ----

func login(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Username == "" || body.Password == "" {
			writeAppError(w, apperr.New(apperr.Validation, "username and password are required"))
			return
		}

		u, err := d.Store.Users().GetUserByUsername(r.Context(), body.Username)
		if err != nil {
			writeAppError(w, apperr.Wrap(apperr.StoreUnavailable, "login", err))
			return
		}
		if u == nil || !auth.CheckPassword(u.PasswordHash, body.Password) {
			writeAppError(w, apperr.New(apperr.Validation, "invalid credentials"))
			return
		}

		refreshTok, err := auth.GenerateRefreshToken()
		if err != nil {
			writeAppError(w, apperr.Wrap(apperr.Internal, "issue refresh token", err))
			return
		}
		sess, err := d.Store.Users().CreateSession(r.Context(), u.ID, refreshTok, time.Now().Add(sessionTTL))
		if err != nil {
			writeAppError(w, apperr.Wrap(apperr.StoreUnavailable, "create session", err))
			return
		}
		token, err := auth.IssueAccessToken(d.JWTSecret, u.ID, sess.ID, u.Role)
		if err != nil {
			writeAppError(w, apperr.Wrap(apperr.Internal, "issue access token", err))
			return
		}

		setRefreshCookie(w, refreshTok)
		writeJSON(w, http.StatusOK, map[string]any{"accessToken": token, "user": u})
	}
}

func refreshToken(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(refreshCookie)
		if err != nil {
			writeAppError(w, apperr.New(apperr.Validation, "missing refresh token"))
			return
		}

		sess, err := d.Store.Users().GetSessionByRefreshToken(r.Context(), cookie.Value)
		if err != nil {
			writeAppError(w, apperr.Wrap(apperr.StoreUnavailable, "refresh token", err))
			return
		}
		if sess == nil || sess.ExpiresAt.Before(time.Now()) {
			writeAppError(w, apperr.New(apperr.Validation, "invalid or expired refresh token"))
			return
		}
		u, err := d.Store.Users().GetUser(r.Context(), sess.UserID)
		if err != nil || u == nil {
			writeAppError(w, apperr.Wrap(apperr.StoreUnavailable, "refresh token", err))
			return
		}

		_ = d.Store.Users().DeleteSession(r.Context(), sess.ID)

		newRefreshTok, err := auth.GenerateRefreshToken()
		if err != nil {
			writeAppError(w, apperr.Wrap(apperr.Internal, "issue refresh token", err))
			return
		}
		newSess, err := d.Store.Users().CreateSession(r.Context(), u.ID, newRefreshTok, time.Now().Add(sessionTTL))
		if err != nil {
			writeAppError(w, apperr.Wrap(apperr.StoreUnavailable, "create session", err))
			return
		}
		token, err := auth.IssueAccessToken(d.JWTSecret, u.ID, newSess.ID, u.Role)
		if err != nil {
			writeAppError(w, apperr.Wrap(apperr.Internal, "issue access token", err))
			return
		}

		setRefreshCookie(w, newRefreshTok)
		writeJSON(w, http.StatusOK, map[string]any{"accessToken": token})
	}
}

func logout(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessID := middleware.ContextSessionID(r)
		if sessID != (uuid.UUID{}) {
			_ = d.Store.Users().DeleteSession(r.Context(), sessID)
		}
		clearRefreshCookie(w)
		w.WriteHeader(http.StatusNoContent)
	}
}

func setRefreshCookie(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    value,
		Path:     "/auth/refresh",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(sessionTTL.Seconds()),
	})
}

func clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Path:     "/auth/refresh",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

// ---- query helpers ----

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func queryInt(q url.Values, key string, def int) int {
	v := q.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func queryIntPtr(q url.Values, key string) *int {
	v := q.Get(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

func queryTime(q url.Values, key string) (time.Time, bool) {
	v := q.Get(key)
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
