// Package middleware provides HTTP middleware for JWT auth and role
// enforcement on signalwatch's admin-only endpoints.
package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/whisper-darkly/signalwatch/apperr"
	"github.com/whisper-darkly/signalwatch/auth"
	"github.com/whisper-darkly/signalwatch/store"
)

type contextKey int

const (
	ctxUserID contextKey = iota
	ctxUserRole
	ctxSessionID
)

// RequireAuth validates the Bearer JWT and injects userID + role into context.
// Returns 401 on missing/invalid token.
func RequireAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if raw == "" {
				writeAuthError(w, apperr.New(apperr.Validation, "missing authorization header"))
				return
			}
			claims, err := auth.ParseAccessToken(secret, raw)
			if err != nil {
				writeAuthError(w, apperr.Wrap(apperr.Validation, "invalid bearer token", err))
				return
			}
			userID, err := strconv.ParseInt(claims.Subject, 10, 64)
			if err != nil {
				writeAuthError(w, apperr.New(apperr.Validation, "invalid token subject"))
				return
			}
			ctx := context.WithValue(r.Context(), ctxUserID, userID)
			ctx = context.WithValue(ctx, ctxUserRole, store.Role(claims.Role))
			ctx = context.WithValue(ctx, ctxSessionID, claims.SessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin returns 403 if the request context role is not admin.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ContextUserRole(r) != store.RoleAdmin {
				writeAuthError(w, apperr.New(apperr.Validation, "admin role required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ContextUserID extracts the userID injected by RequireAuth.
func ContextUserID(r *http.Request) int64 {
	v, _ := r.Context().Value(ctxUserID).(int64)
	return v
}

// ContextUserRole extracts the role injected by RequireAuth.
func ContextUserRole(r *http.Request) store.Role {
	v, _ := r.Context().Value(ctxUserRole).(store.Role)
	return v
}

// ContextSessionID extracts the session UUID injected by RequireAuth.
func ContextSessionID(r *http.Request) uuid.UUID {
	v, _ := r.Context().Value(ctxSessionID).(uuid.UUID)
	return v
}

// writeAuthError always responds 401/403 regardless of the apperr Kind's
// usual HTTP mapping, since both failure modes here are auth failures, not
// the validation-body failures apperr.Kind normally maps to 400.
func writeAuthError(w http.ResponseWriter, e *apperr.Error) {
	status := http.StatusUnauthorized
	if e.Message == "admin role required" {
		status = http.StatusForbidden
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + e.Message + `"}`))
}
