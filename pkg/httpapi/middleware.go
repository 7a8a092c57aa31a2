package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vanloc1808/arcana-entitlement/pkg/ratelimit"
	"github.com/vanloc1808/arcana-entitlement/pkg/store"
)

type ctxKey int

const userCtxKey ctxKey = iota

// corsMiddleware mirrors the teacher's permissive frontend CORS setup.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware resolves a bearer token to a user. The token collaborator
// (issuing and verifying the token itself) is out of scope for this core;
// here the token is taken to already be a trusted user id, the same way
// the teacher's APIKeyAuthMiddleware trusts X-API-Key once it resolves to
// a merchant row.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		token := strings.TrimPrefix(authz, "Bearer ")
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		user, err := store.GetUser(ctx, s.db, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid bearer token")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), userCtxKey, user)))
	}
}

func userFromContext(r *http.Request) *store.User {
	u, _ := r.Context().Value(userCtxKey).(*store.User)
	return u
}

// rateLimitMiddleware enforces the C6 token bucket for the given endpoint
// class before the handler runs.
func (s *Server) rateLimitMiddleware(class ratelimit.Class, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := remoteIP(r)
		decision, err := s.limiter.Allow(r.Context(), ip, class, float64(time.Now().UnixMilli())/1000.0)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		if !decision.Allowed {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error":  "Rate limit exceeded",
				"detail": fmt.Sprintf("%d per minute", decision.LimitPerMin),
			})
			return
		}
		next(w, r)
	}
}

// remoteIP takes whatever the trust chain yields; the Limiter does not
// itself decide which header to honour, per the rate limiter's trust
// model. This returns the first X-Forwarded-For entry when that header is
// present, and otherwise RemoteAddr with its port stripped.
func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errStr, msg string) {
	writeJSON(w, code, map[string]string{"error": errStr, "message": msg})
}
