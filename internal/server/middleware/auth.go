package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// UserHeader carries the end user id set by the API gateway in front of the
// service.
const UserHeader = "X-User-ID"

type userKey struct{}

// UserID returns the caller id stored by Auth, or "".
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

// Auth checks the shared API key (Bearer token or X-API-Key) and records the
// caller from UserHeader on the request context. An empty apiKey disables
// the key check; the user header is still required.
func Auth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey != "" {
				token := extractToken(r)
				if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
					writeStatus(w, http.StatusUnauthorized, "invalid or missing API key")
					return
				}
			}

			user := strings.TrimSpace(r.Header.Get(UserHeader))
			if user == "" {
				writeStatus(w, http.StatusUnauthorized, "missing "+UserHeader+" header")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
		})
	}
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func writeStatus(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
