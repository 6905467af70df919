package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/sasta-kro/corvus-ctf/hostplatform"
)

type contextKey string

const accountContextKey contextKey = "corvus-account"

// AuthMiddleware resolves the bearer token on every request into an
// account via the host platform collaborator, rejecting unauthenticated
// or banned callers before any handler runs.
func AuthMiddleware(accounts hostplatform.Accounts) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" {
				http.Error(w, `{"error":"missing authorization"}`, http.StatusUnauthorized)
				return
			}

			account, err := accounts.CurrentAccount(r.Context(), token)
			if err != nil {
				http.Error(w, `{"error":"invalid authorization"}`, http.StatusUnauthorized)
				return
			}
			if account.Banned {
				http.Error(w, `{"error":"account banned"}`, http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), accountContextKey, accountContext{
				AccountID: account.AccountID,
				UserID:    account.UserID,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func accountFromContext(r *http.Request) accountContext {
	account, _ := r.Context().Value(accountContextKey).(accountContext)
	return account
}

// AdminAuthMiddleware guards the operator surface with a single shared
// key rather than the per-account bearer flow, since admin callers are
// CI jobs and organizer tooling, not players.
func AdminAuthMiddleware(adminKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			supplied := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if adminKey == "" || subtle.ConstantTimeCompare([]byte(supplied), []byte(adminKey)) != 1 {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	return r.RemoteAddr
}
