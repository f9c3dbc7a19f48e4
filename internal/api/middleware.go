// Package api implements the character sheet REST API using chi.
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/starford/charsheet/internal/models"
)

// Actor headers set by the platform gateway in front of the API.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorName = "X-Actor-Name"
	HeaderActorRole = "X-Actor-Role"
)

// RoleModerator is the X-Actor-Role value granting moderator rights.
const RoleModerator = "moderator"

type actorKey struct{}

// AuthMiddleware returns middleware that validates a Bearer token.
// If enabled is false, all requests pass through (disabled mode).
// If enabled is true, requests must carry a valid "Authorization: Bearer <token>" header.
func AuthMiddleware(enabled bool, token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				next.ServeHTTP(w, r)
				return
			}
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != token {
				writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ActorMiddleware reads the acting user from the actor headers. Requests
// without an actor id are rejected.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderActorID))
		if id == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody(HeaderActorID+" header is required"))
			return
		}
		actor := models.Actor{
			ID:        id,
			Name:      strings.TrimSpace(r.Header.Get(HeaderActorName)),
			Moderator: strings.EqualFold(strings.TrimSpace(r.Header.Get(HeaderActorRole)), RoleModerator),
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFrom(r *http.Request) models.Actor {
	a, _ := r.Context().Value(actorKey{}).(models.Actor)
	return a
}
