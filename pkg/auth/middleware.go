// Package auth provides credential storage and authentication middleware for
// broker-facing HTTP surfaces.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/keyleasehq/keylease/pkg/types"
)

type contextKey string

const toolKey contextKey = "tool_id"

// ToolFromContext extracts the authenticated tool ID from the context.
func ToolFromContext(ctx context.Context) string {
	v, _ := ctx.Value(toolKey).(string)
	return v
}

// BearerAuth returns middleware that validates credentials and sets the tool
// ID on the request context.
func BearerAuth(keys *KeyStore) func(http.Handler) http.Handler {
	skipPaths := map[string]bool{
		"/health":  true,
		"/metrics": true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			credential := r.Header.Get("X-API-Key")
			if credential == "" {
				// Also check Authorization: Bearer
				auth := r.Header.Get("Authorization")
				if strings.HasPrefix(auth, "Bearer ") {
					credential = strings.TrimPrefix(auth, "Bearer ")
				}
			}

			if credential == "" {
				types.ErrClient("missing credential", http.StatusUnauthorized).WriteJSON(w)
				return
			}

			toolID, ok := keys.Lookup(credential)
			if !ok {
				types.ErrClient("invalid credential", http.StatusUnauthorized).WriteJSON(w)
				return
			}

			ctx := context.WithValue(r.Context(), toolKey, toolID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
