// Package gateway defines the client-facing entry points of warp and the
// API key authentication they share.
package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// Gateway is a client-facing entry point (HTTP API, MCP server).
type Gateway interface {
	// Start serves until the gateway exits or ctx is canceled.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period.
	Stop(ctx context.Context) error
}

// APIKeys maps API keys to user ids.
type APIKeys map[string]string

// Lookup returns the user id for key. Every configured key is compared in
// constant time.
func (k APIKeys) Lookup(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	userID := ""
	for candidate, user := range k {
		if subtle.ConstantTimeCompare([]byte(key), []byte(candidate)) == 1 {
			userID = user
		}
	}
	return userID, userID != ""
}

// BearerToken extracts the API key from the Authorization header, falling
// back to the token query parameter for clients that cannot set headers
// (browser WebSockets).
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}
