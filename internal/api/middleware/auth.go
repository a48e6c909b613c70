package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// APIKeyAuth accepts X-API-Key or a bearer token and stores the client name
// in the context. An empty key set disables authentication.
func APIKeyAuth(keys map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(keys) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				apiKey = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if apiKey == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing API key")
				return
			}

			clientID, ok := lookupKey(keys, apiKey)
			if !ok {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid API key")
				return
			}

			ctx := context.WithValue(r.Context(), ClientIDKey, clientID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func lookupKey(keys map[string]string, candidate string) (string, bool) {
	var (
		client string
		found  bool
	)
	for key, name := range keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(candidate)) == 1 {
			client, found = name, true
		}
	}
	return client, found
}
