package api

import (
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// requireAuth validates the Bearer token against the configured token
// hashes. Token names exist for operators rotating credentials; any
// configured token grants full access.
func (s *server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"authentication required"})

			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")

		for i := range s.cfg.Tokens {
			if bcrypt.CompareHashAndPassword(
				[]byte(s.cfg.Tokens[i].Hash), []byte(token),
			) == nil {
				next.ServeHTTP(w, r)

				return
			}
		}

		writeJSON(w, http.StatusUnauthorized, errorResponse{"invalid token"})
	})
}
