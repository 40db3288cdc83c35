package api

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// authMiddleware requires "Authorization: Bearer <key>" matching the
// configured bcrypt hash. The liveness endpoint is always open.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKeyHash == "" || r.URL.Path == "/api/v1/health" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			s.logger.Warn("auth failed: missing credentials",
				"path", r.URL.Path,
				"has_auth_header", authHeader != "",
			)
			s.writeError(w, http.StatusUnauthorized, "unauthorized: missing credentials")
			return
		}

		apiKey := strings.TrimPrefix(authHeader, "Bearer ")
		if err := bcrypt.CompareHashAndPassword([]byte(s.apiKeyHash), []byte(apiKey)); err != nil {
			s.logger.Warn("auth failed: invalid API key", "path", r.URL.Path)
			s.writeError(w, http.StatusUnauthorized, "unauthorized: invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}
