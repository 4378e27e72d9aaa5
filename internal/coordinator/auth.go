package coordinator

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"lattice/internal/api"
	"lattice/internal/logging"
	"lattice/internal/services"
)

const requestIDHeader = api.RequestIDHeader

// authMiddleware validates bearer tokens. An empty token disables
// authentication.
func (c *Coordinator) authMiddleware(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		presented, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.logger.Debug("rejected unauthenticated request",
				logging.String("path", r.URL.Path),
				logging.String("remote", r.RemoteAddr),
			)
			c.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestIDMiddleware tags each request with a correlation id, reusing one
// supplied by the caller.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(services.WithRequestID(r.Context(), id)))
	})
}
