package server

import (
	"context"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/pository/pository/internal/auth"
	"github.com/pository/pository/internal/log"
)

// identity is the resolved caller of a request. Both fields are nil
// until authentication succeeds; at most one is set afterwards. The
// value is allocated by the outermost middleware and filled in place so
// the completion hook can read it after the handler chain returns.
type identity struct {
	key    *auth.ApiKey
	claims *auth.Claims
}

// keyID is the identity string for logs and stored metadata.
func (id *identity) keyID() string {
	switch {
	case id == nil:
		return ""
	case id.claims != nil:
		return id.claims.Identity()
	case id.key != nil:
		return id.key.ID
	}
	return ""
}

type contextKey struct{}

// identityFrom returns the request's identity holder, never nil for
// requests that passed through the middleware chain.
func identityFrom(r *http.Request) *identity {
	if id, ok := r.Context().Value(contextKey{}).(*identity); ok {
		return id
	}
	return &identity{}
}

// requireAuth resolves the caller. Bearer tokens take precedence over
// X-Api-Key when both are present; a present-but-invalid credential is
// a 401 even if the other header would have matched.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate fills the request's identity holder in place.
func (s *Server) authenticate(r *http.Request) bool {
	id := identityFrom(r)

	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return false
		}
		claims, err := s.verifier.Verify(token)
		if err != nil {
			return false
		}
		id.claims = claims
		return true
	}

	key, ok := s.keys.ValidateKey(r.Header.Get("X-Api-Key"))
	if !ok {
		return false
	}
	id.key = key
	return true
}

// requireRole gates a handler on an API key role. Workload identities
// never satisfy a role requirement; their only privilege is the upload
// path, which consults the policy instead.
func (s *Server) requireRole(role auth.Role, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := identityFrom(r)
		if id == nil || id.key == nil || !auth.HasPermission(id.key, role, "", "") {
			writeError(w, http.StatusForbidden, "forbidden", "insufficient role")
			return
		}
		next(w, r)
	}
}

// statusRecorder captures the response status for the completion hook.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// observe allocates the identity holder, then updates metrics and
// writes the access log line once the request completes.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(context.WithValue(r.Context(), contextKey{}, &identity{}))

		next.ServeHTTP(recorder, r)

		latency := time.Since(start)
		s.metrics.ObserveRequest(r.Method, recorder.status, latency)
		log.Access(s.logger.Logger, log.AccessEntry{
			Method:    r.Method,
			URL:       r.URL.Path,
			Status:    recorder.status,
			LatencyMs: float64(latency.Nanoseconds()) / 1e6,
			IP:        clientIP(r),
			KeyID:     identityFrom(r).keyID(),
		})
	})
}

// clientIP strips the port from the remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// cors answers preflight requests and reflects configured origins. With
// no configured origins the middleware is inert.
func (s *Server) cors(next http.Handler) http.Handler {
	if len(s.cfg.CORSOrigins) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (slices.Contains(s.cfg.CORSOrigins, "*") || slices.Contains(s.cfg.CORSOrigins, origin)) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, X-Api-Key, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
