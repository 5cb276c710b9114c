// Package middleware holds the HTTP middleware shared by the status API and
// the reference backend.
package middleware

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fieldcrm/fieldsync/internal/api/response"
	"github.com/fieldcrm/fieldsync/internal/logging"
)

type contextKey string

const (
	subjectKey       contextKey = "subject"
	subjectHolderKey contextKey = "subject_holder"
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// Logger logs one line per request.
func Logger() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			// Auth runs further down the chain and fills this in.
			holder := new(string)

			next.ServeHTTP(rw, r.WithContext(context.WithValue(r.Context(), subjectHolderKey, holder)))

			subject := *holder
			if subject == "" {
				subject = "anonymous"
			}
			fields := map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      rw.statusCode,
				"duration_ms": time.Since(start).Milliseconds(),
				"subject":     subject,
			}
			if rw.statusCode >= 500 {
				logging.Warn("[HTTP] Request served", fields)
			} else {
				logging.Debug("[HTTP] Request served", fields)
			}
		})
	}
}

// Recover turns a handler panic into a 500.
func Recover() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					logging.Error("[HTTP] Handler panicked", nil, map[string]interface{}{
						"path":  r.URL.Path,
						"panic": p,
					})
					response.InternalError(w, "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORS allows the listed origins; "*" allows any.
func CORS(allowedOrigins, allowedMethods, allowedHeaders string) func(http.Handler) http.Handler {
	origins := strings.Split(allowedOrigins, ",")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			for _, o := range origins {
				o = strings.TrimSpace(o)
				if o == "*" || (origin != "" && o == origin) {
					if origin != "" {
						w.Header().Set("Access-Control-Allow-Origin", origin)
					} else {
						w.Header().Set("Access-Control-Allow-Origin", "*")
					}
					break
				}
			}
			w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
			w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
			w.Header().Set("Access-Control-Max-Age", "3600")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Verifier checks a bearer token and returns its subject.
type Verifier interface {
	Verify(token string) (subject string, err error)
}

// Auth rejects requests without a valid bearer token and stores the token
// subject in the request context.
func Auth(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				response.Unauthorized(w, "Missing authorization header")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				response.Unauthorized(w, "Invalid authorization header format")
				return
			}

			subject, err := v.Verify(parts[1])
			if err != nil {
				response.Unauthorized(w, "Invalid or expired token")
				return
			}

			if holder, ok := r.Context().Value(subjectHolderKey).(*string); ok {
				*holder = subject
			}
			ctx := context.WithValue(r.Context(), subjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Subject returns the authenticated subject, or "" for anonymous requests.
func Subject(r *http.Request) string {
	subject, _ := r.Context().Value(subjectKey).(string)
	return subject
}
