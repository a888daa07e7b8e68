package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HerbHall/bote/internal/ratelimit"
	"github.com/HerbHall/bote/internal/version"
)

// Middleware is a function that wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middleware in order (first argument is outermost).
func Chain(handler http.Handler, mw ...Middleware) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		handler = mw[i](handler)
	}
	return handler
}

// CallerIdentifier names the authenticated caller of a request, such as the
// relay a token was issued to. Route registrars that authenticate their
// callers implement it.
type CallerIdentifier interface {
	IdentifyCaller(r *http.Request) (name string, ok bool)
}

// Caller kinds, used as a metric label.
const (
	CallerRelay = "relay"
	CallerIP    = "ip"
)

// requestInfo travels in the request context. pattern is filled in by the
// mux wrapper once routing is done.
type requestInfo struct {
	id      string
	kind    string
	caller  string
	pattern string
}

type requestInfoKey struct{}

func info(ctx context.Context) *requestInfo {
	if ri, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		return ri
	}
	return &requestInfo{}
}

// RequestID returns the request ID from the context.
func RequestID(ctx context.Context) string { return info(ctx).id }

// Caller returns the rate-limit key of the request: "relay:<name>" for an
// authenticated relay, "ip:<addr>" otherwise.
func Caller(ctx context.Context) string {
	ri := info(ctx)
	if ri.caller == "" {
		return ""
	}
	return ri.kind + ":" + ri.caller
}

// RequestInfoMiddleware assigns the request ID, propagating X-Request-ID,
// and identifies the caller.
func RequestInfoMiddleware(ids ...CallerIdentifier) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ri := &requestInfo{id: r.Header.Get("X-Request-ID"), kind: CallerIP, caller: clientIP(r)}
			if ri.id == "" {
				ri.id = uuid.NewString()
			}
			for _, id := range ids {
				if name, ok := id.IdentifyCaller(r); ok {
					ri.kind, ri.caller = CallerRelay, name
					break
				}
			}
			w.Header().Set("X-Request-ID", ri.id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, ri)))
		})
	}
}

// recordPattern wraps the mux and remembers which route matched.
func recordPattern(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.ServeHTTP(w, r)
		info(r.Context()).pattern = r.Pattern
	})
}

// LoggingMiddleware logs each request with its caller and records the HTTP
// metrics. Requests that upgraded to a relay session are logged when the
// session ends. Paths in quietPaths are not logged.
func LoggingMiddleware(logger *zap.Logger, quietPaths []string) Middleware {
	quiet := make(map[string]bool, len(quietPaths))
	for _, p := range quietPaths {
		quiet[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			duration := time.Since(start)
			ri := info(r.Context())
			route := ri.pattern
			if route == "" {
				route = "unmatched"
			}
			httpRequestsTotal.WithLabelValues(route, strconv.Itoa(sw.status), ri.kind).Inc()
			httpRequestDuration.WithLabelValues(route).Observe(duration.Seconds())

			if quiet[r.URL.Path] {
				return
			}
			msg := "http request"
			if sw.hijacked {
				msg = "relay session closed"
			}
			logger.Info(msg,
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.status),
				zap.Duration("duration", duration),
				zap.String("caller", Caller(r.Context())),
				zap.String("request_id", ri.id),
			)
		})
	}
}

// HeadersMiddleware sets the security headers and X-Bote-Version. bote
// serves JSON only, so nothing may be framed or loaded.
func HeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("X-Bote-Version", version.Short())
		next.ServeHTTP(w, r)
	})
}

// RecoveryMiddleware catches panics and returns a 500 problem response.
func RecoveryMiddleware(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.String("caller", Caller(r.Context())),
						zap.String("request_id", RequestID(r.Context())),
					)
					InternalError(w, "an unexpected error occurred", r.URL.Path)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitMiddleware limits requests per caller, so every relay has its
// own budget and anonymous clients share one per address. Paths in
// skipPaths are not limited.
func RateLimitMiddleware(limiter *ratelimit.Keyed[string], skipPaths []string) Middleware {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			key := Caller(r.Context())
			if key == "" {
				key = CallerIP + ":" + clientIP(r)
			}
			if !limiter.Allow(key) {
				httpRateLimited.WithLabelValues(info(r.Context()).kind).Inc()
				RateLimited(w, "rate limit exceeded", r.URL.Path)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the peer address. bote is not meant to sit behind a
// proxy, so X-Forwarded-For is not trusted.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// statusWriter wraps ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	hijacked    bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// Hijack lets relay WebSocket upgrades pass through the chain.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		w.hijacked = true
		w.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
