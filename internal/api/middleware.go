package api

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const (
	requestIDHeader    = "X-Request-ID"
	maxRequestBodySize = 1 << 20
	corsMaxAge         = "86400"
)

type ctxKey struct{}

// requestInfo travels on the request context. Inner middleware fills in
// the user so the access log, which runs outermost, can report it.
type requestInfo struct {
	id   string
	user string
}

func infoFrom(r *http.Request) *requestInfo {
	if info, ok := r.Context().Value(ctxKey{}).(*requestInfo); ok {
		return info
	}
	return &requestInfo{}
}

// requestID returns the request's correlation ID.
func requestID(r *http.Request) string { return infoFrom(r).id }

// userFrom returns the authenticated user. Empty outside requireUser.
func userFrom(r *http.Request) string { return infoFrom(r).user }

// tagRequest attaches a requestInfo and echoes the request ID. A
// client-supplied X-Request-ID is kept so callers can trace their calls.
func (s *Server) tagRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), ctxKey{}, &requestInfo{id: id})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// accessLog logs one line per request. Server errors log at error level,
// client errors at warn and the rest at info.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		info := infoFrom(r)
		args := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", info.id,
		}
		if info.user != "" {
			args = append(args, "user_id", info.user)
		}
		switch {
		case status >= http.StatusInternalServerError:
			s.logger.Error("http request", args...)
		case status >= http.StatusBadRequest:
			s.logger.Warn("http request", args...)
		default:
			s.logger.Info("http request", args...)
		}
	})
}

// recoverPanics turns a handler panic into a 500.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				//nolint:errorlint // http.ErrAbortHandler is a sentinel panic value
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.logger.Error("panic in http handler",
					"panic", v,
					"path", r.URL.Path,
					"request_id", requestID(r),
					"stack", string(debug.Stack()),
				)
				writeInternalError(w, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// cors answers preflights and decorates responses for allowed origins.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Add("Vary", "Origin")
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", strings.Join([]string{"Authorization", "Content-Type", requestIDHeader, devUserHeader}, ", "))
			h.Set("Access-Control-Expose-Headers", requestIDHeader)
			h.Set("Access-Control-Max-Age", corsMaxAge)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originAllowed matches origin against the configured list. No list
// means any origin.
func (s *Server) originAllowed(origin string) bool {
	allowed := s.cfg.CORS.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// requireUser authenticates the caller and records the user on the
// request. Unauthenticated requests get 401.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.auth.authenticate(r)
		if err != nil {
			s.logger.Debug("authentication failed", "path", r.URL.Path, "error", err)
			writeUnauthorized(w, err.Error())
			return
		}
		info := infoFrom(r)
		info.user = user
		if info.id == "" {
			// Handler mounted without tagRequest, e.g. in tests.
			r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, info))
		}
		next.ServeHTTP(w, r)
	})
}
