package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.tagRequest, s.accessLog, s.recoverPanics, s.cors, s.limitBody)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.requireUser)

			r.Route("/registrations", func(r chi.Router) {
				r.Post("/", s.handleSubmitRegistration)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetRegistration)
					r.Post("/approve", s.handleApproveRegistration)
					r.Post("/reject", s.handleRejectRegistration)
				})
			})

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Patch("/", s.handleUpdateDevice)
					r.Delete("/", s.handleUnregisterDevice)
					r.Post("/verify", s.handleVerifyDevice)
					r.Post("/attach", s.handleAttachDevice)
				})
			})

			r.Get("/templates", s.handleListTemplates)
			r.Post("/templates/{id}/registrations", s.handleRegisterFromTemplate)
			r.Get("/stats", s.handleStats)

			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", s.handleStartSession)
				r.Get("/", s.handleListSessions)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetSession)
					r.Post("/end", s.handleEndSession)
					r.Post("/cancel", s.handleCancelSession)
					r.Post("/commands", s.handleExecuteCommand)
					r.Post("/emergency-stop", s.handleEmergencyStop)
				})
			})

			r.Get("/events", s.handleListEvents)
			r.Get("/ws", s.handleWebSocket)
		})
	})

	return r
}

// handleHealth reports liveness and the state of each registered
// dependency. Any failing dependency turns the response into a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	deps := make(map[string]string, len(s.checks))

	for name, check := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := check.HealthCheck(ctx)
		cancel()
		if err != nil {
			deps[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	writeJSON(w, code, map[string]any{
		"status":          status,
		"version":         s.version,
		"dependencies":    deps,
		"devices":         s.registry.GetDeviceCount(),
		"active_sessions": len(s.sessions.ActiveSessions()),
		"ws_clients":      s.hub.ClientCount(),
	})
}
