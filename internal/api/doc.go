// Package api implements the HTTP REST API and WebSocket server for teleop-core.
//
// This package provides:
//   - REST endpoints for registrations, devices, templates and sessions
//   - Command execution against a user's active session
//   - WebSocket hub relaying bus events to subscribed clients
//   - Bearer JWT authentication (HS256, subject = user ID)
//   - Middleware stack (request ID, logging, recovery, CORS)
//
// # Architecture
//
//	client ──HTTP──▶ chi router ──▶ Registry / session.Manager / command.Dispatcher
//	                                          │
//	                                     events.Bus
//	                                          │
//	client ◀──WS──── Hub ◀────────────────────┘
//
// # Error Mapping
//
// Domain errors are translated by writeDomainError: validation 400,
// unauthorized 401, not found 404, state conflicts 409, owner limit 429,
// settlement and unreachable device 502, device unavailable 503.
// Acting on another owner's device is 403.
//
// # Security
//
// With auth.jwt_secret set every /api/v1 route except /health requires
// "Authorization: Bearer <jwt>". WebSocket clients may pass the token as the
// "token" query parameter instead. With no secret configured the server runs
// in development mode and trusts the X-User-ID header.
//
// Device updates, verification, attach and unregister are owner only.
// Session routes, emergency stop included, belong to the user who started
// the session.
package api
