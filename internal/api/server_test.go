package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/teleop-core/internal/capability"
	"github.com/nerrad567/teleop-core/internal/command"
	"github.com/nerrad567/teleop-core/internal/device"
	"github.com/nerrad567/teleop-core/internal/eventlog"
	"github.com/nerrad567/teleop-core/internal/events"
	"github.com/nerrad567/teleop-core/internal/infrastructure/config"
	"github.com/nerrad567/teleop-core/internal/infrastructure/logging"
	"github.com/nerrad567/teleop-core/internal/payment"
	"github.com/nerrad567/teleop-core/internal/session"
	"github.com/nerrad567/teleop-core/internal/transport"
)

const (
	testSecret = "test-secret-key-at-least-32-characters-long"
	ownerID    = "owner-1"
	userID     = "user-1"
)

// fakeExecutor answers every command with the configured result.
type fakeExecutor struct {
	mu     sync.Mutex
	result transport.Result
	err    error
	reqs   []transport.Request
}

func (f *fakeExecutor) Execute(_ context.Context, req transport.Request) (transport.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.result, f.err
}

type fakeChecker struct{ err error }

func (f fakeChecker) HealthCheck(context.Context) error { return f.err }

// fakeEventLog serves canned records.
type fakeEventLog struct {
	records  []eventlog.Record
	sessions []eventlog.SessionSummary
	filter   eventlog.Filter
}

func (f *fakeEventLog) Append(context.Context, events.Event) error { return nil }

func (f *fakeEventLog) List(_ context.Context, filter eventlog.Filter) ([]eventlog.Record, error) {
	f.filter = filter
	return f.records, nil
}

func (f *fakeEventLog) SaveSession(context.Context, eventlog.SessionSummary) error { return nil }

func (f *fakeEventLog) ListSessions(context.Context, string, string, int) ([]eventlog.SessionSummary, error) {
	return f.sessions, nil
}

type testEnv struct {
	srv      *Server
	router   http.Handler
	bus      *events.Bus
	registry *device.Registry
	exec     *fakeExecutor
}

type option func(*Deps)

func withAuth(cfg config.AuthConfig) option { return func(d *Deps) { d.Auth = cfg } }

func withEventLog(repo eventlog.Repository) option { return func(d *Deps) { d.EventLog = repo } }

func withCheck(name string, c HealthChecker) option {
	return func(d *Deps) {
		if d.Checks == nil {
			d.Checks = map[string]HealthChecker{}
		}
		d.Checks[name] = c
	}
}

// testServer wires a real registry, session manager and dispatcher behind
// the API. Devices have no persistent transport, so approval brings them
// straight online.
func testServer(t *testing.T, opts ...option) *testEnv {
	t.Helper()

	log := logging.NewWithWriter(io.Discard, config.LoggingConfig{Level: "error"}, "test", "")
	bus := events.NewBus()
	registry := device.NewRegistry(device.DefaultConfig(), bus)
	sessions := session.NewManager(session.Config{}, registry, nil, payment.NewLocalSettler(), bus)
	exec := &fakeExecutor{result: transport.Result{Success: true, Data: map[string]any{"ok": true}}}
	dispatcher := command.NewDispatcher(command.Config{}, sessions, registry, exec, bus)

	deps := Deps{
		Config:     config.APIConfig{Host: "127.0.0.1"},
		WS:         config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Logger:     log,
		Bus:        bus,
		Registry:   registry,
		Sessions:   sessions,
		Dispatcher: dispatcher,
		Version:    "test",
	}
	for _, opt := range opts {
		opt(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return &testEnv{srv: srv, router: srv.buildRouter(), bus: bus, registry: registry, exec: exec}
}

// do sends a request as user (dev mode) and returns the recorder.
func (e *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if user != "" {
		req.Header.Set(devUserHeader, user)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, want, w.Body.String())
	}
}

func registrationBody() device.Registration {
	return device.Registration{
		DeviceInfo: device.DeviceInfo{
			Name: "Bench Arm",
			Type: device.DeviceTypeRobotArm,
			Capabilities: []capability.Capability{{
				ID:       "move",
				Name:     "Move",
				Category: capability.CategoryMovement,
				Parameters: []capability.Parameter{
					{Name: "x", Type: capability.TypeNumber, Required: true},
				},
				CostPerExecution: 0.25,
				ExecutionTimeMs:  5000,
			}},
			Connection: device.ConnectionInfo{Protocol: device.ProtocolHTTP, Endpoint: "http://arm.local"},
			Pricing:    device.Pricing{Currency: device.CurrencySOL, BillingModel: device.BillingPerAction},
		},
		OwnerSignature: "sig",
	}
}

// onlineDevice registers and approves a device, returning its ID.
func (e *testEnv) onlineDevice(t *testing.T) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/registrations", ownerID, registrationBody())
	expectStatus(t, w, http.StatusCreated)
	reg := decode[registrationResponse](t, w)

	w = e.do(t, http.MethodPost, "/api/v1/registrations/"+reg.Registration.ID+"/approve", "reviewer", nil)
	expectStatus(t, w, http.StatusOK)
	approved := decode[registrationResponse](t, w)
	if approved.Device == nil || approved.Device.Status != device.StatusOnline {
		t.Fatalf("approved device = %+v, want online", approved.Device)
	}
	return approved.Device.ID
}

// ─── Health & Middleware ───────────────────────────────────────────

func TestHealth(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		env := testServer(t, withCheck("database", fakeChecker{}))
		w := env.do(t, http.MethodGet, "/api/v1/health", "", nil)
		expectStatus(t, w, http.StatusOK)

		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		resp := decode[map[string]any](t, w)
		if resp["status"] != "ok" || resp["version"] != "test" {
			t.Errorf("health = %v", resp)
		}
	})

	t.Run("degraded", func(t *testing.T) {
		env := testServer(t, withCheck("influxdb", fakeChecker{err: errors.New("unreachable")}))
		w := env.do(t, http.MethodGet, "/api/v1/health", "", nil)
		expectStatus(t, w, http.StatusServiceUnavailable)

		resp := decode[map[string]any](t, w)
		deps, _ := resp["dependencies"].(map[string]any)
		if deps["influxdb"] != "unreachable" {
			t.Errorf("dependencies = %v", resp["dependencies"])
		}
	})
}

func TestRequestID(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/health", "", nil)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want client-123", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := testServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/devices", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q, want http://localhost:3000", got)
	}
}

// ─── Authentication ────────────────────────────────────────────────

func TestAuthDevMode(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/devices", "", nil)
	expectStatus(t, w, http.StatusUnauthorized)

	w = env.do(t, http.MethodGet, "/api/v1/devices", userID, nil)
	expectStatus(t, w, http.StatusOK)
}

func TestAuthJWT(t *testing.T) {
	authCfg := config.AuthConfig{JWTSecret: testSecret, Issuer: "teleop-core"}
	env := testServer(t, withAuth(authCfg))

	valid, err := IssueToken(authCfg, userID, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	expired, err := IssueToken(authCfg, userID, -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	foreign, err := IssueToken(config.AuthConfig{JWTSecret: testSecret, Issuer: "someone-else"}, userID, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	otherKey, err := IssueToken(config.AuthConfig{JWTSecret: strings.Repeat("x", 32), Issuer: "teleop-core"}, userID, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + valid, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong issuer", "Bearer " + foreign, http.StatusUnauthorized},
		{"wrong key", "Bearer " + otherKey, http.StatusUnauthorized},
		{"wrong scheme", "Basic " + valid, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			req.Header.Set(devUserHeader, "ignored-when-jwt-enabled")
			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d; body: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}

	t.Run("subject becomes session user", func(t *testing.T) {
		id := env.onlineDeviceJWT(t, authCfg)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", strings.NewReader(`{"device_id":"`+id+`"}`))
		req.Header.Set("Authorization", "Bearer "+valid)
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		expectStatus(t, w, http.StatusCreated)
		if s := decode[session.Session](t, w); s.UserID != userID {
			t.Errorf("UserID = %q, want %q", s.UserID, userID)
		}
	})
}

func (e *testEnv) onlineDeviceJWT(t *testing.T, cfg config.AuthConfig) string {
	t.Helper()
	reg := registrationBody()
	reg.DeviceInfo.Owner = ownerID
	regID, err := e.registry.Submit(reg)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	devID, err := e.registry.Approve(regID, "reviewer")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if _, err := e.registry.SetStatus(devID, device.StatusOnline); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	return devID
}

func TestIssueTokenWithoutSecret(t *testing.T) {
	if _, err := IssueToken(config.AuthConfig{}, userID, time.Minute); err == nil {
		t.Error("IssueToken() without secret should fail")
	}
}

// ─── Registrations & Devices ───────────────────────────────────────

func TestRegistrationLifecycle(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodPost, "/api/v1/registrations", ownerID, registrationBody())
	expectStatus(t, w, http.StatusCreated)
	reg := decode[registrationResponse](t, w)
	if reg.Registration.Status != device.RegistrationUnderReview {
		t.Errorf("status = %q, want under_review", reg.Registration.Status)
	}
	if reg.Registration.Registration.DeviceInfo.Owner != ownerID {
		t.Errorf("owner = %q, want caller %q", reg.Registration.Registration.DeviceInfo.Owner, ownerID)
	}
	if reg.Device != nil {
		t.Error("device returned before approval")
	}

	w = env.do(t, http.MethodGet, "/api/v1/registrations/"+reg.Registration.ID, ownerID, nil)
	expectStatus(t, w, http.StatusOK)

	w = env.do(t, http.MethodPost, "/api/v1/registrations/"+reg.Registration.ID+"/approve", "reviewer", nil)
	expectStatus(t, w, http.StatusOK)
	approved := decode[registrationResponse](t, w)
	if approved.Registration.Reviewer != "reviewer" {
		t.Errorf("reviewer = %q, want reviewer", approved.Registration.Reviewer)
	}
	devID := approved.Device.ID

	w = env.do(t, http.MethodPost, "/api/v1/registrations/"+reg.Registration.ID+"/approve", "reviewer", nil)
	expectStatus(t, w, http.StatusConflict)

	w = env.do(t, http.MethodGet, "/api/v1/devices/"+devID, userID, nil)
	expectStatus(t, w, http.StatusOK)
	dev := decode[device.Device](t, w)
	if dev.TrustScore != 50 || dev.Status != device.StatusOnline {
		t.Errorf("device = trust %d status %s, want 50 online", dev.TrustScore, dev.Status)
	}

	w = env.do(t, http.MethodGet, "/api/v1/devices?status=online&min_trust=40", userID, nil)
	expectStatus(t, w, http.StatusOK)
	if n := decode[map[string]any](t, w)["count"]; n != 1.0 {
		t.Errorf("count = %v, want 1", n)
	}

	w = env.do(t, http.MethodGet, "/api/v1/devices?min_trust=high", userID, nil)
	expectStatus(t, w, http.StatusBadRequest)
}

func TestSubmitRegistrationErrors(t *testing.T) {
	env := testServer(t)

	bad := registrationBody()
	bad.OwnerSignature = ""
	bad.DeviceInfo.Name = ""
	w := env.do(t, http.MethodPost, "/api/v1/registrations", ownerID, bad)
	expectStatus(t, w, http.StatusBadRequest)
	resp := decode[Error](t, w)
	if resp.Code != ErrCodeValidation || len(resp.Violations) != 2 {
		t.Errorf("error = %+v, want 2 violations", resp)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/registrations", strings.NewReader("{"))
	req.Header.Set(devUserHeader, ownerID)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusBadRequest)

	for i := 0; i < device.DefaultConfig().MaxDevicesPerOwner; i++ {
		w = env.do(t, http.MethodPost, "/api/v1/registrations", ownerID, registrationBody())
		expectStatus(t, w, http.StatusCreated)
	}
	w = env.do(t, http.MethodPost, "/api/v1/registrations", ownerID, registrationBody())
	expectStatus(t, w, http.StatusTooManyRequests)
}

func TestRejectRegistration(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodPost, "/api/v1/registrations", ownerID, registrationBody())
	reg := decode[registrationResponse](t, w)

	w = env.do(t, http.MethodPost, "/api/v1/registrations/"+reg.Registration.ID+"/reject", "reviewer", map[string]string{"reason": "blurry photos"})
	expectStatus(t, w, http.StatusOK)
	if got := decode[device.PendingRegistration](t, w); got.Status != device.RegistrationRejected || got.ReviewNotes != "blurry photos" {
		t.Errorf("registration = %s %q", got.Status, got.ReviewNotes)
	}

	w = env.do(t, http.MethodPost, "/api/v1/registrations/missing/reject", "reviewer", map[string]string{})
	expectStatus(t, w, http.StatusNotFound)
}

func TestUpdateAndVerifyDevice(t *testing.T) {
	env := testServer(t)
	id := env.onlineDevice(t)

	w := env.do(t, http.MethodPatch, "/api/v1/devices/"+id, ownerID, map[string]any{"name": "Renamed Arm"})
	expectStatus(t, w, http.StatusOK)
	if got := decode[device.Device](t, w); got.Name != "Renamed Arm" {
		t.Errorf("name = %q, want Renamed Arm", got.Name)
	}

	w = env.do(t, http.MethodPatch, "/api/v1/devices/"+id, ownerID, map[string]any{"name": ""})
	expectStatus(t, w, http.StatusBadRequest)

	w = env.do(t, http.MethodPost, "/api/v1/devices/"+id+"/verify", ownerID, device.VerificationData{SecurityToken: "tok"})
	expectStatus(t, w, http.StatusOK)
	if res := decode[device.VerificationResult](t, w); len(res.Checks) == 0 {
		t.Error("verification returned no checks")
	}

	w = env.do(t, http.MethodPost, "/api/v1/devices/missing/verify", ownerID, device.VerificationData{})
	expectStatus(t, w, http.StatusNotFound)
}

func TestDeviceOwnerOnlyRoutes(t *testing.T) {
	env := testServer(t)
	id := env.onlineDevice(t)
	path := "/api/v1/devices/" + id

	tests := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodPatch, path, map[string]any{"name": "Hijacked"}},
		{http.MethodPost, path + "/verify", device.VerificationData{SecurityToken: "tok"}},
		{http.MethodPost, path + "/attach", nil},
		{http.MethodDelete, path, map[string]string{"owner_signature": "forged"}},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+strings.TrimPrefix(tt.path, path), func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, "intruder", tt.body)
			expectStatus(t, w, http.StatusForbidden)
			if code := decode[Error](t, w).Code; code != ErrCodeForbidden {
				t.Errorf("code = %q, want %q", code, ErrCodeForbidden)
			}
		})
	}

	dev, err := env.registry.GetDevice(id)
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if dev.Name != "Bench Arm" || dev.VerificationStatus == device.VerificationVerified {
		t.Errorf("device changed by another user: name %q verification %q", dev.Name, dev.VerificationStatus)
	}

	w := env.do(t, http.MethodPost, "/api/v1/devices/missing/attach", ownerID, nil)
	expectStatus(t, w, http.StatusNotFound)
}

func TestAttachDevice(t *testing.T) {
	t.Run("brings an offline device back", func(t *testing.T) {
		env := testServer(t)
		id := env.onlineDevice(t)
		if _, err := env.registry.SetStatus(id, device.StatusOffline); err != nil {
			t.Fatalf("SetStatus() error = %v", err)
		}

		w := env.do(t, http.MethodPost, "/api/v1/devices/"+id+"/attach", ownerID, nil)
		expectStatus(t, w, http.StatusOK)
		if got := decode[device.Device](t, w); got.Status != device.StatusOnline {
			t.Errorf("status = %q, want online", got.Status)
		}
	})

	t.Run("connection change re-attaches", func(t *testing.T) {
		env := testServer(t)
		id := env.onlineDevice(t)
		if _, err := env.registry.SetStatus(id, device.StatusOffline); err != nil {
			t.Fatalf("SetStatus() error = %v", err)
		}

		conn := device.ConnectionInfo{Protocol: device.ProtocolHTTP, Endpoint: "http://arm-2.local"}
		w := env.do(t, http.MethodPatch, "/api/v1/devices/"+id, ownerID, map[string]any{"connection_info": conn})
		expectStatus(t, w, http.StatusOK)
		got := decode[device.Device](t, w)
		if got.Status != device.StatusOnline || got.Connection.Endpoint != conn.Endpoint {
			t.Errorf("device = status %q endpoint %q, want online at %s", got.Status, got.Connection.Endpoint, conn.Endpoint)
		}
	})

	t.Run("connection change during a session keeps the session", func(t *testing.T) {
		env := testServer(t)
		id := env.onlineDevice(t)
		w := env.do(t, http.MethodPost, "/api/v1/sessions", userID, map[string]string{"device_id": id})
		expectStatus(t, w, http.StatusCreated)

		conn := device.ConnectionInfo{Protocol: device.ProtocolHTTP, Endpoint: "http://arm-2.local"}
		w = env.do(t, http.MethodPatch, "/api/v1/devices/"+id, ownerID, map[string]any{"connection_info": conn})
		expectStatus(t, w, http.StatusOK)
		if got := decode[device.Device](t, w); got.Status != device.StatusBusy {
			t.Errorf("status = %q, want busy", got.Status)
		}
	})
}

func TestUnregisterDevice(t *testing.T) {
	env := testServer(t)
	id := env.onlineDevice(t)

	w := env.do(t, http.MethodDelete, "/api/v1/devices/"+id, ownerID, map[string]string{})
	expectStatus(t, w, http.StatusUnauthorized)

	w = env.do(t, http.MethodDelete, "/api/v1/devices/"+id, ownerID, map[string]string{"owner_signature": "sig"})
	expectStatus(t, w, http.StatusNoContent)

	w = env.do(t, http.MethodGet, "/api/v1/devices/"+id, ownerID, nil)
	expectStatus(t, w, http.StatusNotFound)
}

func TestTemplates(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/templates", ownerID, nil)
	expectStatus(t, w, http.StatusOK)
	list := decode[struct {
		Templates []device.Template `json:"templates"`
	}](t, w)
	if len(list.Templates) < 2 {
		t.Fatalf("templates = %d, want the built-in set", len(list.Templates))
	}

	tmpl := list.Templates[0]
	w = env.do(t, http.MethodPost, "/api/v1/templates/"+tmpl.ID+"/registrations", ownerID, device.Customization{
		Name:           "Line 3 Arm",
		Connection:     device.ConnectionInfo{Protocol: device.ProtocolMQTT, Endpoint: "arm-3"},
		OwnerSignature: "sig",
	})
	expectStatus(t, w, http.StatusCreated)
	reg := decode[registrationResponse](t, w)
	info := reg.Registration.Registration.DeviceInfo
	if info.Owner != ownerID || info.Type != tmpl.DeviceType {
		t.Errorf("registration info = owner %q type %q", info.Owner, info.Type)
	}
	if len(info.Capabilities) != len(tmpl.DefaultCapabilities) {
		t.Errorf("capabilities = %d, want %d", len(info.Capabilities), len(tmpl.DefaultCapabilities))
	}

	w = env.do(t, http.MethodPost, "/api/v1/templates/missing/registrations", ownerID, device.Customization{})
	expectStatus(t, w, http.StatusNotFound)

	w = env.do(t, http.MethodGet, "/api/v1/stats", ownerID, nil)
	expectStatus(t, w, http.StatusOK)
}

// ─── Sessions & Commands ───────────────────────────────────────────

func TestSessionLifecycle(t *testing.T) {
	env := testServer(t)
	id := env.onlineDevice(t)

	w := env.do(t, http.MethodPost, "/api/v1/sessions", userID, map[string]string{"device_id": id})
	expectStatus(t, w, http.StatusCreated)
	sess := decode[session.Session](t, w)
	if sess.Status != session.StatusActive || sess.UserID != userID {
		t.Fatalf("session = %+v", sess)
	}

	w = env.do(t, http.MethodPost, "/api/v1/sessions", "user-2", map[string]string{"device_id": id})
	expectStatus(t, w, http.StatusConflict)

	base := "/api/v1/sessions/" + sess.ID
	w = env.do(t, http.MethodPost, base+"/commands", userID, command.Request{CapabilityID: "move", Parameters: map[string]any{"x": 1.5}})
	expectStatus(t, w, http.StatusOK)
	cmd := decode[session.Command](t, w)
	if !cmd.Result.Success || cmd.Cost != 0.25 {
		t.Errorf("command = success %v cost %v, want true 0.25", cmd.Result.Success, cmd.Cost)
	}

	w = env.do(t, http.MethodPost, base+"/cancel", userID, nil)
	expectStatus(t, w, http.StatusConflict)

	w = env.do(t, http.MethodPost, base+"/end", userID, map[string]string{"reason": "done"})
	expectStatus(t, w, http.StatusOK)
	ended := decode[session.Session](t, w)
	if ended.Status != session.StatusCompleted || ended.PaymentRef == "" || ended.TotalCost != 0.25 {
		t.Errorf("ended = status %s ref %q total %v", ended.Status, ended.PaymentRef, ended.TotalCost)
	}

	w = env.do(t, http.MethodPost, base+"/commands", userID, command.Request{CapabilityID: "move", Parameters: map[string]any{"x": 1.0}})
	expectStatus(t, w, http.StatusConflict)

	w = env.do(t, http.MethodGet, "/api/v1/devices/"+id, userID, nil)
	if dev := decode[device.Device](t, w); dev.Status != device.StatusOnline || dev.TotalSessions != 1 {
		t.Errorf("device after end = %s sessions %d, want online 1", dev.Status, dev.TotalSessions)
	}

	w = env.do(t, http.MethodGet, "/api/v1/sessions?user_id="+userID, userID, nil)
	expectStatus(t, w, http.StatusOK)
	if n := decode[map[string]any](t, w)["count"]; n != 1.0 {
		t.Errorf("history count = %v, want 1", n)
	}
	w = env.do(t, http.MethodGet, "/api/v1/sessions?active=true", userID, nil)
	if n := decode[map[string]any](t, w)["count"]; n != 0.0 {
		t.Errorf("active count = %v, want 0", n)
	}
}

func TestSessionErrors(t *testing.T) {
	env := testServer(t)
	id := env.onlineDevice(t)

	w := env.do(t, http.MethodPost, "/api/v1/sessions", userID, map[string]string{})
	expectStatus(t, w, http.StatusBadRequest)

	w = env.do(t, http.MethodPost, "/api/v1/sessions", userID, map[string]string{"device_id": "missing"})
	expectStatus(t, w, http.StatusNotFound)

	if _, err := env.registry.SetStatus(id, device.StatusMaintenance); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	w = env.do(t, http.MethodPost, "/api/v1/sessions", userID, map[string]string{"device_id": id})
	expectStatus(t, w, http.StatusServiceUnavailable)

	w = env.do(t, http.MethodGet, "/api/v1/sessions/missing", userID, nil)
	expectStatus(t, w, http.StatusNotFound)
}

func TestSessionOwnership(t *testing.T) {
	env := testServer(t)
	id := env.onlineDevice(t)

	w := env.do(t, http.MethodPost, "/api/v1/sessions", userID, map[string]string{"device_id": id})
	sess := decode[session.Session](t, w)

	for _, path := range []string{"", "/end", "/cancel", "/commands", "/emergency-stop"} {
		method := http.MethodPost
		if path == "" {
			method = http.MethodGet
		}
		w = env.do(t, method, "/api/v1/sessions/"+sess.ID+path, "intruder", map[string]string{})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s as other user = %d, want 401", method, path, w.Code)
		}
	}

	w = env.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/cancel", userID, nil)
	expectStatus(t, w, http.StatusOK)
	if got := decode[session.Session](t, w); got.Status != session.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestEmergencyStop(t *testing.T) {
	env := testServer(t)
	id := env.onlineDevice(t)
	w := env.do(t, http.MethodPost, "/api/v1/sessions", userID, map[string]string{"device_id": id})
	base := "/api/v1/sessions/" + decode[session.Session](t, w).ID
	w = env.do(t, http.MethodPost, base+"/commands", userID, command.Request{CapabilityID: "move", Parameters: map[string]any{"x": 1.0}})
	expectStatus(t, w, http.StatusOK)

	env.exec.err = fmt.Errorf("%w: link down", transport.ErrTransport)
	w = env.do(t, http.MethodPost, base+"/emergency-stop", userID, map[string]string{"reason": "arm drifting"})
	expectStatus(t, w, http.StatusOK)
	resp := decode[emergencyStopResponse](t, w)
	if resp.Session == nil || resp.Session.Status != session.StatusTerminated || resp.Session.EndReason != "arm drifting" {
		t.Fatalf("session = %+v, want terminated", resp.Session)
	}
	if resp.Session.SettledAmount != 0.25 {
		t.Errorf("SettledAmount = %v, want 0.25", resp.Session.SettledAmount)
	}
	if resp.Command == nil || resp.Command.CapabilityID != command.EmergencyStopCapability || resp.Command.Result.Success {
		t.Errorf("stop command = %+v, want unacknowledged emergency_stop", resp.Command)
	}

	env.exec.mu.Lock()
	last := env.exec.reqs[len(env.exec.reqs)-1]
	env.exec.mu.Unlock()
	if last.Capability.ID != command.EmergencyStopCapability {
		t.Errorf("last request capability = %q, want %q", last.Capability.ID, command.EmergencyStopCapability)
	}

	w = env.do(t, http.MethodGet, "/api/v1/devices/"+id, userID, nil)
	if dev := decode[device.Device](t, w); dev.Status != device.StatusOnline {
		t.Errorf("device status = %q, want online", dev.Status)
	}

	w = env.do(t, http.MethodPost, base+"/emergency-stop", userID, nil)
	expectStatus(t, w, http.StatusConflict)
}

func TestCommandErrors(t *testing.T) {
	env := testServer(t)
	id := env.onlineDevice(t)
	w := env.do(t, http.MethodPost, "/api/v1/sessions", userID, map[string]string{"device_id": id})
	base := "/api/v1/sessions/" + decode[session.Session](t, w).ID + "/commands"

	w = env.do(t, http.MethodPost, base, userID, command.Request{})
	expectStatus(t, w, http.StatusBadRequest)

	w = env.do(t, http.MethodPost, base, userID, command.Request{CapabilityID: "fly"})
	expectStatus(t, w, http.StatusNotFound)

	w = env.do(t, http.MethodPost, base, userID, command.Request{CapabilityID: "move", Parameters: map[string]any{"x": "left"}})
	expectStatus(t, w, http.StatusBadRequest)
	if resp := decode[Error](t, w); len(resp.Violations) != 1 {
		t.Errorf("violations = %v, want 1", resp.Violations)
	}

	env.exec.err = fmt.Errorf("%w: connection refused", transport.ErrTransport)
	w = env.do(t, http.MethodPost, base, userID, command.Request{CapabilityID: "move", Parameters: map[string]any{"x": 1.0}})
	expectStatus(t, w, http.StatusOK)
	cmd := decode[session.Command](t, w)
	if cmd.Result.Success || cmd.Cost != 0 || !strings.Contains(cmd.Result.Error, "connection refused") {
		t.Errorf("command = %+v, want failed with cost 0", cmd)
	}
}

func TestEndSessionSettlementFailure(t *testing.T) {
	log := logging.NewWithWriter(io.Discard, config.LoggingConfig{Level: "error"}, "test", "")
	bus := events.NewBus()
	registry := device.NewRegistry(device.DefaultConfig(), bus)
	failing := payment.SettlerFunc(func(context.Context, payment.SettlementRequest) (string, error) {
		return "", errors.New("facilitator down")
	})
	sessions := session.NewManager(session.Config{}, registry, nil, failing, bus)
	exec := &fakeExecutor{result: transport.Result{Success: true}}
	srv, err := New(Deps{
		Logger: log, Bus: bus, Registry: registry, Sessions: sessions,
		Dispatcher: command.NewDispatcher(command.Config{}, sessions, registry, exec, bus),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	env := &testEnv{srv: srv, router: srv.buildRouter(), bus: bus, registry: registry, exec: exec}
	id := env.onlineDevice(t)

	w := env.do(t, http.MethodPost, "/api/v1/sessions", userID, map[string]string{"device_id": id})
	sess := decode[session.Session](t, w)
	env.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/commands", userID, command.Request{CapabilityID: "move", Parameters: map[string]any{"x": 1.0}})

	w = env.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/end", userID, nil)
	expectStatus(t, w, http.StatusBadGateway)
	body := decode[struct {
		Code    string          `json:"code"`
		Session session.Session `json:"session"`
	}](t, w)
	if body.Code != ErrCodeSettlement || body.Session.Status != session.StatusFailed {
		t.Errorf("body = code %q session status %q", body.Code, body.Session.Status)
	}

	dev, err := registry.GetDevice(id)
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if dev.Status != device.StatusOnline {
		t.Errorf("device status = %s, want online after failed settlement", dev.Status)
	}
}

// ─── Event log ─────────────────────────────────────────────────────

func TestListEvents(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		env := testServer(t)
		w := env.do(t, http.MethodGet, "/api/v1/events", userID, nil)
		expectStatus(t, w, http.StatusServiceUnavailable)
		w = env.do(t, http.MethodGet, "/api/v1/sessions?archived=true", userID, nil)
		expectStatus(t, w, http.StatusServiceUnavailable)
	})

	t.Run("query", func(t *testing.T) {
		repo := &fakeEventLog{
			records:  []eventlog.Record{{Seq: 7, ID: "evt-7", Name: "sessionEnded", Kind: "session", EntityID: "sess-1"}},
			sessions: []eventlog.SessionSummary{{SessionID: "sess-1", TotalCost: 0.5}},
		}
		env := testServer(t, withEventLog(repo))

		w := env.do(t, http.MethodGet, "/api/v1/events?kind=session&entity_id=sess-1&after=3&limit=10", userID, nil)
		expectStatus(t, w, http.StatusOK)
		if n := decode[map[string]any](t, w)["count"]; n != 1.0 {
			t.Errorf("count = %v, want 1", n)
		}
		want := eventlog.Filter{Kind: "session", EntityID: "sess-1", AfterSeq: 3, Limit: 10}
		if repo.filter != want {
			t.Errorf("filter = %+v, want %+v", repo.filter, want)
		}

		w = env.do(t, http.MethodGet, "/api/v1/events?limit=-1", userID, nil)
		expectStatus(t, w, http.StatusBadRequest)

		w = env.do(t, http.MethodGet, "/api/v1/sessions?archived=true", userID, nil)
		expectStatus(t, w, http.StatusOK)
		if n := decode[map[string]any](t, w)["count"]; n != 1.0 {
			t.Errorf("archived count = %v, want 1", n)
		}
	})
}

// ─── Error mapping ─────────────────────────────────────────────────

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &device.ValidationError{Violations: []string{"x"}}, http.StatusBadRequest},
		{"parameters", &capability.ParameterError{CapabilityID: "move"}, http.StatusBadRequest},
		{"unauthorized", session.ErrUnauthorized, http.StatusUnauthorized},
		{"device not found", device.ErrDeviceNotFound, http.StatusNotFound},
		{"capability not found", capability.ErrNotFound, http.StatusNotFound},
		{"invalid state", session.ErrInvalidState, http.StatusConflict},
		{"busy", fmt.Errorf("%w: dev-1", session.ErrDeviceBusy), http.StatusConflict},
		{"limit", device.ErrLimitExceeded, http.StatusTooManyRequests},
		{"unavailable", session.ErrDeviceUnavailable, http.StatusServiceUnavailable},
		{"settlement", &session.SettlementError{SessionID: "s", Err: device.ErrDeviceNotFound}, http.StatusBadGateway},
		{"transport", fmt.Errorf("%w: dial refused", transport.ErrTransport), http.StatusBadGateway},
		{"not implemented", transport.ErrNotImplemented, http.StatusBadGateway},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, _ := classify(tt.err); got != tt.want {
				t.Errorf("classify(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

// ─── WebSocket ─────────────────────────────────────────────────────

func TestWebSocketRelay(t *testing.T) {
	env := testServer(t)
	unsub := env.srv.hub.Attach(env.bus)
	defer unsub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.srv.hub.Run(ctx)

	ts := httptest.NewServer(env.router)
	defer ts.Close()

	id := env.onlineDevice(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	header := http.Header{}
	header.Set(devUserHeader, userID)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer resp.Body.Close()
	defer conn.Close()

	sub := WSMessage{Type: WSTypeSubscribe, ID: "1", Payload: WSSubscribePayload{Channels: []string{"device:" + id}}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	ack := readWS(t, conn)
	if ack.Type != WSTypeResponse || ack.ID != "1" {
		t.Fatalf("ack = %+v", ack)
	}

	// A session event on the device channel, published by the manager.
	w := env.do(t, http.MethodPost, "/api/v1/sessions", userID, map[string]string{"device_id": id})
	expectStatus(t, w, http.StatusCreated)

	seen := map[string]bool{}
	for !seen[string(events.DeviceStatusChanged)] || !seen[string(events.SessionStarted)] {
		msg := readWS(t, conn)
		if msg.Type == WSTypeEvent {
			seen[msg.EventType] = true
		}
	}

	if err := conn.WriteJSON(WSMessage{Type: WSTypePing, ID: "p"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	for {
		msg := readWS(t, conn)
		if msg.Type == WSTypePong {
			break
		}
		if msg.Type != WSTypeEvent {
			t.Fatalf("reply = %q, want pong", msg.Type)
		}
	}
}

func TestWebSocketRequiresAuth(t *testing.T) {
	env := testServer(t, withAuth(config.AuthConfig{JWTSecret: testSecret}))
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial() without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}

	token, err := IssueToken(config.AuthConfig{JWTSecret: testSecret}, userID, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url+"?token="+token, nil)
	if err != nil {
		t.Fatalf("Dial() with token error = %v", err)
	}
	resp.Body.Close()
	conn.Close()
}

func readWS(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	//nolint:errcheck // Test deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

func TestEventChannels(t *testing.T) {
	e := events.Event{
		Kind:     events.KindSession,
		EntityID: "sess-1",
		Payload:  events.CommandPayload{DeviceID: "dev-1"},
	}
	got := eventChannels(e)
	want := []string{"*", "session:sess-1", "device:dev-1"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("eventChannels() = %v, want %v", got, want)
	}
}
