package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/teleop-core/internal/device"
	"github.com/nerrad567/teleop-core/internal/events"
	"github.com/nerrad567/teleop-core/internal/payment"
	"github.com/nerrad567/teleop-core/internal/transport"
)

const unregisterReason = "device unregistered"

// Logger defines the logging interface used by the Manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Devices is the subset of the device registry the Manager drives.
// *device.Registry satisfies it.
type Devices interface {
	GetDevice(id string) (*device.Device, error)
	SetStatus(id string, status device.Status) (device.Status, error)
	Touch(id string) (*device.Device, error)
	RecordSession(id string, revenue float64) error
	Remove(id, reason string) error
}

// Config controls settlement.
type Config struct {
	// Payee receives settlements. Empty means the device owner.
	Payee string
}

// Manager owns control sessions and keeps device status consistent with
// them: a device is busy exactly while it hosts an active session.
//
// Start, End, Cancel, Unregister and connection lifecycle changes are
// serialised per device. Ledger appends are serialised per session.
type Manager struct {
	cfg      Config
	devices  Devices
	conn     transport.Connector
	settler  payment.Settler
	bus      *events.Bus
	attachSF singleflight.Group

	mu        sync.RWMutex
	sessions  map[string]*entry
	active    map[string]string // device ID -> active session ID
	locks     map[string]*sync.Mutex
	detaching map[string]struct{}

	logger Logger
	now    func() time.Time
}

type entry struct {
	mu sync.Mutex
	s  Session
}

// NewManager creates a Manager. conn may be nil when no device uses a
// persistent transport.
func NewManager(cfg Config, devices Devices, conn transport.Connector, settler payment.Settler, bus *events.Bus) *Manager {
	return &Manager{
		cfg:       cfg,
		devices:   devices,
		conn:      conn,
		settler:   settler,
		bus:       bus,
		sessions:  make(map[string]*entry),
		active:    make(map[string]string),
		locks:     make(map[string]*sync.Mutex),
		detaching: make(map[string]struct{}),
		logger:    noopLogger{},
		now:       time.Now,
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Start opens an active session for userID on deviceID and marks the
// device busy.
func (m *Manager) Start(_ context.Context, deviceID, userID string) (*Session, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrUnauthorized)
	}

	unlock := m.lockDevice(deviceID)
	defer unlock()

	dev, err := m.devices.GetDevice(deviceID)
	if err != nil {
		return nil, err
	}
	if dev.Status == device.StatusBusy || m.activeID(deviceID) != "" {
		return nil, fmt.Errorf("%w: %s", ErrDeviceBusy, deviceID)
	}
	if dev.Status != device.StatusOnline {
		return nil, fmt.Errorf("%w: %s is %s", ErrDeviceUnavailable, deviceID, dev.Status)
	}

	e := &entry{s: Session{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		UserID:    userID,
		StartTime: m.now().UTC(),
		Status:    StatusActive,
		Currency:  dev.Pricing.Currency,
		Commands:  []Command{},
	}}

	if _, err := m.devices.SetStatus(deviceID, device.StatusBusy); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[e.s.ID] = e
	m.active[deviceID] = e.s.ID
	m.mu.Unlock()

	out := e.s.DeepCopy()
	m.logger.Info("session started", "session_id", out.ID, "device_id", deviceID, "user_id", userID)
	m.emit(events.SessionStarted, out.ID, m.sessionPayload(out, ""))
	return out, nil
}

// End completes an active session. A non-zero total is settled before the
// device is released. When settlement fails the session is marked failed
// and a *SettlementError is returned together with the session; the device
// is returned to online either way.
func (m *Manager) End(ctx context.Context, sessionID, reason string) (*Session, error) {
	e, err := m.entry(sessionID)
	if err != nil {
		return nil, err
	}

	unlock := m.lockDevice(e.deviceID())
	defer unlock()

	return m.endLocked(ctx, e, StatusCompleted, reason)
}

// EmergencyStop terminates an active session at once. It is End with a
// terminated status: charges accrued so far are settled and the device is
// released. Halting the device itself is the caller's job.
func (m *Manager) EmergencyStop(ctx context.Context, sessionID, reason string) (*Session, error) {
	e, err := m.entry(sessionID)
	if err != nil {
		return nil, err
	}

	unlock := m.lockDevice(e.deviceID())
	defer unlock()

	out, err := m.endLocked(ctx, e, StatusTerminated, reason)
	if out != nil {
		m.logger.Warn("session emergency stop", "session_id", out.ID, "device_id", out.DeviceID, "reason", reason)
	}
	return out, err
}

// Cancel ends an active session that has accrued no cost, time included.
// Sessions with a non-zero total must go through End so they are settled.
func (m *Manager) Cancel(_ context.Context, sessionID, reason string) (*Session, error) {
	e, err := m.entry(sessionID)
	if err != nil {
		return nil, err
	}

	unlock := m.lockDevice(e.deviceID())
	defer unlock()

	pricing := m.pricing(e.deviceID())

	e.mu.Lock()
	if e.s.Status != StatusActive {
		status := e.s.Status
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidState, status)
	}
	if cost := e.s.TotalCost + pricing.UsageCharge(e.s.Duration(m.now())); cost > 0 {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: session has accrued %g and must be ended", ErrInvalidState, cost)
	}
	m.terminateLocked(e, StatusCancelled, reason)
	out := e.s.DeepCopy()
	e.mu.Unlock()

	m.release(out)
	m.logger.Info("session cancelled", "session_id", out.ID, "device_id", out.DeviceID, "reason", reason)
	m.emit(events.SessionEnded, out.ID, m.sessionPayload(out, ""))
	return out, nil
}

// endLocked requires the device lock. status is the final status when
// settlement succeeds.
func (m *Manager) endLocked(ctx context.Context, e *entry, status Status, reason string) (*Session, error) {
	pricing := m.pricing(e.deviceID())

	e.mu.Lock()
	if e.s.Status != StatusActive {
		current := e.s.Status
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidState, current)
	}
	m.terminateLocked(e, status, reason)
	e.s.UsageCharge = pricing.UsageCharge(e.s.Duration(m.now()))
	e.s.TotalCost += e.s.UsageCharge
	amount := e.s.TotalCost
	snapshot := e.s.DeepCopy()
	e.mu.Unlock()

	var settleErr error
	if amount > 0 {
		ref, err := m.settle(ctx, snapshot)

		e.mu.Lock()
		if err != nil {
			e.s.Status = StatusFailed
			settleErr = &SettlementError{SessionID: e.s.ID, Amount: amount, Err: err}
		} else {
			e.s.PaymentRef = ref
			e.s.SettledAmount = amount
		}
		snapshot = e.s.DeepCopy()
		e.mu.Unlock()
	}

	m.release(snapshot)
	if err := m.devices.RecordSession(snapshot.DeviceID, snapshot.SettledAmount); err != nil {
		m.logger.Warn("recording session on device failed", "device_id", snapshot.DeviceID, "error", err)
	}

	errMsg := ""
	if settleErr != nil {
		errMsg = settleErr.Error()
		m.logger.Error("session settlement failed",
			"session_id", snapshot.ID,
			"device_id", snapshot.DeviceID,
			"amount", amount,
			"error", settleErr,
		)
	} else {
		m.logger.Info("session ended",
			"session_id", snapshot.ID,
			"device_id", snapshot.DeviceID,
			"total_cost", amount,
			"payment_ref", snapshot.PaymentRef,
		)
	}
	m.emit(events.SessionEnded, snapshot.ID, m.sessionPayload(snapshot, errMsg))
	return snapshot, settleErr
}

// terminateLocked requires e.mu.
func (m *Manager) terminateLocked(e *entry, status Status, reason string) {
	now := m.now().UTC()
	e.s.EndTime = &now
	e.s.Status = status
	e.s.EndReason = reason
}

func (m *Manager) settle(ctx context.Context, s *Session) (string, error) {
	if m.settler == nil {
		return "", errors.New("no settler configured")
	}
	payee := m.cfg.Payee
	if payee == "" {
		if dev, err := m.devices.GetDevice(s.DeviceID); err == nil {
			payee = dev.Owner
		}
	}
	return m.settler.Settle(ctx, payment.SettlementRequest{
		SessionID:   s.ID,
		Amount:      s.TotalCost,
		Currency:    string(s.Currency),
		Payer:       s.UserID,
		Payee:       payee,
		Description: fmt.Sprintf("teleoperation session %s on device %s", s.ID, s.DeviceID),
	})
}

// pricing returns the device's current pricing, or the zero Pricing when
// the device is gone.
func (m *Manager) pricing(deviceID string) device.Pricing {
	dev, err := m.devices.GetDevice(deviceID)
	if err != nil {
		return device.Pricing{}
	}
	return dev.Pricing
}

// release clears the active slot and returns the device to online.
func (m *Manager) release(s *Session) {
	m.mu.Lock()
	if m.active[s.DeviceID] == s.ID {
		delete(m.active, s.DeviceID)
	}
	m.mu.Unlock()

	if _, err := m.devices.SetStatus(s.DeviceID, device.StatusOnline); err != nil {
		m.logger.Warn("releasing device failed", "device_id", s.DeviceID, "error", err)
	}
}

// Unregister removes a device on its owner's behalf. Any active session is
// ended first (and settled), the transport link is closed and the device
// is removed from the registry. Settlement errors from the cascade are
// returned after the removal has happened.
func (m *Manager) Unregister(ctx context.Context, deviceID, ownerSignature string) error {
	if strings.TrimSpace(ownerSignature) == "" {
		return fmt.Errorf("%w: owner signature is required", ErrUnauthorized)
	}

	unlock := m.lockDevice(deviceID)
	defer unlock()

	dev, err := m.devices.GetDevice(deviceID)
	if err != nil {
		return err
	}

	var errs []error
	if id := m.activeID(deviceID); id != "" {
		if e, err := m.entry(id); err == nil {
			if _, err := m.endLocked(ctx, e, StatusCompleted, unregisterReason); err != nil {
				errs = append(errs, err)
			}
		}
	}

	// Lifecycle events raised by the detach itself are dropped; the
	// observer would otherwise wait on the lock held here.
	m.mu.Lock()
	m.detaching[deviceID] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.detaching, deviceID)
		m.mu.Unlock()
	}()

	if err := m.Detach(deviceID); err != nil {
		m.logger.Warn("closing device transport failed", "device_id", deviceID, "error", err)
	}

	if err := m.devices.Remove(deviceID, unregisterReason); err != nil {
		return errors.Join(append(errs, err)...)
	}

	m.logger.Info("device unregistered", "device_id", deviceID, "owner", dev.Owner)
	m.emit(events.DeviceUnregistered, deviceID, events.DevicePayload{
		DeviceID: deviceID,
		Name:     dev.Name,
		Owner:    dev.Owner,
		Type:     string(dev.Type),
		Reason:   unregisterReason,
	})
	return errors.Join(errs...)
}

// Attach opens the device's persistent transport link. Concurrent calls
// for the same device share one attempt. Devices on stateless transports
// are reachable on demand and go straight to online.
func (m *Manager) Attach(ctx context.Context, deviceID string) error {
	_, err, _ := m.attachSF.Do(deviceID, func() (any, error) {
		dev, err := m.devices.GetDevice(deviceID)
		if err != nil {
			return nil, err
		}
		if m.conn != nil {
			if m.conn.Connected(deviceID) {
				return nil, nil
			}
			if err := m.conn.Connect(ctx, deviceID, dev.Connection); err != nil {
				return nil, err
			}
			if m.conn.Connected(deviceID) {
				return nil, nil
			}
		}
		m.markReachable(deviceID)
		return nil, nil
	})
	return err
}

func (m *Manager) markReachable(deviceID string) {
	unlock := m.lockDevice(deviceID)
	defer unlock()

	dev, err := m.devices.GetDevice(deviceID)
	if err != nil || dev.Status != device.StatusOffline {
		return
	}
	if _, err := m.devices.SetStatus(deviceID, device.StatusOnline); err != nil {
		m.logger.Warn("marking device online failed", "device_id", deviceID, "error", err)
	}
}

// Reattach drops the device's transport link and opens a fresh one, for
// example after its connection details changed. Devices hosting an active
// session are refused with ErrDeviceBusy.
func (m *Manager) Reattach(ctx context.Context, deviceID string) error {
	if _, err := m.devices.GetDevice(deviceID); err != nil {
		return err
	}
	if m.activeID(deviceID) != "" {
		return fmt.Errorf("%w: %s has an active session", ErrDeviceBusy, deviceID)
	}
	if err := m.Detach(deviceID); err != nil {
		m.logger.Warn("closing device transport failed", "device_id", deviceID, "error", err)
	}
	return m.Attach(ctx, deviceID)
}

// Detach closes the device's persistent transport link, if any.
func (m *Manager) Detach(deviceID string) error {
	if m.conn == nil {
		return nil
	}
	return m.conn.Disconnect(deviceID)
}

// HandleConnectionEvent applies a transport lifecycle event to the device.
// It implements transport.Observer. A device hosting an active session
// stays busy; the event is still published.
func (m *Manager) HandleConnectionEvent(ev transport.ConnectionEvent) {
	m.mu.RLock()
	_, skip := m.detaching[ev.DeviceID]
	m.mu.RUnlock()
	if skip {
		return
	}

	unlock := m.lockDevice(ev.DeviceID)
	name, payload, ok := m.applyConnectionEvent(ev)
	unlock()

	if ok && name != "" {
		m.emit(name, ev.DeviceID, payload)
	}
}

func (m *Manager) applyConnectionEvent(ev transport.ConnectionEvent) (events.Name, events.DevicePayload, bool) {
	dev, err := m.devices.GetDevice(ev.DeviceID)
	if err != nil {
		m.logger.Debug("connection event for unknown device", "device_id", ev.DeviceID, "type", ev.Type)
		return "", events.DevicePayload{}, false
	}

	var (
		name   events.Name
		target device.Status
	)
	switch ev.Type {
	case transport.EventConnected:
		name, target = events.DeviceConnected, device.StatusOnline
	case transport.EventDisconnected:
		name, target = events.DeviceDisconnected, device.StatusOffline
	case transport.EventError:
		name, target = events.DeviceError, device.StatusError
	case transport.EventHeartbeat:
		name = events.DeviceHeartbeat
		if _, err := m.devices.Touch(ev.DeviceID); err != nil {
			return "", events.DevicePayload{}, false
		}
		if dev.Status == device.StatusOffline {
			target = device.StatusOnline
		}
	case transport.EventStatusUpdate:
		// deviceStatusChanged comes from the registry.
		if device.ValidateStatus(ev.Status) != nil || ev.Status == device.StatusBusy {
			m.logger.Warn("ignoring reported status", "device_id", ev.DeviceID, "status", ev.Status)
			return "", events.DevicePayload{}, false
		}
		target = ev.Status
	default:
		return "", events.DevicePayload{}, false
	}

	status := dev.Status
	if target != "" && dev.Status != device.StatusBusy {
		if _, err := m.devices.SetStatus(ev.DeviceID, target); err != nil {
			m.logger.Warn("applying connection event failed", "device_id", ev.DeviceID, "error", err)
		} else {
			status = target
		}
	}

	payload := events.DevicePayload{
		DeviceID:       dev.ID,
		Name:           dev.Name,
		Owner:          dev.Owner,
		Type:           string(dev.Type),
		Status:         string(status),
		PreviousStatus: string(dev.Status),
	}
	if ev.Err != nil {
		payload.Error = ev.Err.Error()
	}
	return name, payload, true
}

// Get returns a session by ID.
func (m *Manager) Get(sessionID string) (*Session, error) {
	e, err := m.entry(sessionID)
	if err != nil {
		return nil, err
	}
	return e.snapshot(), nil
}

// ActiveSessions returns every active session, newest first.
func (m *Manager) ActiveSessions() []Session {
	return m.History(Filter{Status: StatusActive})
}

// History returns sessions matching filter, newest first.
func (m *Manager) History(filter Filter) []Session {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		s := e.snapshot()
		if filter.matches(s) {
			out = append(out, *s)
		}
	}
	sortNewestFirst(out)
	return out
}

// ActiveSessionFor returns the device's active session.
func (m *Manager) ActiveSessionFor(deviceID string) (*Session, error) {
	id := m.activeID(deviceID)
	if id == "" {
		return nil, fmt.Errorf("%w: no active session on device %s", ErrNotFound, deviceID)
	}
	return m.Get(id)
}

// ActiveSession returns the session if it exists and is active.
func (m *Manager) ActiveSession(sessionID string) (*Session, error) {
	e, err := m.entry(sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSession, sessionID)
	}
	s := e.snapshot()
	if s.Status != StatusActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidSession, sessionID, s.Status)
	}
	return s, nil
}

// RecordCommand appends cmd to the session ledger. Successful commands add
// their cost to the total; failed commands are stored with cost 0.
// Sessions that are already terminal still accept the append and the
// command is marked late. Returns the command as stored.
func (m *Manager) RecordCommand(sessionID string, cmd Command) (Command, error) {
	e, err := m.entry(sessionID)
	if err != nil {
		return Command{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !cmd.Result.Success {
		cmd.Cost = 0
	}
	if e.s.Status.IsTerminal() {
		cmd.Late = true
	}
	cmd = cmd.clone()
	e.s.Commands = append(e.s.Commands, cmd)
	if cmd.Result.Success {
		e.s.TotalCost += cmd.Cost
	}
	return cmd.clone(), nil
}

func (m *Manager) entry(sessionID string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return e, nil
}

func (m *Manager) activeID(deviceID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[deviceID]
}

// lockDevice acquires the device's mutex and returns its release.
func (m *Manager) lockDevice(deviceID string) func() {
	m.mu.Lock()
	l, ok := m.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[deviceID] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (e *entry) snapshot() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.DeepCopy()
}

// deviceID is immutable after creation.
func (e *entry) deviceID() string {
	return e.s.DeviceID
}

func (m *Manager) sessionPayload(s *Session, errMsg string) events.SessionPayload {
	return events.SessionPayload{
		SessionID:  s.ID,
		DeviceID:   s.DeviceID,
		UserID:     s.UserID,
		Status:     string(s.Status),
		Reason:     s.EndReason,
		Currency:   string(s.Currency),
		TotalCost:  s.TotalCost,
		Commands:   len(s.Commands),
		PaymentRef: s.PaymentRef,
		Error:      errMsg,
		Duration:   s.Duration(m.now().UTC()),
	}
}

func (m *Manager) emit(name events.Name, entityID string, payload any) {
	if m.bus == nil {
		return
	}
	kind := events.KindSession
	if _, ok := payload.(events.DevicePayload); ok {
		kind = events.KindDevice
	}
	m.bus.Publish(events.Event{Name: name, Kind: kind, EntityID: entityID, Payload: payload})
}
