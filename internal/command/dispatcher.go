package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	nanoid "github.com/jaevor/go-nanoid"

	"github.com/nerrad567/teleop-core/internal/capability"
	"github.com/nerrad567/teleop-core/internal/device"
	"github.com/nerrad567/teleop-core/internal/events"
	"github.com/nerrad567/teleop-core/internal/session"
	"github.com/nerrad567/teleop-core/internal/transport"
)

// DefaultOverageRate is charged per second over budget when neither the
// device pricing nor the configuration sets a rate.
const DefaultOverageRate = 0.001

const commandIDPrefix = "cmd_"

// EmergencyStopCapability is the command sent to halt a device. Devices
// honour it whether or not they declare it.
const EmergencyStopCapability = "emergency_stop"

// emergencyStopBudget is how long the device has to acknowledge a stop.
const emergencyStopBudget = 2 * time.Second

// Logger defines the logging interface used by the Dispatcher.
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

// Sessions is the ledger side of the session manager.
type Sessions interface {
	ActiveSession(id string) (*session.Session, error)
	RecordCommand(id string, cmd session.Command) (session.Command, error)
	EmergencyStop(ctx context.Context, id, reason string) (*session.Session, error)
}

// Devices looks up the device a session controls.
type Devices interface {
	GetDevice(id string) (*device.Device, error)
}

// Executor sends a command over the device's transport. *transport.Router
// satisfies it.
type Executor interface {
	Execute(ctx context.Context, req transport.Request) (transport.Result, error)
}

// Request is a capability invocation.
type Request struct {
	CapabilityID string         `json:"capability_id"`
	Parameters   map[string]any `json:"parameters"`
}

// Config controls command billing and the deployment-wide safety limits.
type Config struct {
	DefaultOverageRate float64
	Safety             Safety
}

// Dispatcher validates, executes and bills commands.
type Dispatcher struct {
	cfg      Config
	sessions Sessions
	devices  Devices
	exec     Executor
	bus      *events.Bus

	logger Logger
	now    func() time.Time
	newID  func() string
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg Config, sessions Sessions, devices Devices, exec Executor, bus *events.Bus) *Dispatcher {
	if cfg.DefaultOverageRate <= 0 {
		cfg.DefaultOverageRate = DefaultOverageRate
	}
	gen, err := nanoid.Standard(21) //nolint:mnd // nanoid default length
	if err != nil {
		panic(fmt.Sprintf("command: nanoid generator: %v", err))
	}
	return &Dispatcher{
		cfg:      cfg,
		sessions: sessions,
		devices:  devices,
		exec:     exec,
		bus:      bus,
		logger:   noopLogger{},
		now:      time.Now,
		newID:    gen,
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// Execute runs req within the active session sessionID and returns the
// command as recorded in the ledger.
//
// Errors are returned for an inactive session (session.ErrInvalidSession),
// an undeclared capability (capability.ErrNotFound, nothing recorded) and
// invalid parameters (*capability.ParameterError, recorded as failed).
// Transport errors and device-reported failures yield a failed command and
// a nil error.
func (d *Dispatcher) Execute(ctx context.Context, sessionID string, req Request) (*session.Command, error) {
	sess, err := d.sessions.ActiveSession(sessionID)
	if err != nil {
		return nil, err
	}
	dev, err := d.devices.GetDevice(sess.DeviceID)
	if err != nil {
		return nil, err
	}
	def, ok := dev.Capability(req.CapabilityID)
	if !ok {
		return nil, fmt.Errorf("%w: %q on device %s", capability.ErrNotFound, req.CapabilityID, dev.ID)
	}

	cmd := session.Command{
		ID:           commandIDPrefix + d.newID(),
		CapabilityID: def.ID,
		IssuedAt:     d.now().UTC(),
	}

	params, err := capability.ValidateParameters(def, req.Parameters)
	if err == nil {
		err = d.cfg.Safety.check(def.ID, params)
	}
	if err != nil {
		cmd.Parameters = req.Parameters
		cmd.Result = transport.Result{Error: err.Error()}
		stored, recErr := d.record(sess, cmd)
		if recErr != nil {
			return nil, errors.Join(err, recErr)
		}
		d.logger.Debug("command rejected", "session_id", sess.ID, "command_id", stored.ID, "error", err)
		return nil, err
	}
	cmd.Parameters = params

	start := d.now()
	res, execErr := d.exec.Execute(ctx, transport.Request{
		CommandID:  cmd.ID,
		DeviceID:   dev.ID,
		Connection: dev.Connection,
		Capability: def,
		Parameters: params,
	})
	cmd.ExecutionTime = d.now().Sub(start)

	if execErr != nil {
		d.logger.Warn("command transport failed",
			"session_id", sess.ID,
			"device_id", dev.ID,
			"command_id", cmd.ID,
			"capability", def.ID,
			"error", execErr,
		)
		res = transport.Result{Error: execErr.Error()}
	}
	cmd.Result = res
	if res.Success {
		cmd.Cost = dev.Pricing.CommandCost(def, cmd.ExecutionTime, d.cfg.DefaultOverageRate)
	}

	stored, err := d.record(sess, cmd)
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// EmergencyStop sends EmergencyStopCapability to the session's device and
// then terminates the session through the session manager. The stop skips
// capability and safety validation and is recorded in the ledger at no
// cost. The session is terminated even when the device cannot be reached;
// the returned command carries the device's answer.
func (d *Dispatcher) EmergencyStop(ctx context.Context, sessionID, reason string) (*session.Session, *session.Command, error) {
	sess, err := d.sessions.ActiveSession(sessionID)
	if err != nil {
		return nil, nil, err
	}

	cmd := session.Command{
		ID:           commandIDPrefix + d.newID(),
		CapabilityID: EmergencyStopCapability,
		Parameters:   map[string]any{},
		IssuedAt:     d.now().UTC(),
	}

	dev, err := d.devices.GetDevice(sess.DeviceID)
	if err != nil {
		cmd.Result = transport.Result{Error: err.Error()}
	} else {
		start := d.now()
		res, execErr := d.exec.Execute(ctx, transport.Request{
			CommandID:  cmd.ID,
			DeviceID:   dev.ID,
			Connection: dev.Connection,
			Capability: capability.Capability{
				ID:              EmergencyStopCapability,
				Name:            "Emergency stop",
				Category:        capability.CategoryMovement,
				ExecutionTimeMs: emergencyStopBudget.Milliseconds(),
			},
			Parameters: cmd.Parameters,
		})
		cmd.ExecutionTime = d.now().Sub(start)
		if execErr != nil {
			res = transport.Result{Error: execErr.Error()}
		}
		cmd.Result = res
	}
	if !cmd.Result.Success {
		d.logger.Error("emergency stop not acknowledged",
			"session_id", sess.ID,
			"device_id", sess.DeviceID,
			"command_id", cmd.ID,
			"error", cmd.Result.Error,
		)
	}

	stored, recErr := d.record(sess, cmd)
	if recErr != nil {
		d.logger.Warn("recording emergency stop failed", "session_id", sess.ID, "error", recErr)
		stored = cmd
	}

	ended, err := d.sessions.EmergencyStop(ctx, sess.ID, reason)
	return ended, &stored, err
}

// record appends to the ledger and publishes the outcome.
func (d *Dispatcher) record(sess *session.Session, cmd session.Command) (session.Command, error) {
	stored, err := d.sessions.RecordCommand(sess.ID, cmd)
	if err != nil {
		return session.Command{}, err
	}

	name := events.CommandExecuted
	if !stored.Result.Success {
		name = events.CommandFailed
	}
	d.logger.Debug("command recorded",
		"session_id", sess.ID,
		"command_id", stored.ID,
		"capability", stored.CapabilityID,
		"success", stored.Result.Success,
		"cost", stored.Cost,
		"late", stored.Late,
	)

	if d.bus != nil {
		d.bus.Publish(events.Event{
			Name:     name,
			Kind:     events.KindSession,
			EntityID: sess.ID,
			Payload: events.CommandPayload{
				SessionID:     sess.ID,
				DeviceID:      sess.DeviceID,
				UserID:        sess.UserID,
				CommandID:     stored.ID,
				CapabilityID:  stored.CapabilityID,
				Success:       stored.Result.Success,
				Cost:          stored.Cost,
				Currency:      string(sess.Currency),
				ExecutionTime: stored.ExecutionTime,
				Error:         stored.Result.Error,
				Late:          stored.Late,
			},
		})
	}
	return stored, nil
}
