package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/teleop-core/internal/device"
	"github.com/nerrad567/teleop-core/internal/infrastructure/mqtt"
)

// mqttQoS is used for all device traffic: commands must not be lost.
const mqttQoS byte = 1

// Broker is the subset of the MQTT client used by MQTTAdapter.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// MQTTAdapter sends commands through a shared broker connection and
// correlates responses published by the device.
//
// Per device it subscribes to teleop/response/{id}, teleop/heartbeat/{id}
// and teleop/status/{id}, and publishes commands to teleop/command/{id}.
type MQTTAdapter struct {
	lifecycle

	broker     Broker
	topics     mqtt.Topics
	correlator *Correlator
	buffer     time.Duration
	logger     Logger

	mu        sync.Mutex
	connected map[string]struct{}
}

// NewMQTTAdapter creates an async adapter over broker. A buffer of zero
// uses DefaultResponseBuffer.
func NewMQTTAdapter(broker Broker, buffer time.Duration) *MQTTAdapter {
	if buffer <= 0 {
		buffer = DefaultResponseBuffer
	}
	return &MQTTAdapter{
		broker:     broker,
		correlator: NewCorrelator(),
		buffer:     buffer,
		logger:     noopLogger{},
		connected:  make(map[string]struct{}),
	}
}

// SetLogger sets the adapter logger.
func (a *MQTTAdapter) SetLogger(logger Logger) { a.logger = logger }

// Kind returns KindAsyncCorrelated.
func (a *MQTTAdapter) Kind() Kind { return KindAsyncCorrelated }

// Connect subscribes to the device's response, heartbeat and status topics.
// Any subscription failure rolls back the ones already made.
func (a *MQTTAdapter) Connect(_ context.Context, deviceID string, _ device.ConnectionInfo) error {
	if a.Connected(deviceID) {
		return nil
	}

	subs := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{a.topics.DeviceResponse(deviceID), a.responseHandler(deviceID)},
		{a.topics.DeviceHeartbeat(deviceID), a.heartbeatHandler(deviceID)},
		{a.topics.DeviceStatus(deviceID), a.statusHandler(deviceID)},
	}

	var done []string
	for _, s := range subs {
		if err := a.broker.Subscribe(s.topic, mqttQoS, s.handler); err != nil {
			for _, t := range done {
				//nolint:errcheck // Best-effort rollback
				a.broker.Unsubscribe(t)
			}
			err = fmt.Errorf("%w: subscribe %s: %v", ErrTransport, s.topic, err)
			a.emit(ConnectionEvent{DeviceID: deviceID, Type: EventError, Err: err})
			return err
		}
		done = append(done, s.topic)
	}

	a.mu.Lock()
	a.connected[deviceID] = struct{}{}
	a.mu.Unlock()

	a.logger.Info("device mqtt topics subscribed", "device_id", deviceID)
	a.emit(ConnectionEvent{DeviceID: deviceID, Type: EventConnected})
	return nil
}

// Disconnect unsubscribes from the device topics.
func (a *MQTTAdapter) Disconnect(deviceID string) error {
	a.mu.Lock()
	_, ok := a.connected[deviceID]
	delete(a.connected, deviceID)
	a.mu.Unlock()
	if !ok {
		return nil
	}

	var errs []error
	for _, t := range []string{
		a.topics.DeviceResponse(deviceID),
		a.topics.DeviceHeartbeat(deviceID),
		a.topics.DeviceStatus(deviceID),
	} {
		if err := a.broker.Unsubscribe(t); err != nil {
			errs = append(errs, err)
		}
	}

	a.correlator.Fail(deviceID, fmt.Errorf("%w: %s disconnected", ErrTransport, deviceID))
	a.emit(ConnectionEvent{DeviceID: deviceID, Type: EventDisconnected})
	return errors.Join(errs...)
}

// Connected reports whether the device's topics are subscribed.
func (a *MQTTAdapter) Connected(deviceID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.connected[deviceID]
	return ok
}

// Execute publishes the command and waits for the device's response.
func (a *MQTTAdapter) Execute(ctx context.Context, req Request) (Result, error) {
	if !a.Connected(req.DeviceID) {
		return Result{}, fmt.Errorf("%w: %s", ErrNotConnected, req.DeviceID)
	}

	if req.CommandID == "" {
		req.CommandID = correlationID()
	}
	payload, err := json.Marshal(newCommandMessage(req))
	if err != nil {
		return Result{}, fmt.Errorf("%w: encoding command: %v", ErrTransport, err)
	}

	pending := a.correlator.Register(req.DeviceID, req.CommandID)
	if err := a.broker.Publish(a.topics.DeviceCommand(req.DeviceID), payload, mqttQoS, false); err != nil {
		pending.Cancel()
		return Result{}, fmt.Errorf("%w: publish: %v", ErrTransport, err)
	}

	return pending.Wait(ctx, req.Capability.ExecutionBudget()+a.buffer)
}

// Pending returns the number of commands awaiting a response.
func (a *MQTTAdapter) Pending() int { return a.correlator.Len() }

func (a *MQTTAdapter) responseHandler(deviceID string) mqtt.MessageHandler {
	return func(_ string, payload []byte) error {
		var msg deviceMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			a.logger.Warn("invalid command response", "device_id", deviceID, "error", err)
			return nil
		}
		resolveResponse(deviceID, msg, a.correlator, a.logger)
		return nil
	}
}

func (a *MQTTAdapter) heartbeatHandler(deviceID string) mqtt.MessageHandler {
	return func(string, []byte) error {
		a.emit(ConnectionEvent{DeviceID: deviceID, Type: EventHeartbeat})
		return nil
	}
}

func (a *MQTTAdapter) statusHandler(deviceID string) mqtt.MessageHandler {
	return func(_ string, payload []byte) error {
		var msg deviceMessage
		if err := json.Unmarshal(payload, &msg); err != nil || msg.Status == "" {
			a.logger.Warn("invalid status message", "device_id", deviceID)
			return nil
		}
		a.emit(ConnectionEvent{DeviceID: deviceID, Type: EventStatusUpdate, Status: msg.Status})
		return nil
	}
}
