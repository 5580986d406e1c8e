package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/teleop-core/internal/infrastructure/config"
)

// MessageHandler is the callback signature for received messages.
//
// Handlers are invoked on paho goroutines and should not block for long.
// A panic inside a handler is recovered and counted as a handler error.
//
// Parameters:
//   - topic: The topic the message was received on (wildcards expanded)
//   - payload: The raw message payload (device JSON)
//
// Returns:
//   - error: Logged and counted but does not affect message acknowledgment
type MessageHandler func(topic string, payload []byte) error

// Logger is the optional logger for handler failures and reconnects.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Stats counts broker traffic since Connect.
type Stats struct {
	Received      uint64 `json:"received"`
	Published     uint64 `json:"published"`
	HandlerErrors uint64 `json:"handler_errors"`
	Reconnects    uint64 `json:"reconnects"`
}

type counters struct {
	received      atomic.Uint64
	published     atomic.Uint64
	handlerErrors atomic.Uint64
	connects      atomic.Uint64
}

// Client is the shared broker connection used by the device transport and
// the event mirror.
//
// It provides connection management, publishing, topic routing and
// automatic reconnection with backoff. A retained presence message on the
// system status topic tracks whether the core is up.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Routes are replayed to the broker after every reconnect.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	routes *routeTable
	linked atomic.Bool
	stats  counters

	mu           sync.RWMutex
	onConnect    func()
	onDisconnect func(error)
	logger       Logger
}

// Connect establishes a connection to the MQTT broker.
//
// It performs the following setup:
//  1. Builds connection options from config (broker URL, auth, TLS)
//  2. Registers a retained offline presence as the Last Will
//  3. Wires connect, connection-lost and reconnecting handlers
//  4. Blocks until the first connection succeeds or 10s pass
//
// Online presence is announced from the connect handler.
//
// Parameters:
//   - cfg: MQTT configuration from config.yaml
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: ErrConnectionFailed if the broker does not accept the connection in time
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := &Client{cfg: cfg, routes: newRouteTable()}

	opts := clientOptions(cfg).
		SetOnConnectHandler(func(pahomqtt.Client) { c.linkUp() }).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.linkDown(err) }).
		SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
			c.warn("mqtt reconnecting", "broker", brokerURL(cfg.Broker))
		})

	c.client = pahomqtt.NewClient(opts)
	if err := awaitConnect(c.client.Connect()); err != nil {
		return nil, err
	}
	// linkUp runs on a paho goroutine; callers expect IsConnected right away.
	c.linked.Store(true)
	return c, nil
}

func awaitConnect(token pahomqtt.Token) error {
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("%w: no answer after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

func (c *Client) linkUp() {
	c.linked.Store(true)
	if c.stats.connects.Add(1) > 1 {
		c.replay()
	}
	c.announce()

	c.mu.RLock()
	cb := c.onConnect
	c.mu.RUnlock()
	if cb != nil {
		cb()
	}
}

func (c *Client) linkDown(err error) {
	c.linked.Store(false)

	c.mu.RLock()
	cb := c.onDisconnect
	c.mu.RUnlock()
	if cb != nil {
		cb(err)
	}
}

// Close gracefully disconnects from the MQTT broker.
//
// It performs:
//  1. Publishes a graceful offline presence (distinct from the Last Will)
//  2. Waits up to a second for in-flight work
//  3. Disconnects from the broker
//
// Returns:
//   - error: always nil; a client that never connected is a no-op
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.IsConnected() {
		c.farewell()
	}
	c.client.Disconnect(quiesceMs)
	c.linked.Store(false)
	return nil
}

// HealthCheck verifies the MQTT connection is alive.
//
// Parameters:
//   - ctx: Context for cancellation
//
// Returns:
//   - error: nil if linked, ErrNotConnected while the broker link is down
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports the last known link state.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.linked.Load() && c.client.IsConnected()
}

// Stats returns traffic counters.
func (c *Client) Stats() Stats {
	connects := c.stats.connects.Load()
	var reconnects uint64
	if connects > 1 {
		reconnects = connects - 1
	}
	return Stats{
		Received:      c.stats.received.Load(),
		Published:     c.stats.published.Load(),
		HandlerErrors: c.stats.handlerErrors.Load(),
		Reconnects:    reconnects,
	}
}

// SetOnConnect sets a callback run on the first connect and every reconnect.
func (c *Client) SetOnConnect(cb func()) {
	c.mu.Lock()
	c.onConnect = cb
	c.mu.Unlock()
}

// SetOnDisconnect sets a callback run when the broker link drops.
func (c *Client) SetOnDisconnect(cb func(error)) {
	c.mu.Lock()
	c.onDisconnect = cb
	c.mu.Unlock()
}

// SetLogger sets the logger. Without one, handler failures are counted but
// not logged.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) warn(msg string, args ...any) {
	c.mu.RLock()
	l := c.logger
	c.mu.RUnlock()
	if l != nil {
		l.Warn(msg, args...)
	}
}

// dispatch adapts handler to paho. Panics and errors are contained so one
// bad device message cannot stop delivery on the shared connection.
func (c *Client) dispatch(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.stats.received.Add(1)
		defer func() {
			if r := recover(); r != nil {
				c.stats.handlerErrors.Add(1)
				c.mu.RLock()
				l := c.logger
				c.mu.RUnlock()
				if l != nil {
					l.Error("mqtt handler panic recovered", "topic", msg.Topic(), "panic", r)
				}
			}
		}()
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.stats.handlerErrors.Add(1)
			c.warn("mqtt handler failed", "topic", msg.Topic(), "error", err)
		}
	}
}
