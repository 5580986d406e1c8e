package mqtt

import (
	"fmt"
	"sync"
)

// route is one tracked subscription.
type route struct {
	qos     byte
	handler MessageHandler
}

// routeTable remembers subscriptions so they can be replayed after the
// broker link comes back.
type routeTable struct {
	mu     sync.RWMutex
	routes map[string]route
}

func newRouteTable() *routeTable {
	return &routeTable{routes: make(map[string]route)}
}

func (t *routeTable) put(topic string, r route) {
	t.mu.Lock()
	t.routes[topic] = r
	t.mu.Unlock()
}

func (t *routeTable) drop(topic string) {
	t.mu.Lock()
	delete(t.routes, topic)
	t.mu.Unlock()
}

func (t *routeTable) has(topic string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.routes[topic]
	return ok
}

func (t *routeTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

func (t *routeTable) snapshot() map[string]route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]route, len(t.routes))
	for k, v := range t.routes {
		out[k] = v
	}
	return out
}

// Subscribe registers handler for topic. Wildcards are allowed, e.g.
// teleop/heartbeat/+. The route is replayed after every reconnect.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := checkTopic(topic, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	// Track before the ack so a reconnect racing the call still replays it.
	c.routes.put(topic, route{qos: qos, handler: handler})
	if err := await(c.client.Subscribe(topic, qos, c.dispatch(handler)), ErrSubscribeFailed); err != nil {
		c.routes.drop(topic)
		return err
	}
	return nil
}

// Unsubscribe forgets topic. Messages already in flight may still arrive.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	c.routes.drop(topic)
	return await(c.client.Unsubscribe(topic), ErrUnsubscribeFailed)
}

// SubscriptionCount returns the number of tracked routes.
func (c *Client) SubscriptionCount() int { return c.routes.len() }

// HasSubscription reports whether topic is tracked. Only exact topic
// strings match.
func (c *Client) HasSubscription(topic string) bool { return c.routes.has(topic) }

// replay re-subscribes every tracked route after a reconnect.
func (c *Client) replay() {
	for topic, r := range c.routes.snapshot() {
		if err := await(c.client.Subscribe(topic, r.qos, c.dispatch(r.handler)), ErrSubscribeFailed); err != nil {
			c.warn("mqtt route replay failed", "topic", topic, "error", err)
		}
	}
}
