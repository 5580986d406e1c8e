package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// corrKey scopes a correlation id to the device it was sent to, so a
// response on one device's channel can never complete another's command.
type corrKey struct {
	device string
	id     string
}

// Correlator matches async command responses to their waiting callers.
// It is safe for concurrent use.
type Correlator struct {
	mu      sync.Mutex
	pending map[corrKey]*Pending
}

// NewCorrelator creates an empty Correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[corrKey]*Pending)}
}

type outcome struct {
	result Result
	err    error
}

// Pending is a one-shot future for a single command response.
type Pending struct {
	key corrKey
	c   *Correlator
	ch  chan outcome
}

// Register creates a Pending for command id sent to deviceID. The caller
// must call Wait or Cancel.
func (c *Correlator) Register(deviceID, id string) *Pending {
	p := &Pending{key: corrKey{device: deviceID, id: id}, c: c, ch: make(chan outcome, 1)}
	c.mu.Lock()
	c.pending[p.key] = p
	c.mu.Unlock()
	return p
}

// Resolve delivers r to the Pending registered for (deviceID, id). It
// reports whether a waiter was registered; late, unknown and cross-device
// responses return false.
func (c *Correlator) Resolve(deviceID, id string, r Result) bool {
	c.mu.Lock()
	p, ok := c.pending[corrKey{device: deviceID, id: id}]
	if ok {
		delete(c.pending, p.key)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	p.ch <- outcome{result: r} // buffered; exactly one send per Pending
	return true
}

// Fail completes every command waiting on deviceID with err and returns
// how many were failed. Adapters call it when the device link drops.
func (c *Correlator) Fail(deviceID string, err error) int {
	c.mu.Lock()
	var failed []*Pending
	for k, p := range c.pending {
		if k.device == deviceID {
			delete(c.pending, k)
			failed = append(failed, p)
		}
	}
	c.mu.Unlock()

	for _, p := range failed {
		p.ch <- outcome{err: err}
	}
	return len(failed)
}

// Len returns the number of outstanding waiters.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) remove(p *Pending) {
	c.mu.Lock()
	if c.pending[p.key] == p {
		delete(c.pending, p.key)
	}
	c.mu.Unlock()
}

// ID returns the correlation id.
func (p *Pending) ID() string { return p.key.id }

// Wait blocks until the response arrives, timeout elapses or ctx is done.
// The Pending is deregistered before Wait returns on every path.
func (p *Pending) Wait(ctx context.Context, timeout time.Duration) (Result, error) {
	defer p.c.remove(p)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-p.ch:
		return o.result, o.err
	case <-timer.C:
		return Result{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel deregisters the Pending without waiting.
func (p *Pending) Cancel() {
	p.c.remove(p)
}
