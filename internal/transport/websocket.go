package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/teleop-core/internal/device"
)

const (
	// wsWriteTimeout bounds a single frame write to a device.
	wsWriteTimeout = 10 * time.Second

	// wsDialTimeout bounds a handshake, including redials.
	wsDialTimeout = 10 * time.Second

	// DefaultRedialMin and DefaultRedialMax bound the backoff between
	// redials of a device whose link dropped.
	DefaultRedialMin = time.Second
	DefaultRedialMax = 30 * time.Second
)

// WebSocketAdapter keeps one gorilla/websocket client connection per device
// and correlates command responses by command_id.
//
// A link that drops without Disconnect fails its in-flight commands with
// ErrTransport and is redialled with exponential backoff until it is back,
// Disconnect is called for the device, or the adapter is closed.
type WebSocketAdapter struct {
	lifecycle

	dialer     *websocket.Dialer
	correlator *Correlator
	buffer     time.Duration
	logger     Logger

	redialMin time.Duration
	redialMax time.Duration

	mu     sync.Mutex
	conns  map[string]*wsLink
	wanted map[string]device.ConnectionInfo

	stop     chan struct{}
	stopOnce sync.Once
}

type wsLink struct {
	deviceID string
	conn     *websocket.Conn

	writeMu sync.Mutex
	closing bool
	done    chan struct{}
}

// NewWebSocketAdapter creates an async adapter. A buffer of zero uses
// DefaultResponseBuffer.
func NewWebSocketAdapter(buffer time.Duration) *WebSocketAdapter {
	if buffer <= 0 {
		buffer = DefaultResponseBuffer
	}
	return &WebSocketAdapter{
		dialer:     &websocket.Dialer{HandshakeTimeout: wsDialTimeout},
		correlator: NewCorrelator(),
		buffer:     buffer,
		logger:     noopLogger{},
		redialMin:  DefaultRedialMin,
		redialMax:  DefaultRedialMax,
		conns:      make(map[string]*wsLink),
		wanted:     make(map[string]device.ConnectionInfo),
		stop:       make(chan struct{}),
	}
}

// SetRedial sets the backoff bounds for redialling dropped links. Values
// of zero or less keep the current bound; max is raised to min if lower.
func (a *WebSocketAdapter) SetRedial(minDelay, maxDelay time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if minDelay > 0 {
		a.redialMin = minDelay
	}
	if maxDelay > 0 {
		a.redialMax = maxDelay
	}
	if a.redialMax < a.redialMin {
		a.redialMax = a.redialMin
	}
}

// SetLogger sets the adapter logger.
func (a *WebSocketAdapter) SetLogger(logger Logger) { a.logger = logger }

// Kind returns KindAsyncCorrelated.
func (a *WebSocketAdapter) Kind() Kind { return KindAsyncCorrelated }

// Connect dials the device endpoint. Connecting an already connected device
// is a no-op.
func (a *WebSocketAdapter) Connect(ctx context.Context, deviceID string, info device.ConnectionInfo) error {
	if a.Connected(deviceID) {
		return nil
	}
	if err := a.dial(ctx, deviceID, info, false); err != nil {
		a.emit(ConnectionEvent{DeviceID: deviceID, Type: EventError, Err: err})
		return err
	}
	return nil
}

// dial opens a link and starts its read loop. It does not report failures
// to the observer; redials retry quietly. A redial only installs its link
// if the device is still wanted.
func (a *WebSocketAdapter) dial(ctx context.Context, deviceID string, info device.ConnectionInfo, redial bool) error {
	header := http.Header{}
	if creds := info.Credentials; creds != nil && creds.APIKey != "" {
		header.Set("Authorization", "Bearer "+creds.APIKey)
	}

	conn, resp, err := a.dialer.DialContext(ctx, info.Endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrTransport, info.Endpoint, err)
	}

	link := &wsLink{deviceID: deviceID, conn: conn, done: make(chan struct{})}

	a.mu.Lock()
	if a.stopped() {
		a.mu.Unlock()
		conn.Close()
		return fmt.Errorf("%w: adapter closed", ErrTransport)
	}
	_, exists := a.conns[deviceID]
	_, wanted := a.wanted[deviceID]
	if exists || (redial && !wanted) {
		// Lost a race with another Connect or a Disconnect.
		a.mu.Unlock()
		conn.Close()
		return nil
	}
	a.conns[deviceID] = link
	a.wanted[deviceID] = info
	a.mu.Unlock()

	a.logger.Info("device websocket connected", "device_id", deviceID, "endpoint", info.Endpoint)
	a.emit(ConnectionEvent{DeviceID: deviceID, Type: EventConnected})

	go a.readLoop(link)
	return nil
}

// Disconnect closes the device link and returns without waiting for the
// read loop, which reports the disconnected event asynchronously.
func (a *WebSocketAdapter) Disconnect(deviceID string) error {
	a.mu.Lock()
	link, ok := a.conns[deviceID]
	delete(a.conns, deviceID)
	delete(a.wanted, deviceID)
	a.mu.Unlock()
	if !ok {
		return nil
	}

	link.writeMu.Lock()
	link.closing = true
	//nolint:errcheck // Best-effort close frame
	link.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	link.writeMu.Unlock()

	return link.conn.Close()
}

// Connected reports whether the device has a live link.
func (a *WebSocketAdapter) Connected(deviceID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.conns[deviceID]
	return ok
}

// Close stops all redials and disconnects every device.
func (a *WebSocketAdapter) Close() error {
	a.stopOnce.Do(func() { close(a.stop) })

	a.mu.Lock()
	ids := make([]string, 0, len(a.conns))
	for id := range a.conns {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := a.Disconnect(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Execute sends the command and waits for the matching command_response.
// The wait is bounded by the capability's execution time plus the response
// buffer, and by ctx.
func (a *WebSocketAdapter) Execute(ctx context.Context, req Request) (Result, error) {
	a.mu.Lock()
	link, ok := a.conns[req.DeviceID]
	a.mu.Unlock()
	if !ok {
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

	link.writeMu.Lock()
	//nolint:errcheck // Best-effort deadline; write error caught below
	link.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	err = link.conn.WriteMessage(websocket.TextMessage, payload)
	link.writeMu.Unlock()
	if err != nil {
		pending.Cancel()
		return Result{}, fmt.Errorf("%w: send: %v", ErrTransport, err)
	}

	return pending.Wait(ctx, req.Capability.ExecutionBudget()+a.buffer)
}

// Pending returns the number of commands awaiting a response.
func (a *WebSocketAdapter) Pending() int { return a.correlator.Len() }

func (a *WebSocketAdapter) readLoop(link *wsLink) {
	defer close(link.done)

	for {
		_, data, err := link.conn.ReadMessage()
		if err != nil {
			if !link.isClosing() && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				a.logger.Warn("device websocket read error", "device_id", link.deviceID, "error", err)
			} else {
				a.logger.Debug("device websocket closed", "device_id", link.deviceID, "error", err)
			}
			break
		}
		dispatchDeviceMessage(link.deviceID, data, &a.lifecycle, a.correlator, a.logger)
	}
	link.conn.Close()

	a.mu.Lock()
	current, live := a.conns[link.deviceID]
	if current == link {
		delete(a.conns, link.deviceID)
	}
	_, wanted := a.wanted[link.deviceID]
	a.mu.Unlock()

	// A newer link already replaced this one; its commands and status
	// belong to it.
	if live && current != link {
		return
	}

	if n := a.correlator.Fail(link.deviceID, fmt.Errorf("%w: link to %s closed", ErrTransport, link.deviceID)); n > 0 {
		a.logger.Warn("in-flight commands failed by closed link", "device_id", link.deviceID, "commands", n)
	}
	a.emit(ConnectionEvent{DeviceID: link.deviceID, Type: EventDisconnected})

	if wanted && !link.isClosing() {
		go a.redial(link.deviceID)
	}
}

func (a *WebSocketAdapter) stopped() bool {
	select {
	case <-a.stop:
		return true
	default:
		return false
	}
}

func (l *wsLink) isClosing() bool {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.closing
}

// redial reconnects a dropped device link with exponential backoff. It
// gives up when the device is disconnected on purpose, another Connect
// wins, or the adapter closes.
func (a *WebSocketAdapter) redial(deviceID string) {
	a.mu.Lock()
	delay, ceiling := a.redialMin, a.redialMax
	a.mu.Unlock()

	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-a.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		a.mu.Lock()
		info, wanted := a.wanted[deviceID]
		_, live := a.conns[deviceID]
		a.mu.Unlock()
		if !wanted || live {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), wsDialTimeout)
		err := a.dial(ctx, deviceID, info, true)
		cancel()
		if err == nil {
			a.logger.Info("device websocket redialled", "device_id", deviceID, "attempt", attempt)
			return
		}
		a.logger.Debug("device websocket redial failed", "device_id", deviceID, "attempt", attempt, "error", err)
		delay = min(delay*2, ceiling)
	}
}
