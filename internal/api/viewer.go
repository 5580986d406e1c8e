package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/teleop-core/internal/infrastructure/config"
)

// viewerQueue bounds frames waiting for a slow viewer.
const viewerQueue = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the cors middleware before the upgrade.
	CheckOrigin: func(*http.Request) bool { return true },
}

// viewer is one live event connection.
type viewer struct {
	hub  *Hub
	conn *websocket.Conn
	user string

	out  chan []byte
	done chan struct{}
	once sync.Once

	mu       sync.RWMutex
	channels map[string]struct{}
}

// handleWebSocket upgrades an authenticated request into a live viewer.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "request_id", requestID(r), "error", err)
		return
	}

	v := &viewer{
		hub:      s.hub,
		conn:     conn,
		user:     userFrom(r),
		out:      make(chan []byte, viewerQueue),
		done:     make(chan struct{}),
		channels: make(map[string]struct{}),
	}
	s.hub.join(v)

	go v.writeLoop(s.wsCfg)
	go v.readLoop(s.wsCfg)
}

// shut stops the writer and closes the socket. Safe to call repeatedly.
func (v *viewer) shut() {
	v.once.Do(func() {
		close(v.done)
		v.conn.Close()
	})
}

// enqueue hands a frame to the writer. Frames for a gone or backed-up
// viewer are dropped.
func (v *viewer) enqueue(frame []byte) bool {
	select {
	case <-v.done:
		return false
	default:
	}
	select {
	case v.out <- frame:
		return true
	default:
		return false
	}
}

func (v *viewer) watches(channels []string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, ch := range channels {
		if _, ok := v.channels[ch]; ok {
			return true
		}
	}
	return false
}

func (v *viewer) readLoop(cfg config.WebSocketConfig) {
	defer v.hub.leave(v)

	idle := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	extend := func(string) error { return v.conn.SetReadDeadline(time.Now().Add(idle)) }

	v.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	v.conn.SetPongHandler(extend)
	//nolint:errcheck // a failed deadline surfaces on the next read
	extend("")

	for {
		_, data, err := v.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				v.hub.logger.Warn("live viewer read failed", "user_id", v.user, "error", err)
			}
			return
		}
		//nolint:errcheck // a failed deadline surfaces on the next read
		extend("")
		v.handle(data)
	}
}

func (v *viewer) writeLoop(cfg config.WebSocketConfig) {
	ping := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer ping.Stop()

	wait := time.Duration(cfg.PongTimeout) * time.Second
	write := func(kind int, data []byte) error {
		//nolint:errcheck // write error is reported by WriteMessage
		v.conn.SetWriteDeadline(time.Now().Add(wait))
		return v.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case <-v.done:
			//nolint:errcheck // the peer may already be gone
			write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-v.out:
			if err := write(websocket.TextMessage, frame); err != nil {
				v.shut()
				return
			}
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				v.shut()
				return
			}
		}
	}
}

func (v *viewer) handle(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		v.reply("", WSTypeError, map[string]string{"message": "invalid JSON message"})
		return
	}

	switch msg.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		v.resubscribe(msg)
	case WSTypePing:
		v.reply(msg.ID, WSTypePong, nil)
	default:
		v.reply(msg.ID, WSTypeError, map[string]string{"message": "unknown message type: " + msg.Type})
	}
}

// resubscribe adds or removes channels depending on msg.Type.
func (v *viewer) resubscribe(msg WSMessage) {
	var sub WSSubscribePayload
	raw, err := json.Marshal(msg.Payload)
	if err == nil {
		err = json.Unmarshal(raw, &sub)
	}
	if err != nil || len(sub.Channels) == 0 {
		v.reply(msg.ID, WSTypeError, map[string]string{"message": "invalid " + msg.Type + " payload"})
		return
	}

	adding := msg.Type == WSTypeSubscribe
	v.mu.Lock()
	for _, ch := range sub.Channels {
		if adding {
			v.channels[ch] = struct{}{}
		} else {
			delete(v.channels, ch)
		}
	}
	v.mu.Unlock()

	key := "unsubscribed"
	if adding {
		key = "subscribed"
	}
	v.hub.logger.Debug("live viewer channels changed", "user_id", v.user, key, sub.Channels)
	v.reply(msg.ID, WSTypeResponse, map[string]any{key: sub.Channels})
}

func (v *viewer) reply(id, kind string, payload any) {
	frame, err := json.Marshal(WSMessage{
		Type:      kind,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	v.enqueue(frame)
}
