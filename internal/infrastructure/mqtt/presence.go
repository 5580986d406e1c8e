package mqtt

import (
	"encoding/json"
	"time"
)

const (
	presenceOnline  = "online"
	presenceOffline = "offline"
)

// presenceMessage is the retained payload on teleop/system/status. Devices
// watch it to notice that the core has gone away.
type presenceMessage struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

func presence(clientID, status, reason string) []byte {
	//nolint:errcheck // presenceMessage always marshals
	b, _ := json.Marshal(presenceMessage{
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return b
}

// announce publishes the retained online status without waiting.
func (c *Client) announce() {
	c.client.Publish(Topics{}.SystemStatus(), byte(c.cfg.QoS), true, presence(c.cfg.Broker.ClientID, presenceOnline, ""))
}

// farewell replaces the retained status with a graceful offline before a
// clean disconnect, so the LWT never fires.
func (c *Client) farewell() {
	token := c.client.Publish(Topics{}.SystemStatus(), byte(c.cfg.QoS), true,
		presence(c.cfg.Broker.ClientID, presenceOffline, "graceful_shutdown"))
	token.WaitTimeout(ackTimeout)
}
