// Package mqtt provides the shared broker connection for teleop-core.
//
// One Client is opened per process and shared by the MQTT device transport
// and the bus event mirror:
//
//	teleop-core ──► teleop/command/{device}    ──► device
//	teleop-core ◄── teleop/response/{device}   ◄── device
//	teleop-core ◄── teleop/heartbeat/{device}  ◄── device
//	teleop-core ◄── teleop/status/{device}     ◄── device
//	teleop-core ──► teleop/events/{kind}/{name}
//
// The client reconnects automatically with backoff and restores every
// subscription after a reconnect. A retained status message and an LWT on
// teleop/system/status let devices detect that the core went away.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.DeviceResponse("arm-7"), 1,
//	    func(topic string, payload []byte) error {
//	        return handle(payload)
//	    })
//
// # Thread Safety
//
// All Client methods are safe for concurrent use. Handlers run on paho's
// goroutines and must not block for long.
package mqtt
