package mqtt

import "fmt"

// TopicPrefix is the root of every teleop-core topic.
//
// Device traffic uses teleop/{category}/{device_id}; core publications use
// teleop/events/... and teleop/system/....
const TopicPrefix = "teleop"

// Topics builds teleop-core MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.DeviceCommand("arm-7") // "teleop/command/arm-7"
type Topics struct{}

// DeviceCommand is where the core publishes commands for a device.
func (Topics) DeviceCommand(deviceID string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, deviceID)
}

// DeviceResponse is where a device publishes command_response messages.
func (Topics) DeviceResponse(deviceID string) string {
	return fmt.Sprintf("%s/response/%s", TopicPrefix, deviceID)
}

// DeviceHeartbeat is where a device publishes liveness beats.
func (Topics) DeviceHeartbeat(deviceID string) string {
	return fmt.Sprintf("%s/heartbeat/%s", TopicPrefix, deviceID)
}

// DeviceStatus is where a device publishes status_update messages.
func (Topics) DeviceStatus(deviceID string) string {
	return fmt.Sprintf("%s/status/%s", TopicPrefix, deviceID)
}

// Event is where the core mirrors bus events.
//
// Example: teleop/events/session/sessionStarted
func (Topics) Event(kind, name string) string {
	return fmt.Sprintf("%s/events/%s/%s", TopicPrefix, kind, name)
}

// SystemStatus carries the core's retained online/offline status and LWT.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// AllDeviceHeartbeats matches every device heartbeat topic.
func (Topics) AllDeviceHeartbeats() string {
	return TopicPrefix + "/heartbeat/+"
}

// AllEvents matches every mirrored bus event.
func (Topics) AllEvents() string {
	return TopicPrefix + "/events/#"
}
