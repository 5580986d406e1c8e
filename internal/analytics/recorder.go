package analytics

import (
	"strconv"
	"time"

	"github.com/nerrad567/teleop-core/internal/device"
	"github.com/nerrad567/teleop-core/internal/events"
)

// Measurement names.
const (
	MeasurementCommand      = "command_usage"
	MeasurementSession      = "session_usage"
	MeasurementDeviceStatus = "device_status"
)

// PointWriter queues a single time series point.
type PointWriter interface {
	WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, ts time.Time)
}

// Recorder writes usage points for bus events.
type Recorder struct {
	writer PointWriter
}

// NewRecorder creates a Recorder writing to w.
func NewRecorder(w PointWriter) *Recorder {
	return &Recorder{writer: w}
}

// Attach subscribes the recorder to every event on bus.
func (r *Recorder) Attach(bus *events.Bus) events.Unsubscribe {
	return bus.SubscribeAll(r.Handle)
}

// Handle writes the point for e, if any. Events without a usage
// dimension are ignored.
func (r *Recorder) Handle(e events.Event) {
	switch p := e.Payload.(type) {
	case events.CommandPayload:
		r.command(e, p)
	case events.SessionPayload:
		if e.Name == events.SessionEnded {
			r.session(e, p)
		}
	case events.DevicePayload:
		if e.Name == events.DeviceStatusChanged {
			r.status(e, p)
		}
	}
}

func (r *Recorder) command(e events.Event, p events.CommandPayload) {
	tags := map[string]string{
		"device_id":     p.DeviceID,
		"capability_id": p.CapabilityID,
		"success":       strconv.FormatBool(p.Success),
	}
	if p.Late {
		tags["late"] = "true"
	}
	r.writer.WritePointWithTime(MeasurementCommand, tags, map[string]any{
		"cost":       p.Cost,
		"latency_ms": float64(p.ExecutionTime) / float64(time.Millisecond),
	}, e.Timestamp)
}

func (r *Recorder) session(e events.Event, p events.SessionPayload) {
	r.writer.WritePointWithTime(MeasurementSession, map[string]string{
		"device_id": p.DeviceID,
		"status":    p.Status,
		"currency":  p.Currency,
	}, map[string]any{
		"total_cost": p.TotalCost,
		"commands":   p.Commands,
		"duration_s": p.Duration.Seconds(),
	}, e.Timestamp)
}

func (r *Recorder) status(e events.Event, p events.DevicePayload) {
	online := p.Status == string(device.StatusOnline) || p.Status == string(device.StatusBusy)
	r.writer.WritePointWithTime(MeasurementDeviceStatus, map[string]string{
		"device_id": p.DeviceID,
		"status":    p.Status,
	}, map[string]any{
		"online": online,
	}, e.Timestamp)
}
