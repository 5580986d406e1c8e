package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WritePoint queues a point stamped now.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime queues a point with an explicit timestamp.
//
// The write is non-blocking; the point is batched and sent on the next
// flush. Failures surface through the SetOnError callback. Points written
// after Close are dropped.
//
// Parameters:
//   - measurement: Measurement name (e.g. "command_usage")
//   - tags: Indexed tags such as device_id and capability
//   - fields: Field values
//   - ts: Point timestamp
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}
