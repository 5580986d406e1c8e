// Package influxdb writes usage time series to InfluxDB v2.
//
// It wraps influxdb-client-go v2 with connection checks, a non-blocking
// batched write API and an error callback for failed batches. The
// analytics package is its only writer:
//
//	measurement       tags                                  fields
//	command_usage     device_id, capability_id, success     cost, latency_ms, overage_ms
//	session_usage     device_id, status, currency           total_cost, commands, duration_s
//	device_status     device_id, status                     online
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.SetOnError(func(err error) { logger.Warn("influx write failed", "error", err) })
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes after Close are dropped.
package influxdb
