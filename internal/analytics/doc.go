// Package analytics turns bus events into usage time series.
//
// A Recorder subscribes to the event bus and writes one point per command
// outcome, ended session and device status change. The writer is usually
// an *influxdb.Client; anything with WritePointWithTime works.
//
//	events.Bus ──▶ Recorder ──▶ PointWriter (InfluxDB)
//
// Recording never blocks the publisher on the network: the InfluxDB
// client batches writes asynchronously.
package analytics
