// Package kafka forwards bus events to a Kafka topic for downstream
// billing and analytics consumers.
//
// Events are JSON-encoded (the same shape the WebSocket hub and event log
// use) and keyed by entity ID, so all events for one device or session land
// on the same partition in order.
//
//	events.Bus ──▶ Forwarder.Handle ──▶ buffer ──▶ Run ──▶ kafka.Writer
//
// Handle never blocks the publisher. When the buffer is full the event is
// dropped and counted.
//
// # Usage
//
//	fwd := kafka.NewForwarder(kafka.NewWriter(cfg.Kafka), 1024)
//	fwd.SetLogger(logger)
//	unsub := fwd.Attach(bus)
//	defer unsub()
//	go fwd.Run(ctx)
package kafka
