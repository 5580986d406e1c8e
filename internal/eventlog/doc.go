// Package eventlog persists bus events to SQLite so external consumers can
// replay what happened to devices, registrations and sessions.
//
//	events.Bus ──SubscribeAll──▶ Sink.Handle ──chan──▶ Sink.Run ──▶ event_log
//	                                                      │
//	                                                      └─ sessionEnded ──▶ session_ledger
//
// Handle never blocks the publisher: when the buffer is full the event is
// dropped and counted. Run writes serially, matching SQLite's single
// writer, and drains the buffer on shutdown.
package eventlog
