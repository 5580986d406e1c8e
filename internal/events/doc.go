// Package events provides the in-process Event Bus that carries device,
// registration, session and command lifecycle notifications.
//
// A Bus is an ordinary value owned by whoever builds the system (normally
// cmd/teleopd) and injected into the registry, session manager and command
// dispatcher. There is no package-level listener registry.
//
// # Subscriptions
//
// Subscribers are keyed by (Kind, entityID):
//
//	unsub := bus.Subscribe(events.KindSession, sessionID, func(e events.Event) {
//	    log.Printf("%s %s", e.Name, e.EntityID)
//	})
//	defer unsub()
//
// Sinks that want everything (WebSocket hub, event log, metrics) use
// SubscribeAll. The returned Unsubscribe func is idempotent.
//
// # Delivery
//
// Publish delivers synchronously on the caller's goroutine: first to the
// entity's subscribers, then to SubscribeAll subscribers, each group in
// subscription order. A panicking handler is recovered and logged; the
// remaining handlers still run. Handlers must not block for long since they
// run inside the publisher's call path.
package events
