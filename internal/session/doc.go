// Package session manages exclusive, billed control sessions on devices.
//
// Each device moves through Idle → Active → Terminal:
//
//	              Start                      End / Cancel
//	 ┌──────┐ ───────────▶ ┌────────┐ ─────────────────────▶ ┌───────────┐
//	 │ Idle │              │ Active │                        │ completed │
//	 │online│ ◀─────────── │  busy  │                        │ failed    │
//	 └──────┘   released   └────────┘                        │ cancelled │
//	                            │ RecordCommand              └───────────┘
//	                            ▼
//	                       command ledger (totalCost = Σ successful costs)
//
// The Manager is also the transport Observer: connection lifecycle events
// move idle devices between online, offline and error.
//
// # Usage
//
//	mgr := session.NewManager(session.Config{}, registry, router, settler, bus)
//	router.SetObserver(mgr)
//
//	if err := mgr.Attach(ctx, deviceID); err != nil {
//	    return err
//	}
//	s, err := mgr.Start(ctx, deviceID, userID)
//	...
//	s, err = mgr.End(ctx, s.ID, "operator finished")
//	var se *session.SettlementError
//	if errors.As(err, &se) {
//	    // session is failed, device is online again
//	}
//
// # Thread Safety
//
// All methods are safe for concurrent use. Start, End, Cancel, Unregister
// and lifecycle status changes are serialised per device; ledger appends
// are serialised per session. Returned sessions are deep copies.
package session
