// Package command executes capability invocations inside control sessions.
//
// The Dispatcher is the only writer of a session's command ledger:
//
//	Request ──▶ active session? ──▶ declared capability? ──▶ parameters and safety valid?
//	                 │ no                  │ no                    │ no
//	                 ▼                     ▼                       ▼
//	          ErrInvalidSession     capability.ErrNotFound   ledger: failed, cost 0
//	                                                         *capability.ParameterError
//	                                                               │ yes
//	                                                               ▼
//	                                            transport.Execute (timed)
//	                                                               │
//	                                                               ▼
//	                                    ledger: success → cost, failure → cost 0
//	                                    event:  commandExecuted / commandFailed
//
// Safety limits (Config.Safety) cap speed and force and fence coordinate
// parameters for every command; a breach is rejected like any other
// parameter violation.
//
// EmergencyStop bypasses all of the above: it sends emergency_stop to the
// device and terminates the session whatever the device answers.
//
// Transport failures never surface as errors: they are recorded as failed
// commands so one flaky command cannot end a session.
//
// # Cost
//
// A successful command costs the device's capability rate (or the
// capability's own CostPerExecution) plus an overage charge per second of
// measured time beyond ExecutionTimeMs. The overage rate comes from the
// device pricing, falling back to Config.DefaultOverageRate.
package command
