// Package transport carries commands from the core to physical devices.
//
// Three adapter families share one interface:
//
//	                    ┌───────────────┐
//	Dispatcher ───────► │    Router     │ protocol → Adapter
//	                    └──────┬────────┘
//	        ┌──────────────────┼──────────────────┐
//	        ▼                  ▼                  ▼
//	  HTTPAdapter      WebSocketAdapter      MQTTAdapter        Unimplemented
//	  (synchronous)    (async correlated)    (async correlated) (fallback)
//	                         │                  │
//	                         └──── Correlator ──┘
//	                       command_id → Pending
//
// Synchronous adapters return the device's answer from Execute directly.
// Async adapters send the command over a persistent link, register a
// Pending in the Correlator and wait for the device's command_response.
// The wait ends on the response, on the execution budget plus a response
// buffer, or when the caller's context is done. The Pending is deregistered
// on every one of those paths.
//
// Persistent adapters also implement Connector. Link lifecycle changes and
// device-originated heartbeat/status messages are reported to an Observer
// as ConnectionEvents; the session manager is the production observer.
//
// # Device Wire Format
//
// Commands sent to devices:
//
//	{"type":"command","command_id":"...","capability":"move","parameters":{...}}
//
// Messages accepted from devices:
//
//	{"type":"heartbeat"}
//	{"type":"status_update","status":"online"}
//	{"type":"command_response","command_id":"...","result":{"success":true,"data":{...}}}
//
// # Thread Safety
//
// All adapters, the Router and the Correlator are safe for concurrent use.
package transport
