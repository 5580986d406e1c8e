// Package device provides the Device Registry for teleop-core.
//
// The Device Registry is the catalogue of every remotely controllable device:
// robot arms, drones, cameras and IoT actuators offered to third-party
// operators. It owns the registration workflow, verification and trust
// scoring, per-owner limits, capability templates, and the live status of
// each device.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────────────┐
//	│                           Device Registry                            │
//	│                                                                      │
//	│  ┌──────────────────┐   ┌──────────────────┐   ┌──────────────────┐  │
//	│  │  Registrations   │   │     Devices      │   │    Templates     │  │
//	│  │  (registry.go)   │──▶│  (registry.go)   │◀──│  (templates.go)  │  │
//	│  │                  │   │                  │   │                  │  │
//	│  │ • submit/approve │   │ • queries/filter │   │ • default bundles│  │
//	│  │ • reject         │   │ • verify/trust   │   │ • capability     │  │
//	│  │ • owner limits   │   │ • status/heartbt │   │   merge by id    │  │
//	│  └──────────────────┘   └──────────────────┘   └──────────────────┘  │
//	│            │                     │                                   │
//	└────────────│─────────────────────│───────────────────────────────────┘
//	             ▼                     ▼
//	     ┌───────────────┐    ┌──────────────────┐
//	     │   Event Bus   │    │ Session Manager  │
//	     │ (registration │    │ (status changes, │
//	     │  & device ev.)│    │  unregistration) │
//	     └───────────────┘    └──────────────────┘
//
// # Registration Lifecycle
//
//	submitted ──▶ under_review ──▶ approved ──▶ Device (status offline, trust 50)
//	                    │
//	                    └────────▶ rejected (retained for audit)
//
// With Config.AutoApproval the registration is approved by reviewer "system"
// inside Submit.
//
// # Usage
//
//	bus := events.NewBus()
//	reg := device.NewRegistry(device.DefaultConfig(), bus)
//	reg.SetLogger(log)
//
//	regID, err := reg.Submit(device.Registration{
//	    DeviceInfo:     info,
//	    OwnerSignature: sig,
//	})
//	var verr *device.ValidationError
//	if errors.As(err, &verr) {
//	    // verr.Violations lists every problem, not just the first
//	}
//
//	deviceID, err := reg.Approve(regID, "ops@example.com")
//
// # Status Ownership
//
// Device status is written only through SetStatus, which the Session Manager
// calls while holding its per-device lock. Update never touches status. This
// keeps "status is busy iff an active session exists" a single-writer rule.
//
// # Thread Safety
//
// The Registry is safe for concurrent use. One read-write mutex guards all
// maps, every read returns a deep copy, and events are published after the
// lock is released so subscribers may call back into the registry.
package device
