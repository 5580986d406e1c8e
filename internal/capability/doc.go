// Package capability describes the operations a device exposes and the typed
// parameters each operation accepts.
//
// A Capability is declared by the device owner at registration time. It is
// immutable once the device is registered: replacing it goes through the
// registry's update path, never in-place mutation.
//
// # Parameter Validation
//
// ValidateParameters checks a caller-supplied parameter map against the
// declared definitions and reports every violation at once:
//
//	params, err := capability.ValidateParameters(cap, map[string]any{"x": 5})
//	var perr *capability.ParameterError
//	if errors.As(err, &perr) {
//	    for _, v := range perr.Violations {
//	        log.Println(v)
//	    }
//	}
//
// The returned map has defaults applied for optional parameters the caller
// omitted. Parameters the capability does not declare are passed through.
//
// # Thread Safety
//
// Capability values carry no internal state. Compiled pattern regexes are
// cached in a package-level sync.Map, safe for concurrent use.
package capability
