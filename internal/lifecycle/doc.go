// Package lifecycle turns the transport's asynchronous lifecycle events into
// session state.
//
// A Controller is the only writer of a session.State. Its Run loop applies
// events in arrival order with no retries of its own; reconnecting is left to
// the transport. Every applied event is published as a Change so stream
// endpoints and health checks can follow the session without polling.
//
//	pairing_issued  any phase      -> awaiting_pairing (artifact stored)
//	authenticated   any phase      -> authenticated
//	ready           any phase      -> ready (identity stored)
//	disconnected    any phase      -> disconnected
//	auth_failure    any phase      -> auth_failed
package lifecycle
