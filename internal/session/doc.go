// Package session holds the connection state of the single messaging account
// served by the gateway.
//
// A State is written only by the lifecycle controller, one event at a time,
// and read everywhere else through immutable Snapshot copies. The Apply
// methods keep three facts consistent:
//
//   - the phase is ready exactly when an identity is known
//   - an identity and a pairing artifact are never held together
//   - a pairing artifact is offered only while the phase is awaiting_pairing
//
// After an auth failure the last artifact may linger in the State, but
// Snapshot never exposes it.
package session
