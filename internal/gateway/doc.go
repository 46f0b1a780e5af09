// Package gateway orchestrates the wa-gateway server components.
//
// # Overview
//
// The gateway owns one messaging session and everything that exposes it:
// the transport, the lifecycle controller, the dispatcher and bulk
// coordinator, the HTTP API and the optional gRPC health endpoint.
//
//	transport --events--> lifecycle.Controller --snapshots--> HTTP handlers
//	                                  |
//	HTTP /send, /send-bulk --> dispatch.Dispatcher --> transport.Send
//
// # HTTP API
//
//	GET  /              API name, version and endpoint list
//	GET  /status        session phase and account info
//	GET  /qr            pairing artifact as JSON, or ?format=png
//	POST /send          send one message
//	POST /send-bulk     send a paced batch
//	POST /logout        close the session
//	GET  /events        server-sent session changes
//	GET  /ws            the same feed over a WebSocket
//	GET  /docs          rendered API reference
//	GET  /health        liveness
//	GET  /health/ready  readiness (session ready)
//
// Send endpoints honour an Idempotency-Key header: a repeated key replays
// the recorded response, a key still in flight gets 409.
//
// # Lifecycle
//
// Run starts the transport, feeds its events to the controller, then serves
// HTTP (and gRPC when configured) on TCP or tailscale listeners until the
// context is cancelled. Shutdown closes the event streams first so that
// HTTP shutdown is not held open by long-lived clients, then stops the
// servers and closes the transport.
package gateway
