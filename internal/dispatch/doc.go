// Package dispatch sends outbound text messages through the session's
// transport.
//
// Dispatcher handles one message: it refuses to send unless the session is
// ready, rejects empty recipients or bodies, normalizes the recipient and
// makes exactly one transport call. Transport errors come back inside the
// Outcome rather than as an error, so callers only branch on the two
// precondition errors.
//
// Coordinator handles batches. Items go out strictly in input order with a
// pacing delay between attempts, and every item gets its own Outcome
// regardless of what happened to its neighbours. Only one batch runs at a
// time; single sends may slip in between batch items.
package dispatch
