// Package session manages live client connections.
//
// # Lifecycle
//
// A session moves Connecting -> Authenticated -> Active -> Closed. Open
// validates the credential; Activate registers the session for live
// delivery, replays the backlog and then goes Active. Closed is terminal
// and can be reached from any state.
//
// # Backlog before live
//
// The session is registered before replay starts, so nothing fanned out
// during replay is missed. Such live messages are held in a bounded pending
// buffer. After every declared conversation is replayed the client gets a
// "ready" frame, then the pending messages it has not already seen, and
// only then does live delivery go straight to the outbound queue. Within a
// conversation a client therefore always sees seq in increasing order.
//
// # Backpressure
//
// Live delivery never blocks: a full outbound queue (or a full pending
// buffer) drops the message for that session and the delivery router treats
// the recipient as offline. The message stays in the store and comes back
// through replay on the next connect.
//
// The outbound channel is never closed. Writers select on Done.
package session
