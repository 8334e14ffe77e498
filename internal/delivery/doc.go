// Package delivery routes accepted messages to their recipients.
//
// A message is durable before the router ever sees it, so nothing here can
// lose a message: a recipient that misses live delivery gets it through
// replay on their next connect. The router only decides, per recipient,
// whether a live session took the message (delivered) or it waits in the
// store (queued, plus a push notification).
//
// # Ordering
//
// Dispatch hashes the conversation ID onto one of Workers queues, so fanout
// for a conversation happens in sequence order while different
// conversations proceed in parallel. If a shard's queue is full the message
// is fanned out on its own goroutine rather than blocking the sender; the
// recipient sees a seq gap in that rare case and reconciles through the
// message history.
package delivery
