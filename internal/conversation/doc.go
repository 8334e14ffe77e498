// Package conversation is the single entry point client surfaces call.
//
// # Overview
//
// The conversation package sits between the HTTP/WebSocket handlers and the
// registry, store and delivery router. Handlers never touch those directly.
//
// # Send
//
// Key principle: record first, then deliver. Send returns once the message
// is durable and has its sequence number; fanout to the recipient happens
// afterwards on the delivery router and its problems never reach the
// sender.
//
//  1. Validate body and idempotency token
//  2. Resolve or create the pair's conversation
//  3. Short-circuit a token already seen recently (dedupe cache)
//  4. Append under retry; the store itself also honours the token
//  5. Advance the sender's watermark to the new seq
//  6. Dispatch for fanout
//
// A retried Send with the same token returns the originally stored message
// and does not fan out a second time.
//
// # Reading
//
// LoadThread pages history for participants only. Ack moves the reader's
// watermark and marks received messages read.
package conversation
