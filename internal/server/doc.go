// Package server assembles pairchat from its configuration and runs it.
//
// New builds every component in dependency order: the SQLite store, the
// profile directory (optionally behind a Redis cache), the conversation
// registry, the session manager, the push notifier, the delivery router,
// the conversation service and the HTTP API. Run serves HTTP and the gRPC
// health service until the context is canceled, then Shutdown stops the
// listeners and closes components in reverse order.
package server
