// Package push implements the push collaborator. The delivery router calls
// Notify for every recipient that had no live session; an external worker
// consumes the exchange and talks to the platform push services.
package push
