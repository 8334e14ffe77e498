// Package api is the client surface of pairchat: a gin router serving the
// REST endpoints, the phone login flow and the /ws WebSocket that streams
// messages to connected clients.
//
// Every /api route except the login endpoints requires a bearer JWT. The
// WebSocket accepts the token either as a header or as the token query
// parameter, expects a hello frame declaring the client's cursors, replays
// the backlog and then streams live messages until either side closes.
package api
