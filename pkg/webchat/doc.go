// Package webchat serves a chat session over HTTP and websockets.
//
// Routes:
//   - GET  /api/session, /api/history
//   - POST /api/open, /api/messages, /api/reset, /api/voice, /api/speak
//   - GET  /ws streams a hello frame with the history, then one frame per
//     session event read from the event bus.
//
// Build a Router around a SessionService and a StreamHub, then run it with
// Server.Run, which also drives the hub and shuts down on SIGINT/SIGTERM.
package webchat
