// Package server implements the relay's WebSocket and HTTP surface.
//
// The Hub is the event router: it owns the identity registry and the message
// log, applies join, rename, post, readReceipt and disconnect events one at a
// time, and fans the resulting pushes out to every connected client. Clients
// run a read pump that decodes and rate limits frames and a write pump that
// drains a bounded send buffer. Configuration, origin checks, routing and the
// supervised HTTP service live in their own files.
package server
