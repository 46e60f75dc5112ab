// Package api serves the bench UI: a REST API over the run controller and a
// WebSocket stream of run and channel events.
//
// Routes live under /api/v1. Reads are open; routes that drive the relay
// board (start, pause, resume, abort, acknowledge) require an operator
// bearer token whenever security.jwt.secret is set. Errors use the
// structured {status, code, message} body. Every run command, applied or
// rejected, is appended to the audit trail served at /api/v1/audit.
//
// WebSocket clients subscribe to the "run" and "channel" channels:
//
//	{"type":"subscribe","payload":{"channels":["run","channel"]}}
//
// and then receive {"type":"event","event_type":"run", ...} messages whose
// payload is a run.Event.
package api
