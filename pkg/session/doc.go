// Package session implements the session manager: the top-level owner of
// the session table that wires the durable store, kernel lifecycle, I/O
// multiplexer, execution scheduler and finalizer together, performs
// startup recovery and zombie reconciliation, and exposes every client
// operation (start/stop/restart/interrupt session, submit, cancel,
// submit_input, task_status, detect_sync, resync, list_sessions).
package session
