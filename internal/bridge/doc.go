// Package bridge manages the lifecycle of an external language tool
// speaking the LSP base protocol over stdio.
//
// The package is layered bottom up:
//
//   - Message and the frame codec handle the Content-Length wire format
//     and JSON-RPC message classification.
//   - Transport frames messages over one process's byte streams with a
//     serialized writer.
//   - Router pumps frames, matches responses to pending callers by id,
//     and dispatches inbound requests and notifications to handlers in
//     arrival order.
//   - Session drives one process through its lifecycle: spawn,
//     initialize handshake, steady-state traffic, graceful shutdown.
//     Sessions are single use; a restart builds a new one.
//   - Supervisor owns the current session, respawns after crashes with
//     bounded exponential backoff, and serves explicit restarts
//     idempotently.
//   - ConfigSync keeps the tool's configuration view aligned with the
//     editor-side settings store.
//
// Everything above the codec takes an injected *slog.Logger; nothing
// writes to process-global state.
package bridge
