// Package executor defines how kiln talks to the remote executors that
// actually produce artifacts. An executor receives commands (generate, apply,
// produce, cancel) and reports back asynchronously through signals; kiln never
// inspects its internals.
//
// Two transports are provided: HTTPExecutor posts commands to a web endpoint
// that calls back over kiln's HTTP API, and SocketExecutor speaks a framed
// JSON protocol over unix, tcp or vsock sockets and streams signals back on
// the same connection.
package executor
