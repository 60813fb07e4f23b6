// Package dispatch runs the per-connection state machine for the
// command socket.
//
// A session moves through awaiting-auth → ready → dispatching → closed.
// The first frame on a connection must authenticate; every later frame
// is a command request. Requests are admitted against the client's rate
// bucket, resolved against the plugin registry, and invoked inside a
// capability grant scoped to the session context.
//
// Ordering:
//   - A single read loop decodes frames in arrival order.
//   - The loop blocks on the session's in-flight ceiling before handing
//     a request to a worker goroutine, so dispatch order is arrival
//     order and the socket itself is the overflow queue.
//   - Responses are written in completion order; the request id is the
//     only correlation between request and response.
//
// Failure handling:
//   - A malformed request payload gets an error response and the
//     session continues.
//   - A corrupt length prefix or oversized frame is unrecoverable: the
//     session gets a final error frame and the connection closes.
//   - Closing the session cancels its context, which revokes every
//     in-flight grant.
package dispatch
