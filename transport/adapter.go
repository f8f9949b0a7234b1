package transport

import "errors"

// ErrIOPending is returned by Socket.Read and Socket.Write when the
// operation did not finish synchronously. The done callback passed to the
// call fires later, on the transport's runner, with the real result.
var ErrIOPending = errors.New("io pending")

// ErrPeerClosed stands in for a read or write that moved zero bytes
// without reporting an error. Zero bytes is never "nothing happened, try
// again": on a read it means the peer closed the stream, on a write it
// means the socket can no longer make progress. Both are socket errors.
var ErrPeerClosed = errors.New("peer closed connection")

// ErrSendFailed is delivered to write callbacks that could not complete:
// the message was rejected, or the channel failed before it was written.
var ErrSendFailed = errors.New("cast message send failed")

// ErrChannelClosed is delivered to write callbacks flushed by Close and to
// sends attempted after the channel failed or closed.
var ErrChannelClosed = errors.New("cast channel closed")

// Socket is the non-blocking byte stream a Transport runs against.
// The transport never assumes TLS; that is a layer wrapped around the raw
// socket by whoever creates it.
//
// Both calls either complete synchronously, returning (n, nil) or (0, err),
// or return (0, ErrIOPending) and later invoke done exactly once, as a task
// on the transport's runner. done is never invoked for a synchronous
// result. At most one Read and one Write are outstanding at a time.
type Socket interface {
	// Read reads at most len(buf) bytes into buf.
	Read(buf []byte, done func(n int, err error)) (int, error)

	// Write writes a prefix of buf and reports how many bytes went out.
	Write(buf []byte, done func(n int, err error)) (int, error)
}
