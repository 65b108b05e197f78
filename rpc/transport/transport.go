// Package transport defines the duplex message channel the rpc engine
// consumes, plus two concrete implementations: an in-memory pipe for
// tests and same-process peers, and a net.Conn-backed stream for real
// processes.
package transport

import "github.com/kryptco/transparent-rpc/rpc/wire"

// Transport is a bidirectional, ordered, message-boundary-preserving
// duplex channel. Recv blocks until a message arrives, the transport is
// closed (returning io.EOF), or an error occurs. Send and Recv may be
// called concurrently with each other, but the engine calls Send from a
// single goroutine and Recv from a single goroutine, so an implementation
// need only guard against that one pair running at once -- it does not
// need to support concurrent Sends from multiple callers.
type Transport interface {
	Send(msg wire.Message) error
	Recv() (wire.Message, error)
	Close() error
}
