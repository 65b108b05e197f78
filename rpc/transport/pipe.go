package transport

import (
	"errors"
	"io"
	"sync"

	"github.com/kryptco/transparent-rpc/rpc/wire"
)

// pipeTransport is an in-memory Transport, grounded on krd's
// ResponseTransport/transport_mock_pair.go mock-transport test doubles:
// two ends wired together by channels instead of a real socket, FIFO
// ordered and safe for one reader/one writer per end.
type pipeTransport struct {
	out      chan wire.Message
	in       <-chan wire.Message
	closeOut func()

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPipe returns two Transports, each end's Send feeding the other end's
// Recv, suitable for wiring two Endpoints together in a single process.
func NewPipe(bufferSize int) (a, b Transport) {
	ab := make(chan wire.Message, bufferSize)
	ba := make(chan wire.Message, bufferSize)

	pa := &pipeTransport{out: ab, in: ba, closed: make(chan struct{})}
	pb := &pipeTransport{out: ba, in: ab, closed: make(chan struct{})}
	pa.closeOut = func() { closeQuietly(ab) }
	pb.closeOut = func() { closeQuietly(ba) }
	return pa, pb
}

func closeQuietly(ch chan wire.Message) {
	defer func() { recover() }()
	close(ch)
}

var errPipeClosed = errors.New("rpc: pipe transport closed")

func (p *pipeTransport) Send(msg wire.Message) error {
	select {
	case <-p.closed:
		return errPipeClosed
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.closed:
		return errPipeClosed
	}
}

func (p *pipeTransport) Recv() (wire.Message, error) {
	select {
	case msg, ok := <-p.in:
		if !ok {
			return wire.Message{}, io.EOF
		}
		return msg, nil
	case <-p.closed:
		return wire.Message{}, io.EOF
	}
}

func (p *pipeTransport) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.closeOut()
	})
	return nil
}
