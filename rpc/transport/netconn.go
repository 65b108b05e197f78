package transport

import (
	"encoding/json"
	"net"
	"sync"

	"github.com/kryptco/transparent-rpc/rpc/wire"
)

// netConnTransport frames messages as consecutive JSON values on a
// net.Conn, the way krd's daemon/client dials a unix socket and decodes
// one http.Response at a time -- generalized here from one request/reply
// per dial to a long-lived decode loop over a persistent connection,
// since the engine needs one full-duplex stream per endpoint pair rather
// than one dial per call.
type netConnTransport struct {
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder

	sendMu sync.Mutex
}

// NewNetConn wraps conn as a Transport. Both sides of the connection must
// use NewNetConn (or an equivalent newline-delimited-JSON codec).
func NewNetConn(conn net.Conn) Transport {
	return &netConnTransport{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}
}

func (t *netConnTransport) Send(msg wire.Message) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	return t.enc.Encode(msg)
}

func (t *netConnTransport) Recv() (wire.Message, error) {
	var msg wire.Message
	if err := t.dec.Decode(&msg); err != nil {
		return wire.Message{}, err
	}
	return msg, nil
}

func (t *netConnTransport) Close() error {
	return t.conn.Close()
}
