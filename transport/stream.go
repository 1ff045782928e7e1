// Package transport carries message ports over byte streams.
//
// A Conn multiplexes any number of logical ports over one Stream. Channel 0 is the root
// port; every port that is transferred in a message gets a channel of its own, so a
// proxy handed across the link keeps working on the far side.
//
//	local port ──PostMessage──→ link peer ──frame(ch=3)──→ Stream ──→ remote Conn
//	                                                                   └─→ port for ch 3 ──→ listeners
package transport

import (
	"net"
	"sync"

	"github.com/lucas-schuermann/pcisph-wasm/protocol"
)

// Stream moves whole protocol frames. Implementations must allow one reader and any
// number of concurrent writers.
type Stream interface {
	ReadFrame() (*protocol.Header, []byte, error)
	WriteFrame(h *protocol.Header, body []byte) error
	Close() error
}

// netStream frames a net.Conn with the protocol package.
type netStream struct {
	conn    net.Conn
	sending sync.Mutex // frames from different ports must not interleave
}

func NewNetStream(conn net.Conn) Stream {
	return &netStream{conn: conn}
}

func (s *netStream) ReadFrame() (*protocol.Header, []byte, error) {
	return protocol.Decode(s.conn)
}

func (s *netStream) WriteFrame(h *protocol.Header, body []byte) error {
	s.sending.Lock()
	defer s.sending.Unlock()
	return protocol.Encode(s.conn, h, body)
}

func (s *netStream) Close() error {
	return s.conn.Close()
}
