package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/lucas-schuermann/pcisph-wasm/protocol"
)

// Upgrader is shared by servers accepting websocket links.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsStream sends one protocol frame per binary websocket message.
type wsStream struct {
	conn    *websocket.Conn
	sending sync.Mutex
}

func NewWebSocketStream(conn *websocket.Conn) Stream {
	return &wsStream{conn: conn}
}

// DialWebSocket opens a websocket link to url, e.g. "ws://127.0.0.1:8080/remote".
func DialWebSocket(ctx context.Context, url string) (Stream, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWebSocketStream(conn), nil
}

func (s *wsStream) ReadFrame() (*protocol.Header, []byte, error) {
	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, nil, err
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		return protocol.Decode(bytes.NewReader(data))
	}
}

func (s *wsStream) WriteFrame(h *protocol.Header, body []byte) error {
	var buf bytes.Buffer
	buf.Grow(protocol.HeaderSize + len(body))
	if err := protocol.Encode(&buf, h, body); err != nil {
		return err
	}
	s.sending.Lock()
	defer s.sending.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, buf.Bytes())
}

func (s *wsStream) Close() error {
	s.sending.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.sending.Unlock()
	return s.conn.Close()
}
