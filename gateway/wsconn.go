package gateway

import (
	"github.com/gorilla/websocket"
)

// wsConn adapts a gorilla websocket connection to the socket.Conn transport
// interface. Frames travel as text messages; the socket serializes writes.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsConn) WriteMessage(data []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}
