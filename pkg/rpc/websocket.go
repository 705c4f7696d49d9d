package rpc

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/cuemby/notebookd/pkg/log"
	"github.com/gorilla/websocket"
)

// writeWait bounds how long a single WebSocket frame write may block before
// the connection is considered dead.
const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser-hosted editor clients originate from whatever host served
	// the page; the bearer token, not origin, is this surface's access
	// control.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketHandler upgrades HTTP connections to the WebSocket JSON-RPC
// surface. Each connection shares the same dispatcher and per-connection
// subscription bookkeeping as the stdio transport.
type WebSocketHandler struct {
	dispatcher   *Dispatcher
	sessionToken string
}

// NewWebSocketHandler builds a handler bound to a dispatcher. sessionToken
// is the configured SESSION_TOKEN secret; an empty token disables the
// bearer-token check entirely (local/dev use).
func NewWebSocketHandler(dispatcher *Dispatcher, sessionToken string) *WebSocketHandler {
	return &WebSocketHandler{dispatcher: dispatcher, sessionToken: sessionToken}
}

// ServeHTTP implements http.Handler, upgrading the request and serving
// JSON-RPC frames over the resulting connection until it closes.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.sessionToken != "" {
		provided := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(h.sessionToken)) != 1 {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid session token")
			_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait))
			_ = conn.Close()
			return
		}
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed: " + err.Error())
		return
	}

	connOpened()
	defer connClosed()

	conn := newConnection(h.dispatcher, &wsWriter{conn: wsConn})
	defer conn.close()
	defer wsConn.Close()

	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			return
		}
		conn.handleLine(data)
	}
}

// wsWriter adapts a gorilla/websocket connection to the io.Writer the
// shared connection type expects, framing every write as one text message
// so the connection abstraction stays transport-agnostic between stdio and
// WebSocket.
type wsWriter struct {
	conn *websocket.Conn
}

func (w *wsWriter) Write(b []byte) (int, error) {
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return 0, err
	}
	// connection.write appends a trailing newline for the stdio framing;
	// trim it here since one WebSocket text message is already one frame.
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	if err := w.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}
