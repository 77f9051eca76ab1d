package broadcast

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Any origin is accepted; the router mounts GET /realtime without
	// auth middleware, so the handshake is not gated.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait = 10 * time.Second
	pongWait  = pingInterval + 10*time.Second
)

// control is an inbound frame from a subscriber.
type control struct {
	Type      string    `json:"type"`
	Channels  []string  `json:"channels,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ServeWebSocket upgrades r, attaches a Session to the hub, and runs its
// read/write pumps until the connection closes. It blocks until the
// session ends, so callers should invoke it from the HTTP handler
// goroutine directly.
func (h *Hub) ServeWebSocket(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sess := h.Attach()
	defer h.Detach(sess)

	done := make(chan struct{})
	go h.writePump(conn, sess, done)
	h.readPump(conn, sess)
	close(done)
	return nil
}

func (h *Hub) readPump(conn *websocket.Conn, sess *Session) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		h.Pong(sess)
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.dispatchControl(sess, raw)
	}
}

func (h *Hub) dispatchControl(sess *Session, raw []byte) {
	var msg control
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.Diagnostic(sess, "malformed control message")
		return
	}
	switch msg.Type {
	case "subscribe":
		h.Subscribe(sess, msg.Channels)
	case "ping":
		h.Pong(sess)
		h.deliver(sess, Frame{Type: FramePong, Timestamp: time.Now()})
	case "pause":
		h.Pause(sess, msg.Timestamp)
	case "resume":
		h.Resume(sess)
	default:
		h.Diagnostic(sess, "unknown message type: "+msg.Type)
	}
}

func (h *Hub) writePump(conn *websocket.Conn, sess *Session, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-sess.Closed():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame, ok := <-sess.Send():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Printf("broadcast: write to session %s: %v", sess.ID, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
