package stream

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait          = 10 * time.Second
	pingInterval       = 30 * time.Second
	pongWaitMultiplier = 2
	maxMessageBytes    = 512 // keep-alives only; the server never expects a large inbound frame
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The upgrader accepts any origin. Player auth and rate-limit middleware
	// run before this handler is reached; no middleware rejects a request by
	// its Origin header (the CORS middleware only sets response headers).
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve upgrades r to a WebSocket connection, registers a Client with hub
// under runID/playerID, and runs its reader and writer loops until the
// connection closes. The server sends envelope messages; the client may send
// keep-alive frames, which are read and discarded.
func Serve(hub *Hub, w http.ResponseWriter, r *http.Request, runID, playerID uuid.UUID) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(runID, playerID)
	hub.Subscribe(client)

	waitDuration := pongWaitMultiplier * pingInterval

	conn.SetReadLimit(maxMessageBytes)

	if err := conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
		hub.Unsubscribe(client)

		return conn.Close()
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	go readLoop(conn, hub, client, waitDuration)
	writeLoop(conn, hub, client)

	return nil
}

// readLoop discards every inbound frame after extending the read deadline;
// its only job is detecting that the client is still alive and noticing
// close/timeout so the client can be evicted.
func readLoop(conn *websocket.Conn, hub *Hub, client *Client, waitDuration time.Duration) {
	defer func() {
		hub.Unsubscribe(client)
		_ = conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}

		if err := conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
			return
		}
	}
}

// writeLoop drains client.send and writes each envelope as a text frame,
// interleaved with a periodic ping that keeps the read deadline on the other
// side alive. Returns (and closes the connection) once send is closed by
// Hub.Unsubscribe or a write fails.
func writeLoop(conn *websocket.Conn, hub *Hub, client *Client) {
	pingTicker := time.NewTicker(pingInterval)
	defer func() {
		pingTicker.Stop()
		hub.Unsubscribe(client)
		_ = conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})

				return
			}

			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
