package websocket

import (
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// ServeWs attaches a websocket peer as a watcher of one session.
func ServeWs(hub *Hub, c *websocket.Conn, sessionID uuid.UUID) {
	client := &Client{Hub: hub, Conn: c, SessionID: sessionID, Send: make(chan []byte, 256)}
	client.Hub.register <- client

	go client.writePump()
	client.readPump() // run in the handler goroutine; returning closes the conn
}
