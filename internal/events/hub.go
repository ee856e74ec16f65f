// Package events - WebSocket hub
// Streams orchestration events to connected clients in real time.
package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"forgemend/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The endpoint carries progress notifications only; no state is mutable
	// through it, so cross-origin reads are acceptable.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub maintains active client connections and fans events out to them.
// It implements Emitter: Emit never blocks, slow clients drop messages.
type Hub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan Event
	shutdown   chan struct{}
	closeOnce  sync.Once
	log        *zap.Logger
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// NewHub creates a hub. Call Run in a goroutine before serving connections.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Event, 256),
		shutdown:   make(chan struct{}),
		log:        logging.Named("events"),
	}
}

// Run is the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.shutdown:
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*client]bool)
			h.log.Info("hub shutdown complete")
			return

		case c := <-h.register:
			h.clients[c] = true

		case c := <-h.unregister:
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}

		case e := <-h.broadcast:
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					// slow client, drop the message
				}
			}
		}
	}
}

// Shutdown stops the hub and disconnects all clients.
func (h *Hub) Shutdown() {
	h.closeOnce.Do(func() { close(h.shutdown) })
}

// Emit queues an event for broadcast. Drops the event when the hub is
// saturated rather than blocking the caller.
func (h *Hub) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- e:
	default:
	}
}

// ServeWS upgrades an HTTP request to a WebSocket subscription.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	cl := &client{conn: conn, send: make(chan []byte, sendBufferSize), hub: h}
	select {
	case h.register <- cl:
	case <-h.shutdown:
		// Run has returned; nobody will ever receive the registration.
		_ = conn.Close()
		return
	}
	go cl.writePump()
	go cl.readPump()
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.shutdown:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		// Subscribers are read-only; drain and discard any input.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
