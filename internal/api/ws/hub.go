package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/your-org/checkpoint/internal/observability"
	"github.com/your-org/checkpoint/internal/queue"
	"github.com/your-org/checkpoint/pkg/dto"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client represents a connected WebSocket client.
type Client struct {
	conn       *websocket.Conn
	send       chan []byte
	identityID string // optional filter
}

type message struct {
	data       []byte
	identityID string
}

// Hub maintains active WebSocket clients and broadcasts ledger and review
// changes to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger.With("component", "ws"),
	}
}

// Run is the hub event loop; it returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			observability.WSConnections.Inc()
			h.logger.Debug("ws client connected", "filter", client.identityID)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				observability.WSConnections.Dec()
			}
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected")

		case msg := <-h.broadcast:
			var slow []*Client
			h.mu.RLock()
			for client := range h.clients {
				if client.identityID != "" && msg.identityID != "" && client.identityID != msg.identityID {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()

			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
						observability.WSConnections.Dec()
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends an event to every client whose filter matches.
func (h *Hub) Broadcast(event *dto.WSEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("marshal ws event", "error", err)
		return
	}
	msg := message{data: data}
	if event.IdentityID != nil {
		msg.identityID = event.IdentityID.String()
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws broadcast buffer full, event dropped", "type", event.Type)
	}
}

// HandleNotification is a queue.NotificationHandler feeding the hub from the
// LEDGER stream.
func (h *Hub) HandleNotification(ctx context.Context, n queue.Notification) error {
	h.Broadcast(EventFor(n))
	return nil
}

// EventFor converts a stream notification into its client payload.
func EventFor(n queue.Notification) *dto.WSEvent {
	evt := &dto.WSEvent{Type: string(n.Kind)}
	switch {
	case n.Change != nil:
		ev := dto.NewEventResponse(n.Change.Event)
		audit := dto.NewAuditResponse(n.Change.Audit)
		id := n.Change.Event.IdentityID
		evt.Type = "attendance." + string(n.Change.Action)
		evt.IdentityID = &id
		evt.Event = &ev
		evt.Audit = &audit
	case n.Pending != nil:
		rec := dto.NewPendingResponse(*n.Pending)
		evt.Type = "pending." + string(n.Pending.Status)
		evt.Pending = &rec
	}
	return evt
}

// HandleWS handles WebSocket upgrade requests. ?identity_id= limits the
// ledger events a client receives; review updates go to everyone.
func (h *Hub) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "error", err)
		return
	}

	client := &Client{
		conn:       conn,
		send:       make(chan []byte, 64),
		identityID: c.Query("identity_id"),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(h)
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
