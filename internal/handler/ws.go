package handler

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"salesfloor/proximity/internal/model"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
	readTimeout  = 60 * time.Second
)

// WSMessage is a message from a client
type WSMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EventStream is where the hub takes proximity events from
type EventStream interface {
	Subscribe(vendorID string, buffer int) (<-chan model.ProximityEvent, func())
}

// WSHub relays proximity events to foreground websocket clients
type WSHub struct {
	events EventStream
	logger *log.Logger

	mu      sync.Mutex
	clients map[*Client]struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewWSHub creates a hub over events
func NewWSHub(events EventStream, logger *log.Logger) *WSHub {
	return &WSHub{
		events:  events,
		logger:  logger.WithPrefix("ws"),
		clients: make(map[*Client]struct{}),
	}
}

// Client is one websocket connection. VendorID filters events; empty means all vendors.
type Client struct {
	ID   string
	Conn *websocket.Conn
	hub  *WSHub
	send chan []byte
	done chan struct{}
	once sync.Once

	mu          sync.Mutex
	vendorID    string
	unsubscribe func()
}

func (h *WSHub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Info("client connected", "client", c.ID, "vendor", c.vendorID, "clients", len(h.clients))
	return true
}

func (h *WSHub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.close()
	if ok {
		h.logger.Info("client disconnected", "client", c.ID, "clients", n)
	}
}

// Stop disconnects every client and waits for their goroutines
func (h *WSHub) Stop() {
	h.mu.Lock()
	h.stopped = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	h.wg.Wait()
}

// ClientCount returns the number of connected clients
func (h *WSHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *WSHub) goClient(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		c.mu.Unlock()
		c.Conn.Close()
	})
}

// subscribe replaces the client's event subscription with one for vendorID
func (c *Client) subscribe(vendorID string) {
	events, cancel := c.hub.events.Subscribe(vendorID, 64)

	c.mu.Lock()
	old := c.unsubscribe
	c.vendorID = vendorID
	c.unsubscribe = cancel
	c.mu.Unlock()

	if old != nil {
		old()
	}
	select {
	case <-c.done:
		cancel()
		return
	default:
	}
	c.hub.goClient(func() { c.forward(events) })
}

// forward relays one subscription until it is cancelled
func (c *Client) forward(events <-chan model.ProximityEvent) {
	for {
		select {
		case <-c.done:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(map[string]interface{}{
				"type": "event",
				"data": event,
			})
			if err != nil {
				c.hub.logger.Warn("failed to marshal event", "err", err)
				continue
			}
			if !c.enqueue(data) {
				c.hub.logger.Warn("client too slow, disconnecting", "client", c.ID)
				c.hub.unregister(c)
				return
			}
		}
	}
}

func (c *Client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

// ReadPump handles incoming messages from the client
func (c *Client) ReadPump() {
	defer c.hub.unregister(c)

	c.Conn.SetReadLimit(64 * 1024)
	c.Conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("read error", "client", c.ID, "err", err)
			}
			return
		}

		var wsMsg WSMessage
		if err := json.Unmarshal(message, &wsMsg); err != nil {
			continue
		}
		switch wsMsg.Type {
		case "subscribe":
			var data struct {
				VendorID string `json:"vendor_id"`
			}
			if err := json.Unmarshal(wsMsg.Data, &data); err == nil {
				c.subscribe(data.VendorID)
				c.hub.logger.Info("client subscribed", "client", c.ID, "vendor", data.VendorID)
				c.enqueue([]byte(`{"type":"subscribed"}`))
			}
		case "ping":
			c.enqueue([]byte(`{"type":"pong"}`))
		}
	}
}

// WritePump handles outgoing messages to the client
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.hub.unregister(c)
	}()

	for {
		select {
		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// WSHandler handles websocket connections
type WSHandler struct {
	hub *WSHub
}

// NewWSHandler creates a new websocket handler
func NewWSHandler(hub *WSHub) *WSHandler {
	return &WSHandler{hub: hub}
}

// HandleEvents upgrades the request and streams proximity events, optionally for ?vendor_id= only
func (h *WSHandler) HandleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.hub.logger.Warn("failed to upgrade connection", "err", err)
		return
	}

	clientID := c.Query("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	client := &Client{
		ID:       clientID,
		Conn:     conn,
		hub:      h.hub,
		send:     make(chan []byte, 256),
		done:     make(chan struct{}),
		vendorID: c.Query("vendor_id"),
	}
	if !h.hub.register(client) {
		conn.Close()
		return
	}

	welcome, _ := json.Marshal(map[string]interface{}{
		"type":      "connected",
		"message":   "Connected to proximity event stream",
		"client_id": clientID,
		"vendor_id": client.vendorID,
	})
	client.enqueue(welcome)

	client.subscribe(client.vendorID)
	h.hub.goClient(client.WritePump)
	h.hub.goClient(client.ReadPump)
}

// GetStats returns websocket hub statistics
func (h *WSHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": h.hub.ClientCount(),
	})
}
