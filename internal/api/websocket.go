package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/taproom/card-agent/internal/core"
	"github.com/taproom/card-agent/internal/logging"
	"github.com/taproom/card-agent/internal/presence"
)

// EventCardStatusChanged is broadcast whenever the presence monitor reports a
// new card status.
const EventCardStatusChanged = "card-status-changed"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // loopback only
	},
}

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string          `json:"type"`              // Message type
	ID      string          `json:"id,omitempty"`      // Request ID for request/response matching
	Payload json.RawMessage `json:"payload,omitempty"` // Message payload
	Error   string          `json:"error,omitempty"`   // Error message if any
	Code    string          `json:"code,omitempty"`    // Error kind if any
}

// WSClient represents a connected WebSocket client
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub

	// done is closed when the hub drops the client; sends stop after that.
	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(h *WSHub, conn *websocket.Conn) *WSClient {
	return &WSClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
		done: make(chan struct{}),
	}
}

// close marks the client dropped. The write pump then sends a close frame and
// closes the connection, which ends the read pump.
func (c *WSClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueue queues msg for the write pump. It gives up once the client is
// dropped.
func (c *WSClient) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	case <-c.done:
	}
}

// WSHub manages all WebSocket connections and fans out status events.
type WSHub struct {
	cards      core.CardOperations
	clients    map[*WSClient]bool
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.RWMutex
	last       presence.Latest

	// onEvent, when set, runs before each hub event is handled.
	onEvent func()
}

// NewWSHub creates a new WebSocket hub serving card commands from cards.
func NewWSHub(cards core.CardOperations) *WSHub {
	return &WSHub{
		cards:      cards,
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan []byte, 32),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
}

// Run serves the hub until the process exits. A panic while handling an event
// is logged and the loop starts again with its clients intact.
func (h *WSHub) Run() {
	for {
		h.serve()
		logging.Warn(logging.CatWebSocket, "WebSocket hub restarted after panic", map[string]any{
			"clients": h.ClientCount(),
		})
	}
}

func (h *WSHub) beforeEvent() {
	if h.onEvent != nil {
		h.onEvent()
	}
}

// serve handles events until a panic is recovered.
func (h *WSHub) serve() {
	defer logging.RecoverAndLog("WebSocket hub", false)

	for {
		select {
		case client := <-h.register:
			h.beforeEvent()
			h.addClient(client)
		case client := <-h.unregister:
			h.beforeEvent()
			h.removeClient(client)
		case message := <-h.broadcast:
			h.beforeEvent()
			h.deliver(message)
		}
	}
}

// addClient registers client and replays the last status to it. The replay
// runs on the hub goroutine so no broadcast can slip in between.
func (h *WSHub) addClient(client *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client] = true
	if status, ok := h.last.Get(); ok {
		if msg, err := statusEvent(status); err == nil {
			h.sendLocked(client, msg)
		}
	}
}

func (h *WSHub) removeClient(client *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.close()
	}
}

func (h *WSHub) deliver(message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		h.sendLocked(client, message)
	}
}

// sendLocked queues message for client, dropping the client when its buffer
// is full. Caller holds mu.
func (h *WSHub) sendLocked(client *WSClient, message []byte) {
	select {
	case client.send <- message:
	default:
		logging.Warn(logging.CatWebSocket, "Dropping slow client", map[string]any{"clientId": client.id})
		delete(h.clients, client)
		client.close()
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// LastStatus returns the most recent card status.
func (h *WSHub) LastStatus() (presence.Status, bool) {
	return h.last.Get()
}

// Notify records status and broadcasts it to every client. It never blocks
// the presence monitor.
func (h *WSHub) Notify(status presence.Status) {
	h.last.Notify(status)

	msg, err := statusEvent(status)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		logging.Warn(logging.CatWebSocket, "Broadcast queue full, dropping status event", nil)
	}
}

func statusEvent(status presence.Status) ([]byte, error) {
	payload, err := json.Marshal(status)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WSMessage{Type: EventCardStatusChanged, Payload: payload})
}

// ServeWS upgrades the request and starts the client pumps. New clients
// receive the last known status as their first event.
func (h *WSHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error(logging.CatWebSocket, "WebSocket upgrade failed", map[string]any{
			"error":      err.Error(),
			"remoteAddr": r.RemoteAddr,
		})
		return
	}

	client := newWSClient(h, conn)
	logging.Info(logging.CatWebSocket, "Client connected", map[string]any{
		"clientId":   client.id,
		"remoteAddr": r.RemoteAddr,
	})

	// the hub replays the last status on register
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *WSClient) readPump() {
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket readPump", false)
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn(logging.CatWebSocket, "WebSocket unexpected close", map[string]any{
					"clientId": c.id,
					"error":    err.Error(),
				})
			} else {
				logging.Debug(logging.CatWebSocket, "Client disconnected", map[string]any{"clientId": c.id})
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", "invalid message format", core.KindInvalidInput)
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket writePump", false)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(msg WSMessage) {
	logging.Debug(logging.CatWebSocket, "Received message", map[string]any{
		"clientId": c.id,
		"type":     msg.Type,
		"id":       msg.ID,
	})

	switch msg.Type {
	case "list_readers":
		c.handleListReaders(msg.ID)
	case "read_block":
		c.handleReadBlock(msg.ID, msg.Payload)
	case "write_block":
		c.handleWriteBlock(msg.ID, msg.Payload)
	case "change_sector_keys":
		c.handleChangeSectorKeys(msg.ID, msg.Payload)
	case "status":
		c.handleStatus(msg.ID)
	case "version":
		c.sendResponse(msg.ID, "version", map[string]string{
			"version":   Version,
			"buildTime": BuildTime,
			"gitCommit": GitCommit,
		})
	case "health":
		c.handleHealth(msg.ID)
	default:
		logging.Warn(logging.CatWebSocket, "Unknown message type", map[string]any{
			"type": msg.Type,
		})
		c.sendError(msg.ID, "unknown message type: "+msg.Type, core.KindInvalidInput)
	}
}

func (c *WSClient) sendResponse(id string, msgType string, payload any) {
	payloadBytes, _ := json.Marshal(payload)
	responseBytes, _ := json.Marshal(WSMessage{
		Type:    msgType,
		ID:      id,
		Payload: payloadBytes,
	})
	c.enqueue(responseBytes)
}

func (c *WSClient) sendError(id string, errMsg string, kind core.Kind) {
	responseBytes, _ := json.Marshal(WSMessage{
		Type:  "error",
		ID:    id,
		Error: errMsg,
		Code:  string(kind),
	})
	c.enqueue(responseBytes)
}

func (c *WSClient) sendCardError(id string, err error) {
	c.sendError(id, err.Error(), core.KindOf(err))
}

// decode unmarshals a request payload, answering with an error on failure.
func (c *WSClient) decode(id string, payload json.RawMessage, v any) bool {
	if err := json.Unmarshal(payload, v); err != nil {
		c.sendError(id, "invalid payload", core.KindInvalidInput)
		return false
	}
	return true
}

func (c *WSClient) handleListReaders(id string) {
	readers, err := c.hub.cards.ListReaders()
	if err != nil {
		c.sendCardError(id, err)
		return
	}
	c.sendResponse(id, "readers", readers)
}

type wsBlockRequest struct {
	Reader  string `json:"reader"`
	Block   int    `json:"block"`
	KeyType string `json:"keyType"`
	Key     string `json:"key"`
	Data    string `json:"data,omitempty"`
}

func (c *WSClient) handleReadBlock(id string, payload json.RawMessage) {
	var req wsBlockRequest
	if !c.decode(id, payload, &req) {
		return
	}

	data, err := c.hub.cards.ReadBlock(req.Reader, req.Block, req.KeyType, req.Key)
	if err != nil {
		c.sendCardError(id, err)
		return
	}
	c.sendResponse(id, "block_data", map[string]any{
		"block": req.Block,
		"data":  data,
	})
}

func (c *WSClient) handleWriteBlock(id string, payload json.RawMessage) {
	var req wsBlockRequest
	if !c.decode(id, payload, &req) {
		return
	}

	if err := c.hub.cards.WriteBlock(req.Reader, req.Block, req.KeyType, req.Key, req.Data); err != nil {
		c.sendCardError(id, err)
		return
	}
	c.sendResponse(id, "write_result", map[string]bool{"success": true})
}

type wsChangeKeysRequest struct {
	Reader     string `json:"reader"`
	Sector     int    `json:"sector"`
	KeyType    string `json:"keyType"`
	CurrentKey string `json:"currentKey"`
	NewKeyA    string `json:"newKeyA"`
	NewKeyB    string `json:"newKeyB"`
}

func (c *WSClient) handleChangeSectorKeys(id string, payload json.RawMessage) {
	var req wsChangeKeysRequest
	if !c.decode(id, payload, &req) {
		return
	}

	err := c.hub.cards.ChangeSectorKeys(req.Reader, req.Sector, req.KeyType, req.CurrentKey, req.NewKeyA, req.NewKeyB)
	if err != nil {
		c.sendCardError(id, err)
		return
	}
	c.sendResponse(id, "keys_changed", map[string]bool{"success": true})
}

func (c *WSClient) handleStatus(id string) {
	status, ok := c.hub.last.Get()
	if !ok {
		c.sendError(id, "card status not observed yet", core.KindHardware)
		return
	}
	c.sendResponse(id, "status", status)
}

func (c *WSClient) handleHealth(id string) {
	c.sendResponse(id, "health", c.hub.health())
}

// health reports reader availability and connected clients.
func (h *WSHub) health() map[string]any {
	resp := map[string]any{
		"status":  "ok",
		"clients": h.ClientCount(),
	}
	readers, err := h.cards.ListReaders()
	if err != nil {
		resp["status"] = "degraded"
		resp["readerError"] = err.Error()
	}
	resp["readerCount"] = len(readers)
	return resp
}
