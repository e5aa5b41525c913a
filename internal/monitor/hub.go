package monitor

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/turtacn/broadcastd/pkg/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512
	sendBuffer     = 64
)

// Hub fans status events out to websocket subscribers. Subscribers only
// listen; anything they send is discarded.
type Hub struct {
	mu      sync.Mutex
	clients map[*subscriber]struct{}
	closed  bool

	upgrader websocket.Upgrader
	log      logger.Logger
	// OnCount is told the subscriber count after every change.
	OnCount func(n int)
}

type subscriber struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log: logger.Component("monitor"),
	}
}

// ServeHTTP upgrades the request and registers the subscriber.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", "err", err)
		return
	}
	s := &subscriber{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[s] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.count(n)
	h.log.Debug("Event subscriber registered", "id", s.id)

	go h.writePump(s)
	go h.readPump(s)
}

// Broadcast sends event to every subscriber. Slow subscribers are dropped.
func (h *Hub) Broadcast(event any) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error("Failed to marshal event", "err", err)
		return
	}

	h.mu.Lock()
	dropped := false
	for s := range h.clients {
		select {
		case s.send <- data:
		default:
			delete(h.clients, s)
			close(s.send)
			dropped = true
			h.log.Warn("Dropping slow event subscriber", "id", s.id)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	if dropped {
		h.count(n)
	}
}

// Count returns the number of subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for s := range h.clients {
		delete(h.clients, s)
		close(s.send)
	}
	h.mu.Unlock()
	h.count(0)
}

func (h *Hub) unregister(s *subscriber) {
	h.mu.Lock()
	_, ok := h.clients[s]
	if ok {
		delete(h.clients, s)
		close(s.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.count(n)
		h.log.Debug("Event subscriber unregistered", "id", s.id)
	}
}

func (h *Hub) count(n int) {
	if h.OnCount != nil {
		h.OnCount(n)
	}
}

func (h *Hub) readPump(s *subscriber) {
	defer func() {
		h.unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("WebSocket read error", "id", s.id, "err", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(s *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Personal.AI order the ending
