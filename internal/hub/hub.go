// Package hub fans subagent output out to WebSocket subscribers.
package hub

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/erkineren/agentgate/internal/logging"
)

const (
	MessageConnected = "connected"
	MessageOutput    = "output"
	MessageStatus    = "status"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
	bufferSize   = 256
)

type Message struct {
	Type       string    `json:"type"`
	SubagentID string    `json:"subagent_id,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	Chunk      string    `json:"chunk,omitempty"`
	Status     string    `json:"status,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Subscription receives messages on C until Close is called.
type Subscription struct {
	C <-chan Message

	hub *Hub
	key string
	id  uint64
}

func (s *Subscription) Close() {
	s.hub.unsubscribe(s.key, s.id)
}

type Option func(*Hub)

// WithAllowedOrigins restricts WebSocket upgrades to the given origins. "*"
// allows every origin.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		allowed := map[string]bool{}
		for _, o := range origins {
			allowed[o] = true
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed["*"] || allowed[origin]
		}
	}
}

type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[uint64]chan Message
	nextID  uint64
	dropped atomic.Int64
	conns   atomic.Int64

	upgrader websocket.Upgrader
	logger   *zap.Logger
	now      func() time.Time
}

// allKey holds subscribers to every subagent.
const allKey = ""

func New(logger *zap.Logger, opts ...Option) *Hub {
	h := &Hub{
		subs:     map[string]map[uint64]chan Message{},
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
		logger:   logging.OrNop(logger),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Subscribe(subagentID string) *Subscription {
	return h.subscribe(subagentID)
}

func (h *Hub) SubscribeAll() *Subscription {
	return h.subscribe(allKey)
}

func (h *Hub) subscribe(key string) *Subscription {
	ch := make(chan Message, bufferSize)
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.subs[key] == nil {
		h.subs[key] = map[uint64]chan Message{}
	}
	h.subs[key][id] = ch
	h.mu.Unlock()
	return &Subscription{C: ch, hub: h, key: key, id: id}
}

func (h *Hub) unsubscribe(key string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.subs[key][id]
	if !ok {
		return
	}
	delete(h.subs[key], id)
	if len(h.subs[key]) == 0 {
		delete(h.subs, key)
	}
	close(ch)
}

// Publish delivers msg to the subagent's subscribers and to every "all"
// subscriber. Subscribers whose buffer is full miss the message.
func (h *Hub) Publish(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = h.now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.deliver(h.subs[msg.SubagentID], msg)
	if msg.SubagentID != allKey {
		h.deliver(h.subs[allKey], msg)
	}
}

func (h *Hub) deliver(subs map[uint64]chan Message, msg Message) {
	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped is the number of messages skipped because a subscriber was slow.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// ConnectionCount is the number of open WebSocket connections.
func (h *Hub) ConnectionCount() int {
	return int(h.conns.Load())
}

// ServeSubagent streams one subagent's output over a WebSocket.
func (h *Hub) ServeSubagent(w http.ResponseWriter, r *http.Request, subagentID string) {
	h.serve(w, r, subagentID)
}

// ServeAll streams the output of every subagent over a WebSocket.
func (h *Hub) ServeAll(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, allKey)
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, key string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	h.conns.Add(1)
	sub := h.subscribe(key)
	logger := h.logger.With(zap.String("subagent_id", key), zap.String("remote", r.RemoteAddr))
	logger.Info("WebSocket connected")

	defer func() {
		sub.Close()
		conn.Close()
		h.conns.Add(-1)
		logger.Info("WebSocket disconnected")
	}()

	// The reader only notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := h.write(conn, Message{Type: MessageConnected, SubagentID: key, Timestamp: h.now().UTC()}); err != nil {
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			if err := h.write(conn, msg); err != nil {
				logger.Debug("WebSocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, msg Message) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}
