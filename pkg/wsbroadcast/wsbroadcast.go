// Package wsbroadcast implements the WebSocketBroadcaster (C7): a
// connection registry with per-connection subscription filters and a
// heartbeat loop that evicts dead connections.
package wsbroadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Futs/kuroibara/core/pkg/progress"
)

const heartbeatInterval = 30 * time.Second

// conn is the broadcaster's view of one WebSocket connection.
type conn struct {
	id        string
	ws        *websocket.Conn
	userID    string
	sessionID string

	mu         sync.Mutex
	writeMu    sync.Mutex
	active     bool
	opIDs      map[string]struct{}
	opTypes    map[string]struct{}
}

func (c *conn) subscribedToOp(opID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.opIDs) == 0 {
		return true
	}
	_, ok := c.opIDs[opID]
	return ok
}

func (c *conn) subscribedToType(opType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.opTypes) == 0 {
		return true
	}
	_, ok := c.opTypes[opType]
	return ok
}

// shouldReceive applies the §4.7 filter rules: user_id/session_id match if
// both sides set them, plus the op/type subscription checks.
func (c *conn) shouldReceive(ev *progress.Event) bool {
	if c.userID != "" && ev.UserID != "" && c.userID != ev.UserID {
		return false
	}
	if c.sessionID != "" && ev.SessionID != "" && c.sessionID != ev.SessionID {
		return false
	}
	return c.subscribedToOp(ev.OperationID) && c.subscribedToType(ev.OperationType)
}

func (c *conn) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// Broadcaster is the connection registry and event fan-out.
type Broadcaster struct {
	logger *zap.Logger

	mu    sync.RWMutex
	conns map[string]*conn

	stop chan struct{}
}

// New creates a Broadcaster. Call Run in a goroutine to start the
// heartbeat loop.
func New(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		logger: logger,
		conns:  make(map[string]*conn),
		stop:   make(chan struct{}),
	}
}

// Connect registers ws as a new connection, sends connection_established,
// and returns the connection ID.
func (b *Broadcaster) Connect(ws *websocket.Conn, userID, sessionID string) string {
	id := uuid.NewString()
	c := &conn{
		id:        id,
		ws:        ws,
		userID:    userID,
		sessionID: sessionID,
		active:    true,
		opIDs:     make(map[string]struct{}),
		opTypes:   make(map[string]struct{}),
	}

	b.mu.Lock()
	b.conns[id] = c
	b.mu.Unlock()

	_ = c.writeJSON(map[string]interface{}{
		"type":          "connection_established",
		"connection_id": id,
		"timestamp":     time.Now().UTC(),
	})
	return id
}

// Disconnect removes a connection, e.g. on read loop exit.
func (b *Broadcaster) Disconnect(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, connID)
}

// HandleMessage processes one client→server message (§6). raw is the text
// frame payload.
func (b *Broadcaster) HandleMessage(connID string, raw []byte) {
	b.mu.RLock()
	c, ok := b.conns[connID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	var msg struct {
		Type          string `json:"type"`
		OperationID   string `json:"operation_id"`
		OperationType string `json:"operation_type"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		b.logger.Debug("malformed client message", zap.Error(err))
		return
	}

	switch msg.Type {
	case "subscribe_operation":
		c.mu.Lock()
		c.opIDs[msg.OperationID] = struct{}{}
		c.mu.Unlock()
		b.confirm(c, "subscribe_operation", msg.OperationID)
	case "unsubscribe_operation":
		c.mu.Lock()
		delete(c.opIDs, msg.OperationID)
		c.mu.Unlock()
		b.confirm(c, "unsubscribe_operation", msg.OperationID)
	case "subscribe_operation_type":
		c.mu.Lock()
		c.opTypes[msg.OperationType] = struct{}{}
		c.mu.Unlock()
		b.confirm(c, "subscribe_operation_type", msg.OperationType)
	case "unsubscribe_operation_type":
		c.mu.Lock()
		delete(c.opTypes, msg.OperationType)
		c.mu.Unlock()
		b.confirm(c, "unsubscribe_operation_type", msg.OperationType)
	case "ping":
		_ = c.writeJSON(map[string]interface{}{"type": "pong", "timestamp": time.Now().UTC()})
	}
}

func (b *Broadcaster) confirm(c *conn, msgType, target string) {
	_ = c.writeJSON(map[string]interface{}{
		"type":      msgType + "_confirmed",
		"target":    target,
		"timestamp": time.Now().UTC(),
	})
}

// BroadcastEvent delivers ev to every connection whose filters permit it.
// Implements progress.Broadcaster.
func (b *Broadcaster) BroadcastEvent(ev *progress.Event) {
	b.mu.RLock()
	targets := make([]*conn, 0, len(b.conns))
	for _, c := range b.conns {
		if c.shouldReceive(ev) {
			targets = append(targets, c)
		}
	}
	b.mu.RUnlock()

	payload := map[string]interface{}{
		"type": "progress_event",
		"event": map[string]interface{}{
			"operation_id":        ev.OperationID,
			"operation_type":      ev.OperationType,
			"event_type":          ev.EventType,
			"progress_percentage": ev.ProgressPercentage,
			"current_step":        ev.CurrentStep,
			"message":             ev.Message,
			"metadata":            ev.Metadata,
			"timestamp":           ev.Timestamp,
			"user_id":             ev.UserID,
			"session_id":          ev.SessionID,
		},
	}

	for _, c := range targets {
		if err := c.writeJSON(payload); err != nil {
			b.logger.Debug("dropping connection on send failure", zap.String("connection_id", c.id), zap.Error(err))
			b.Disconnect(c.id)
		}
	}
}

// Run starts the 30s heartbeat loop; it blocks until ctx-equivalent Stop is
// called.
func (b *Broadcaster) Run() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.heartbeat()
		}
	}
}

// Stop ends the heartbeat loop started by Run.
func (b *Broadcaster) Stop() {
	close(b.stop)
}

func (b *Broadcaster) heartbeat() {
	b.mu.RLock()
	conns := make([]*conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	payload := map[string]interface{}{"type": "heartbeat", "timestamp": time.Now().UTC()}
	for _, c := range conns {
		if err := c.writeJSON(payload); err != nil {
			b.logger.Debug("evicting connection on heartbeat failure", zap.String("connection_id", c.id), zap.Error(err))
			b.Disconnect(c.id)
		}
	}
}
