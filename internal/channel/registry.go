// Package channel tracks one live connection per client and serializes all
// outbound frames through a per-client write pump.
package channel

import (
	"sync"

	"github.com/gorilla/websocket"

	"conductor/internal/logging"
	"conductor/internal/protocol"
)

// Conn is the subset of *websocket.Conn the registry needs. Tests substitute
// an in-memory recorder.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DisconnectHook is invoked after a client's connection is dropped, outside
// the registry lock.
type DisconnectHook func(clientID string)

type client struct {
	id   string
	conn Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

// stop closes the client exactly once. The pump exits on done and closes the
// underlying connection.
func (c *client) stop() {
	c.once.Do(func() {
		close(c.done)
	})
}

// Registry maps client ids to their active connections.
type Registry struct {
	mu        sync.RWMutex
	clients   map[string]*client
	queueSize int
	logger    logging.Logger

	hookMu sync.RWMutex
	hook   DisconnectHook
}

// NewRegistry creates a registry whose per-client outbound queues hold
// queueSize frames.
func NewRegistry(queueSize int, logger logging.Logger) *Registry {
	if queueSize < 1 {
		queueSize = 64
	}
	return &Registry{
		clients:   make(map[string]*client),
		queueSize: queueSize,
		logger:    logging.OrNop(logger),
	}
}

// SetDisconnectHook installs the hook called when a connection drops. A
// replaced connection does not fire the hook; the client is still reachable.
func (r *Registry) SetDisconnectHook(hook DisconnectHook) {
	r.hookMu.Lock()
	r.hook = hook
	r.hookMu.Unlock()
}

// Connect registers conn for clientID, replacing and closing any prior
// connection. A single writer goroutine drains the outbound queue so frames
// are never interleaved.
func (r *Registry) Connect(clientID string, conn Conn) {
	c := &client{
		id:   clientID,
		conn: conn,
		out:  make(chan []byte, r.queueSize),
		done: make(chan struct{}),
	}

	r.mu.Lock()
	prior := r.clients[clientID]
	r.clients[clientID] = c
	r.mu.Unlock()

	if prior != nil {
		r.logger.Warn("client %q reconnected, replacing previous connection", clientID)
		prior.stop()
	}

	go r.writePump(c)
	r.logger.Info("client %q connected", clientID)
}

// Disconnect drops the client's connection and fires the disconnect hook.
// It is idempotent and does nothing if the client already reconnected with
// a different connection.
func (r *Registry) Disconnect(clientID string) {
	r.mu.Lock()
	c, ok := r.clients[clientID]
	if ok {
		delete(r.clients, clientID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	c.stop()
	r.logger.Info("client %q disconnected", clientID)

	r.hookMu.RLock()
	hook := r.hook
	r.hookMu.RUnlock()
	if hook != nil {
		hook(clientID)
	}
}

// Send serializes the frame and enqueues it for the client. It returns false
// when the client is not connected, the queue is full (backpressure), or the
// frame cannot be encoded. Send never blocks the caller.
func (r *Registry) Send(clientID string, frame any) bool {
	data, err := protocol.Encode(frame)
	if err != nil {
		r.logger.Error("encode frame for %q: %v", clientID, err)
		return false
	}

	r.mu.RLock()
	c, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.out <- data:
		return true
	case <-c.done:
		return false
	default:
		r.logger.Warn("outbound queue full for client %q, dropping frame (backpressure)", clientID)
		return false
	}
}

// IsConnected reports whether the client currently has a live connection.
func (r *Registry) IsConnected(clientID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[clientID]
	return ok
}

// ConnectedClients returns the ids of all connected clients.
func (r *Registry) ConnectedClients() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, id)
	}
	return out
}

// writePump drains the outbound queue onto the connection. A write failure
// tears the connection down through the normal disconnect path.
func (r *Registry) writePump(c *client) {
	defer func() {
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.out:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				r.logger.Warn("write to client %q failed: %v", c.id, err)
				go r.dropIfCurrent(c)
				return
			}
		case <-c.done:
			return
		}
	}
}

// dropIfCurrent disconnects the client only when c is still its registered
// connection, so a replacement that raced the write failure survives.
func (r *Registry) dropIfCurrent(c *client) {
	r.mu.RLock()
	current := r.clients[c.id] == c
	r.mu.RUnlock()
	if current {
		r.Disconnect(c.id)
	} else {
		c.stop()
	}
}
