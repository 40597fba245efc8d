package websocket

import (
	"context"
	"encoding/json/v2"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// hubCloseTimeout bounds how long Hub.Close and Unregister wait for each
// client's close handshake to complete before moving on.
const hubCloseTimeout = 2 * time.Second

// Hub fans a broadcast stream out to every registered connection. It is
// the one component in this package that legitimately touches more than
// one connection's worth of state from a single goroutine (its own event
// loop, started by Run) — it only ever calls a Conn's own thread-safe
// methods (Write, Close), never reaches into a Conn's assembler or frame
// cursor, which keeps §5's "no connection state is shared between
// threads" invariant intact at the hub boundary (SPEC_FULL.md §5).
type Hub struct {
	clients map[*Conn]bool

	register   chan *Conn
	unregister chan *Conn
	broadcast  chan []byte

	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
	mu     sync.RWMutex

	log     *logrus.Entry
	metrics *Metrics
}

// NewHub creates a Hub. It must be started with a goroutine running Run.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Conn]bool),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		log:        logrus.NewEntry(logrus.New()),
	}
}

// NewHubWithLogger is NewHub with an injectable logger and optional
// metrics, for a server wiring its own *logrus.Entry/*Metrics through.
func NewHubWithLogger(log *logrus.Entry, metrics *Metrics) *Hub {
	h := NewHub()
	if log != nil {
		h.log = log
	}
	h.metrics = metrics
	return h
}

// Run is the hub's event loop; it blocks until Close is called.
func (h *Hub) Run() {
	h.wg.Add(1)
	defer h.wg.Done()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.WithField("clients", h.ClientCount()).Debug("websocket: client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				h.mu.Unlock()
				h.closeClient(client)
			} else {
				h.mu.Unlock()
			}

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				go func(c *Conn, msg []byte) {
					if err := c.Write(BinaryMessage, msg); err != nil {
						h.log.WithError(err).Debug("websocket: broadcast write failed, unregistering client")
						h.Unregister(c)
					}
				}(client, message)
			}
			h.mu.RUnlock()

		case <-h.done:
			return
		}
	}
}

func (h *Hub) closeClient(client *Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), hubCloseTimeout)
	defer cancel()
	_ = client.Close(ctx)
	if h.metrics != nil {
		h.metrics.connectionClosed()
	}
}

// Register adds a client; it will receive every subsequent Broadcast.
func (h *Hub) Register(client *Conn) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	h.mu.RUnlock()
	h.register <- client
}

// Unregister removes a client and closes its connection. Safe to call
// more than once for the same client.
func (h *Hub) Unregister(client *Conn) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	h.mu.RUnlock()
	h.unregister <- client
}

// Broadcast queues message for delivery to every registered client as a
// BinaryMessage. It returns once the message is queued (the queue holds
// 256 messages and Broadcast blocks while it is full); delivery happens
// on the event loop.
func (h *Hub) Broadcast(message []byte) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	h.mu.RUnlock()
	h.broadcast <- message
}

// BroadcastText queues text's bytes to every registered client. Like
// Broadcast, it is delivered as a BinaryMessage; no text frame is sent.
func (h *Hub) BroadcastText(text string) {
	h.Broadcast([]byte(text))
}

// BroadcastJSON marshals v and broadcasts it.
func (h *Hub) BroadcastJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(data)
	return nil
}

// ClientCount returns the number of currently registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close stops the event loop and closes every registered client's
// connection, waiting up to hubCloseTimeout per connection for its close
// handshake. Safe to call more than once.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	close(h.done)
	h.wg.Wait()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*Conn]bool)
	h.mu.Unlock()

	for client := range clients {
		h.closeClient(client)
	}

	close(h.register)
	close(h.unregister)
	close(h.broadcast)

	return nil
}
