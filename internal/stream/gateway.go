// Package stream relays event bus topics to browser dashboards over
// websockets. A client picks its topics with query parameters when it
// connects; the gateway only ever writes.
package stream

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tradefresh/quote-engine/internal/metrics"
	"github.com/tradefresh/quote-engine/pkg/eventbus"
	"github.com/tradefresh/quote-engine/pkg/model"
)

var (
	PingInterval = 30 * time.Second
	WriteTimeout = 10 * time.Second
	// MissedPongs is how many ping intervals may pass without a pong.
	MissedPongs = 2
)

const clientBuffer = 64

// Subscriber is the event bus capability the gateway uses.
type Subscriber interface {
	Subscribe(handler eventbus.Handler, topics ...string) (unsubscribe func())
}

type Gateway struct {
	bus      Subscriber
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewGateway(bus Subscriber, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Topics maps connect-time query parameters to bus topics:
// buyer_id, vendor_id (plus the all-vendors feed), rfq_id and
// recipient_id for the in-app inbox.
func Topics(q map[string][]string) []string {
	get := func(k string) string {
		if v := q[k]; len(v) > 0 {
			return v[0]
		}
		return ""
	}
	var topics []string
	if id := get("buyer_id"); id != "" {
		topics = append(topics, model.BuyerTopic(id))
	}
	if id := get("vendor_id"); id != "" {
		topics = append(topics, model.VendorTopic(id), model.TopicAllVendors)
	}
	if id := get("rfq_id"); id != "" {
		topics = append(topics, model.RFQTopic(id))
	}
	if id := get("recipient_id"); id != "" {
		topics = append(topics, model.InboxTopic(id))
	}
	return topics
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topics := Topics(r.URL.Query())
	if len(topics) == 0 {
		http.Error(w, "at least one of buyer_id, vendor_id, rfq_id, recipient_id is required", http.StatusBadRequest)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("stream.upgrade_failed", zap.Error(err))
		return
	}

	c := &client{
		conn: conn,
		send: make(chan model.Event, clientBuffer),
		done: make(chan struct{}),
	}
	c.unsubscribe = g.bus.Subscribe(c.enqueue, topics...)
	g.add(c)

	g.logger.Debug("stream.client_connected",
		zap.String("remote", r.RemoteAddr),
		zap.Strings("topics", topics))

	go c.writeLoop(g.logger)
	c.readLoop()

	c.close()
	g.remove(c)
	g.logger.Debug("stream.client_disconnected",
		zap.String("remote", r.RemoteAddr),
		zap.Int64("dropped", c.dropped))
}

func (g *Gateway) add(c *client) {
	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()
	metrics.WebsocketClients.Inc()
}

func (g *Gateway) remove(c *client) {
	g.mu.Lock()
	_, ok := g.clients[c]
	delete(g.clients, c)
	g.mu.Unlock()
	if ok {
		metrics.WebsocketClients.Dec()
	}
}

// Clients returns the number of connected clients.
func (g *Gateway) Clients() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// Close disconnects every client.
func (g *Gateway) Close() {
	g.mu.Lock()
	clients := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

type client struct {
	conn        *websocket.Conn
	send        chan model.Event
	done        chan struct{}
	once        sync.Once
	unsubscribe func()

	mu      sync.Mutex
	dropped int64
}

// enqueue runs on the bus listener goroutine and must not block.
func (c *client) enqueue(ev model.Event) {
	select {
	case <-c.done:
	case c.send <- ev:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
	}
}

func (c *client) writeLoop(logger *zap.Logger) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
			if err := c.conn.WriteJSON(ev); err != nil {
				logger.Debug("stream.write_failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards client frames and returns when the connection fails or
// no pong arrives in time.
func (c *client) readLoop() {
	deadline := time.Duration(MissedPongs+1) * PingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		close(c.done)
		_ = c.conn.Close()
	})
}
