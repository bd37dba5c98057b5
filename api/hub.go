package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/evmts/smithers-go/engine"
	"github.com/evmts/smithers-go/internal/metrics"
)

// clientQueue bounds each subscriber's send buffer. A client that falls
// this far behind starts losing events rather than stalling the engine.
const clientQueue = 64

// Hub fans engine events out to WebSocket subscribers. It implements
// engine.Sink; Publish never blocks, slow clients drop events.
type Hub struct {
	logger  *zap.Logger
	metrics *metrics.Collector
	origins []string

	mu      sync.RWMutex
	clients map[*hubClient]struct{}

	dropped atomic.Int64
}

type hubClient struct {
	send   chan []byte
	cancel context.CancelFunc
}

// NewHub builds a Hub. origins are the accepted WebSocket origin
// patterns; empty restricts to same-origin.
func NewHub(origins []string, collector *metrics.Collector, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:  logger.With(zap.String("component", "ws_hub")),
		metrics: collector,
		origins: origins,
		clients: make(map[*hubClient]struct{}),
	}
}

// Publish implements engine.Sink. Events are serialized once and queued
// per client; a full queue drops the event for that client.
func (h *Hub) Publish(ev engine.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("failed to marshal event", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.dropped.Add(1)
		}
	}
}

// ClientCount reports connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped reports events discarded because a client's queue was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// ServeHTTP upgrades the request and streams events until the client
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	client := &hubClient{
		send:   make(chan []byte, clientQueue),
		cancel: cancel,
	}
	h.register(client)
	defer h.unregister(client)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Reads are discarded; a read error is the disconnect signal.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-client.send:
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				h.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		}
	}
}

func (h *Hub) register(c *hubClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.WSClientConnected(1)
	h.logger.Debug("client connected", zap.Int("clients", h.ClientCount()))
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.cancel()
	h.metrics.WSClientConnected(-1)
	h.logger.Debug("client disconnected", zap.Int("clients", h.ClientCount()))
}

// CloseAll disconnects every subscriber, used during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.cancel()
	}
}
