package telemetry

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rover-control/rover/internal/logging"
)

// HubOptions configures a Hub.
type HubOptions struct {
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Hub fans frames out to WebSocket viewers.
//
// Each viewer has its own slot and writer goroutine. Publish only replaces
// slot contents, so a stalled viewer loses stale frames and never holds up
// the publisher or other viewers.
type Hub struct {
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	log          *slog.Logger

	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool
	wg     sync.WaitGroup
}

type subscriber struct {
	id   string
	conn *websocket.Conn
	slot *Slot[[]byte]
	done chan struct{}
	once sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// NewHub creates an empty hub.
func NewHub(opts HubOptions) *Hub {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		writeTimeout: opts.WriteTimeout,
		log:          logger.With("component", "telemetry-hub"),
		subs:         make(map[string]*subscriber),
	}
}

// ServeHTTP upgrades the request and streams frames until the viewer leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "telemetry stopped", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := &subscriber{
		id:   uuid.NewString(),
		conn: conn,
		slot: NewSlot[[]byte](),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.subs[sub.id] = sub
	h.wg.Add(1)
	h.mu.Unlock()

	h.log.Info("viewer connected", "viewer", sub.id, "remote", r.RemoteAddr)

	go h.readLoop(sub)
	h.writeLoop(sub)
}

// Publish offers payload to every viewer. It never blocks.
func (h *Hub) Publish(payload []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		sub.slot.Offer(payload)
	}
	return nil
}

// Subscribers returns the number of connected viewers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close disconnects every viewer and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for _, sub := range h.subs {
		sub.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(h.writeTimeout))
		sub.stop()
	}
	h.mu.Unlock()

	h.wg.Wait()
	return nil
}

// readLoop drains control frames and notices when the viewer goes away.
func (h *Hub) readLoop(sub *subscriber) {
	defer sub.stop()
	sub.conn.SetReadLimit(512)
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(sub *subscriber) {
	defer h.wg.Done()
	defer func() {
		h.mu.Lock()
		delete(h.subs, sub.id)
		h.mu.Unlock()
		sub.conn.Close()
		h.log.Info("viewer disconnected", "viewer", sub.id, "dropped", sub.slot.Dropped())
	}()

	for {
		select {
		case <-sub.done:
			return
		case <-sub.slot.Ready():
		}

		payload, ok := sub.slot.TryTake()
		if !ok {
			continue
		}
		sub.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if err := sub.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.log.Debug("viewer write failed", "viewer", sub.id, "error", err)
			return
		}
	}
}
