package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/signalsfoundry/predictive-relay/internal/logging"
	"github.com/signalsfoundry/predictive-relay/model"
	"github.com/signalsfoundry/predictive-relay/wire"
)

const (
	writeWait      = 5 * time.Second
	pingInterval   = 30 * time.Second
	pongWait       = pingInterval + 10*time.Second
	readLimit      = 1 << 20
	wsReadBuffer   = 1024
	wsWriteBuffer  = 4096
	subscriberSend = 64
)

// HubMetrics receives hub gauge and counter updates.
type HubMetrics interface {
	SetHubSubscribers(int)
	IncHubDropped()
}

// FrameHub broadcasts predictor output to every connected receiver. It
// implements core.FrameSink. A subscriber whose send buffer is full misses
// the frame rather than stalling the predictor.
type FrameHub struct {
	log      logging.Logger
	metrics  HubMetrics
	buffer   int
	upgrader websocket.Upgrader

	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
}

type subscriber struct {
	id      uint64
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	dropped uint64
	once    sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// HubOption configures a FrameHub.
type HubOption func(*FrameHub)

// WithHubLogger sets the hub logger.
func WithHubLogger(l logging.Logger) HubOption {
	return func(h *FrameHub) {
		if l != nil {
			h.log = l
		}
	}
}

// WithHubMetrics reports subscriber counts and drops to m.
func WithHubMetrics(m HubMetrics) HubOption {
	return func(h *FrameHub) { h.metrics = m }
}

// WithSubscriberBuffer sets the per-subscriber frame buffer.
func WithSubscriberBuffer(n int) HubOption {
	return func(h *FrameHub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// NewFrameHub builds an empty hub. Mount it on an http.ServeMux to accept
// subscribers.
func NewFrameHub(opts ...HubOption) *FrameHub {
	h := &FrameHub{
		log:    logging.Noop(),
		buffer: subscriberSend,
		subs:   make(map[uint64]*subscriber),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsReadBuffer,
			WriteBufferSize: wsWriteBuffer,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With(logging.Component("frame_hub"))
	return h
}

// PublishFrame encodes frame once and queues it for every subscriber.
func (h *FrameHub) PublishFrame(_ context.Context, frame *model.EmittedFrame) error {
	data, err := wire.EncodeFrame(frame)
	if err != nil {
		return err
	}
	h.Broadcast(data)
	return nil
}

// Broadcast queues an already encoded message for every subscriber.
func (h *FrameHub) Broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		select {
		case sub.send <- data:
		default:
			sub.dropped++
			if h.metrics != nil {
				h.metrics.IncHubDropped()
			}
		}
	}
}

// Subscribers returns the number of connected receivers.
func (h *FrameHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request and streams frames until the receiver
// disconnects or the hub closes.
func (h *FrameHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug(r.Context(), "websocket upgrade failed", logging.Error(err))
		return
	}
	sub, ok := h.add(conn)
	if !ok {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	h.log.Info(r.Context(), "receiver subscribed",
		logging.Uint64("subscriber", sub.id),
		logging.String("remote_addr", conn.RemoteAddr().String()),
	)

	go h.writeLoop(sub)
	h.readLoop(sub)

	dropped := h.remove(sub)
	h.log.Info(r.Context(), "receiver unsubscribed",
		logging.Uint64("subscriber", sub.id),
		logging.Uint64("dropped_frames", dropped),
	)
}

// Close disconnects every subscriber and refuses new ones.
func (h *FrameHub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	deadline := time.Now().Add(writeWait)
	for _, sub := range subs {
		_ = sub.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"), deadline)
		sub.close()
	}
}

func (h *FrameHub) add(conn *websocket.Conn) (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	h.nextID++
	sub := &subscriber{
		id:   h.nextID,
		conn: conn,
		send: make(chan []byte, h.buffer),
		done: make(chan struct{}),
	}
	h.subs[sub.id] = sub
	h.reportSubscribers()
	return sub, true
}

func (h *FrameHub) remove(sub *subscriber) uint64 {
	sub.close()
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub.id)
	h.reportSubscribers()
	return sub.dropped
}

func (h *FrameHub) reportSubscribers() {
	if h.metrics != nil {
		h.metrics.SetHubSubscribers(len(h.subs))
	}
}

// readLoop discards inbound messages; it exists to process control frames
// and notice the peer going away.
func (h *FrameHub) readLoop(sub *subscriber) {
	sub.conn.SetReadLimit(readLimit)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := sub.conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *FrameHub) writeLoop(sub *subscriber) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	defer sub.close()

	for {
		select {
		case <-sub.done:
			return
		case data := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				h.log.Debug(context.Background(), "frame write failed",
					logging.Uint64("subscriber", sub.id),
					logging.Error(err),
				)
				return
			}
		case <-ping.C:
			if err := sub.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
