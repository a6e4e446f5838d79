package transport

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/signalsfoundry/predictive-relay/core"
	"github.com/signalsfoundry/predictive-relay/internal/logging"
)

// Ingester admits payloads to the simulated link.
type Ingester interface {
	Ingest(payload []byte) (core.Envelope, error)
}

// IngestHandler accepts origin connections and hands every binary message
// to the link unchanged. Payloads are not decoded here; the predictor
// rejects anything malformed after the link delay.
type IngestHandler struct {
	link     Ingester
	log      logging.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
}

// NewIngestHandler builds a handler feeding link.
func NewIngestHandler(link Ingester, log logging.Logger) *IngestHandler {
	if log == nil {
		log = logging.Noop()
	}
	return &IngestHandler{
		link:  link,
		log:   log.With(logging.Component("ingest")),
		conns: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsReadBuffer,
			WriteBufferSize: wsReadBuffer,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug(ctx, "websocket upgrade failed", logging.Error(err))
		return
	}
	if !h.track(conn) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	defer h.untrack(conn)
	conn.SetReadLimit(readLimit)

	remote := conn.RemoteAddr().String()
	h.log.Info(ctx, "origin connected", logging.String("remote_addr", remote))

	var received uint64
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug(ctx, "origin read ended", logging.Error(err))
			}
			break
		}
		if kind != websocket.BinaryMessage {
			h.log.Warn(ctx, "ignoring non-binary message", logging.Int("type", kind))
			continue
		}
		received++
		if _, err := h.link.Ingest(data); err != nil {
			if errors.Is(err, core.ErrSimulatorClosed) {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "link closed"), time.Now().Add(writeWait))
				break
			}
			h.log.Warn(ctx, "ingest failed", logging.Error(err))
		}
	}
	h.log.Info(ctx, "origin disconnected",
		logging.String("remote_addr", remote),
		logging.Uint64("messages", received),
	)
}

// Close disconnects every origin and refuses new connections.
func (h *IngestHandler) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	deadline := time.Now().Add(writeWait)
	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"), deadline)
		_ = c.Close()
	}
}

func (h *IngestHandler) track(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[conn] = struct{}{}
	return true
}

func (h *IngestHandler) untrack(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	_ = conn.Close()
}
