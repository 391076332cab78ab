// Package ws streams trading frames to dashboard clients over one
// websocket endpoint. A single hub goroutine owns the client set and
// the fan-out, which keeps frame order stable for every subscriber.
package ws

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Frame types the stream may carry. Broadcast drops anything else so
// the wire contract stays closed.
const (
	FrameConnected            = "connected"
	FrameSignal               = "signal"
	FrameAutoTradeAttempt     = "auto_trade_attempt"
	FrameAutoTradeRejected    = "auto_trade_rejected"
	FrameTradeOpened          = "trade_opened"
	FrameTradeClosed          = "trade_closed"
	FrameStopModified         = "trade_stop_modified"
	FrameStopModifyFailed     = "trade_stop_modify_failed"
	FrameProviderAvailability = "provider_availability"
)

var allowedFrames = map[string]bool{
	FrameConnected:            true,
	FrameSignal:               true,
	FrameAutoTradeAttempt:     true,
	FrameAutoTradeRejected:    true,
	FrameTradeOpened:          true,
	FrameTradeClosed:          true,
	FrameStopModified:         true,
	FrameStopModifyFailed:     true,
	FrameProviderAvailability: true,
}

// Frame is the wire envelope.
type Frame struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxInboundSize = 512
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the dashboard is served from arbitrary origins in dev setups
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub owns the client set. Register, unregister and broadcast all pass
// through one goroutine, so slow-client eviction and frame order never
// race.
type Hub struct {
	register   chan *client
	unregister chan *client
	frames     chan Frame
	clients    map[*client]bool
	done       chan struct{}
	countHook  func(int)
	dropped    atomic.Uint64
	now        func() time.Time
}

// NewHub builds a hub; call Run before serving connections.
func NewHub() *Hub {
	return &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		frames:     make(chan Frame, 256),
		clients:    make(map[*client]bool),
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

// SetCountHook installs a callback invoked with the client count after
// every join and leave, for the ws_clients gauge.
func (h *Hub) SetCountHook(fn func(int)) { h.countHook = fn }

// Run drives the hub until ctx ends, then hangs up on every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
			h.notifyCount()
			c.enqueue(Frame{
				Type:      FrameConnected,
				Payload:   map[string]any{"message": "trading stream connected"},
				Timestamp: h.now().UnixMilli(),
			})
			log.Debug().Str("remote", c.remote).Int("clients", len(h.clients)).Msg("ws client joined")
		case c := <-h.unregister:
			if h.clients[c] {
				h.drop(c)
				log.Debug().Str("remote", c.remote).Int("clients", len(h.clients)).Msg("ws client left")
			}
		case f := <-h.frames:
			for c := range h.clients {
				if !c.enqueue(f) {
					h.drop(c)
					log.Warn().Str("remote", c.remote).Msg("ws client evicted, send buffer full")
				}
			}
		}
	}
}

// Broadcast queues one frame for every connected client. Types outside
// the closed set are dropped; a full hub queue drops the frame rather
// than stalling the caller.
func (h *Hub) Broadcast(event string, payload any) {
	if !allowedFrames[event] {
		log.Warn().Str("type", event).Msg("ws frame type outside contract, dropped")
		return
	}
	f := Frame{Type: event, Payload: payload, Timestamp: h.now().UnixMilli()}
	select {
	case h.frames <- f:
	default:
		h.dropped.Add(1)
		log.Warn().Str("type", event).Msg("ws broadcast queue full, frame dropped")
	}
}

// Dropped counts frames discarded because the hub queue was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Handler upgrades HTTP requests into stream subscribers.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("ws upgrade failed")
			return
		}
		c := &client{
			hub:    h,
			conn:   conn,
			send:   make(chan Frame, sendBuffer),
			remote: r.RemoteAddr,
		}
		select {
		case h.register <- c:
			go c.writePump()
			go c.readPump()
		case <-h.done:
			conn.Close()
		}
	}
}

func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
	h.notifyCount()
}

func (h *Hub) notifyCount() {
	if h.countHook != nil {
		h.countHook(len(h.clients))
	}
}
