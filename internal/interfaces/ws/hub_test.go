package ws

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*Hub, *httptest.Server, context.CancelFunc) {
	t.Helper()
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return h, srv, cancel
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	var f Frame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestConnectedFrameOnJoin(t *testing.T) {
	_, srv, _ := startHub(t)
	conn := dial(t, srv)

	f := readFrame(t, conn)
	assert.Equal(t, FrameConnected, f.Type)
	assert.Greater(t, f.Timestamp, int64(0))
}

func TestBroadcastReachesEveryClient(t *testing.T) {
	h, srv, _ := startHub(t)
	first := dial(t, srv)
	second := dial(t, srv)
	readFrame(t, first)
	readFrame(t, second)

	h.Broadcast(FrameSignal, map[string]any{"pair": "EURUSD"})

	for _, conn := range []*websocket.Conn{first, second} {
		f := readFrame(t, conn)
		assert.Equal(t, FrameSignal, f.Type)
		payload, ok := f.Payload.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "EURUSD", payload["pair"])
	}
}

func TestFrameOrderPreserved(t *testing.T) {
	h, srv, _ := startHub(t)
	conn := dial(t, srv)
	readFrame(t, conn)

	const n = 20
	for i := 0; i < n; i++ {
		h.Broadcast(FrameTradeOpened, map[string]any{"seq": i})
	}
	for i := 0; i < n; i++ {
		f := readFrame(t, conn)
		require.Equal(t, FrameTradeOpened, f.Type)
		payload := f.Payload.(map[string]any)
		assert.Equal(t, float64(i), payload["seq"], "frame %d out of order", i)
	}
}

func TestFrameTypeOutsideContractDropped(t *testing.T) {
	h, srv, _ := startHub(t)
	conn := dial(t, srv)
	readFrame(t, conn)

	h.Broadcast("trade_drift", map[string]any{"kind": "missing_at_broker"})
	h.Broadcast(FrameSignal, nil)

	f := readFrame(t, conn)
	assert.Equal(t, FrameSignal, f.Type, "contract frame arrives, stray type never does")
}

func TestSlowClientEvicted(t *testing.T) {
	h := NewHub()
	var count atomic.Int64
	h.SetCountHook(func(n int) { count.Store(int64(n)) })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	// a client that never drains: the connected frame fills its buffer
	c := &client{hub: h, send: make(chan Frame, 1), remote: "test"}
	h.register <- c
	require.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, time.Millisecond)

	h.Broadcast(FrameSignal, nil)
	require.Eventually(t, func() bool { return count.Load() == 0 }, time.Second, time.Millisecond,
		"full send buffer must evict the client")
}

func TestBroadcastNeverBlocksWhenQueueFull(t *testing.T) {
	h := NewHub() // not running, queue fills up

	done := make(chan struct{})
	go func() {
		for i := 0; i < 400; i++ {
			h.Broadcast(FrameSignal, map[string]any{"seq": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a full queue")
	}
	assert.Greater(t, h.Dropped(), uint64(0))
}

func TestShutdownHangsUpClients(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	readFrame(t, conn)

	cancel()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 5; i++ {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return // close frame or connection teardown observed
		}
	}
	t.Fatal("client connection survived hub shutdown")
}

func TestConcurrentBroadcasters(t *testing.T) {
	h, srv, _ := startHub(t)
	conn := dial(t, srv)
	readFrame(t, conn)

	const writers, perWriter = 4, 10
	for w := 0; w < writers; w++ {
		go func(w int) {
			for i := 0; i < perWriter; i++ {
				h.Broadcast(FrameTradeClosed, map[string]any{"writer": fmt.Sprint(w), "seq": i})
			}
		}(w)
	}

	seen := 0
	for seen < writers*perWriter {
		f := readFrame(t, conn)
		require.Equal(t, FrameTradeClosed, f.Type)
		seen++
	}
}
