package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"

	"otterchat.org/internal/chat"
	"otterchat.org/internal/common"
	"otterchat.org/internal/event"
	"otterchat.org/internal/obs"
	"otterchat.org/internal/session"
)

const (
	defaultFramesPerSecond = 20
	defaultFrameBurst      = 40
	defaultSendQueue       = 64
	maxDecodeErrorsPerConn = 3
	maxFramePayloadBytes   = 16 << 10
)

var (
	errConnClosed   = errors.New("websocket: connection closed")
	errSlowConsumer = errors.New("websocket: send queue full")
)

// WSConfig bounds one websocket connection.
type WSConfig struct {
	FramesPerSecond float64
	Burst           int
	SendQueue       int
}

func (c WSConfig) withDefaults() WSConfig {
	if c.FramesPerSecond <= 0 {
		c.FramesPerSecond = defaultFramesPerSecond
	}
	if c.Burst <= 0 {
		c.Burst = defaultFrameBurst
	}
	if c.SendQueue <= 0 {
		c.SendQueue = defaultSendQueue
	}
	return c
}

// Dispatcher is the part of chat.Hub the transport drives.
type Dispatcher interface {
	Connect(id string, conn session.Conn) *chat.Client
	Handle(ctx context.Context, c *chat.Client, in event.Inbound)
	Disconnect(c *chat.Client)
}

// NewWSHandler serves the JSON event protocol over websocket. Each
// connection gets a reader (this handler) and a writer goroutine fed by a
// bounded queue, so a slow client never blocks a broadcast.
func NewWSHandler(hub Dispatcher, cfg WSConfig) http.Handler {
	cfg = cfg.withDefaults()
	ws := websocket.Handler(func(conn *websocket.Conn) {
		serveWS(conn, hub, cfg)
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
			return
		}
		ws.ServeHTTP(w, r)
	})
}

func serveWS(conn *websocket.Conn, hub Dispatcher, cfg WSConfig) {
	conn.MaxPayloadBytes = maxFramePayloadBytes
	// The HTTP server's read/write timeouts survive the hijack.
	_ = conn.SetDeadline(time.Time{})
	id := uuid.NewString()
	peer := newWSPeer(conn, cfg.SendQueue)
	go peer.writeLoop()

	client := hub.Connect(id, peer)
	obs.Info("ws_connected", map[string]any{"conn_id": id, "remote": conn.Request().RemoteAddr})
	defer func() {
		hub.Disconnect(client)
		_ = peer.Close()
		<-peer.done
		obs.Info("ws_disconnected", map[string]any{"conn_id": id, "username": client.Username()})
	}()

	ctx := conn.Request().Context()
	limiter := rate.NewLimiter(rate.Limit(cfg.FramesPerSecond), cfg.Burst)
	decodeErrors := 0
	for {
		var frame []byte
		if err := websocket.Message.Receive(conn, &frame); err != nil {
			return
		}
		var in event.Inbound
		if err := json.Unmarshal(frame, &in); err != nil {
			decodeErrors++
			_ = peer.Send(event.Error(common.Code(common.ErrInvalidInput), "invalid frame payload"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if !limiter.Allow() {
			_ = peer.Send(event.Error(common.Code(common.ErrRateLimited), "too many frames"))
			obs.Warn("ws_rate_limited", map[string]any{"conn_id": id, "username": client.Username()})
			return
		}
		hub.Handle(ctx, client, in)
	}
}

// wsPeer implements session.Conn for one websocket.
type wsPeer struct {
	conn  *websocket.Conn
	queue chan event.Outbound
	done  chan struct{}

	mu      sync.RWMutex
	closing chan struct{}
	closed  bool
}

func newWSPeer(conn *websocket.Conn, size int) *wsPeer {
	return &wsPeer{
		conn:    conn,
		queue:   make(chan event.Outbound, size),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
}

// Send enqueues ev. A full queue closes the connection.
func (p *wsPeer) Send(ev event.Outbound) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return errConnClosed
	}
	select {
	case p.queue <- ev:
		p.mu.RUnlock()
		return nil
	default:
	}
	p.mu.RUnlock()
	obs.Warn("ws_slow_consumer", map[string]any{"type": ev.Type})
	_ = p.Close()
	return errSlowConsumer
}

// Close flushes queued events and then closes the socket.
func (p *wsPeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.closing)
	return nil
}

func (p *wsPeer) writeLoop() {
	defer close(p.done)
	defer p.conn.Close()
	for {
		select {
		case ev := <-p.queue:
			if err := websocket.JSON.Send(p.conn, ev); err != nil {
				_ = p.Close()
				return
			}
		case <-p.closing:
			for {
				select {
				case ev := <-p.queue:
					if err := websocket.JSON.Send(p.conn, ev); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}
