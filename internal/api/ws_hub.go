package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/atmx/nft-market/internal/metrics"
	"github.com/atmx/nft-market/internal/model"
)

// ErrHubFull is returned by Emit when the broadcast buffer is full.
var ErrHubFull = errors.New("api: websocket broadcast buffer full")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type  model.EventType `json:"type"`
	Event model.Event     `json:"event"`
}

// subscription filters events for one client. Zero fields match all.
type subscription struct {
	asset   common.Address
	account common.Address
}

func (s subscription) matches(e model.Event) bool {
	if s.asset != (common.Address{}) && e.Asset != s.asset {
		return false
	}
	if s.account != (common.Address{}) && e.Seller != s.account && e.Buyer != s.account {
		return false
	}
	return true
}

type client struct {
	conn *websocket.Conn
	sub  subscription
}

// WSHub manages WebSocket connections and pushes each committed event to
// the clients whose filter it matches. Only Run writes data frames.
type WSHub struct {
	upgrader   websocket.Upgrader
	origins    []string
	clients    map[*websocket.Conn]subscription
	broadcast  chan model.Event
	register   chan client
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients:    make(map[*websocket.Conn]subscription),
		broadcast:  make(chan model.Event, 256),
		register:   make(chan client),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop until ctx is done, then closes
// every client. Must be called in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c.sub
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "total", n)

		case conn := <-h.unregister:
			h.drop(conn)

		case e := <-h.broadcast:
			data, err := json.Marshal(WSMessage{Type: e.Type, Event: e})
			if err != nil {
				continue
			}
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn, sub := range h.clients {
				if !sub.matches(e) {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range failed {
				h.drop(conn)
			}
		}
	}
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Emit queues e for broadcast. It never blocks the marketplace: when the
// buffer is full the event is dropped and ErrHubFull returned.
func (h *WSHub) Emit(_ context.Context, e model.Event) error {
	select {
	case h.broadcast <- e:
		return nil
	default:
		return ErrHubFull
	}
}

// SetAllowedOrigins restricts browser upgrades to origins; "*" allows
// any. Without a call only same-origin pages may connect. Requests with
// no Origin header are not from browsers and always pass. Call before
// serving.
func (h *WSHub) SetAllowedOrigins(origins []string) {
	h.origins = origins
	h.upgrader.CheckOrigin = h.checkOrigin
}

func (h *WSHub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(h.origins, "*") || slices.Contains(h.origins, origin)
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
// Optional query filters: asset, account.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	var sub subscription
	q := r.URL.Query()
	if v := q.Get("asset"); v != "" {
		if !common.IsHexAddress(v) {
			writeError(w, "invalid asset address", http.StatusBadRequest)
			return
		}
		sub.asset = common.HexToAddress(v)
	}
	if v := q.Get("account"); v != "" {
		if !common.IsHexAddress(v) {
			writeError(w, "invalid account address", http.StatusBadRequest)
			return
		}
		sub.account = common.HexToAddress(v)
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- client{conn: conn, sub: sub}:
	case <-h.done:
		conn.Close()
		return
	}
	done := make(chan struct{})

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer close(done)
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies. WriteControl
	// may run concurrently with the hub's writes.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()
}
