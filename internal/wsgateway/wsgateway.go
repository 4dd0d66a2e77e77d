// Package wsgateway is the gorilla/websocket transport implementing
// stream.Gateway. It owns per-client read/write pumps and the wire protocol
// (JSON control messages; JSON or msgpack data frames per client
// preference).
//
// Uses the usual writeWait/pongWait/pingPeriod/maxMessageSize constants, a
// shared upgrader, and a readPump/writePump split per connection. Control
// messages carry subscribe/unsubscribe/format verbs plus a provider/capability
// pair.
package wsgateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aoxiansheng/stock-api-sub013/internal/stream"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
	sendBufferSize = 256
)

// WireFormat selects how data frames are encoded on the wire.
type WireFormat int

const (
	FormatJSON WireFormat = iota
	FormatMsgpack
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// controlMessage is the client -> server JSON control envelope.
type controlMessage struct {
	Action     string   `json:"action"`
	Symbols    []string `json:"symbols,omitempty"`
	Provider   string   `json:"provider,omitempty"`
	Capability string   `json:"capability,omitempty"`
	Format     string   `json:"format,omitempty"`
}

// SubscriptionHandler is notified of parsed control messages; wiring binds
// this to stream.Manager's Add/Subscribe/Unsubscribe.
type SubscriptionHandler interface {
	OnConnect(id stream.ClientID, provider, capability string, symbols []string)
	OnSubscribe(id stream.ClientID, symbols []string)
	OnUnsubscribe(id stream.ClientID, symbols []string)
	OnDisconnect(id stream.ClientID)
	Touch(id stream.ClientID)
}

func nextClientID() stream.ClientID {
	return stream.ClientID(uuid.NewString())
}

// conn wraps one client's websocket connection plus its outbound queue.
type conn struct {
	id     stream.ClientID
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	format atomic.Int32
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// Gateway implements stream.Gateway over gorilla/websocket connections.
type Gateway struct {
	mu        sync.RWMutex
	conns     map[stream.ClientID]*conn
	log       zerolog.Logger
	available atomic.Bool
}

// New builds an empty Gateway, available by default.
func New(log zerolog.Logger) *Gateway {
	g := &Gateway{conns: make(map[stream.ClientID]*conn), log: log}
	g.available.Store(true)
	return g
}

// Push implements stream.Gateway: encodes payload per the client's wire
// format preference and enqueues it without blocking the caller.
func (g *Gateway) Push(id stream.ClientID, payload any) error {
	g.mu.RLock()
	c, ok := g.conns[id]
	g.mu.RUnlock()
	if !ok {
		return nil
	}

	data, err := encode(payload, WireFormat(c.format.Load()))
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
	default:
		g.log.Warn().Str("client", string(id)).Msg("client send buffer full, dropping frame")
	}
	return nil
}

func encode(payload any, format WireFormat) ([]byte, error) {
	if format == FormatMsgpack {
		return msgpack.Marshal(payload)
	}
	return json.Marshal(payload)
}

// IsAvailable implements stream.Gateway: reports whether the gateway can
// currently accept a broadcast. Defaults to true; SetAvailable flips it,
// e.g. during a drain or an upstream dependency outage.
func (g *Gateway) IsAvailable() bool {
	return g.available.Load()
}

// SetAvailable marks the gateway available or unavailable for broadcast.
func (g *Gateway) SetAvailable(v bool) {
	g.available.Store(v)
}

// BroadcastToRoom implements stream.Gateway: pushes payload to every id in
// ids, tagging log output with room. It returns an error only when every
// push in a non-empty room failed; partial delivery is still reported as
// success so one dead connection cannot fail an entire symbol's broadcast.
func (g *Gateway) BroadcastToRoom(room string, ids []stream.ClientID, payload any) error {
	if len(ids) == 0 {
		return nil
	}

	var lastErr error
	delivered := 0
	for _, id := range ids {
		if err := g.Push(id, payload); err != nil {
			lastErr = err
			continue
		}
		delivered++
	}

	if delivered == 0 {
		g.log.Debug().Str("room", room).Err(lastErr).Msg("broadcast reached no clients")
		return fmt.Errorf("broadcast to room %q reached no clients: %w", room, lastErr)
	}
	return nil
}

// Handler builds the HTTP upgrade handler bound to a SubscriptionHandler.
func (g *Gateway) Handler(sub SubscriptionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		id := nextClientID()
		c := &conn{id: id, ws: ws, send: make(chan []byte, sendBufferSize), done: make(chan struct{})}

		g.mu.Lock()
		g.conns[id] = c
		g.mu.Unlock()

		sub.OnConnect(id, "", "", nil)

		go g.writePump(c)
		go g.readPump(c, sub)
	}
}

func (g *Gateway) removeConn(id stream.ClientID) {
	g.mu.Lock()
	delete(g.conns, id)
	g.mu.Unlock()
}

func (g *Gateway) readPump(c *conn, sub SubscriptionHandler) {
	defer func() {
		g.removeConn(c.id)
		sub.OnDisconnect(c.id)
		c.close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		sub.Touch(c.id)
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.log.Debug().Str("client", string(c.id)).Err(err).Msg("websocket read error")
			}
			return
		}

		var ctrl controlMessage
		if err := json.Unmarshal(message, &ctrl); err != nil {
			g.log.Debug().Str("client", string(c.id)).Err(err).Msg("invalid control message")
			continue
		}

		g.handleControl(c, sub, &ctrl)
	}
}

func (g *Gateway) handleControl(c *conn, sub SubscriptionHandler, ctrl *controlMessage) {
	switch ctrl.Action {
	case "subscribe":
		if ctrl.Provider != "" || ctrl.Capability != "" {
			sub.OnConnect(c.id, ctrl.Provider, ctrl.Capability, ctrl.Symbols)
		}
		sub.OnSubscribe(c.id, ctrl.Symbols)
	case "unsubscribe":
		sub.OnUnsubscribe(c.id, ctrl.Symbols)
	case "format":
		switch ctrl.Format {
		case "msgpack":
			c.format.Store(int32(FormatMsgpack))
		case "json":
			c.format.Store(int32(FormatJSON))
		default:
			g.log.Debug().Str("client", string(c.id)).Str("format", ctrl.Format).Msg("unknown wire format requested")
		}
	default:
		g.log.Debug().Str("client", string(c.id)).Str("action", ctrl.Action).Msg("unknown control action")
	}
	sub.Touch(c.id)
}

func (g *Gateway) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			msgType := websocket.TextMessage
			if WireFormat(c.format.Load()) == FormatMsgpack {
				msgType = websocket.BinaryMessage
			}
			if err := c.ws.WriteMessage(msgType, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// ClientCount returns the number of currently connected websocket clients.
func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}
