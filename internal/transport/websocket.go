// Package transport carries named JSON events between browsers and the
// engine over WebSockets. Each connection gets a read pump that dispatches
// inbound frames in order and a write pump that drains a bounded send queue.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabtext/syncd/internal/collab"
)

var (
	ErrClosed       = errors.New("connection closed")
	ErrSlowConsumer = errors.New("send queue full")
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// Handler upgrades HTTP requests and attaches each socket to the engine.
type Handler struct {
	engine     *collab.Engine
	upgrader   websocket.Upgrader
	sendBuffer int

	mu      sync.Mutex // protects clients and closed
	clients map[string]*client
	closed  bool
	live    sync.WaitGroup
}

func NewHandler(engine *collab.Engine, sendBuffer int) *Handler {
	return &Handler{
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sendBuffer: sendBuffer,
		clients:    make(map[string]*client),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("[ws]upgrade failed = %s\n", err)
		return
	}
	c := newClient(uuid.NewString(), ws, h.sendBuffer)
	if !h.track(c) {
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		ws.Close()
		return
	}
	defer h.untrack(c)
	glog.Infof("[ws]%s connected from %s\n", c.id, r.RemoteAddr)

	h.engine.Connect(c)
	go c.writePump()
	c.readPump(r.Context(), h.engine)

	h.engine.Disconnect(c.id)
	glog.Infof("[ws]%s disconnected\n", c.id)
}

// Close closes every live socket and waits for their handlers to finish
// dispatching and disconnect from the engine. Later upgrades are refused.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	h.live.Wait()
	glog.Infof("[ws]closed %d connections\n", len(clients))
}

func (h *Handler) track(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	h.live.Add(1)
	return true
}

func (h *Handler) untrack(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	h.live.Done()
}

// client is one socket. Send never blocks: a full queue closes the socket,
// and the read pump then tears the membership down.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(id string, conn *websocket.Conn, sendBuffer int) *client {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &client{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *client) ID() string {
	return c.id
}

func (c *client) Send(ev collab.Event) error {
	buf, err := ev.Encode()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- buf:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		glog.Warningf("[ws]%s send queue full, closing\n", c.id)
		c.close()
		return ErrSlowConsumer
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *client) readPump(ctx context.Context, engine *collab.Engine) {
	defer c.close()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, buf, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.Infof("[ws]%s read error = %s\n", c.id, err)
			}
			return
		}
		var msg collab.Message
		if err := json.Unmarshal(buf, &msg); err != nil {
			glog.V(1).Infof("[ws]%s bad frame = %s\n", c.id, err)
			c.Send(collab.Event{
				Name:    collab.EventError,
				Payload: collab.ErrorReport{Event: "", Message: "malformed frame"},
			})
			continue
		}
		engine.Dispatch(ctx, c, msg)
		if msg.Event == collab.EventDisconnect || msg.Event == collab.EventDisconnecting {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case buf := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				glog.V(1).Infof("[ws]%s write error = %s\n", c.id, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
