package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/anchal00/nextup/internal/hub"
	"github.com/anchal00/nextup/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	// sendBuffer is how many frames a slow peer may lag before it is dropped.
	sendBuffer = 32
)

var (
	errConnClosed   = errors.New("connection closed")
	errSlowConsumer = errors.New("send buffer full")
)

// socketMessage is the duplex wire shape in both directions, told apart by T.
type socketMessage struct {
	T     string          `json:"t"`
	V     int64           `json:"v,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	TS    int64           `json:"ts,omitempty"`
	Error string          `json:"error,omitempty"`
}

// stateMessage is the outbound snapshot frame. v is always present, version
// 0 included.
type stateMessage struct {
	T    string          `json:"t"`
	V    int64           `json:"v"`
	Data json.RawMessage `json:"data"`
}

// socketConn adapts a websocket to hub.Conn. Frames are queued and written by
// a single writer goroutine; reads happen on the handler goroutine.
type socketConn struct {
	ws        *websocket.Conn
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter
	logger    logger.Logger
}

func newSocketConn(ws *websocket.Conn, publishRate float64, log logger.Logger) *socketConn {
	burst := int(publishRate)
	if burst < 1 {
		burst = 1
	}
	return &socketConn{
		ws:      ws,
		out:     make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(publishRate), burst),
		logger:  log,
	}
}

func (c *socketConn) Send(frame hub.Frame) error {
	msg, err := json.Marshal(stateMessage{T: "state", V: frame.Version, Data: frame.Data})
	if err != nil {
		return err
	}
	return c.enqueue(msg)
}

func (c *socketConn) enqueue(msg []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	default:
		return errSlowConsumer
	}
}

func (c *socketConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// writePump owns every write to the socket.
func (c *socketConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug(fmt.Sprintf("Websocket write failed: %v", err))
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// readPump handles inbound messages until the peer goes away. Inbound
// publishes go into the room exactly like server-side publishes.
func (c *socketConn) readPump(h *hub.Hub, key hub.RoomKey) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		inbound := &socketMessage{}
		if err := c.ws.ReadJSON(inbound); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug(fmt.Sprintf("Websocket closed: %v", err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		switch inbound.T {
		case "ping":
			c.reply(socketMessage{T: "pong", TS: time.Now().UnixMilli()})
		case "publish":
			if !c.limiter.Allow() {
				c.reply(socketMessage{T: "error", Error: "publish rate exceeded"})
				continue
			}
			if len(inbound.Data) == 0 {
				c.reply(socketMessage{T: "error", Error: "publish without data"})
				continue
			}
			if err := h.Publish(key, hub.Frame{Version: inbound.V, Data: inbound.Data}); err != nil {
				c.logger.Debug(fmt.Sprintf("Ignored duplex publish: %v", err))
			}
		default:
			c.reply(socketMessage{T: "error", Error: fmt.Sprintf("unknown message type %q", inbound.T)})
		}
	}
}

func (c *socketConn) reply(msg socketMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := c.enqueue(data); err != nil {
		c.logger.Debug(fmt.Sprintf("Dropped reply %s: %v", msg.T, err))
	}
}
