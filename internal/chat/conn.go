package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size. Message bodies are capped well below this.
	maxFrameSize = 8192

	// Outbound buffer per connection. A client that cannot drain this fast
	// enough is dropped rather than blocking the broadcaster.
	sendBuffer = 64
)

// Conn wraps one websocket connection with the buffered send channel the
// broadcaster writes into.
type Conn struct {
	sess       Session
	ws         *websocket.Conn
	dispatcher *Dispatcher
	log        *slog.Logger

	send      chan Envelope
	closeOnce sync.Once
	closed    chan struct{}
}

func NewConn(sess Session, ws *websocket.Conn, dispatcher *Dispatcher, log *slog.Logger) *Conn {
	return &Conn{
		sess:       sess,
		ws:         ws,
		dispatcher: dispatcher,
		log:        log,
		send:       make(chan Envelope, sendBuffer),
		closed:     make(chan struct{}),
	}
}

// Send queues an envelope for delivery. A full buffer drops the connection;
// the client reconnects and resyncs over HTTP.
func (c *Conn) Send(env Envelope) {
	select {
	case c.send <- env:
	case <-c.closed:
	default:
		c.log.Warn("send buffer full, dropping connection",
			"conn_id", c.sess.Conn,
			"pharmacist_id", c.sess.Pharmacist.ID)
		c.close()
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// Run admits the session and pumps frames until the connection dies. It
// blocks until the read side exits and always tears the session down.
func (c *Conn) Run(ctx context.Context) error {
	if err := c.dispatcher.Connect(ctx, c.sess, c); err != nil {
		c.close()
		return err
	}
	go c.writePump()
	c.readPump(ctx)
	c.close()
	c.dispatcher.Disconnect(context.WithoutCancel(ctx), c.sess)
	return nil
}

func (c *Conn) readPump(ctx context.Context) {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read", "conn_id", c.sess.Conn, "error", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			c.Send(NewEnvelope(EvtError, errorPayload{Message: "malformed frame"}))
			continue
		}
		c.dispatcher.Dispatch(ctx, c.sess, env)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case env := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
