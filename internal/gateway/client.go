package gateway

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teamhub/realtime-gateway/internal/stats"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
	storeTimeout   = 5 * time.Second
)

// Client is a single live WebSocket session. The Connection Manager (the
// gateway hub) owns it: one goroutine reads, one writes, and the bounded send
// queue is the only way anything reaches the wire.
type Client struct {
	id        string
	userId    string
	transport string
	conn      *websocket.Conn
	gw        *Gateway
	log       *log.Logger
	send      chan *ServerEvent
	stop      chan struct{}
	stopOnce  sync.Once
}

func NewClient(id, userId string, conn *websocket.Conn, gw *Gateway, l *log.Logger) *Client {
	return &Client{
		id:        id,
		userId:    userId,
		transport: "websocket",
		conn:      conn,
		gw:        gw,
		log:       l,
		send:      make(chan *ServerEvent, gw.cfg.SendQueueSize),
		stop:      make(chan struct{}),
	}
}

func (c *Client) Id() string     { return c.id }
func (c *Client) UserId() string { return c.userId }

func (c *Client) Write() {
	ticker := time.NewTicker(c.gw.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Printf("write exiting for session %q", c.id)
	}()

	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(ev)
			if err != nil {
				c.log.Println("failed to serialize event:", err)
				continue
			}

			if !c.writeMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.writeMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Printf("read exiting for session %q", c.id)
	}()

	pongWait := c.gw.cfg.PongWait()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.gw.touchPresence(c.userId)
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var ev ClientEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.log.Println("error parsing event:", err)
			c.queueEvent(ErrInvalidEvent(-1))
			continue
		}

		op := ev.Op()
		if op == "" {
			// unknown event type: tell the client, keep the loop alive
			c.queueEvent(ErrInvalidEvent(ev.Id))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		allowed, retryAfter := c.gw.limiter.Allow(ctx, op, c.userId)
		cancel()
		if !allowed {
			c.gw.stats.Incr(stats.RateLimitedRequests)
			c.queueEvent(ErrRateLimited(ev.Id, retryAfter))
			continue
		}

		ev.client = c
		ev.Timestamp = Now()

		switch {
		case ev.Join != nil:
			c.dispatch(c.gw.joinChan, &ev)
		case ev.Leave != nil:
			c.dispatch(c.gw.leaveChan, &ev)
		case ev.Presence != nil:
			c.handlePresence(&ev)
		case ev.Typing != nil:
			c.handleTyping(&ev)
		case ev.Message != nil:
			c.handleMessage(&ev)
		}
	}
}

func (c *Client) dispatch(ch chan *ClientEvent, ev *ClientEvent) {
	select {
	case ch <- ev:
	default:
		c.log.Printf("hub channel full, rejecting %q from session %q", ev.Op(), c.id)
		c.queueEvent(ErrServiceUnavailable(ev.Id))
	}
}

func (c *Client) handlePresence(ev *ClientEvent) {
	if !ev.Presence.Status.Valid() {
		c.queueEvent(ErrInvalidEvent(ev.Id))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := c.gw.SetStatus(ctx, c.userId, ev.Presence.Status); err != nil {
		c.log.Println("set status:", err)
		c.queueEvent(ErrInternalError(ev.Id))
		return
	}

	c.queueEvent(NoErrOK(ev.Id, nil))
}

func (c *Client) handleTyping(ev *ClientEvent) {
	if !ValidChannelId(ev.Typing.ChannelId) {
		c.queueEvent(ErrInvalidChannel(ev.Id))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := c.gw.SetTyping(ctx, ev.Typing.ChannelId, c.userId, ev.Typing.IsTyping); err != nil {
		c.log.Println("set typing:", err)
		c.queueEvent(ErrInternalError(ev.Id))
	}
}

func (c *Client) handleMessage(ev *ClientEvent) {
	if !ValidChannelId(ev.Message.ChannelId) {
		c.queueEvent(ErrInvalidChannel(ev.Id))
		return
	}
	if ev.Message.Content == "" {
		c.queueEvent(ErrInvalidEvent(ev.Id))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if _, err := c.gw.PublishMessage(ctx, ev.Message.ChannelId, c.userId, ev.Message.Content, ev.Message.Mentions); err != nil {
		c.log.Println("publish message:", err)
		c.queueEvent(ErrInternalError(ev.Id))
		return
	}

	c.queueEvent(NoErrOK(ev.Id, nil))
}

// queueEvent places an event on the bounded send queue. A full queue means
// the consumer is not keeping up, and the connection is dropped rather than
// buffered without bound.
func (c *Client) queueEvent(ev *ServerEvent) bool {
	select {
	case c.send <- ev:
		return true
	default:
		c.log.Printf("send queue full for session %q, disconnecting slow consumer", c.id)
		c.gw.stats.Incr(stats.EventsDropped)
		c.stopClient()
		return false
	}
}

func (c *Client) writeMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

// cleanup runs exactly once, when the read loop exits for any reason: socket
// error, missed heartbeats, slow-consumer drop or server shutdown. The hub
// unwinds membership and presence as a single sequence.
func (c *Client) cleanup() {
	c.gw.deregisterChan <- c
	c.stopClient()
}
