package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"go-dm/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client is a middleman between one websocket connection and the hub.
// It implements fanout.Handle.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan domain.Event
	id     string
	userID string
	log    *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan domain.Event, hub.opts.SendBufferSize),
		id:     id,
		userID: userID,
		log:    hub.log.With("user_id", userID, "handle", id),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }

// Send queues evt without blocking. It reports false once the client is closed
// or when its buffer is full.
func (c *Client) Send(evt domain.Event) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- evt:
		return true
	default:
		return false
	}
}

// Close asks the write pump to send a close frame and hang up. The read pump
// then fails and runs the single disconnect path.
func (c *Client) Close() {
	c.closeOnce.Do(c.cancel)
}

// serve starts both pumps. The hub tracks them for shutdown.
func (c *Client) serve() {
	c.hub.wg.Add(2)
	go func() {
		defer c.hub.wg.Done()
		c.writePump()
	}()
	go func() {
		defer c.hub.wg.Done()
		c.readPump()
	}()
}

// readPump pumps frames from the websocket connection to the router.
// It is the only place that unregisters the client, so disconnect runs once.
func (c *Client) readPump() {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Recovered from panic in read pump", "panic", r)
		}
		c.Close()
		c.hub.Disconnect(c.userID, c)
		_ = c.conn.Close()
	}()

	pongWait := c.hub.opts.HeartbeatTimeout
	c.conn.SetReadLimit(c.hub.opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				c.log.Info("Heartbeat timeout, treating connection as closed")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
				c.log.Info("Connection lost", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleFrame(data)
	}
}

// handleFrame runs one inbound command and replies with an error event when it fails.
func (c *Client) handleFrame(data []byte) {
	var frame InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.Send(domain.ErrorEvent(domain.Validation("malformed frame")))
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.hub.opts.CommandTimeout)
	defer cancel()

	var err error
	switch frame.Type {
	case FrameSendMessage:
		_, err = c.hub.Router.SendMessage(ctx, c.userID, frame.ReceiverID, frame.Content)
	case FrameMarkRead:
		err = c.hub.Router.MarkRead(ctx, frame.MessageID, c.userID)
	case FramePing:
		return
	default:
		err = domain.Validation("unknown frame type %q", frame.Type)
	}
	if err != nil {
		if !errors.Is(err, domain.ErrValidation) && !errors.Is(err, domain.ErrNotFoundOrUnauthorized) {
			c.log.Error("Inbound command failed", "type", frame.Type, "error", err)
		}
		c.Send(domain.ErrorEvent(err))
	}
}

// writePump pumps events from the hub to the websocket connection and keeps
// the heartbeat going.
func (c *Client) writePump() {
	writeWait := c.hub.opts.WriteWait
	ticker := time.NewTicker(c.hub.opts.HeartbeatTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case evt := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(evt); err != nil {
				c.log.Debug("Write failed", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
