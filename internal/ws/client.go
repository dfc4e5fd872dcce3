package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openboard/openboard/internal/apperr"
	"github.com/openboard/openboard/internal/domain"
	"github.com/openboard/openboard/internal/logger"
	"github.com/openboard/openboard/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// SessionStore is the session slice of the presence layer.
type SessionStore interface {
	PutSession(ctx context.Context, sess domain.Session) error
	RemoveSession(ctx context.Context, connectionID string) error
}

// Client is one websocket connection. The read pump is the only goroutine
// touching c.hub; the hub goroutine only ever calls Send and Kick.
type Client struct {
	conn         *websocket.Conn
	connectionID string
	user         domain.User

	manager  *Manager
	sessions SessionStore
	limiter  *connLimiter
	index    *sessionIndex

	send      chan *Frame
	closing   chan struct{}
	closeOnce sync.Once

	hub *Hub
}

func newClient(conn *websocket.Conn, connectionID string, user domain.User, manager *Manager, sessions SessionStore, limiter *connLimiter, index *sessionIndex) *Client {
	return &Client{
		conn:         conn,
		connectionID: connectionID,
		user:         user,
		manager:      manager,
		sessions:     sessions,
		limiter:      limiter,
		index:        index,
		send:         make(chan *Frame, sendBufferSize),
		closing:      make(chan struct{}),
	}
}

func (c *Client) ConnectionID() string { return c.connectionID }
func (c *Client) UserID() string       { return c.user.ID }

func (c *Client) Presence() domain.PresenceRecord {
	return domain.PresenceRecord{
		UserID: c.user.ID,
		Name:   c.user.Name,
		Avatar: c.user.Avatar,
		Color:  c.user.Color,
	}
}

// Send queues a frame without blocking the hub.
func (c *Client) Send(frame *Frame) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Kick queues a final error and starts the shutdown. Safe from any goroutine.
func (c *Client) Kick(code, message string) {
	if frame, err := NewFrame(EventBoardError, ErrorPayload{
		Code:      code,
		Message:   message,
		Timestamp: nowMillis(),
	}); err == nil {
		c.Send(frame)
	}
	c.shutdown()
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.closing) })
}

func (c *Client) readPump() {
	defer c.cleanup()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Log.Debug("websocket read failed", "connection_id", c.connectionID, "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			c.sendError(apperr.New(apperr.CodeValidation, "malformed envelope"))
			continue
		}

		if !c.limiter.Allow(env.Event) {
			// cursor spam is dropped quietly, sustained event floods are cut off
			if env.Event != EventCursorMove {
				c.Kick(string(apperr.CodeRateLimit), "too many events")
				return
			}
			continue
		}

		switch env.Event {
		case EventBoardJoin:
			c.joinBoard(env.Data)
		case EventBoardLeave:
			c.leaveBoard(env.Data)
		default:
			if c.hub == nil {
				c.sendError(apperr.New(apperr.CodeValidation, "join a board first"))
				continue
			}
			c.hub.Dispatch(c, env)
		}
	}
}

func (c *Client) joinBoard(data json.RawMessage) {
	payload, err := decode[JoinPayload](data)
	if err != nil {
		c.sendError(err)
		return
	}
	if c.hub != nil {
		if c.hub.boardID == payload.BoardID {
			return
		}
		c.hub.Unsubscribe(c.connectionID)
		c.hub = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.hub = c.manager.Subscribe(ctx, payload.BoardID, c)

	if err := c.sessions.PutSession(ctx, domain.Session{
		ConnectionID: c.connectionID,
		UserID:       c.user.ID,
		BoardID:      payload.BoardID,
		ConnectedAt:  time.Now().UTC(),
	}); err != nil {
		logger.Log.Error("session update failed", "connection_id", c.connectionID, "error", err)
	}
}

func (c *Client) leaveBoard(data json.RawMessage) {
	if _, err := decode[LeavePayload](data); err != nil {
		c.sendError(err)
		return
	}
	if c.hub == nil {
		return
	}
	c.hub.Unsubscribe(c.connectionID)
	c.hub = nil
}

func (c *Client) sendError(err error) {
	frame, ferr := NewFrame(EventBoardError, ErrorPayload{
		Code:      string(apperr.CodeOf(err)),
		Message:   err.Error(),
		Timestamp: nowMillis(),
	})
	if ferr != nil {
		return
	}
	c.Send(frame)
}

func (c *Client) cleanup() {
	if c.index != nil {
		c.index.release(c)
	}
	if c.hub != nil {
		c.hub.Unsubscribe(c.connectionID)
		c.hub = nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.sessions.RemoveSession(ctx, c.connectionID); err != nil {
		logger.Log.Error("session remove failed", "connection_id", c.connectionID, "error", err)
	}
	metrics.ConnectionsActive.Dec()
	c.shutdown()
	_ = c.conn.Close()
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame.Raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closing:
			// flush whatever is queued, then say goodbye
			for {
				select {
				case frame := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, frame.Raw); err != nil {
						return
					}
				default:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}
