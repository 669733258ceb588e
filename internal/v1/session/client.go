package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openwatchparty/session-server/internal/v1/clock"
	"github.com/openwatchparty/session-server/internal/v1/logging"
	"github.com/openwatchparty/session-server/internal/v1/metrics"
)

// sendQueueSize bounds each connection's outbound queue. A full queue drops
// frames instead of blocking the sender; the next authoritative state update
// repairs any gap.
const sendQueueSize = 100

// Sliding-window message budget shared by every inbound type.
const (
	rateLimitMessages = 30
	rateLimitWindowMs = 1000
)

const writeWait = 10 * time.Second

// wsConnection is the subset of *websocket.Conn the client layer needs,
// kept narrow so tests can swap in a fake socket.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Client is one WebSocket connection and its protocol-level state: identity,
// current room, rate-limit window, and liveness timestamp.
type Client struct {
	// ID is the ephemeral connection id, fixed for the connection's life.
	ID string

	conn wsConnection
	send chan []byte

	mu            sync.RWMutex
	roomID        string
	userID        string
	userName      string
	authenticated bool
	msgCount      int
	windowStart   uint64
	lastSeen      uint64
	closed        bool
}

func newClient(id string, conn wsConnection, authenticated bool) *Client {
	now := clock.NowMs()
	c := &Client{
		ID:            id,
		conn:          conn,
		send:          make(chan []byte, sendQueueSize),
		authenticated: authenticated,
		windowStart:   now,
		lastSeen:      now,
	}
	if authenticated {
		// Authentication disabled globally: pre-mark as anonymous.
		c.userID = "anonymous"
		c.userName = "Anonymous"
	}
	return c
}

// RoomID returns the id of the room this connection participates in, or "".
func (c *Client) RoomID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}

func (c *Client) setRoomID(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = roomID
}

// clearRoomIDIf clears roomID only when it still points at the given room,
// so a stale close cannot detach a connection that already moved on.
func (c *Client) clearRoomIDIf(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roomID == roomID {
		c.roomID = ""
	}
}

// Authenticated reports whether this connection may perform room operations.
func (c *Client) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// UserName returns the display name, falling back to "Anonymous".
func (c *Client) UserName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.userName == "" {
		return "Anonymous"
	}
	return c.userName
}

// setIdentity records identity claims on the connection. markAuthenticated
// is set on successful token validation; self-declared identities in
// anonymous mode leave the flag as is.
func (c *Client) setIdentity(userID, userName string, markAuthenticated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if userID != "" {
		c.userID = userID
	}
	if userName != "" {
		c.userName = userName
	}
	if markAuthenticated {
		c.authenticated = true
	}
}

// touchAndCheckRateLimit updates last_seen and advances the sliding window,
// returning true when the message budget is exhausted.
func (c *Client) touchAndCheckRateLimit(now uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = now
	if now >= c.windowStart && now-c.windowStart > rateLimitWindowMs {
		c.msgCount = 0
		c.windowStart = now
	}
	c.msgCount++
	return c.msgCount > rateLimitMessages
}

// lastSeenMs returns the liveness timestamp for the zombie sweeper.
func (c *Client) lastSeenMs() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

// Send enqueues a pre-serialized frame without blocking. Frames to a full or
// closed queue are counted and dropped; the connection itself is left to the
// zombie sweeper if it is truly stuck.
func (c *Client) Send(data []byte) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	defer func() {
		// Disconnect may close the channel concurrently with this send.
		if r := recover(); r != nil {
			metrics.DroppedFrames.Inc()
		}
	}()

	select {
	case c.send <- data:
	default:
		metrics.DroppedFrames.Inc()
		logging.Warn(context.Background(), "client send queue full, dropping frame",
			zap.String("client_id", c.ID))
	}
}

// Disconnect closes the outbound queue, which lets writePump drain, send a
// close frame, and tear the socket down.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.send)
}

// readPump drains the socket until it errors, then runs the shared
// disconnect path.
func (c *Client) readPump(h *Hub) {
	defer func() {
		h.handleDisconnect(c)
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.handleInbound(c, data)
	}
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) {
				logging.Error(context.Background(), "error writing message",
					zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
