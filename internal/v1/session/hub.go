// Package session is the coordination core: connections, rooms, the
// host-authoritative playback state machine, and the fan-out paths that
// keep every member's player aligned.
package session

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	utilclock "k8s.io/utils/clock"

	"github.com/openwatchparty/session-server/internal/v1/auth"
	"github.com/openwatchparty/session-server/internal/v1/clock"
	"github.com/openwatchparty/session-server/internal/v1/logging"
	"github.com/openwatchparty/session-server/internal/v1/metrics"
	"github.com/openwatchparty/session-server/internal/v1/protocol"
	"github.com/openwatchparty/session-server/internal/v1/ratelimit"
)

// Liveness sweep parameters.
const (
	zombieTimeoutMs      = 60_000
	defaultSweepInterval = 30 * time.Second
)

// TokenValidator turns a bearer token into identity claims.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// Hub accepts WebSocket upgrades and coordinates all rooms and connections.
type Hub struct {
	registry     *Registry
	validator    TokenValidator
	authRequired bool
	limiter      *ratelimit.UpgradeLimiter
	upgrader     websocket.Upgrader

	// maxReadyWait bounds how long a pending play waits for stragglers;
	// shortened in tests.
	maxReadyWait  time.Duration
	sweepInterval time.Duration
	sweepTicker   utilclock.WithTicker
}

// NewHub builds a hub. authRequired mirrors the validator's Enabled flag:
// when false, fresh connections start authenticated as anonymous. limiter
// may be nil to disable upgrade-level rate limiting.
func NewHub(validator TokenValidator, authRequired bool, allowedOrigins []string, limiter *ratelimit.UpgradeLimiter) *Hub {
	h := &Hub{
		registry:      NewRegistry(),
		validator:     validator,
		authRequired:  authRequired,
		limiter:       limiter,
		maxReadyWait:  maxReadyWaitMs * time.Millisecond,
		sweepInterval: defaultSweepInterval,
		sweepTicker:   utilclock.RealClock{},
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser clients send no Origin.
				return true
			}
			if auth.IsOriginAllowed(origin, allowedOrigins) {
				return true
			}
			logging.Warn(r.Context(), "rejected WebSocket upgrade from disallowed origin",
				zap.String("origin", origin))
			return false
		},
	}
	return h
}

// ServeWs upgrades an HTTP request to a WebSocket session and starts the
// read/write pumps. The new connection immediately receives client_hello and
// the current room list.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.limiter != nil && !h.limiter.CheckUpgrade(c) {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(uuid.NewString(), conn, !h.authRequired)
	h.registry.addClient(client)
	metrics.IncConnection()
	logging.Info(c.Request.Context(), "client connected", zap.String("client_id", client.ID))

	go client.writePump()
	go client.readPump(h)

	h.sendEnvelope(client, newEnvelope(protocol.TypeClientHello, "", client.ID, map[string]any{
		"client_id": client.ID,
	}))
	h.sendRoomList(client)
}

// handleInbound runs one inbound frame through the rate limiter, the size
// gate, the codec, and the dispatcher.
func (h *Hub) handleInbound(c *Client, data []byte) {
	now := clock.NowMs()
	if c.touchAndCheckRateLimit(now) {
		metrics.MessagesProcessed.WithLabelValues("unknown", "rate_limited").Inc()
		h.sendError(c, "Rate limit exceeded")
		return
	}
	if len(data) > protocol.MaxMessageSize {
		metrics.MessagesProcessed.WithLabelValues("unknown", "too_large").Inc()
		h.sendError(c, "Message too large")
		return
	}

	env, err := protocol.Decode(data)
	if err != nil {
		metrics.MessagesProcessed.WithLabelValues("unknown", "invalid").Inc()
		if errors.Is(err, protocol.ErrTooLarge) {
			h.sendError(c, "Message too large")
		} else {
			h.sendError(c, "Invalid message format")
		}
		return
	}

	metrics.MessagesProcessed.WithLabelValues(string(env.Type), "ok").Inc()
	h.dispatch(c, env, now)
}

// handleDisconnect is the shared teardown path, reached from the read pump
// or the zombie sweeper. Safe to run more than once for the same client.
func (h *Hub) handleDisconnect(c *Client) {
	c.Disconnect()
	h.leaveRoom(c)
	h.registry.removeClient(c.ID)
	h.broadcastRoomList()
	logging.Info(context.Background(), "client disconnected", zap.String("client_id", c.ID))
}

// leaveRoom detaches the client from its room, destroying the room when the
// host departs or nobody remains. Reports whether room state changed.
func (h *Hub) leaveRoom(c *Client) bool {
	var d delivery
	changed := false

	h.registry.roomsMu.Lock()
	roomID := c.RoomID()
	if roomID == "" {
		h.registry.roomsMu.Unlock()
		return false
	}
	c.clearRoomIDIf(roomID)
	room := h.registry.rooms[roomID]
	if room != nil {
		changed = true
		room.removeMember(c.ID)
		switch {
		case room.HostID == c.ID:
			room.Pending = nil
			d = h.closeRoomLocked(room, "Host left the room")
		case len(room.Members) == 0:
			delete(h.registry.rooms, roomID)
			metrics.ActiveRooms.Dec()
		default:
			env := newEnvelope(protocol.TypeClientLeft, roomID, c.ID, map[string]any{
				"participant_count": len(room.Members),
			})
			d = h.roomDelivery(room, env, "")
		}
	}
	h.registry.roomsMu.Unlock()

	d.send()
	return changed
}

// closeRoomLocked destroys a room, detaches its remaining members, and
// materializes the room_closed fan-out. Caller holds the rooms write lock
// and sends the delivery after release.
func (h *Hub) closeRoomLocked(room *Room, reason string) delivery {
	delete(h.registry.rooms, room.ID)
	metrics.ActiveRooms.Dec()

	env := newEnvelope(protocol.TypeRoomClosed, room.ID, "", map[string]any{
		"reason": reason,
	})
	d := h.roomDelivery(room, env, "")
	for _, member := range d.recipients {
		member.clearRoomIDIf(room.ID)
	}
	logging.Info(context.Background(), "room closed",
		zap.String("room_id", room.ID), zap.String("reason", reason))
	return d
}

// Run drives the zombie sweeper until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := h.sweepTicker.NewTicker(h.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			h.sweepZombies()
		}
	}
}

// sweepZombies collects connections silent past the liveness timeout under a
// read lock, then tears them down outside it.
func (h *Hub) sweepZombies() {
	now := clock.NowMs()
	var zombies []*Client
	h.registry.connsMu.RLock()
	for _, c := range h.registry.conns {
		seen := c.lastSeenMs()
		if seen <= now && now-seen > zombieTimeoutMs {
			zombies = append(zombies, c)
		}
	}
	h.registry.connsMu.RUnlock()

	for _, c := range zombies {
		logging.Warn(context.Background(), "reaping zombie connection",
			zap.String("client_id", c.ID),
			zap.Uint64("silent_ms", now-c.lastSeenMs()))
		metrics.ZombiesReaped.Inc()
		h.handleDisconnect(c)
	}
}

// Shutdown disconnects every client so write pumps drain and sockets close.
func (h *Hub) Shutdown() {
	for _, c := range h.registry.snapshotClients() {
		c.Disconnect()
	}
}
