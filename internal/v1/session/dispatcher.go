package session

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openwatchparty/session-server/internal/v1/clock"
	"github.com/openwatchparty/session-server/internal/v1/logging"
	"github.com/openwatchparty/session-server/internal/v1/metrics"
	"github.com/openwatchparty/session-server/internal/v1/protocol"
)

// dispatch routes a parsed inbound envelope to its handler. now is the
// arrival timestamp already taken for the rate-limit check, reused so one
// message sees one consistent time.
func (h *Hub) dispatch(c *Client, env *protocol.Envelope, now uint64) {
	switch env.Type {
	case protocol.TypeAuth:
		h.handleAuth(c, env)
	case protocol.TypeListRooms:
		h.sendRoomList(c)
	case protocol.TypeCreateRoom:
		h.handleCreateRoom(c, env)
	case protocol.TypeJoinRoom:
		h.handleJoinRoom(c, env)
	case protocol.TypeReady:
		h.handleReady(c)
	case protocol.TypeLeaveRoom:
		h.handleLeaveRoom(c)
	case protocol.TypePlayerEvent:
		h.handlePlayerEvent(c, env, now)
	case protocol.TypeStateUpdate:
		h.handleStateUpdate(c, env, now)
	case protocol.TypePing:
		h.handlePing(c, env, now)
	case protocol.TypeClientLog:
		h.handleClientLog(c, env)
	case protocol.TypeQualityUpdate:
		h.handleQualityUpdate(c, env)
	case protocol.TypeChatMessage:
		h.handleChatMessage(c, env)
	default:
		h.sendError(c, "Unknown message type")
	}
}

// handleAuth processes a bearer token, or a self-declared identity when
// authentication is disabled. Failed validation leaves the connection
// unauthenticated; it may retry.
func (h *Hub) handleAuth(c *Client, env *protocol.Envelope) {
	if token, ok := env.PayloadString("token"); ok && token != "" {
		claims, err := h.validator.ValidateToken(token)
		if err != nil {
			logging.Warn(context.Background(), "token validation failed",
				zap.String("client_id", c.ID), zap.Error(err))
			h.sendError(c, "Authentication failed")
			return
		}
		name, ok := protocol.SanitizeName(claims.Name)
		if !ok {
			name = "Anonymous"
		}
		c.setIdentity(claims.Subject, name, true)
		h.sendEnvelope(c, newEnvelope(protocol.TypeAuthSuccess, "", c.ID, map[string]any{
			"user_name": name,
		}))
		return
	}

	if !h.authRequired {
		// Anonymous mode: a user_name (and optional user_id) is accepted as
		// self-declared identity.
		if raw, ok := env.PayloadString("user_name"); ok {
			if name, valid := protocol.SanitizeName(raw); valid {
				userID, _ := env.PayloadString("user_id")
				c.setIdentity(userID, name, false)
			}
		}
		return
	}
	h.sendError(c, "Authentication failed")
}

// handleCreateRoom creates a room hosted by the sender. A room already
// hosted by this connection is closed first, so one connection never hosts
// two rooms.
func (h *Hub) handleCreateRoom(c *Client, env *protocol.Envelope) {
	if !c.Authenticated() {
		h.sendError(c, "Authentication required")
		return
	}

	hostName := c.UserName()
	if raw, ok := env.PayloadString("user_name"); ok {
		if name, valid := protocol.SanitizeName(raw); valid {
			hostName = name
			c.setIdentity("", name, false)
		}
	}

	startPos := 0.0
	if p, ok := env.PayloadFloat("start_pos"); ok && protocol.IsValidPosition(p) {
		startPos = p
	}
	mediaID := ""
	if m, ok := env.PayloadString("media_id"); ok && protocol.IsValidMediaID(m) {
		mediaID = m
	}

	room := newRoom(uuid.NewString(), "Room de "+hostName, c.ID, mediaID, startPos)

	var closePrior delivery
	h.registry.roomsMu.Lock()
	for _, prior := range h.registry.rooms {
		if prior.HostID == c.ID {
			closePrior = h.closeRoomLocked(prior, "Host started a new room")
			break
		}
	}
	h.registry.rooms[room.ID] = room
	c.setRoomID(room.ID)
	stateEnv := newEnvelope(protocol.TypeRoomState, room.ID, c.ID, room.stateSnapshot())
	h.registry.roomsMu.Unlock()

	metrics.ActiveRooms.Inc()
	closePrior.send()
	h.sendEnvelope(c, stateEnv)
	h.broadcastRoomList()
	logging.Info(context.Background(), "room created",
		zap.String("room_id", room.ID), zap.String("host_id", c.ID))
}

// handleJoinRoom adds the sender to an existing room. Joining is idempotent
// in membership; a re-join resets the member's readiness. A join racing the
// room's destruction is a silent no-op.
func (h *Hub) handleJoinRoom(c *Client, env *protocol.Envelope) {
	if !c.Authenticated() {
		h.sendError(c, "Authentication required")
		return
	}
	roomID := env.Room
	if roomID == "" {
		return
	}
	if raw, ok := env.PayloadString("user_name"); ok {
		if name, valid := protocol.SanitizeName(raw); valid {
			c.setIdentity("", name, false)
		}
	}
	if prev := c.RoomID(); prev != "" && prev != roomID {
		h.leaveRoom(c)
	}

	h.registry.roomsMu.Lock()
	room := h.registry.rooms[roomID]
	if room == nil {
		h.registry.roomsMu.Unlock()
		return
	}
	if !room.hasMember(c.ID) && len(room.Members) >= MaxRoomMembers {
		h.registry.roomsMu.Unlock()
		h.sendError(c, "Room is full")
		return
	}
	room.addMember(c.ID)
	room.Ready.Delete(c.ID)
	c.setRoomID(roomID)
	stateEnv := newEnvelope(protocol.TypeRoomState, roomID, c.ID, room.stateSnapshot())
	updateEnv := newEnvelope(protocol.TypeParticipantsUpdate, roomID, c.ID, map[string]any{
		"participant_count": len(room.Members),
	})
	d := h.roomDelivery(room, updateEnv, c.ID)
	h.registry.roomsMu.Unlock()

	h.sendEnvelope(c, stateEnv)
	d.send()
}

// handleReady records readiness and completes a pending play barrier when
// the sender was the last straggler.
func (h *Hub) handleReady(c *Client) {
	roomID := c.RoomID()
	if roomID == "" {
		return
	}

	var d delivery
	h.registry.roomsMu.Lock()
	room := h.registry.rooms[roomID]
	if room != nil && room.hasMember(c.ID) {
		room.Ready.Insert(c.ID)
		if room.Pending != nil && room.allReady() {
			d = h.scheduledPlayLocked(room, room.Pending.position)
		}
	}
	h.registry.roomsMu.Unlock()
	d.send()
}

func (h *Hub) handleLeaveRoom(c *Client) {
	if h.leaveRoom(c) {
		h.broadcastRoomList()
	}
}

// handlePlayerEvent applies a host command. A play either fires immediately
// (everyone ready) or arms the pending-play barrier with its fallback timer.
// Other actions are scheduled a short offset ahead and fanned out to the
// rest of the room.
func (h *Hub) handlePlayerEvent(c *Client, env *protocol.Envelope, now uint64) {
	roomID := env.Room
	if roomID == "" {
		roomID = c.RoomID()
	}

	var d delivery
	h.registry.roomsMu.Lock()
	room := h.registry.rooms[roomID]
	if room == nil || room.HostID != c.ID {
		h.registry.roomsMu.Unlock()
		return
	}

	action, _ := env.PayloadString("action")
	if action == "play" {
		position := room.State.Position
		if p, ok := env.PayloadFloat("position"); ok && protocol.IsValidPosition(p) {
			position = p
		}
		if room.allReady() {
			d = h.scheduledPlayLocked(room, position)
		} else {
			room.Pending = &pendingPlay{position: position, createdAt: now}
			room.LastCommandTs = now
			createdAt := now
			time.AfterFunc(h.maxReadyWait, func() {
				h.firePendingPlay(roomID, createdAt)
			})
		}
	} else {
		room.applyStateUpdate(env, now)
		if action == "pause" {
			room.State.PlayState = "paused"
		}
		room.LastCommandTs = now

		target := now + controlScheduleOffsetMs
		env.Room = roomID
		env.Client = c.ID
		env.ServerTs = target
		env.SetPayloadField("target_server_ts", target)
		d = h.roomDelivery(room, env, c.ID)
	}
	h.registry.roomsMu.Unlock()
	d.send()
}

// scheduledPlayLocked stamps a play at now+playScheduleOffsetMs and
// materializes the fan-out to every member, host included, so all players
// start at the same wall-clock instant. Caller holds the rooms write lock.
func (h *Hub) scheduledPlayLocked(room *Room, position float64) delivery {
	now := clock.NowMs()
	target := now + playScheduleOffsetMs

	room.Pending = nil
	room.State.Position = position
	room.State.PlayState = "playing"
	room.LastCommandTs = now
	room.LastStateTs = now

	env := &protocol.Envelope{
		Type:   protocol.TypePlayerEvent,
		Room:   room.ID,
		Client: room.HostID,
		Payload: map[string]any{
			"action":           "play",
			"position":         position,
			"target_server_ts": target,
		},
		Ts:       now,
		ServerTs: target,
	}
	return h.roomDelivery(room, env, "")
}

// firePendingPlay is the barrier fallback: after maxReadyWait the play fires
// even if some members never acknowledged. createdAt is the generation
// stamp; a replaced or cleared pending play makes this a no-op.
func (h *Hub) firePendingPlay(roomID string, createdAt uint64) {
	var d delivery
	h.registry.roomsMu.Lock()
	room := h.registry.rooms[roomID]
	if room != nil && room.Pending != nil && room.Pending.createdAt == createdAt {
		logging.Info(context.Background(), "ready barrier timed out, forcing play",
			zap.String("room_id", roomID))
		d = h.scheduledPlayLocked(room, room.Pending.position)
	}
	h.registry.roomsMu.Unlock()
	d.send()
}

// handleStateUpdate folds a host state report into the authoritative room
// state when the acceptance filter passes, then fans it out to the other
// members.
func (h *Hub) handleStateUpdate(c *Client, env *protocol.Envelope, now uint64) {
	roomID := env.Room
	if roomID == "" {
		roomID = c.RoomID()
	}

	var d delivery
	h.registry.roomsMu.Lock()
	room := h.registry.rooms[roomID]
	if room == nil || room.HostID != c.ID {
		h.registry.roomsMu.Unlock()
		return
	}
	accept, reason := room.shouldAcceptStateUpdate(env, now)
	if !accept {
		h.registry.roomsMu.Unlock()
		metrics.StateUpdatesFiltered.WithLabelValues(reason).Inc()
		return
	}
	room.applyStateUpdate(env, now)
	env.Room = roomID
	env.Client = c.ID
	env.ServerTs = now
	d = h.roomDelivery(room, env, c.ID)
	h.registry.roomsMu.Unlock()
	d.send()
}

// handlePing echoes room, client, and payload so clients can measure RTT
// against the server-set timestamp.
func (h *Hub) handlePing(c *Client, env *protocol.Envelope, now uint64) {
	h.sendEnvelope(c, &protocol.Envelope{
		Type:     protocol.TypePong,
		Room:     env.Room,
		Client:   env.Client,
		Payload:  env.Payload,
		Ts:       env.Ts,
		ServerTs: now,
	})
}

// handleClientLog surfaces client-side telemetry in the server log, keyed by
// a shortened connection id.
func (h *Hub) handleClientLog(c *Client, env *protocol.Envelope) {
	category, _ := env.PayloadString("category")
	message, _ := env.PayloadString("message")
	idPrefix := c.ID
	if len(idPrefix) > 8 {
		idPrefix = idPrefix[:8]
	}
	logging.Info(context.Background(), "client log",
		zap.String("client", idPrefix),
		zap.String("category", category),
		zap.String("message", message))
}

// handleQualityUpdate echoes a host quality report to the other members
// without touching room state.
func (h *Hub) handleQualityUpdate(c *Client, env *protocol.Envelope) {
	roomID := env.Room
	if roomID == "" {
		roomID = c.RoomID()
	}

	var d delivery
	h.registry.roomsMu.RLock()
	room := h.registry.rooms[roomID]
	if room != nil && room.HostID == c.ID {
		env.Room = roomID
		env.Client = c.ID
		d = h.roomDelivery(room, env, c.ID)
	}
	h.registry.roomsMu.RUnlock()
	d.send()
}

// handleChatMessage validates and relays chat to every member, sender
// included, making the server the ordering truth for chat.
func (h *Hub) handleChatMessage(c *Client, env *protocol.Envelope) {
	roomID := env.Room
	if roomID == "" {
		h.sendError(c, "Room ID required for chat")
		return
	}
	text, _ := env.PayloadString("text")
	if strings.TrimSpace(text) == "" {
		h.sendError(c, "Chat message cannot be empty")
		return
	}
	if utf8.RuneCountInString(text) > protocol.MaxChatMessageLength {
		h.sendError(c, "Chat message too long (max 500 characters)")
		return
	}

	var d delivery
	h.registry.roomsMu.RLock()
	room := h.registry.rooms[roomID]
	if room != nil && room.hasMember(c.ID) {
		out := newEnvelope(protocol.TypeChatMessage, roomID, c.ID, map[string]any{
			"username": c.UserName(),
			"text":     text,
		})
		d = h.roomDelivery(room, out, "")
	}
	h.registry.roomsMu.RUnlock()
	d.send()
}
