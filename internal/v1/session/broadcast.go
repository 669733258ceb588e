package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/openwatchparty/session-server/internal/v1/clock"
	"github.com/openwatchparty/session-server/internal/v1/logging"
	"github.com/openwatchparty/session-server/internal/v1/protocol"
)

// delivery is a fan-out materialized under a table lock: the recipient queue
// handles plus one serialized payload. Enqueueing happens after the lock is
// released so a slow consumer never stalls the state machine.
type delivery struct {
	recipients []*Client
	data       []byte
}

func (d delivery) send() {
	for _, c := range d.recipients {
		c.Send(d.data)
	}
}

// newEnvelope builds an outbound envelope stamped with the current time.
func newEnvelope(t protocol.MessageType, room, client string, payload any) *protocol.Envelope {
	now := clock.NowMs()
	return &protocol.Envelope{
		Type:     t,
		Room:     room,
		Client:   client,
		Payload:  payload,
		Ts:       now,
		ServerTs: now,
	}
}

// encode serializes an envelope, logging instead of failing: a bad outbound
// message is dropped, never fatal to the connection.
func encode(env *protocol.Envelope) ([]byte, bool) {
	data, err := protocol.Encode(env)
	if err != nil {
		logging.Error(context.Background(), "failed to serialize outbound message",
			zap.String("message_type", string(env.Type)), zap.Error(err))
		return nil, false
	}
	return data, true
}

func (h *Hub) sendEnvelope(c *Client, env *protocol.Envelope) {
	if data, ok := encode(env); ok {
		c.Send(data)
	}
}

func (h *Hub) sendError(c *Client, message string) {
	h.sendEnvelope(c, newEnvelope(protocol.TypeError, "", "", map[string]any{
		"message": message,
	}))
}

// roomListPayload materializes the public room directory. Caller holds the
// rooms lock in either mode.
func (h *Hub) roomListPayload() []map[string]any {
	out := make([]map[string]any, 0, len(h.registry.rooms))
	for _, r := range h.registry.rooms {
		out = append(out, map[string]any{
			"id":       r.ID,
			"name":     r.Name,
			"count":    len(r.Members),
			"media_id": r.mediaIDValue(),
		})
	}
	return out
}

// sendRoomList sends the current directory to one connection.
func (h *Hub) sendRoomList(c *Client) {
	h.registry.roomsMu.RLock()
	payload := h.roomListPayload()
	h.registry.roomsMu.RUnlock()
	h.sendEnvelope(c, newEnvelope(protocol.TypeRoomList, "", "", payload))
}

// broadcastRoomList sends the directory to every connection, serialized once.
func (h *Hub) broadcastRoomList() {
	h.registry.roomsMu.RLock()
	payload := h.roomListPayload()
	h.registry.roomsMu.RUnlock()

	data, ok := encode(newEnvelope(protocol.TypeRoomList, "", "", payload))
	if !ok {
		return
	}
	delivery{recipients: h.registry.snapshotClients(), data: data}.send()
}

// roomDelivery materializes a room fan-out. Caller holds the rooms lock in
// either mode; the returned delivery is sent after release.
func (h *Hub) roomDelivery(r *Room, env *protocol.Envelope, excludeID string) delivery {
	data, ok := encode(env)
	if !ok {
		return delivery{}
	}
	return delivery{recipients: h.registry.resolveMembers(r, excludeID), data: data}
}
