package session

import (
	"k8s.io/utils/set"

	"github.com/openwatchparty/session-server/internal/v1/protocol"
)

// MaxRoomMembers caps membership per room.
const MaxRoomMembers = 20

// Scheduling and filter constants, all in milliseconds.
const (
	playScheduleOffsetMs    = 1000
	controlScheduleOffsetMs = 300
	commandCooldownMs       = 2000
	minStateIntervalMs      = 500
	maxReadyWaitMs          = 2000
)

// Position jitter band, in seconds. Small deltas around the last authoritative
// position are player noise, not intentional seeks.
const positionJitterSeconds = 0.5

// PlaybackState is the authoritative playback truth for a room.
type PlaybackState struct {
	Position  float64 `json:"position"`
	PlayState string  `json:"play_state"`
}

// pendingPlay is a host play command deferred until every member is ready or
// the fallback timer fires. createdAt doubles as a generation stamp: the
// fallback timer no-ops when it no longer matches.
type pendingPlay struct {
	position  float64
	createdAt uint64
}

// Room holds one watch party. All fields are guarded by the registry's rooms
// lock; Room itself carries no locking.
type Room struct {
	ID     string
	Name   string
	HostID string
	// MediaID is the 32-hex media identifier, empty when not set.
	MediaID string

	// Members keeps insertion order for deterministic iteration.
	Members []string
	Ready   set.Set[string]

	Pending       *pendingPlay
	State         PlaybackState
	LastStateTs   uint64
	LastCommandTs uint64
}

func newRoom(id, name, hostID, mediaID string, startPos float64) *Room {
	// The host is ready by definition: its player issued the command. A solo
	// host's play fires immediately, and the barrier only waits on guests.
	return &Room{
		ID:      id,
		Name:    name,
		HostID:  hostID,
		MediaID: mediaID,
		Members: []string{hostID},
		Ready:   set.New(hostID),
		State:   PlaybackState{Position: startPos, PlayState: "paused"},
	}
}

func (r *Room) hasMember(id string) bool {
	for _, m := range r.Members {
		if m == id {
			return true
		}
	}
	return false
}

// addMember appends id, idempotently.
func (r *Room) addMember(id string) {
	if !r.hasMember(id) {
		r.Members = append(r.Members, id)
	}
}

func (r *Room) removeMember(id string) {
	for i, m := range r.Members {
		if m == id {
			r.Members = append(r.Members[:i], r.Members[i+1:]...)
			break
		}
	}
	r.Ready.Delete(id)
}

// allReady reports whether every current member has signaled readiness.
func (r *Room) allReady() bool {
	for _, m := range r.Members {
		if !r.Ready.Has(m) {
			return false
		}
	}
	return true
}

// mediaIDValue renders MediaID for payloads, null when absent.
func (r *Room) mediaIDValue() any {
	if r.MediaID == "" {
		return nil
	}
	return r.MediaID
}

// stateSnapshot returns the room_state payload for one recipient.
func (r *Room) stateSnapshot() map[string]any {
	return map[string]any{
		"name":              r.Name,
		"host_id":           r.HostID,
		"state":             r.State,
		"participant_count": len(r.Members),
		"media_id":          r.mediaIDValue(),
	}
}

// Reasons a host state_update is filtered out rather than fanned out.
const (
	filterCooldown = "command_cooldown"
	filterThrottle = "throttle"
	filterJitter   = "jitter"
)

// shouldAcceptStateUpdate decides whether a host state_update becomes the new
// authoritative state. Play-state changes always pass; position-only updates
// are dropped during the post-command cooldown, throttled to one per
// minStateIntervalMs, and dropped when the position delta is small enough to
// be player jitter. Returns the filter reason on rejection.
func (r *Room) shouldAcceptStateUpdate(env *protocol.Envelope, now uint64) (bool, string) {
	newState := r.State.PlayState
	if s, ok := env.PayloadString("play_state"); ok && protocol.IsValidPlayState(s) {
		newState = s
	}
	if newState != r.State.PlayState {
		return true, ""
	}

	if r.LastCommandTs > 0 && r.LastCommandTs <= now && now-r.LastCommandTs < commandCooldownMs {
		return false, filterCooldown
	}
	if r.LastStateTs <= now && now-r.LastStateTs < minStateIntervalMs {
		return false, filterThrottle
	}

	newPos := r.State.Position
	if p, ok := env.PayloadFloat("position"); ok && protocol.IsValidPosition(p) {
		newPos = p
	}
	delta := newPos - r.State.Position
	if (delta > -2.0 && delta < -positionJitterSeconds) ||
		(delta >= 0.0 && delta < positionJitterSeconds) {
		return false, filterJitter
	}
	return true, ""
}

// applyStateUpdate folds validated payload fields into the authoritative
// state and stamps the acceptance time.
func (r *Room) applyStateUpdate(env *protocol.Envelope, now uint64) {
	if p, ok := env.PayloadFloat("position"); ok && protocol.IsValidPosition(p) {
		r.State.Position = p
	}
	if s, ok := env.PayloadString("play_state"); ok && protocol.IsValidPlayState(s) {
		r.State.PlayState = s
	}
	r.LastStateTs = now
}
