package session

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/openwatchparty/session-server/internal/v1/auth"
	"github.com/openwatchparty/session-server/internal/v1/clock"
	"github.com/openwatchparty/session-server/internal/v1/protocol"
)

// MockWSConnection implements wsConnection for tests. Reads block-ish until
// the scripted messages run out, writes are captured.
type MockWSConnection struct {
	mu            sync.Mutex
	readMessages  [][]byte
	writeMessages [][]byte
	readIndex     int
	closed        bool
	closeCh       chan struct{}
	closeOnce     sync.Once
}

func newMockConn(messages ...[]byte) *MockWSConnection {
	return &MockWSConnection{
		readMessages: messages,
		closeCh:      make(chan struct{}),
	}
}

func (m *MockWSConnection) ReadMessage() (int, []byte, error) {
	m.mu.Lock()
	if m.readIndex < len(m.readMessages) {
		msg := m.readMessages[m.readIndex]
		m.readIndex++
		m.mu.Unlock()
		return 1, msg, nil // websocket.TextMessage
	}
	m.mu.Unlock()
	<-m.closeCh
	return 0, nil, errMockClosed
}

func (m *MockWSConnection) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeMessages = append(m.writeMessages, data)
	return nil
}

func (m *MockWSConnection) Close() error {
	m.closeOnce.Do(func() { close(m.closeCh) })
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *MockWSConnection) SetWriteDeadline(t time.Time) error { return nil }

func (m *MockWSConnection) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

var errMockClosed = &mockClosedError{}

type mockClosedError struct{}

func (e *mockClosedError) Error() string { return "mock connection closed" }

// stubValidator returns fixed claims, or a fixed error.
type stubValidator struct {
	claims *auth.Claims
	err    error
}

func (s stubValidator) ValidateToken(string) (*auth.Claims, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.claims != nil {
		return s.claims, nil
	}
	return &auth.Claims{
		Name:             "Anonymous",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "anonymous"},
	}, nil
}

// newTestHub builds a hub in anonymous mode with no upgrade limiter.
func newTestHub() *Hub {
	return NewHub(stubValidator{}, false, nil, nil)
}

// addTestClient registers a connected client directly, skipping the upgrade.
func addTestClient(h *Hub, id string) *Client {
	c := newClient(id, newMockConn(), !h.authRequired)
	h.registry.addClient(c)
	return c
}

// drain decodes every frame currently queued on a client.
func drain(t *testing.T, c *Client) []*protocol.Envelope {
	t.Helper()
	var out []*protocol.Envelope
	for {
		select {
		case data := <-c.send:
			env := &protocol.Envelope{}
			require.NoError(t, json.Unmarshal(data, env))
			out = append(out, env)
		default:
			return out
		}
	}
}

// ofType filters drained envelopes by message type.
func ofType(envs []*protocol.Envelope, t protocol.MessageType) []*protocol.Envelope {
	var out []*protocol.Envelope
	for _, e := range envs {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// payloadOf re-reads an envelope payload as a JSON object.
func payloadOf(t *testing.T, env *protocol.Envelope) map[string]any {
	t.Helper()
	obj, ok := env.Payload.(map[string]any)
	require.True(t, ok, "payload is not an object: %#v", env.Payload)
	return obj
}

// useFakeClock pins the shared clock to a fake starting at start and
// restores it when the test ends.
func useFakeClock(t *testing.T, start time.Time) *clocktesting.FakePassiveClock {
	t.Helper()
	fake := clocktesting.NewFakePassiveClock(start)
	restore := clock.SetSource(fake)
	t.Cleanup(restore)
	return fake
}

// createTestRoom drives create_room for c and returns the new room id.
func createTestRoom(t *testing.T, h *Hub, c *Client, payload map[string]any) string {
	t.Helper()
	h.dispatch(c, &protocol.Envelope{Type: protocol.TypeCreateRoom, Payload: toAnyMap(payload)}, clock.NowMs())
	envs := drain(t, c)
	states := ofType(envs, protocol.TypeRoomState)
	require.Len(t, states, 1)
	require.NotEmpty(t, states[0].Room)
	return states[0].Room
}

// joinTestRoom drives join_room for c and drains its queue.
func joinTestRoom(t *testing.T, h *Hub, c *Client, roomID string) {
	t.Helper()
	h.dispatch(c, &protocol.Envelope{Type: protocol.TypeJoinRoom, Room: roomID}, clock.NowMs())
	envs := drain(t, c)
	require.NotEmpty(t, ofType(envs, protocol.TypeRoomState), "join should return room_state")
}

func toAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
