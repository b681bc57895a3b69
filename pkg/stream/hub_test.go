package stream

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus-core/pkg/config"
)

// fakeConn records writes so tests can assert on delivered frames.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *fakeConn) Close(websocket.StatusCode, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) frameTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, raw := range c.frames {
		var f struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(raw, &f) == nil {
			out = append(out, f.Type)
		}
	}
	return out
}

func testStreamConfig() *config.StreamConfig {
	return &config.StreamConfig{
		PingInterval:          time.Hour,
		SessionGrace:          5 * time.Minute,
		SubscriptionIdleTTL:   20 * time.Minute,
		BufferSize:            16,
		BackpressureThreshold: 8,
		FlushInterval:         5 * time.Millisecond,
		WriteTimeout:          time.Second,
	}
}

func newTestHub(t *testing.T) (*Hub, context.Context) {
	t.Helper()
	h := NewHub(testStreamConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(h.Stop)
	return h, ctx
}

func waitForFrame(t *testing.T, conn *fakeConn, eventType string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, ft := range conn.frameTypes() {
			if ft == eventType {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("frame %q never delivered; saw %v", eventType, conn.frameTypes())
}

func TestCreateSessionSendsWelcome(t *testing.T) {
	h, ctx := newTestHub(t)
	conn := &fakeConn{}

	s := h.CreateSession(ctx, conn)
	require.NotNil(t, s)
	assert.NotEmpty(t, s.ID)
	assert.NotEmpty(t, s.ReconnectToken)
	assert.Equal(t, 1, h.SessionCount())

	waitForFrame(t, conn, EventWelcome)
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	h, ctx := newTestHub(t)
	conn := &fakeConn{}
	s := h.CreateSession(ctx, conn)

	require.NoError(t, h.Subscribe(s.ID, SubscriptionTask, "task-1", nil))
	assert.Equal(t, 1, h.RoomMembers(TaskRoom("task-1")))
	assert.Equal(t, 1, s.SubscriptionCount())

	h.StreamToTask("task-1", EventTaskProgress, map[string]any{"progress": 50})
	waitForFrame(t, conn, EventTaskProgress)

	require.NoError(t, h.Unsubscribe(s.ID, SubscriptionTask, "task-1"))
	assert.Zero(t, h.RoomMembers(TaskRoom("task-1")))
	assert.Zero(t, s.SubscriptionCount())
}

func TestSubscriptionRoomMembershipParity(t *testing.T) {
	h, ctx := newTestHub(t)
	s := h.CreateSession(ctx, &fakeConn{})

	require.NoError(t, h.Subscribe(s.ID, SubscriptionTask, "t1", nil))
	require.NoError(t, h.Subscribe(s.ID, SubscriptionAgent, "a1", nil))
	require.NoError(t, h.Subscribe(s.ID, SubscriptionGlobal, "", nil))

	assert.Equal(t, 3, s.SubscriptionCount())
	total := h.RoomMembers(TaskRoom("t1")) + h.RoomMembers(AgentRoom("a1")) + h.RoomMembers(GlobalRoom)
	assert.Equal(t, 3, total, "N subscriptions must mean exactly N room memberships")
}

func TestPublishToUnsubscribedRoomIsNoop(t *testing.T) {
	h, ctx := newTestHub(t)
	conn := &fakeConn{}
	s := h.CreateSession(ctx, conn)
	require.NoError(t, h.Subscribe(s.ID, SubscriptionTask, "mine", nil))

	h.StreamToTask("someone-elses", EventTaskProgress, nil)
	time.Sleep(20 * time.Millisecond)

	for _, ft := range conn.frameTypes() {
		assert.NotEqual(t, EventTaskProgress, ft)
	}
}

func TestSubscribeUnknownSession(t *testing.T) {
	h, _ := newTestHub(t)
	err := h.Subscribe("ghost", SubscriptionTask, "t1", nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestBackpressureDropsAndSignalsOnce(t *testing.T) {
	cfg := testStreamConfig()
	cfg.FlushInterval = time.Hour // writer never drains
	h := NewHub(cfg, nil)
	t.Cleanup(h.Stop)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	conn := &fakeConn{}
	s := h.CreateSession(ctx, conn)
	require.NoError(t, h.Subscribe(s.ID, SubscriptionTask, "t1", nil))

	// Fill past the threshold; later frames drop.
	for i := 0; i < cfg.BackpressureThreshold+10; i++ {
		h.StreamToTask("t1", EventTaskProgress, map[string]any{"i": i})
	}

	assert.Equal(t, int64(10), s.Dropped())
}

func TestReconnectRestoresSubscriptions(t *testing.T) {
	h, ctx := newTestHub(t)
	conn1 := &fakeConn{}
	s := h.CreateSession(ctx, conn1)
	require.NoError(t, h.Subscribe(s.ID, SubscriptionTask, "t1", nil))
	token := s.ReconnectToken

	s.markDisconnected()

	conn2 := &fakeConn{}
	restored, err := h.Reconnect(ctx, conn2, s.ID, token)
	require.NoError(t, err)
	assert.Same(t, s, restored)
	assert.Equal(t, 1, restored.SubscriptionCount())
	assert.NotEqual(t, token, restored.ReconnectToken, "token must rotate")

	// Old token is spent.
	_, err = h.Reconnect(ctx, &fakeConn{}, s.ID, token)
	assert.ErrorIs(t, err, ErrInvalidReconnectToken)

	// Frames flow to the new transport.
	h.StreamToTask("t1", EventTaskProgress, nil)
	waitForFrame(t, conn2, EventTaskProgress)
}

func TestSweepRemovesExpiredSessions(t *testing.T) {
	h, ctx := newTestHub(t)
	conn := &fakeConn{}
	s := h.CreateSession(ctx, conn)
	require.NoError(t, h.Subscribe(s.ID, SubscriptionTask, "t1", nil))

	s.markDisconnected()
	h.sweep(time.Now().Add(10 * time.Minute))

	assert.Zero(t, h.SessionCount())
	assert.Zero(t, h.RoomMembers(TaskRoom("t1")))
	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.True(t, conn.closed)
}

func TestSweepEvictsIdleSubscriptions(t *testing.T) {
	h, ctx := newTestHub(t)
	s := h.CreateSession(ctx, &fakeConn{})
	require.NoError(t, h.Subscribe(s.ID, SubscriptionTask, "t1", nil))

	// Beyond the idle TTL but inside the session grace: the subscription
	// goes, the session stays.
	h.sweep(time.Now().Add(30 * time.Minute))

	assert.Equal(t, 1, h.SessionCount())
	assert.Zero(t, s.SubscriptionCount())
	assert.Zero(t, h.RoomMembers(TaskRoom("t1")))
}

func TestRoomFor(t *testing.T) {
	assert.Equal(t, "task:t1", RoomFor(SubscriptionTask, "t1"))
	assert.Equal(t, "agent:a1", RoomFor(SubscriptionAgent, "a1"))
	assert.Equal(t, "competition:c1", RoomFor(SubscriptionCompetition, "c1"))
	assert.Equal(t, GlobalRoom, RoomFor(SubscriptionGlobal, "anything"))
}

func TestBroadcastReachesGlobalSubscribers(t *testing.T) {
	h, ctx := newTestHub(t)
	conn := &fakeConn{}
	s := h.CreateSession(ctx, conn)
	require.NoError(t, h.Subscribe(s.ID, SubscriptionGlobal, "", nil))

	h.Broadcast("announcement", map[string]any{"msg": "hi"})
	waitForFrame(t, conn, "announcement")
}
