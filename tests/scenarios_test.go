// End-to-end scenarios over the full stack: manager, room state machine,
// deduplicator, operation tracker, and facade, driven through a scriptable
// fake transport.
package tests

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archonlabs/roomsync/config"
	"github.com/archonlabs/roomsync/src/manager"
	"github.com/archonlabs/roomsync/src/roomclient"
	"github.com/archonlabs/roomsync/src/transport"
	"github.com/archonlabs/roomsync/src/types"
)

// client bundles one simulated process: its own manager, facade, and fake
// transport.
type client struct {
	mgr  *manager.SocketManager
	rc   *roomclient.RoomClient
	fake *transport.Fake
}

func newClient(t *testing.T) *client {
	t.Helper()
	cfg := config.Default()
	cfg.ConnectTimeout = 200 * time.Millisecond
	cfg.JoinTimeout = 200 * time.Millisecond
	cfg.LeaveTimeout = 100 * time.Millisecond
	cfg.AckTimeout = 150 * time.Millisecond
	cfg.JoinDebounce = 10 * time.Millisecond
	cfg.RecoveryDelay = 10 * time.Millisecond
	cfg.HealthCheckInterval = time.Hour

	c := &client{}
	c.mgr = manager.New(cfg, func(string) types.Transport {
		c.fake = transport.NewFake()
		return c.fake
	}, zerolog.Nop())
	t.Cleanup(c.mgr.Destroy)

	c.rc = roomclient.New(c.mgr, "projects", cfg, zerolog.Nop())
	t.Cleanup(c.rc.Destroy)
	return c
}

func TestScenarioJoinSuccess(t *testing.T) {
	c := newClient(t)

	require.NoError(t, c.rc.JoinRoom(context.Background(), "project:42"))

	assert.Equal(t, "project:42", c.rc.CurrentRoom())
	assert.Equal(t, types.RoomJoined, c.rc.RoomState())
	assert.True(t, c.rc.IsInRoom())
}

func TestScenarioConcurrentJoinSharesOneFlight(t *testing.T) {
	c := newClient(t)
	require.NoError(t, c.mgr.EnsureConnected(context.Background(), "projects"))

	release := make(chan struct{})
	c.fake.SetAckResponder(func(event string, data map[string]any) (map[string]any, error) {
		if event == "join_room" {
			<-release
		}
		return map[string]any{"status": "ok"}, nil
	})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.rc.JoinRoom(context.Background(), "A")
		}(i)
	}
	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, c.fake.SentCount("join_room"))
}

func TestScenarioSwitchIsAtomic(t *testing.T) {
	c := newClient(t)
	require.NoError(t, c.rc.JoinRoom(context.Background(), "A"))

	var mu sync.Mutex
	var observed []types.RoomState
	off := c.mgr.Room("projects").OnStateChange(func(st types.RoomState) {
		mu.Lock()
		observed = append(observed, st)
		mu.Unlock()
	})
	defer off()

	require.NoError(t, c.rc.SwitchRoom(context.Background(), "B"))
	assert.Equal(t, "B", c.rc.CurrentRoom())

	mu.Lock()
	defer mu.Unlock()
	for _, st := range observed {
		assert.NotEqual(t, types.RoomIdle, st, "switch never observable as IDLE")
		assert.NotEqual(t, types.RoomJoining, st, "switch never observable as JOINING")
	}
	assert.Contains(t, observed, types.RoomSwitching)
}

func TestScenarioEchoOnlyFiltersOriginator(t *testing.T) {
	c1 := newClient(t)
	c2 := newClient(t)
	require.NoError(t, c1.rc.JoinRoom(context.Background(), "A"))
	require.NoError(t, c2.rc.JoinRoom(context.Background(), "A"))

	got1, got2 := 0, 0
	c1.rc.Subscribe("task_created", func(types.Message) { got1++ })
	c2.rc.Subscribe("task_created", func(types.Message) { got2++ })

	// c1 emits; the server broadcasts the identical envelope to everyone.
	require.NoError(t, c1.rc.Emit("task_created", map[string]any{"title": "x"}))
	sent := c1.fake.Sent()
	envelope := sent[len(sent)-1].Data

	c1.fake.Inject("task_created", envelope)
	c2.fake.Inject("task_created", envelope)

	assert.Zero(t, got1, "originator does not see its own echo")
	assert.Equal(t, 1, got2, "other members see the event")
}

func TestScenarioOperationTimeoutStopsSuppressing(t *testing.T) {
	cfg := config.Default()
	cfg.ConnectTimeout = 200 * time.Millisecond
	cfg.JoinTimeout = 200 * time.Millisecond
	cfg.AckTimeout = 50 * time.Millisecond
	cfg.OperationTimeout = 80 * time.Millisecond
	cfg.HealthCheckInterval = time.Hour

	var fake *transport.Fake
	mgr := manager.New(cfg, func(string) types.Transport {
		fake = transport.NewFake()
		return fake
	}, zerolog.Nop())
	t.Cleanup(mgr.Destroy)
	rc := roomclient.New(mgr, "projects", cfg, zerolog.Nop())
	t.Cleanup(rc.Destroy)
	require.NoError(t, rc.JoinRoom(context.Background(), "A"))

	fake.SetAckResponder(func(event string, data map[string]any) (map[string]any, error) {
		if event == "task_updated" {
			select {} // ack never arrives
		}
		return map[string]any{"status": "ok"}, nil
	})

	rollbacks := 0
	err := rc.EmitOptimistic(context.Background(), "task_updated",
		map[string]any{"id": "1"},
		func() any { return "snapshot" },
		func(prev any) {
			rollbacks++
			assert.Equal(t, "snapshot", prev)
		},
	)
	require.Error(t, err)
	assert.Equal(t, 1, rollbacks)

	// The failed operation must not suppress the server's late broadcast.
	sent := fake.Sent()
	opID, _ := sent[len(sent)-1].Data["operation_id"].(string)
	require.NotEmpty(t, opID)

	delivered := 0
	rc.Subscribe("task_updated", func(types.Message) { delivered++ })
	fake.Inject("task_updated", map[string]any{"id": "1", "operation_id": opID})
	assert.Equal(t, 1, delivered, "late message after failure is processed")
}

func TestScenarioReconnectStorm(t *testing.T) {
	c := newClient(t)
	require.NoError(t, c.rc.JoinRoom(context.Background(), "A"))

	// Several disconnect/reconnect rounds in quick succession; membership
	// must end re-established exactly once per settled reconnect.
	for i := 0; i < 3; i++ {
		c.fake.FireLifecycle(types.LifecycleEvent{Event: types.LifecycleDisconnect})
		c.fake.FireLifecycle(types.LifecycleEvent{Event: types.LifecycleReconnectAttempt, Attempt: 1})
		c.fake.FireLifecycle(types.LifecycleEvent{Event: types.LifecycleReconnect, Recovered: false})
		require.Eventually(t, func() bool {
			return c.rc.CurrentRoom() == "A" && c.rc.IsInRoom()
		}, time.Second, 5*time.Millisecond)
	}
	assert.Equal(t, 4, c.fake.SentCount("join_room"), "initial join plus one rejoin per reconnect")
}

func TestScenarioRapidRoomSwitching(t *testing.T) {
	c := newClient(t)
	require.NoError(t, c.rc.JoinRoom(context.Background(), "A"))

	for _, target := range []string{"B", "C", "D"} {
		require.NoError(t, c.rc.SwitchRoom(context.Background(), target))
	}
	assert.Equal(t, "D", c.rc.CurrentRoom())
	assert.Equal(t, 4, c.fake.SentCount("join_room"))
	assert.Equal(t, 3, c.fake.SentCount("leave_room"))

	h := c.mgr.Room("projects").History()
	require.NotEmpty(t, h)
	assert.Equal(t, types.RoomJoined, h[len(h)-1].To)
}

func TestScenarioDuplicateBroadcast(t *testing.T) {
	c := newClient(t)
	require.NoError(t, c.rc.JoinRoom(context.Background(), "A"))

	delivered := 0
	c.rc.Subscribe("task_created", func(types.Message) { delivered++ })

	envelope := map[string]any{
		"title": "x",
		types.MetaKey: map[string]any{
			"id":        "dup-1",
			"sourceId":  "other-client",
			"timestamp": float64(time.Now().UnixMilli()),
		},
	}
	c.fake.Inject("task_created", envelope)
	c.fake.Inject("task_created", envelope)
	c.fake.Inject("task_created", envelope)

	assert.Equal(t, 1, delivered, "server double-broadcast collapses to one delivery")
}
