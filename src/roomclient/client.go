// Package roomclient is the public facade of the sync layer: room
// membership bound to a consumer's lifecycle, metadata-stamped emission,
// dedup-gated subscriptions, and optimistic updates with rollback.
package roomclient

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/archonlabs/roomsync/config"
	"github.com/archonlabs/roomsync/src/dedup"
	"github.com/archonlabs/roomsync/src/manager"
	"github.com/archonlabs/roomsync/src/ops"
	"github.com/archonlabs/roomsync/src/room"
	"github.com/archonlabs/roomsync/src/types"
)

// SubscribeOption tunes a subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	once bool
}

// Once removes the subscription after its first delivery.
func Once() SubscribeOption {
	return func(o *subscribeOptions) { o.once = true }
}

// RoomClient is a room-scoped facade over one namespace connection. The
// underlying connection, room state machine, and deduplicator are shared
// by every RoomClient in the namespace.
type RoomClient struct {
	mgr       *manager.SocketManager
	namespace string
	cfg       *config.Config
	logger    zerolog.Logger

	transport types.Transport
	room      *room.Manager
	dedup     *dedup.Deduplicator
	ops       *ops.Tracker

	mu          sync.Mutex
	unsubs      map[string][]func()
	target      string
	debounce    *time.Timer
	offRecovery func()
	offSuppress func()
	destroyed   bool
}

// New creates a facade for one namespace, lazily creating the namespace
// connection through the manager.
func New(mgr *manager.SocketManager, namespace string, cfg *config.Config, logger zerolog.Logger) *RoomClient {
	c := &RoomClient{
		mgr:       mgr,
		namespace: namespace,
		cfg:       cfg,
		logger:    logger.With().Str("component", "room-client").Str("namespace", namespace).Logger(),
		transport: mgr.GetConnection(namespace),
		room:      mgr.Room(namespace),
		dedup:     mgr.Dedup(namespace),
		ops:       ops.New(cfg.OperationTimeout, cfg.OperationMaxAge, logger),
		unsubs:    make(map[string][]func()),
	}
	c.offSuppress = c.room.AddSuppressionHook(c.shouldSuppress)
	c.offRecovery = mgr.OnRecovery(c.onRecovery)
	return c
}

// JoinRoom enters roomID, ensuring connectivity first when auto-reconnect
// is enabled.
func (c *RoomClient) JoinRoom(ctx context.Context, roomID string) error {
	if c.cfg.AutoReconnect {
		if err := c.mgr.EnsureConnected(ctx, c.namespace); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.target = roomID
	c.mu.Unlock()
	return c.room.Join(ctx, roomID)
}

// LeaveRoom exits the active room.
func (c *RoomClient) LeaveRoom(ctx context.Context) error {
	c.mu.Lock()
	c.target = ""
	c.mu.Unlock()
	return c.room.Leave(ctx)
}

// SwitchRoom moves to newRoomID as one guarded transition.
func (c *RoomClient) SwitchRoom(ctx context.Context, newRoomID string) error {
	if c.cfg.AutoReconnect {
		if err := c.mgr.EnsureConnected(ctx, c.namespace); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.target = newRoomID
	c.mu.Unlock()
	return c.room.Switch(ctx, newRoomID)
}

// Emit sends a metadata-stamped event on the namespace connection.
func (c *RoomClient) Emit(event string, data map[string]any) error {
	return c.transport.Emit(event, c.dedup.CreateEventMetadata(event, data))
}

// EmitToRoom sends a metadata-stamped event into the active room.
// Requires active membership.
func (c *RoomClient) EmitToRoom(event string, data map[string]any) error {
	return c.room.EmitToRoom(event, c.dedup.CreateEventMetadata(event, data))
}

// EmitWithAck sends a metadata-stamped event and waits for the server's
// acknowledgement, bounded by the ack timeout (or an earlier ctx deadline).
func (c *RoomClient) EmitWithAck(ctx context.Context, event string, data map[string]any) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.AckTimeout)
	defer cancel()
	return c.transport.EmitWithAck(ctx, event, c.dedup.CreateEventMetadata(event, data))
}

// Subscribe registers a handler for one event name. Delivery is already
// dedup- and echo-gated by the namespace's inbound dispatch. Returns
// unsubscribe.
func (c *RoomClient) Subscribe(event string, handler types.MessageHandler, opts ...SubscribeOption) func() {
	var so subscribeOptions
	for _, opt := range opts {
		opt(&so)
	}

	wrapped := handler
	var settle func(unsub func())
	if so.once {
		var (
			once  sync.Once
			omu   sync.Mutex
			unsub func()
			fired bool
		)
		wrapped = func(msg types.Message) {
			once.Do(func() {
				handler(msg)
				omu.Lock()
				f := unsub
				fired = true
				omu.Unlock()
				if f != nil {
					f()
				}
			})
		}
		// A dispatch can fire the handler before registration returned
		// the unsubscribe func; settle catches up in that case.
		settle = func(off func()) {
			omu.Lock()
			unsub = off
			raced := fired
			omu.Unlock()
			if raced {
				off()
			}
		}
	}

	off := c.room.OnRoomEvent(event, wrapped)
	if settle != nil {
		settle(off)
	}

	c.mu.Lock()
	c.unsubs[event] = append(c.unsubs[event], off)
	c.mu.Unlock()
	return off
}

// Unsubscribe drops every handler this facade registered for one event.
func (c *RoomClient) Unsubscribe(event string) {
	c.mu.Lock()
	offs := c.unsubs[event]
	delete(c.unsubs, event)
	c.mu.Unlock()
	for _, off := range offs {
		off()
	}
}

// UnsubscribeAll drops every handler this facade registered.
func (c *RoomClient) UnsubscribeAll() {
	c.mu.Lock()
	all := c.unsubs
	c.unsubs = make(map[string][]func())
	c.mu.Unlock()
	for _, offs := range all {
		for _, off := range offs {
			off()
		}
	}
}

// EmitOptimistic applies a local mutation immediately, then sends the
// event with acknowledgement. On failure or timeout the rollback callback
// receives the pre-mutation snapshot returned by applyLocal. The operation
// is tracked so an untagged server echo carrying its operation id is
// suppressed while it is pending or completed.
func (c *RoomClient) EmitOptimistic(
	ctx context.Context,
	event string,
	data map[string]any,
	applyLocal func() (snapshot any),
	rollback func(snapshot any),
) error {
	opID := c.ops.CreateOperation(event, data)
	snapshot := applyLocal()

	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["operation_id"] = opID

	ack, err := c.EmitWithAck(ctx, event, payload)
	if err != nil {
		c.ops.FailOperation(opID, err)
		rollback(snapshot)
		c.logger.Warn().Err(err).Str("event", event).Str("operation_id", opID).
			Msg("optimistic update rolled back")
		return err
	}
	c.ops.CompleteOperation(opID, ack)
	return nil
}

// Bind ties room membership to a consumer lifecycle: the join fires after
// a short debounce so rapid target changes coalesce into one transition.
func (c *RoomClient) Bind(roomID string) {
	c.mu.Lock()
	c.target = roomID
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.debounce = time.AfterFunc(c.cfg.JoinDebounce, func() {
		c.mu.Lock()
		target := c.target
		c.mu.Unlock()
		if target != roomID {
			return // superseded while settling
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout+c.cfg.JoinTimeout)
		defer cancel()
		if err := c.JoinRoom(ctx, roomID); err != nil {
			c.logger.Warn().Err(err).Str("room", roomID).Msg("bound join failed")
		}
	})
	c.mu.Unlock()
}

// Release undoes Bind. The room is left only if this facade's target still
// matches the joined room, so a room another consumer has since taken over
// is not torn down.
func (c *RoomClient) Release() {
	c.mu.Lock()
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	target := c.target
	c.target = ""
	c.mu.Unlock()

	if target == "" || c.room.CurrentRoom() != target {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*c.cfg.LeaveTimeout)
	defer cancel()
	if err := c.room.Leave(ctx); err != nil {
		c.logger.Warn().Err(err).Str("room", target).Msg("release leave failed")
	}
}

// Destroy releases the binding, all subscriptions, and the operation
// tracker. The namespace connection itself stays with the manager.
func (c *RoomClient) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.mu.Unlock()

	c.Release()
	c.UnsubscribeAll()
	c.offRecovery()
	c.offSuppress()
	c.ops.Destroy()
}

// IsInRoom reports whether membership is currently JOINED.
func (c *RoomClient) IsInRoom() bool { return c.room.State() == types.RoomJoined }

// RoomState returns the membership state.
func (c *RoomClient) RoomState() types.RoomState { return c.room.State() }

// CurrentRoom returns the joined room id, or "".
func (c *RoomClient) CurrentRoom() string { return c.room.CurrentRoom() }

// IsConnected reports the cached connection state for the namespace.
func (c *RoomClient) IsConnected() bool { return c.mgr.IsConnected(c.namespace) }

// PendingOperations exposes unresolved tracked operations for diagnostics.
func (c *RoomClient) PendingOperations() []ops.Operation {
	return c.ops.PendingOperations("")
}

// shouldSuppress drops inbound events that are echoes of operations this
// facade has in flight or recently completed. Events from failed
// operations pass through so a late server message can drive a retry.
func (c *RoomClient) shouldSuppress(msg types.Message) bool {
	opID, ok := msg.Data["operation_id"].(string)
	if !ok || opID == "" {
		return false
	}
	return c.ops.ShouldSuppress(opID)
}

// onRecovery re-establishes room membership after a reconnect that did not
// resume server-side session state. The rejoin waits a stabilization delay
// so a flapping link does not trigger a join storm.
func (c *RoomClient) onRecovery(namespace string, recovered bool) {
	if namespace != c.namespace || recovered {
		return
	}
	c.mu.Lock()
	target := c.target
	destroyed := c.destroyed
	c.mu.Unlock()
	if target == "" || destroyed {
		return
	}

	time.AfterFunc(c.cfg.RecoveryDelay, func() {
		c.mu.Lock()
		current := c.target
		c.mu.Unlock()
		if current != target {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout+c.cfg.JoinTimeout)
		defer cancel()
		if err := c.JoinRoom(ctx, target); err != nil {
			c.logger.Warn().Err(err).Str("room", target).Msg("rejoin after recovery failed")
		} else {
			c.logger.Info().Str("room", target).Msg("rejoined room after reconnect")
		}
	})
}
