// Package room governs membership in at most one logical room per
// namespace connection. Membership is an explicit state machine; all
// mutation funnels through a single-flight transition slot, so concurrent
// callers share one in-flight outcome instead of racing wire messages.
package room

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/archonlabs/roomsync/src/dedup"
	"github.com/archonlabs/roomsync/src/types"
)

// Control message names understood by the server.
const (
	joinEvent  = "join_room"
	leaveEvent = "leave_room"
)

const (
	opJoin   = "join"
	opLeave  = "leave"
	opSwitch = "switch"
)

// Membership describes the currently joined room. It is replaced on switch
// and cleared on leave, never mutated in place by callers.
type Membership struct {
	Room        string
	JoinedAt    time.Time
	LastEventID string
}

// Transition is one recorded state-machine transition.
type Transition struct {
	From   types.RoomState
	To     types.RoomState
	At     time.Time
	Reason string
}

// Options configures a Manager.
type Options struct {
	Namespace    string
	JoinTimeout  time.Duration
	LeaveTimeout time.Duration
	StrictLeave  bool
	HistorySize  int
}

// flight is the single-flight transition slot. Callers that find a live
// flight for the same target wait on done and share err.
type flight struct {
	op   string
	room string
	done chan struct{}
	err  error
}

// Manager is the room state machine for one namespace connection.
type Manager struct {
	transport types.Transport
	dedup     *dedup.Deduplicator
	opts      Options
	logger    zerolog.Logger

	mu         sync.Mutex
	state      types.RoomState
	membership *Membership
	inflight   *flight

	history  []Transition
	histNext int

	eventSubs map[string]map[int]types.MessageHandler
	stateSubs map[int]func(types.RoomState)
	nextSubID int
	suppress  map[int]func(types.Message) bool

	offMessage    func()
	offDisconnect func()
}

// New creates a Manager and attaches it to the transport's inbound stream.
// Inbound events pass through the deduplicator exactly once before fan-out.
func New(transport types.Transport, d *dedup.Deduplicator, opts Options, logger zerolog.Logger) *Manager {
	if opts.HistorySize <= 0 {
		opts.HistorySize = 50
	}
	m := &Manager{
		transport: transport,
		dedup:     d,
		opts:      opts,
		logger:    logger.With().Str("component", "room").Str("namespace", opts.Namespace).Logger(),
		state:     types.RoomIdle,
		eventSubs: make(map[string]map[int]types.MessageHandler),
		stateSubs: make(map[int]func(types.RoomState)),
		suppress:  make(map[int]func(types.Message) bool),
	}
	m.offMessage = transport.OnMessage(m.dispatch)
	m.offDisconnect = transport.OnLifecycle(types.LifecycleDisconnect, m.onDisconnect)
	return m
}

// onDisconnect resets membership when the connection drops: the server
// forgets the room on disconnect, so a JOINED machine would be lying. An
// in-flight transition is left alone; its own failure path resets state.
func (m *Manager) onDisconnect(types.LifecycleEvent) {
	m.mu.Lock()
	if m.inflight != nil || m.state == types.RoomIdle {
		m.mu.Unlock()
		return
	}
	from := m.state
	roomID := ""
	if m.membership != nil {
		roomID = m.membership.Room
	}
	m.membership = nil
	notif := m.setStateLocked(types.RoomIdle)
	m.recordLocked(from, types.RoomIdle, "connection lost")
	m.mu.Unlock()
	m.notifyState(notif, types.RoomIdle)

	if roomID != "" {
		m.logger.Warn().Str("room", roomID).Msg("membership dropped with connection")
	}
}

// State returns the current room state.
func (m *Manager) State() types.RoomState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentRoom returns the joined room id, or "" when there is none.
func (m *Manager) CurrentRoom() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.membership == nil {
		return ""
	}
	return m.membership.Room
}

// CurrentMembership returns a copy of the active membership, or nil.
func (m *Manager) CurrentMembership() *Membership {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.membership == nil {
		return nil
	}
	cp := *m.membership
	return &cp
}

// Join enters roomID. Already joined to roomID is a no-op; joined to a
// different room delegates to Switch; otherwise the machine must be IDLE.
// The join_room control message is acknowledged within JoinTimeout or the
// machine resets to IDLE and the error is returned, so callers can retry.
func (m *Manager) Join(ctx context.Context, roomID string) error {
	m.mu.Lock()
	if m.state == types.RoomJoined && m.membership != nil && m.membership.Room == roomID {
		m.mu.Unlock()
		return nil
	}
	if fl := m.inflight; fl != nil {
		if (fl.op == opJoin || fl.op == opSwitch) && fl.room == roomID {
			m.mu.Unlock()
			<-fl.done
			return fl.err
		}
		st := m.state
		m.mu.Unlock()
		return &types.InvalidTransitionError{From: st, Op: opJoin}
	}
	if m.state == types.RoomJoined {
		m.mu.Unlock()
		return m.Switch(ctx, roomID)
	}
	if m.state != types.RoomIdle {
		st := m.state
		m.mu.Unlock()
		return &types.InvalidTransitionError{From: st, Op: opJoin}
	}

	fl := &flight{op: opJoin, room: roomID, done: make(chan struct{})}
	m.inflight = fl
	notif := m.setStateLocked(types.RoomJoining)
	m.mu.Unlock()
	m.notifyState(notif, types.RoomJoining)

	err := m.sendControl(ctx, joinEvent, roomID, m.opts.JoinTimeout, opJoin)

	m.mu.Lock()
	if err != nil {
		m.membership = nil
		notif = m.setStateLocked(types.RoomIdle)
		m.settleLocked(fl, err)
		m.mu.Unlock()
		m.notifyState(notif, types.RoomIdle)
		return err
	}
	m.membership = &Membership{Room: roomID, JoinedAt: time.Now()}
	notif = m.setStateLocked(types.RoomJoined)
	m.recordLocked(types.RoomJoining, types.RoomJoined, "join "+roomID)
	m.settleLocked(fl, nil)
	m.mu.Unlock()
	m.notifyState(notif, types.RoomJoined)

	m.logger.Debug().Str("room", roomID).Msg("joined room")
	return nil
}

// Leave exits the active room. No active membership is a no-op. Leave is
// best effort: local membership is cleared even when the acknowledgement
// fails, so the client never gets stuck in a phantom room. With StrictLeave
// the error is returned after local state is cleared; otherwise it is only
// logged.
func (m *Manager) Leave(ctx context.Context) error {
	m.mu.Lock()
	if m.state == types.RoomIdle && m.membership == nil {
		m.mu.Unlock()
		return nil
	}
	if fl := m.inflight; fl != nil {
		if fl.op == opLeave {
			m.mu.Unlock()
			<-fl.done
			return fl.err
		}
		st := m.state
		m.mu.Unlock()
		return &types.InvalidTransitionError{From: st, Op: opLeave}
	}
	if m.state != types.RoomJoined {
		st := m.state
		m.mu.Unlock()
		return &types.InvalidTransitionError{From: st, Op: opLeave}
	}

	roomID := m.membership.Room
	fl := &flight{op: opLeave, room: roomID, done: make(chan struct{})}
	m.inflight = fl
	notif := m.setStateLocked(types.RoomLeaving)
	m.mu.Unlock()
	m.notifyState(notif, types.RoomLeaving)

	err := m.sendControl(ctx, leaveEvent, roomID, m.opts.LeaveTimeout, opLeave)

	m.mu.Lock()
	m.membership = nil
	notif = m.setStateLocked(types.RoomIdle)
	m.recordLocked(types.RoomLeaving, types.RoomIdle, "leave "+roomID)

	var ret error
	if err != nil {
		if m.opts.StrictLeave {
			ret = err
		} else {
			m.logger.Warn().Err(err).Str("room", roomID).Msg("leave not acknowledged, local state cleared")
		}
	}
	m.settleLocked(fl, ret)
	m.mu.Unlock()
	m.notifyState(notif, types.RoomIdle)
	return ret
}

// Switch moves from the current room to newRoomID as one guarded
// transition: the machine is SWITCHING throughout, never externally
// observable as IDLE or JOINING. Any failure resets fully to IDLE.
func (m *Manager) Switch(ctx context.Context, newRoomID string) error {
	m.mu.Lock()
	if m.state == types.RoomJoined && m.membership != nil && m.membership.Room == newRoomID {
		m.mu.Unlock()
		return nil
	}
	if fl := m.inflight; fl != nil {
		if (fl.op == opSwitch || fl.op == opJoin) && fl.room == newRoomID {
			m.mu.Unlock()
			<-fl.done
			return fl.err
		}
		st := m.state
		m.mu.Unlock()
		return &types.InvalidTransitionError{From: st, Op: opSwitch}
	}
	if m.state == types.RoomIdle {
		m.mu.Unlock()
		return m.Join(ctx, newRoomID)
	}
	if m.state != types.RoomJoined {
		st := m.state
		m.mu.Unlock()
		return &types.InvalidTransitionError{From: st, Op: opSwitch}
	}

	oldRoomID := m.membership.Room
	fl := &flight{op: opSwitch, room: newRoomID, done: make(chan struct{})}
	m.inflight = fl
	notif := m.setStateLocked(types.RoomSwitching)
	m.mu.Unlock()
	m.notifyState(notif, types.RoomSwitching)

	err := m.sendControl(ctx, leaveEvent, oldRoomID, m.opts.LeaveTimeout, opSwitch)
	if err == nil {
		err = m.sendControl(ctx, joinEvent, newRoomID, m.opts.JoinTimeout, opSwitch)
	}

	m.mu.Lock()
	if err != nil {
		m.membership = nil
		notif = m.setStateLocked(types.RoomIdle)
		m.settleLocked(fl, err)
		m.mu.Unlock()
		m.notifyState(notif, types.RoomIdle)
		return err
	}
	m.membership = &Membership{Room: newRoomID, JoinedAt: time.Now()}
	notif = m.setStateLocked(types.RoomJoined)
	m.recordLocked(types.RoomSwitching, types.RoomJoined, "switch "+oldRoomID+" -> "+newRoomID)
	m.settleLocked(fl, nil)
	m.mu.Unlock()
	m.notifyState(notif, types.RoomJoined)

	m.logger.Debug().Str("from", oldRoomID).Str("to", newRoomID).Msg("switched room")
	return nil
}

// EmitToRoom sends an event into the active room, fire-and-forget. Valid
// only while JOINED.
func (m *Manager) EmitToRoom(event string, data map[string]any) error {
	m.mu.Lock()
	if m.state != types.RoomJoined || m.membership == nil {
		st := m.state
		m.mu.Unlock()
		return &types.InvalidTransitionError{From: st, Op: "emit"}
	}
	roomID := m.membership.Room
	m.mu.Unlock()

	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["room_id"] = m.wireRoomID(roomID)
	return m.transport.Emit(event, payload)
}

// OnRoomEvent registers a handler for one event name. Returns unsubscribe.
func (m *Manager) OnRoomEvent(event string, fn types.MessageHandler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	if m.eventSubs[event] == nil {
		m.eventSubs[event] = make(map[int]types.MessageHandler)
	}
	m.eventSubs[event][id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if subs, ok := m.eventSubs[event]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(m.eventSubs, event)
			}
		}
	}
}

// OnStateChange registers a state observer. Returns unsubscribe.
func (m *Manager) OnStateChange(fn func(types.RoomState)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.stateSubs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.stateSubs, id)
	}
}

// AddSuppressionHook installs an extra inbound filter consulted before the
// deduplicator. The facade uses it to drop echoes of tracked operations.
// Returns a removal func.
func (m *Manager) AddSuppressionHook(fn func(types.Message) bool) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.suppress[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.suppress, id)
	}
}

// History returns recorded transitions, oldest first.
func (m *Manager) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) < m.opts.HistorySize {
		out := make([]Transition, len(m.history))
		copy(out, m.history)
		return out
	}
	out := make([]Transition, 0, len(m.history))
	out = append(out, m.history[m.histNext:]...)
	out = append(out, m.history[:m.histNext]...)
	return out
}

// Destroy detaches from the transport and drops all subscriptions.
func (m *Manager) Destroy() {
	if m.offMessage != nil {
		m.offMessage()
	}
	if m.offDisconnect != nil {
		m.offDisconnect()
	}
	m.mu.Lock()
	m.eventSubs = make(map[string]map[int]types.MessageHandler)
	m.stateSubs = make(map[int]func(types.RoomState))
	m.suppress = make(map[int]func(types.Message) bool)
	m.membership = nil
	m.state = types.RoomIdle
	m.mu.Unlock()
}

// sendControl emits one control message and waits for its acknowledgement,
// translating a deadline into a RoomTimeoutError.
func (m *Manager) sendControl(ctx context.Context, event, roomID string, timeout time.Duration, op string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := m.transport.EmitWithAck(ctx, event, map[string]any{"room_id": m.wireRoomID(roomID)})
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &types.RoomTimeoutError{Room: roomID, Op: op, Timeout: timeout}
	}
	return err
}

// wireRoomID strips the in-memory namespace prefix: the server expects the
// bare room identifier.
func (m *Manager) wireRoomID(roomID string) string {
	if m.opts.Namespace == "" {
		return roomID
	}
	if rest, ok := strings.CutPrefix(roomID, m.opts.Namespace+"/"); ok {
		return rest
	}
	return roomID
}

// dispatch is the single inbound path: suppression hook, then the
// deduplicator (exactly once per event), then fan-out.
func (m *Manager) dispatch(msg types.Message) {
	m.mu.Lock()
	hooks := make([]func(types.Message) bool, 0, len(m.suppress))
	for _, fn := range m.suppress {
		hooks = append(hooks, fn)
	}
	m.mu.Unlock()

	for _, fn := range hooks {
		if fn(msg) {
			m.logger.Debug().Str("event", msg.Event).Msg("suppressed tracked-operation echo")
			return
		}
	}
	if !m.dedup.ShouldProcess(msg) {
		return
	}

	m.mu.Lock()
	if m.membership != nil && msg.Meta != nil && msg.Meta.ID != "" {
		m.membership.LastEventID = msg.Meta.ID
	}
	handlers := make([]types.MessageHandler, 0, len(m.eventSubs[msg.Event]))
	for _, fn := range m.eventSubs[msg.Event] {
		handlers = append(handlers, fn)
	}
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(msg)
	}
}

func (m *Manager) setStateLocked(to types.RoomState) []func(types.RoomState) {
	m.state = to
	subs := make([]func(types.RoomState), 0, len(m.stateSubs))
	for _, fn := range m.stateSubs {
		subs = append(subs, fn)
	}
	return subs
}

func (m *Manager) notifyState(subs []func(types.RoomState), st types.RoomState) {
	for _, fn := range subs {
		fn(st)
	}
}

func (m *Manager) settleLocked(fl *flight, err error) {
	fl.err = err
	if m.inflight == fl {
		m.inflight = nil
	}
	close(fl.done)
}

// recordLocked appends a successful transition to the bounded history ring.
func (m *Manager) recordLocked(from, to types.RoomState, reason string) {
	tr := Transition{From: from, To: to, At: time.Now(), Reason: reason}
	if len(m.history) < m.opts.HistorySize {
		m.history = append(m.history, tr)
		return
	}
	m.history[m.histNext] = tr
	m.histNext = (m.histNext + 1) % m.opts.HistorySize
}
