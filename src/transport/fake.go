package transport

import (
	"context"
	"sync"

	"github.com/archonlabs/roomsync/src/types"
)

// AckResponder scripts the server side of an acknowledged emission.
type AckResponder func(event string, data map[string]any) (map[string]any, error)

// SentFrame is one recorded outbound emission.
type SentFrame struct {
	Event string
	Data  map[string]any
	Ack   bool
}

// Fake is an in-memory Transport for tests: it records outbound frames,
// answers acks through a scriptable responder, and lets the caller inject
// inbound messages and lifecycle events.
type Fake struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	dialErr   error
	responder AckResponder
	sent      []SentFrame

	msgSubs   map[int]types.MessageHandler
	lifeSubs  map[string]map[int]types.LifecycleHandler
	nextSubID int
}

// NewFake returns a disconnected Fake whose acks succeed immediately.
func NewFake() *Fake {
	return &Fake{
		msgSubs:  make(map[int]types.MessageHandler),
		lifeSubs: make(map[string]map[int]types.LifecycleHandler),
	}
}

// SetAckResponder replaces the ack script. A nil responder acknowledges
// everything immediately with {"status":"ok"}.
func (f *Fake) SetAckResponder(r AckResponder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responder = r
}

// SetDialError makes subsequent Connect calls fail.
func (f *Fake) SetDialError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialErr = err
}

// Connect marks the fake connected and fires the connect lifecycle event.
// Like the real transport, Connect after Close reopens the link.
func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.dialErr != nil {
		err := f.dialErr
		f.mu.Unlock()
		return err
	}
	if f.connected {
		f.mu.Unlock()
		return nil
	}
	f.closed = false
	f.connected = true
	f.mu.Unlock()
	f.FireLifecycle(types.LifecycleEvent{Event: types.LifecycleConnect})
	return nil
}

// Close drops the link until the next explicit Connect.
func (f *Fake) Close() error {
	f.mu.Lock()
	f.connected = false
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Connected reports the simulated link state.
func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// SetConnected flips the simulated link state without lifecycle events,
// for exercising cached-state drift.
func (f *Fake) SetConnected(up bool) {
	f.mu.Lock()
	f.connected = up
	f.mu.Unlock()
}

// Emit records a fire-and-forget frame.
func (f *Fake) Emit(event string, data map[string]any) error {
	f.mu.Lock()
	f.sent = append(f.sent, SentFrame{Event: event, Data: data})
	f.mu.Unlock()
	return nil
}

// EmitWithAck records the frame and runs the scripted responder, racing it
// against the caller's context the way the real transport races a timeout
// against the server's ack.
func (f *Fake) EmitWithAck(ctx context.Context, event string, data map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.sent = append(f.sent, SentFrame{Event: event, Data: data, Ack: true})
	responder := f.responder
	f.mu.Unlock()

	if responder == nil {
		return map[string]any{"status": "ok"}, nil
	}

	type outcome struct {
		data map[string]any
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		d, err := responder(event, data)
		ch <- outcome{d, err}
	}()
	select {
	case o := <-ch:
		return o.data, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnMessage registers a catch-all inbound handler.
func (f *Fake) OnMessage(fn types.MessageHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	f.msgSubs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.msgSubs, id)
	}
}

// OnLifecycle registers a handler for one lifecycle event name.
func (f *Fake) OnLifecycle(event string, fn types.LifecycleHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	if f.lifeSubs[event] == nil {
		f.lifeSubs[event] = make(map[int]types.LifecycleHandler)
	}
	f.lifeSubs[event][id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if subs, ok := f.lifeSubs[event]; ok {
			delete(subs, id)
		}
	}
}

// Inject delivers an inbound event to all message handlers, decoding
// metadata the way the real transport does.
func (f *Fake) Inject(event string, data map[string]any) {
	msg := types.Message{Event: event, Data: data, Meta: types.ExtractMeta(data)}
	f.mu.Lock()
	handlers := make([]types.MessageHandler, 0, len(f.msgSubs))
	for _, fn := range f.msgSubs {
		handlers = append(handlers, fn)
	}
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(msg)
	}
}

// FireLifecycle delivers a lifecycle event to its registered handlers and
// keeps the simulated link state consistent with it.
func (f *Fake) FireLifecycle(ev types.LifecycleEvent) {
	f.mu.Lock()
	switch ev.Event {
	case types.LifecycleConnect, types.LifecycleReconnect:
		f.connected = true
	case types.LifecycleDisconnect:
		f.connected = false
	}
	handlers := make([]types.LifecycleHandler, 0, len(f.lifeSubs[ev.Event]))
	for _, fn := range f.lifeSubs[ev.Event] {
		handlers = append(handlers, fn)
	}
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

// Sent returns a copy of all recorded outbound frames.
func (f *Fake) Sent() []SentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentFrame, len(f.sent))
	copy(out, f.sent)
	return out
}

// SentCount returns how many frames were sent for one event name.
func (f *Fake) SentCount(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.Event == event {
			n++
		}
	}
	return n
}
