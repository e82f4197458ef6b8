// Package transport implements the duplex event channel the sync layer
// runs over: JSON frames over a WebSocket, per-frame acknowledgements, and
// automatic reconnection with exponential backoff.
package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/archonlabs/roomsync/src/types"
)

// ackEvent is the reserved frame name for acknowledgement replies.
const ackEvent = "ack"

// frame is the wire format: a named event with a JSON payload, plus an
// ack id when the emitter expects a reply.
type frame struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
	AckID string         `json:"ack_id,omitempty"`
}

// Options configures a WS transport.
type Options struct {
	URL              string        // base websocket URL, e.g. "wss://host/ws"
	Namespace        string        // appended to the URL path; "" for the root namespace
	DialTimeout      time.Duration // per dial attempt (default 30s)
	WriteTimeout     time.Duration // per frame (default 10s)
	PingInterval     time.Duration // keepalive (default 30s)
	SendBuffer       int           // outbound queue (default 256)
	ReconnectInitial time.Duration // first backoff step (default 500ms)
	ReconnectMax     time.Duration // backoff ceiling (default 30s)
	ReconnectWindow  time.Duration // give up after this long (default 5m)
}

func (o *Options) fill() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = 500 * time.Millisecond
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.ReconnectWindow <= 0 {
		o.ReconnectWindow = 5 * time.Minute
	}
}

type connectFlight struct {
	done chan struct{}
	err  error
}

// WS is the production Transport over a WebSocket connection.
type WS struct {
	opts   Options
	logger zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	dialing   *connectFlight
	send      chan frame
	gen       chan struct{} // closed when the current connection dies

	acks      map[string]chan map[string]any
	msgSubs   map[int]types.MessageHandler
	lifeSubs  map[string]map[int]types.LifecycleHandler
	nextSubID int
}

// NewWS creates an unconnected WebSocket transport.
func NewWS(opts Options, logger zerolog.Logger) *WS {
	opts.fill()
	return &WS{
		opts:     opts,
		logger:   logger.With().Str("component", "transport").Str("namespace", opts.Namespace).Logger(),
		acks:     make(map[string]chan map[string]any),
		msgSubs:  make(map[int]types.MessageHandler),
		lifeSubs: make(map[string]map[int]types.LifecycleHandler),
	}
}

// Connect dials the endpoint. Idempotent; concurrent callers share one
// dial attempt. A failed dial fires connect_error and returns the error
// without scheduling retries: reconnection only follows an established
// connection that drops. Connect after Close reopens the transport with a
// fresh session.
func (w *WS) Connect(ctx context.Context) error {
	w.mu.Lock()
	w.closed = false
	if w.connected {
		w.mu.Unlock()
		return nil
	}
	if fl := w.dialing; fl != nil {
		w.mu.Unlock()
		select {
		case <-fl.done:
			return fl.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	fl := &connectFlight{done: make(chan struct{})}
	w.dialing = fl
	w.mu.Unlock()

	err := w.dial(ctx)

	w.mu.Lock()
	w.dialing = nil
	w.mu.Unlock()
	fl.err = err
	close(fl.done)

	if err != nil {
		w.fire(types.LifecycleEvent{Event: types.LifecycleConnectError, Err: err})
		return err
	}
	w.fire(types.LifecycleEvent{Event: types.LifecycleConnect})
	return nil
}

func (w *WS) dial(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.opts.DialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.endpoint(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.endpoint(), err)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		conn.Close()
		return fmt.Errorf("transport closed")
	}
	w.conn = conn
	w.connected = true
	w.send = make(chan frame, w.opts.SendBuffer)
	w.gen = make(chan struct{})
	send, gen := w.send, w.gen
	w.mu.Unlock()

	go w.writePump(conn, send, gen)
	go w.readPump(conn, gen)
	return nil
}

func (w *WS) endpoint() string {
	u := strings.TrimSuffix(w.opts.URL, "/")
	if w.opts.Namespace != "" {
		u += "/" + w.opts.Namespace
	}
	return u
}

// Close tears the connection down and stops automatic reconnection. The
// transport stays usable: an explicit Connect dials a fresh session.
func (w *WS) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.connected = false
	conn := w.conn
	w.conn = nil
	if w.gen != nil {
		close(w.gen)
		w.gen = nil
	}
	w.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Connected reports whether the socket is currently up.
func (w *WS) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// Emit queues a fire-and-forget frame. The frame is dropped with a warning
// if the outbound buffer is full.
func (w *WS) Emit(event string, data map[string]any) error {
	return w.enqueue(frame{Event: event, Data: data})
}

// EmitWithAck queues a frame carrying an ack id and blocks until the reply
// arrives or the context expires.
func (w *WS) EmitWithAck(ctx context.Context, event string, data map[string]any) (map[string]any, error) {
	ackID := uuid.New().String()
	ch := make(chan map[string]any, 1)

	w.mu.Lock()
	w.acks[ackID] = ch
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.acks, ackID)
		w.mu.Unlock()
	}()

	if err := w.enqueue(frame{Event: event, Data: data, AckID: ackID}); err != nil {
		return nil, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnMessage registers a catch-all inbound handler. Returns unsubscribe.
func (w *WS) OnMessage(fn types.MessageHandler) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextSubID
	w.nextSubID++
	w.msgSubs[id] = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.msgSubs, id)
	}
}

// OnLifecycle registers a handler for one lifecycle event name.
func (w *WS) OnLifecycle(event string, fn types.LifecycleHandler) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextSubID
	w.nextSubID++
	if w.lifeSubs[event] == nil {
		w.lifeSubs[event] = make(map[int]types.LifecycleHandler)
	}
	w.lifeSubs[event][id] = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if subs, ok := w.lifeSubs[event]; ok {
			delete(subs, id)
		}
	}
}

func (w *WS) enqueue(fr frame) error {
	w.mu.Lock()
	if !w.connected || w.send == nil {
		w.mu.Unlock()
		return fmt.Errorf("transport not connected")
	}
	send := w.send
	w.mu.Unlock()

	select {
	case send <- fr:
		return nil
	default:
		w.logger.Warn().Str("event", fr.Event).Msg("send buffer full, dropping")
		return fmt.Errorf("send buffer full")
	}
}

func (w *WS) writePump(conn *websocket.Conn, send chan frame, gen chan struct{}) {
	ticker := time.NewTicker(w.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case fr := <-send:
			conn.SetWriteDeadline(time.Now().Add(w.opts.WriteTimeout))
			if err := conn.WriteJSON(fr); err != nil {
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(w.opts.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-gen:
			return
		}
	}
}

func (w *WS) readPump(conn *websocket.Conn, gen chan struct{}) {
	for {
		var fr frame
		if err := conn.ReadJSON(&fr); err != nil {
			w.handleDrop(conn, gen, err)
			return
		}
		w.handleFrame(fr)
	}
}

// handleFrame routes ack replies to their waiters and fans application
// events out to message handlers. Metadata is decoded here, once, so every
// downstream consumer sees the same tagged envelope.
func (w *WS) handleFrame(fr frame) {
	if fr.Event == ackEvent {
		w.mu.Lock()
		ch, ok := w.acks[fr.AckID]
		if ok {
			delete(w.acks, fr.AckID)
		}
		w.mu.Unlock()
		if ok {
			ch <- fr.Data
		}
		return
	}

	msg := types.Message{Event: fr.Event, Data: fr.Data, Meta: types.ExtractMeta(fr.Data)}
	w.mu.Lock()
	handlers := make([]types.MessageHandler, 0, len(w.msgSubs))
	for _, fn := range w.msgSubs {
		handlers = append(handlers, fn)
	}
	w.mu.Unlock()
	for _, fn := range handlers {
		fn(msg)
	}
}

func (w *WS) handleDrop(conn *websocket.Conn, gen chan struct{}, cause error) {
	w.mu.Lock()
	if w.closed || w.gen != gen {
		w.mu.Unlock()
		return
	}
	w.connected = false
	w.conn = nil
	close(w.gen)
	w.gen = nil
	w.send = nil
	w.mu.Unlock()
	conn.Close()

	w.logger.Warn().Err(cause).Msg("connection dropped")
	w.fire(types.LifecycleEvent{Event: types.LifecycleDisconnect, Err: cause})

	go w.reconnectLoop()
}

// reconnectLoop redials with exponential backoff until it succeeds or the
// reconnect window elapses. A re-established socket is always a fresh
// session: the server does not resume room membership, so Recovered is
// reported false and the facade layer re-joins.
func (w *WS) reconnectLoop() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.opts.ReconnectInitial
	bo.MaxInterval = w.opts.ReconnectMax
	bo.MaxElapsedTime = w.opts.ReconnectWindow

	attempt := 0
	for {
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			w.logger.Error().Int("attempts", attempt).Msg("reconnect window exhausted")
			w.fire(types.LifecycleEvent{Event: types.LifecycleReconnectFailed})
			return
		}
		time.Sleep(wait)

		w.mu.Lock()
		if w.closed || w.connected {
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()

		attempt++
		w.fire(types.LifecycleEvent{Event: types.LifecycleReconnectAttempt, Attempt: attempt})

		if err := w.dial(context.Background()); err != nil {
			w.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
			w.fire(types.LifecycleEvent{Event: types.LifecycleConnectError, Err: err})
			continue
		}
		w.fire(types.LifecycleEvent{Event: types.LifecycleReconnect, Attempt: attempt, Recovered: false})
		return
	}
}

func (w *WS) fire(ev types.LifecycleEvent) {
	w.mu.Lock()
	handlers := make([]types.LifecycleHandler, 0, len(w.lifeSubs[ev.Event]))
	for _, fn := range w.lifeSubs[ev.Event] {
		handlers = append(handlers, fn)
	}
	w.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}
