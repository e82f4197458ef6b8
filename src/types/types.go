package types

import "context"

// MetaKey is the payload field carrying event metadata on the wire.
const MetaKey = "_meta"

// Meta identifies a single event emission. ID is unique per emission,
// SourceID is stable for the lifetime of the emitting client process.
type Meta struct {
	ID        string `json:"id"`
	SourceID  string `json:"sourceId"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	Type      string `json:"type,omitempty"`
}

// Message is an inbound application event, decoded once at the transport
// boundary. Meta is nil when the payload carried no recognizable metadata,
// which is the case for raw server broadcasts.
type Message struct {
	Event string
	Data  map[string]any
	Meta  *Meta
}

// MessageHandler handles a decoded inbound event.
type MessageHandler func(msg Message)

// Lifecycle event names reported by a Transport.
const (
	LifecycleConnect          = "connect"
	LifecycleDisconnect       = "disconnect"
	LifecycleConnectError     = "connect_error"
	LifecycleReconnectAttempt = "reconnect_attempt"
	LifecycleReconnect        = "reconnect"
	LifecycleReconnectFailed  = "reconnect_failed"
)

// LifecycleEvent describes a transport lifecycle notification.
type LifecycleEvent struct {
	Event     string
	Err       error
	Attempt   int  // set on reconnect_attempt
	Recovered bool // set on reconnect: true if the server resumed prior session state
}

// LifecycleHandler handles a transport lifecycle notification.
type LifecycleHandler func(ev LifecycleEvent)

// Transport is the persistent bidirectional event channel the sync layer
// runs over. Implementations reconnect on their own and report progress
// through lifecycle events.
type Transport interface {
	// Connect establishes the connection, blocking until it is up or the
	// context expires. Calling Connect while already connected is a no-op;
	// concurrent callers share one dial attempt. Connect after Close starts
	// a fresh session.
	Connect(ctx context.Context) error

	// Close tears the connection down and stops automatic reconnection.
	// Only an explicit Connect brings the transport back.
	Close() error

	// Connected reports actual connectivity, not cached state.
	Connected() bool

	// Emit sends a named event without acknowledgement.
	Emit(event string, data map[string]any) error

	// EmitWithAck sends a named event and blocks until the server
	// acknowledges it or the context expires.
	EmitWithAck(ctx context.Context, event string, data map[string]any) (map[string]any, error)

	// OnMessage registers a catch-all inbound handler. Returns unsubscribe.
	OnMessage(fn MessageHandler) func()

	// OnLifecycle registers a handler for one lifecycle event name.
	// Returns unsubscribe.
	OnLifecycle(event string, fn LifecycleHandler) func()
}

// ExtractMeta pulls event metadata out of a payload. It understands the
// canonical nested form under MetaKey and, for older emitters, top-level
// id/sourceId/timestamp fields. Returns nil when neither is present.
func ExtractMeta(data map[string]any) *Meta {
	if data == nil {
		return nil
	}
	if raw, ok := data[MetaKey].(map[string]any); ok {
		return metaFromMap(raw)
	}
	// Legacy emitters put metadata at the top level of the payload.
	if _, ok := data["id"].(string); ok {
		if _, ok := data["sourceId"].(string); ok {
			return metaFromMap(data)
		}
	}
	return nil
}

func metaFromMap(m map[string]any) *Meta {
	meta := &Meta{}
	meta.ID, _ = m["id"].(string)
	meta.SourceID, _ = m["sourceId"].(string)
	meta.Type, _ = m["type"].(string)
	switch ts := m["timestamp"].(type) {
	case float64: // JSON numbers decode as float64
		meta.Timestamp = int64(ts)
	case int64:
		meta.Timestamp = ts
	case int:
		meta.Timestamp = int64(ts)
	}
	if meta.ID == "" && meta.SourceID == "" {
		return nil
	}
	return meta
}
