package types

// ConnectionState is the cached lifecycle state of a namespace connection.
type ConnectionState int

const (
	ConnDisconnected ConnectionState = iota
	ConnConnecting
	ConnConnected
	ConnReconnecting
	ConnError
)

// String returns the string representation of a ConnectionState.
func (s ConnectionState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnReconnecting:
		return "reconnecting"
	case ConnError:
		return "error"
	default:
		return "unknown"
	}
}

// RoomState is the membership state of a room state machine.
type RoomState int

const (
	RoomIdle RoomState = iota
	RoomJoining
	RoomJoined
	RoomLeaving
	RoomSwitching
)

// String returns the string representation of a RoomState.
func (s RoomState) String() string {
	switch s {
	case RoomIdle:
		return "idle"
	case RoomJoining:
		return "joining"
	case RoomJoined:
		return "joined"
	case RoomLeaving:
		return "leaving"
	case RoomSwitching:
		return "switching"
	default:
		return "unknown"
	}
}
