package session

import "time"

// State is the connection lifecycle state of the protocol client.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// Status is a point-in-time snapshot of the connection. It is produced
// exclusively by the Client; consumers read it to gate sends and drive
// recovery.
type Status struct {
	State             State
	ReconnectAttempts int
	LastConnected     time.Time
	Err               error
	Latency           time.Duration
}
