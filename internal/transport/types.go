package transport

import "errors"

// State is a position in the session's connection lifecycle. Every
// Session starts in StateInit and ends, permanently, in StateShutdown.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// ErrIllegalState is returned when an operation is attempted from a
// state that does not permit it — Connect called twice, or any
// operation after Shutdown.
var ErrIllegalState = errors.New("transport: illegal state transition")

// MessageCallback receives a decoded topic and its raw payload. It is
// invoked on the IO worker; a slow or blocking callback stalls delivery
// of every other subscribed topic, and a panicking callback is
// recovered and counted rather than allowed to tear down the session.
type MessageCallback func(topic string, payload []byte)

// Stats is an immutable snapshot of a Session's lifetime counters and
// current state, safe to read from any goroutine.
type Stats struct {
	State                string
	Connected            bool
	MessagesReceived     int64
	CallbackErrors       int64
	ReconnectCount       int64
	LastConnectUnixNS    int64
	LastDisconnectUnixNS int64
}
