package agent

import (
	"errors"
	"fmt"
)

// State is the lifecycle of a Conn.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type EventKind int

const (
	// EventState reports a transition the caller did not initiate itself.
	EventState EventKind = iota
	// EventPayload carries one inbound binary message.
	EventPayload
	// EventError precedes the EventState for a failure.
	EventError
)

type Event struct {
	Kind      EventKind
	State     State
	Connected bool
	Payload   []byte
	Err       error
}

var (
	ErrNotConnected     = errors.New("agent: not connected")
	ErrAlreadyConnected = errors.New("agent: already connecting or connected")
)

// ConnectionError is a transport failure: dial, read or write.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("agent %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
