package conversation

import (
	"errors"
	"fmt"

	"lingo/agent"
	"lingo/audio"
)

var (
	ErrNotConnected = errors.New("not connected to the agent")
	ErrBusy         = errors.New("previous recording action still in progress")
	ErrStopped      = errors.New("conversation stopped")
	ErrStarted      = errors.New("conversation already started")
	ErrNotStarted   = errors.New("conversation not started")
	// ErrEmptyRecording means the recording produced no audio to send.
	ErrEmptyRecording = errors.New("recording produced no audio")
)

type ErrorKind int

const (
	KindCapturePermission ErrorKind = iota
	KindCaptureDevice
	KindConnection
	KindSend
	KindNotConnected
	KindPlayback
)

func (k ErrorKind) String() string {
	switch k {
	case KindCapturePermission:
		return "capture_permission"
	case KindCaptureDevice:
		return "capture_device"
	case KindConnection:
		return "connection"
	case KindSend:
		return "send"
	case KindNotConnected:
		return "not_connected"
	case KindPlayback:
		return "playback"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Failure is what the presentation layer is told about an error.
type Failure struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (f Failure) Error() string { return f.Message }

func (f Failure) Unwrap() error { return f.Err }

func captureFailure(err error) Failure {
	var ce *audio.CaptureError
	if errors.As(err, &ce) && ce.Kind == audio.PermissionDenied {
		return Failure{Kind: KindCapturePermission, Message: "Microphone access denied", Err: err}
	}
	return Failure{Kind: KindCaptureDevice, Message: fmt.Sprintf("Microphone failed: %v", err), Err: err}
}

func sendFailure(err error) Failure {
	if errors.Is(err, agent.ErrNotConnected) {
		return Failure{Kind: KindNotConnected, Message: "Not connected to the tutor", Err: err}
	}
	return Failure{Kind: KindSend, Message: fmt.Sprintf("Could not send audio: %v", err), Err: err}
}

func connectionFailure(err error) Failure {
	if err == nil {
		return Failure{Kind: KindConnection, Message: "Disconnected from the tutor"}
	}
	return Failure{Kind: KindConnection, Message: fmt.Sprintf("Connection to the tutor lost: %v", err), Err: err}
}
