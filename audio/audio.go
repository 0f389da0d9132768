package audio

import (
	"strings"
	"sync/atomic"
)

const WAVHeaderSize = 44

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"sony wh-", "sony wf-",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"tozo", "anker soundcore", "skullcandy",
	"bluetooth", " bt ", " bt)", " bt]",
}

// IsBluetooth guesses from the device name whether the microphone is a
// bluetooth headset. Those usually drop to a low-rate codec while capturing.
func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range btKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

type DataCallback func(data []byte, frameCount uint32)

type ErrorCallback func(err error)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	// SetErrorCallback registers a handler for failures that happen after
	// Start succeeded (device unplugged, server gone).
	SetErrorCallback(cb ErrorCallback)
	DeviceName() string
}

// callbacks holds the handlers a capture delivers to. Device threads read
// them without locking, so they are swapped atomically.
type callbacks struct {
	data    atomic.Pointer[DataCallback]
	onError atomic.Pointer[ErrorCallback]
}

func (c *callbacks) SetCallback(cb DataCallback)       { c.data.Store(&cb) }
func (c *callbacks) SetErrorCallback(cb ErrorCallback) { c.onError.Store(&cb) }

func (c *callbacks) ClearCallback() {
	c.data.Store(nil)
	c.onError.Store(nil)
}

// wanted reports whether anyone is listening for samples.
func (c *callbacks) wanted() bool { return c.data.Load() != nil }

func (c *callbacks) deliver(pcm []byte, frames uint32) {
	if cb := c.data.Load(); cb != nil {
		(*cb)(pcm, frames)
	}
}

func (c *callbacks) fail(err error) {
	if cb := c.onError.Load(); cb != nil {
		(*cb)(err)
	}
}

func deviceLabel(d *DeviceInfo) string {
	if d == nil {
		return "system default"
	}
	return d.Name
}
