//go:build !linux

package audio

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

var errDeviceStopped = errors.New("malgo: capture device stopped")

type malgoContext struct {
	ctx *malgo.AllocatedContext
}

// NewContext initialises miniaudio with the platform's default backend.
func NewContext() (Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo: %w", err)
	}
	return &malgoContext{ctx: ctx}, nil
}

func (m *malgoContext) Devices() ([]DeviceInfo, error) {
	infos, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("malgo devices: %w", err)
	}
	devices := make([]DeviceInfo, 0, len(infos))
	for _, d := range infos {
		devices = append(devices, DeviceInfo{
			ID:   hex.EncodeToString(d.ID.Pointer()[:]),
			Name: d.Name(),
		})
	}
	return devices, nil
}

func captureDeviceConfig(device *DeviceInfo, config CaptureConfig) (malgo.DeviceConfig, error) {
	dc := malgo.DefaultDeviceConfig(malgo.Capture)
	dc.Capture.Format = malgo.FormatS16
	dc.Capture.Channels = config.Channels
	dc.SampleRate = config.SampleRate
	if device == nil {
		return dc, nil
	}
	raw, err := hex.DecodeString(device.ID)
	if err != nil {
		return dc, fmt.Errorf("invalid device ID %q: %w", device.ID, err)
	}
	var id malgo.DeviceID
	copy(id[:], raw)
	dc.Capture.DeviceID = id.Pointer()
	return dc, nil
}

func (m *malgoContext) NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	dc, err := captureDeviceConfig(device, config)
	if err != nil {
		return nil, err
	}
	c := &malgoCapture{device: device}
	dev, err := malgo.InitDevice(m.ctx.Context, dc, malgo.DeviceCallbacks{
		Data: c.onData,
		Stop: c.onStop,
	})
	if err != nil {
		return nil, fmt.Errorf("malgo init device: %w", err)
	}
	c.dev = dev
	return c, nil
}

func (m *malgoContext) Close() {
	_ = m.ctx.Uninit()
	m.ctx.Free()
}

type malgoCapture struct {
	callbacks
	dev    *malgo.Device
	device *DeviceInfo

	// stopping is set while we stop the device ourselves, so the stop
	// notification is not mistaken for a failure.
	stopping atomic.Bool
	closeMu  sync.Mutex
	closed   bool
}

// onData copies the buffer because miniaudio reuses it after we return.
func (c *malgoCapture) onData(_, data []byte, frames uint32) {
	if !c.wanted() {
		return
	}
	pcm := make([]byte, len(data))
	copy(pcm, data)
	c.deliver(pcm, frames)
}

func (c *malgoCapture) onStop() {
	if !c.stopping.Load() {
		c.fail(errDeviceStopped)
	}
}

func (c *malgoCapture) Start() error {
	c.stopping.Store(false)
	if err := c.dev.Start(); err != nil {
		return fmt.Errorf("malgo start: %w", err)
	}
	return nil
}

func (c *malgoCapture) Stop() {
	c.stopping.Store(true)
	_ = c.dev.Stop()
}

func (c *malgoCapture) Close() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.stopping.Store(true)
	c.dev.Uninit()
}

func (c *malgoCapture) DeviceName() string { return deviceLabel(c.device) }
