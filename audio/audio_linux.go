//go:build linux

package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
)

const (
	pulseWatchInterval = 250 * time.Millisecond
	pulseLatency       = 0.05 // seconds
)

type pulseContext struct {
	client *pulse.Client
}

// NewContext connects to the PulseAudio (or PipeWire) server.
func NewContext() (Context, error) {
	c, err := pulse.NewClient(pulse.ClientApplicationName("lingo"))
	if err != nil {
		return nil, fmt.Errorf("pulse: %w", err)
	}
	return &pulseContext{client: c}, nil
}

func (p *pulseContext) Devices() ([]DeviceInfo, error) {
	sources, err := p.client.ListSources()
	if err != nil {
		return nil, fmt.Errorf("pulse list sources: %w", err)
	}
	devices := make([]DeviceInfo, 0, len(sources))
	for _, s := range sources {
		devices = append(devices, DeviceInfo{ID: s.ID(), Name: s.Name()})
	}
	return devices, nil
}

// NewCapture defers opening the record stream to Start, so an idle capture
// holds no server resources.
func (p *pulseContext) NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	return &pulseCapture{client: p.client, device: device, config: config}, nil
}

func (p *pulseContext) Close() { p.client.Close() }

type pulseCapture struct {
	callbacks
	client *pulse.Client
	device *DeviceInfo
	config CaptureConfig

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// samples converts what pulse hands us into little-endian PCM.
func (c *pulseCapture) samples(buf []int16) (int, error) {
	if len(buf) == 0 || !c.wanted() {
		return len(buf), nil
	}
	pcm := make([]byte, len(buf)*2)
	for i, s := range buf {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	c.deliver(pcm, uint32(len(buf))/max(c.config.Channels, 1))
	return len(buf), nil
}

func (c *pulseCapture) recordOptions() []pulse.RecordOption {
	opts := []pulse.RecordOption{
		pulse.RecordSampleRate(int(c.config.SampleRate)),
		pulse.RecordLatency(pulseLatency),
		// Capture at unity gain regardless of the source's own volume.
		pulse.RecordRawOption(func(r *proto.CreateRecordStream) {
			r.ChannelVolumes = proto.ChannelVolumes{uint32(proto.VolumeNorm)}
		}),
		pulse.RecordMono,
	}
	if c.config.Channels == 2 {
		opts[len(opts)-1] = pulse.RecordStereo
	}
	if c.device != nil {
		if src, err := c.client.SourceByID(c.device.ID); err == nil && src != nil {
			opts = append(opts, pulse.RecordSource(src))
		}
	}
	return opts
}

func (c *pulseCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stream, err := c.client.NewRecord(pulse.Int16Writer(c.samples), c.recordOptions()...)
	if err != nil {
		return fmt.Errorf("pulse record: %w", err)
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.watch(stream, c.stop, c.done)
	return nil
}

// watch runs the stream until Stop and reports it if the server ends the
// stream first.
func (c *pulseCapture) watch(stream *pulse.RecordStream, stop, done chan struct{}) {
	defer close(done)
	defer stream.Close()
	stream.Start()
	ticker := time.NewTicker(pulseWatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			stream.Stop()
			return
		case <-ticker.C:
		}
		if stream.Running() {
			continue
		}
		err := stream.Error()
		if err == nil {
			err = errors.New("record stream stopped")
		}
		c.fail(fmt.Errorf("pulse: %w", err))
		<-stop
		return
	}
}

func (c *pulseCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop == nil {
		return
	}
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	<-c.done
}

func (c *pulseCapture) Close()             { c.Stop() }
func (c *pulseCapture) DeviceName() string { return deviceLabel(c.device) }
