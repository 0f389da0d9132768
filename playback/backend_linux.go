//go:build linux

package playback

import (
	"fmt"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
)

type pulseBackend struct {
	client *pulse.Client
}

// NewBackend connects to the PulseAudio (or PipeWire) server.
func NewBackend() (Backend, error) {
	c, err := pulse.NewClient(pulse.ClientApplicationName("lingo"))
	if err != nil {
		return nil, fmt.Errorf("pulse: %w", err)
	}
	return &pulseBackend{client: c}, nil
}

// Output accepts any rate; the server resamples.
func (b *pulseBackend) Output() Format { return Format{} }

func (b *pulseBackend) Play(f Format, samples []int16) error {
	if len(samples) == 0 {
		return nil
	}
	pos := 0
	reader := pulse.Int16Reader(func(buf []int16) (int, error) {
		if pos >= len(samples) {
			return 0, pulse.EndOfData
		}
		n := copy(buf, samples[pos:])
		pos += n
		return n, nil
	})
	opts := []pulse.PlaybackOption{
		pulse.PlaybackSampleRate(f.SampleRate),
		pulse.PlaybackLatency(0.1),
	}
	if f.Channels == 2 {
		opts = append(opts, pulse.PlaybackStereo, pulse.PlaybackRawOption(func(p *proto.CreatePlaybackStream) {
			p.ChannelVolumes = proto.ChannelVolumes{uint32(proto.VolumeNorm), uint32(proto.VolumeNorm)}
		}))
	} else {
		opts = append(opts, pulse.PlaybackMono, pulse.PlaybackRawOption(func(p *proto.CreatePlaybackStream) {
			p.ChannelVolumes = proto.ChannelVolumes{uint32(proto.VolumeNorm)}
		}))
	}
	stream, err := b.client.NewPlayback(reader, opts...)
	if err != nil {
		return fmt.Errorf("pulse playback: %w", err)
	}
	defer stream.Close()
	stream.Start()
	stream.Drain()
	stream.Stop()
	if err := stream.Error(); err != nil {
		return fmt.Errorf("pulse playback: %w", err)
	}
	return nil
}

func (b *pulseBackend) Close() error {
	b.client.Close()
	return nil
}
