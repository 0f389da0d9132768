//go:build !linux

package playback

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

const (
	otoSampleRate = 48000
	otoPoll       = 10 * time.Millisecond
)

// oto allows a single context per process.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
)

type otoBackend struct {
	ctx *oto.Context
}

func NewBackend() (Backend, error) {
	otoOnce.Do(func() {
		var ready chan struct{}
		otoCtx, ready, otoErr = oto.NewContext(&oto.NewContextOptions{
			SampleRate:   otoSampleRate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   50 * time.Millisecond,
		})
		if otoErr == nil {
			<-ready
		}
	})
	if otoErr != nil {
		return nil, fmt.Errorf("oto init: %w", otoErr)
	}
	return &otoBackend{ctx: otoCtx}, nil
}

func (b *otoBackend) Output() Format {
	return Format{SampleRate: otoSampleRate, Channels: 1}
}

func (b *otoBackend) Play(_ Format, samples []int16) error {
	if len(samples) == 0 {
		return nil
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return err
	}
	player := b.ctx.NewPlayer(buf)
	player.Play()
	for player.IsPlaying() {
		time.Sleep(otoPoll)
	}
	return player.Close()
}

func (b *otoBackend) Close() error { return nil }
