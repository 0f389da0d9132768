// Package playback renders audio payloads received from the agent and the
// short cue tones around recording.
package playback

import (
	"errors"
	"fmt"
	"sync"
)

// Format describes interleaved 16-bit PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// Backend renders PCM on an output device. Play blocks until the samples have
// been handed to the device and drained.
type Backend interface {
	// Output is the format the device wants. Zero fields mean any value is
	// accepted as is.
	Output() Format
	Play(f Format, samples []int16) error
	Close() error
}

var (
	ErrQueueFull = errors.New("playback: queue full")
	ErrClosed    = errors.New("playback: player closed")
)

const defaultQueueSize = 16

// DefaultRawFormat is assumed for payloads that are neither WAV nor FLAC.
var DefaultRawFormat = Format{SampleRate: 24000, Channels: 1}

type item struct {
	format  Format
	samples []int16
}

// Player is fire-and-forget: Play decodes and queues a payload, a single
// worker renders queued payloads in order.
type Player struct {
	backend Backend
	raw     Format
	noCues  bool

	queue chan item
	errs  chan error
	done  chan struct{}

	mu     sync.Mutex
	closed bool

	cueOnce sync.Once
	cues    map[Cue][]int16
	cueWG   sync.WaitGroup
}

type Option func(*Player)

// WithRawFormat sets the format of headerless PCM payloads.
func WithRawFormat(f Format) Option {
	return func(p *Player) { p.raw = f }
}

func WithQueueSize(n int) Option {
	return func(p *Player) { p.queue = make(chan item, n) }
}

// WithoutCues silences Cue.
func WithoutCues() Option {
	return func(p *Player) { p.noCues = true }
}

func New(backend Backend, opts ...Option) *Player {
	p := &Player{
		backend: backend,
		raw:     DefaultRawFormat,
		queue:   make(chan item, defaultQueueSize),
		errs:    make(chan error, 4),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	go p.run()
	return p
}

// Play starts rendering payload and returns without waiting for it to finish.
// Undecodable payloads and a full queue are reported synchronously.
func (p *Player) Play(payload []byte) error {
	f, samples, err := Decode(payload, p.raw)
	if err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	if len(samples) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- item{format: f, samples: samples}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Errors reports backend failures that happened after Play returned.
func (p *Player) Errors() <-chan error { return p.errs }

func (p *Player) run() {
	defer close(p.done)
	for it := range p.queue {
		if err := p.render(it.format, it.samples); err != nil {
			p.report(err)
		}
	}
}

func (p *Player) render(f Format, samples []int16) error {
	f, samples, err := convert(f, samples, p.backend.Output())
	if err != nil {
		return err
	}
	return p.backend.Play(f, samples)
}

func (p *Player) report(err error) {
	select {
	case p.errs <- err:
	default:
	}
}

// Close waits for queued payloads and cues to finish, then closes the
// backend.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done
	p.cueWG.Wait()
	return p.backend.Close()
}

// convert adapts samples to what the backend wants.
func convert(f Format, samples []int16, out Format) (Format, []int16, error) {
	if out.Channels == 1 && f.Channels == 2 {
		samples = ToMono(samples)
		f.Channels = 1
	} else if out.Channels == 2 && f.Channels == 1 {
		samples = ToStereo(samples)
		f.Channels = 2
	}
	if out.SampleRate != 0 && out.SampleRate != f.SampleRate {
		resampled, err := Resample(samples, f.Channels, f.SampleRate, out.SampleRate)
		if err != nil {
			return f, nil, err
		}
		samples = resampled
		f.SampleRate = out.SampleRate
	}
	return f, samples, nil
}

func ToMono(stereo []int16) []int16 {
	mono := make([]int16, len(stereo)/2)
	for i := range mono {
		mono[i] = int16((int32(stereo[2*i]) + int32(stereo[2*i+1])) / 2)
	}
	return mono
}

func ToStereo(mono []int16) []int16 {
	stereo := make([]int16, len(mono)*2)
	for i, s := range mono {
		stereo[2*i] = s
		stereo[2*i+1] = s
	}
	return stereo
}
