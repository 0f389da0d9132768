package playback

import (
	"sync"
	"time"
)

// FakeBackend records what it was asked to play.
type FakeBackend struct {
	Format Format
	Delay  time.Duration
	Err    error

	mu     sync.Mutex
	played []Played
	closed bool
	notify chan struct{}
}

type Played struct {
	Format  Format
	Samples []int16
}

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{notify: make(chan struct{}, 64)}
}

func (f *FakeBackend) Output() Format { return f.Format }

func (f *FakeBackend) Play(format Format, samples []int16) error {
	if f.Delay > 0 {
		time.Sleep(f.Delay)
	}
	f.mu.Lock()
	f.played = append(f.played, Played{Format: format, Samples: samples})
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
	return f.Err
}

func (f *FakeBackend) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *FakeBackend) Played() []Played {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Played(nil), f.played...)
}

func (f *FakeBackend) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Wait blocks until n payloads have been played or the timeout passes.
func (f *FakeBackend) Wait(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if len(f.Played()) >= n {
			return true
		}
		select {
		case <-f.notify:
		case <-deadline:
			return len(f.Played()) >= n
		}
	}
}

// Discard is a backend for running without an audio output.
type Discard struct{}

func (Discard) Output() Format             { return Format{} }
func (Discard) Play(Format, []int16) error { return nil }
func (Discard) Close() error               { return nil }
