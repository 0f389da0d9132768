package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"lingo/agent"
	"lingo/audio"
	"lingo/config"
	"lingo/conversation"
	"lingo/log"
	"lingo/metrics"
	"lingo/playback"
)

const (
	testConnectTimeout = 10 * time.Second
	testReplyTimeout   = 60 * time.Second
)

// headlessSink prints conversation events and lets the stdin driver wait on
// them.
type headlessSink struct {
	out io.Writer

	mu        sync.Mutex
	connected chan struct{}
	replies   chan struct{}
	seen      int // agent entries already signalled
	state     conversation.State
}

func newHeadlessSink(out io.Writer) *headlessSink {
	return &headlessSink{
		out:       out,
		connected: make(chan struct{}),
		replies:   make(chan struct{}, 64),
	}
}

func (h *headlessSink) StateChanged(s conversation.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.Connected {
		select {
		case <-h.connected:
		default:
			close(h.connected)
		}
	}
	if s.State != h.state {
		h.state = s.State
		fmt.Fprintf(h.out, "state: %s\n", s.State)
	}
}

func (h *headlessSink) Failure(f conversation.Failure) {
	fmt.Fprintf(h.out, "failure: %s: %s\n", f.Kind, f.Message)
}

func (h *headlessSink) AudioLevel(float64) {}

func (h *headlessSink) TranscriptChanged(entries []conversation.Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range entries {
		if e.Origin == conversation.Agent {
			n++
		}
	}
	for ; h.seen < n; h.seen++ {
		select {
		case h.replies <- struct{}{}:
		default:
		}
	}
}

// runTestMode holds a conversation with audio replayed from wavPath, driven
// by commands on stdin:
//
//	WAIT_CONNECTED   block until the agent connection is up
//	TOGGLE           start or stop recording
//	WAIT_AUDIO_DONE  block until the whole file has been captured
//	WAIT             block until the next reply arrived
//	SLEEP <ms>
//	QUIT
func runTestMode(cfg *config.Config, m *metrics.Metrics, wavPath string) int {
	fakeCtx, err := audio.NewFakeContext(wavPath, cfg.Audio.Timeslice > 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading WAV: %v\n", err)
		return 1
	}

	src := audio.NewChunkSource(fakeCtx, nil, sourceConfig(cfg))
	defer src.Close()

	conn := agent.New(cfg.Agent.Endpoint,
		agent.WithWriteTimeout(cfg.Agent.WriteTimeout),
		agent.WithReadLimit(cfg.Agent.ReadLimit))

	backend := playback.NewFakeBackend()
	player := playback.New(backend, playerOptions(cfg)...)
	defer player.Close()

	o := conversation.New(cfg.AgentSession(), src, conn, player,
		conversation.WithMetrics(m),
		conversation.WithEndpoint(cfg.Agent.Endpoint))

	sink := newHeadlessSink(os.Stdout)
	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		pump(o, sink, nil)
	}()

	err = o.Run(context.Background(), func(ctx context.Context) error {
		return drive(ctx, os.Stdin, o, sink, fakeCtx)
	})
	<-pumped
	player.Close()

	for _, e := range o.Transcript() {
		fmt.Printf("%s: %s\n", e.Origin, e.Text)
	}
	fmt.Printf("played: %d\n", len(backend.Played()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		log.Errorf("test mode: %v", err)
		return 1
	}
	return 0
}

func drive(ctx context.Context, in io.Reader, o *conversation.Orchestrator, sink *headlessSink, fakeCtx *audio.FakeContext) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		cmd := strings.TrimSpace(scanner.Text())
		switch {
		case cmd == "" || strings.HasPrefix(cmd, "#"):
		case cmd == "WAIT_CONNECTED":
			if err := waitOn(ctx, sink.connected, testConnectTimeout); err != nil {
				return fmt.Errorf("waiting for connection: %w", err)
			}
		case cmd == "TOGGLE":
			if err := o.ToggleRecording(); err != nil {
				fmt.Printf("toggle: %v\n", err)
			}
		case cmd == "WAIT_AUDIO_DONE":
			c := fakeCtx.Last()
			if c == nil {
				return fmt.Errorf("WAIT_AUDIO_DONE before any recording")
			}
			if err := waitOn(ctx, c.AudioDone(), testReplyTimeout); err != nil {
				return fmt.Errorf("waiting for audio: %w", err)
			}
		case cmd == "WAIT":
			select {
			case <-sink.replies:
			case <-ctx.Done():
				return ctx.Err()
			case <-o.Done():
				return conversation.ErrStopped
			case <-time.After(testReplyTimeout):
				return fmt.Errorf("no reply within %s", testReplyTimeout)
			}
		case strings.HasPrefix(cmd, "SLEEP "):
			ms, err := strconv.Atoi(strings.TrimSpace(cmd[6:]))
			if err != nil {
				return fmt.Errorf("bad SLEEP: %w", err)
			}
			time.Sleep(time.Duration(ms) * time.Millisecond)
		case cmd == "QUIT":
			return nil
		default:
			return fmt.Errorf("unknown command %q", cmd)
		}
	}
	return scanner.Err()
}

func waitOn(ctx context.Context, ch <-chan struct{}, timeout time.Duration) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("timed out after %s", timeout)
	}
}
