package doctor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"lingo/agent"
	"lingo/audio"
	"lingo/config"
	"lingo/encoder"
	"lingo/playback"
)

const (
	recordFor      = 3 * time.Second
	connectTimeout = 5 * time.Second
	replyTimeout   = 60 * time.Second
	quietLevel     = 0.01
)

// Run executes interactive diagnostic checks and returns an exit code (0=all pass, 1=any fail).
func Run(cfg *config.Config) int {
	tty := saveTerminal()
	defer tty.exitOnInterrupt()()

	fmt.Println("lingo doctor - interactive system diagnostics")
	fmt.Println("=============================================")

	reader := bufio.NewReader(os.Stdin)
	allPass := true

	recording, ok := checkMicrophone(cfg, reader, tty)
	if !ok {
		allPass = false
	}
	if allPass && cfg.Playback.Enabled && !checkPlayback(cfg, recording, reader) {
		allPass = false
	}
	if allPass && !checkAgent(cfg, recording) {
		allPass = false
	}

	fmt.Println()
	if allPass {
		fmt.Println("All checks passed!")
		return 0
	}
	fmt.Println("Some checks failed. See details above.")
	return 1
}

func sourceConfig(cfg *config.Config) audio.SourceConfig {
	return audio.SourceConfig{
		SampleRate: uint32(cfg.Audio.SampleRate),
		Channels:   uint32(cfg.Audio.Channels),
		Format:     cfg.Audio.Format,
	}
}

func checkMicrophone(cfg *config.Config, reader *bufio.Reader, tty *terminal) ([]byte, bool) {
	fmt.Println()
	fmt.Println("[1/3] Microphone")

	ctx, err := audio.NewContext()
	if err != nil {
		fmt.Printf("  FAIL: cannot connect to audio: %v\n", err)
		return nil, false
	}
	defer ctx.Close()

	var device *audio.DeviceInfo
	if cfg.Audio.Device != "" {
		device, err = audio.FindDevice(ctx, cfg.Audio.Device)
	} else {
		device, err = audio.SelectDevice(ctx)
	}
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		return nil, false
	}
	tty.restore()
	fmt.Printf("Using device: %s\n", device.Name)
	if audio.IsBluetooth(device.Name) {
		fmt.Println("  Warning: bluetooth headsets often record at reduced quality")
	}

	src := audio.NewChunkSource(ctx, device, sourceConfig(cfg))
	defer src.Close()

	fmt.Printf("Press Enter and speak for %d seconds...", int(recordFor/time.Second))
	reader.ReadString('\n')

	if err := src.Arm(); err != nil {
		fmt.Printf("  FAIL: could not open microphone: %v\n", err)
		return nil, false
	}

	fmt.Print("  Recording")
	peak := 0.0
	deadline := time.After(recordFor)
	dots := time.NewTicker(500 * time.Millisecond)
record:
	for {
		select {
		case <-deadline:
			break record
		case <-dots.C:
			fmt.Print(".")
		case lvl := <-src.Levels():
			peak = max(peak, lvl)
		case err := <-src.Errors():
			dots.Stop()
			src.Disarm()
			fmt.Printf("\n  FAIL: capture error: %v\n", err)
			return nil, false
		}
	}
	dots.Stop()
	src.Disarm()
	fmt.Println(" done")

	var chunk audio.Chunk
	for !chunk.Final {
		select {
		case chunk = <-src.Chunks():
		case <-time.After(time.Second):
			fmt.Println("  FAIL: no audio chunk produced")
			return nil, false
		}
	}
	if len(chunk.Data) == 0 {
		fmt.Println("  FAIL: no audio captured")
		return nil, false
	}
	if err := verifyChunk(chunk); err != nil {
		fmt.Printf("  FAIL: recorded chunk is not playable: %v\n", err)
		return nil, false
	}

	fmt.Printf("  Recorded %.1f KB of %s (peak level %.2f)\n", float64(len(chunk.Data))/1024, chunk.Format, peak)
	if peak < quietLevel {
		fmt.Println("  Warning: the recording is nearly silent, check the input volume")
	}
	fmt.Println("  PASS: microphone produced audio")
	return chunk.Data, true
}

func verifyChunk(c audio.Chunk) error {
	if c.Format == encoder.FormatWAV {
		_, _, err := encoder.DecodeWAV(c.Data)
		return err
	}
	_, _, err := playback.Decode(c.Data, playback.DefaultRawFormat)
	return err
}

func checkPlayback(cfg *config.Config, recording []byte, reader *bufio.Reader) bool {
	fmt.Println()
	fmt.Println("[2/3] Playback")

	backend, err := playback.NewBackend()
	if err != nil {
		fmt.Printf("  FAIL: cannot open output device: %v\n", err)
		return false
	}
	player := playback.New(backend,
		playback.WithRawFormat(playback.Format{SampleRate: cfg.Playback.SampleRate, Channels: 1}),
		playback.WithoutCues())
	defer player.Close()

	fmt.Println("  Playing back your recording...")
	if err := player.Play(recording); err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		return false
	}
	select {
	case err := <-player.Errors():
		fmt.Printf("  FAIL: %v\n", err)
		return false
	case <-time.After(recordFor + 500*time.Millisecond):
	}

	fmt.Print("Did you hear your recording? [y/n]: ")
	confirm, _ := reader.ReadString('\n')
	confirm = strings.TrimSpace(strings.ToLower(confirm))
	if confirm != "y" && confirm != "yes" {
		fmt.Println("  FAIL: playback not confirmed")
		return false
	}
	fmt.Println("  PASS: playback verified by user")
	return true
}

func checkAgent(cfg *config.Config, recording []byte) bool {
	fmt.Println()
	fmt.Println("[3/3] Tutor connection")
	fmt.Printf("  Endpoint: %s\n", cfg.Agent.Endpoint)

	conn := agent.New(cfg.Agent.Endpoint,
		agent.WithWriteTimeout(cfg.Agent.WriteTimeout),
		agent.WithReadLimit(cfg.Agent.ReadLimit))
	defer conn.Disconnect()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := conn.Connect(ctx, cfg.AgentSession()); err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		return false
	}

	timeout := time.After(connectTimeout)
	for conn.State() != agent.Connected {
		select {
		case ev := <-conn.Events():
			if ev.Kind == agent.EventError {
				fmt.Printf("  FAIL: %v\n", ev.Err)
				return false
			}
		case <-timeout:
			fmt.Printf("  FAIL: not connected after %s\n", connectTimeout)
			return false
		}
	}
	fmt.Printf("  Connected (session %s)\n", conn.ID())

	if len(recording) == 0 {
		fmt.Println("  PASS: tutor reachable")
		return true
	}

	fmt.Println("  Sending your recording, waiting for a reply...")
	sent := time.Now()
	if err := conn.Send(recording); err != nil {
		fmt.Printf("  FAIL: send: %v\n", err)
		return false
	}
	timeout = time.After(replyTimeout)
	for {
		select {
		case ev := <-conn.Events():
			switch ev.Kind {
			case agent.EventPayload:
				fmt.Printf("  Reply of %.1f KB after %s\n", float64(len(ev.Payload))/1024, time.Since(sent).Round(time.Millisecond))
				fmt.Println("  PASS: tutor replied")
				return true
			case agent.EventError:
				fmt.Printf("  FAIL: %v\n", ev.Err)
				return false
			}
		case <-timeout:
			fmt.Printf("  FAIL: no reply after %s\n", replyTimeout)
			return false
		}
	}
}
