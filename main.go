package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"lingo/agent"
	"lingo/audio"
	"lingo/config"
	"lingo/conversation"
	"lingo/doctor"
	"lingo/log"
	"lingo/metrics"
	"lingo/playback"
	"lingo/shutdown"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "serve" {
		os.Exit(runServe(os.Args[2:]))
	}
	os.Exit(run())
}

func deviceLineText(dev *audio.DeviceInfo) string {
	name := "system default"
	suffix := ""
	if dev != nil {
		name = dev.Name
		if audio.IsBluetooth(dev.Name) {
			suffix = " (BT!)"
		}
	}
	return "mic: " + name + suffix
}

func sourceConfig(cfg *config.Config) audio.SourceConfig {
	return audio.SourceConfig{
		SampleRate: uint32(cfg.Audio.SampleRate),
		Channels:   uint32(cfg.Audio.Channels),
		Format:     cfg.Audio.Format,
		Timeslice:  cfg.Audio.Timeslice,
	}
}

func playerOptions(cfg *config.Config) []playback.Option {
	opts := []playback.Option{
		playback.WithRawFormat(playback.Format{SampleRate: cfg.Playback.SampleRate, Channels: 1}),
		playback.WithQueueSize(cfg.Playback.QueueSize),
	}
	if !cfg.Playback.Cues {
		opts = append(opts, playback.WithoutCues())
	}
	return opts
}

func run() int {
	configFlag := flag.String("config", "lingo.yaml", "Config file (missing file uses defaults)")
	endpointFlag := flag.String("endpoint", "", "Tutor websocket endpoint")
	langFlag := flag.String("lang", "", "Language to practise (e.g. spanish, zulu)")
	topicFlag := flag.String("topic", "", "Conversation topic")
	ageFlag := flag.Int("age", 0, "Learner age")
	formatFlag := flag.String("format", "", "Upload format: wav or flac")
	timesliceFlag := flag.Duration("timeslice", 0, "Send a chunk every interval while recording (0 = one chunk per turn)")
	noPlaybackFlag := flag.Bool("no-playback", false, "Do not play replies")
	setupFlag := flag.Bool("setup", false, "Select microphone device (otherwise uses system default)")
	deviceFlag := flag.String("device", "", "Use named microphone device")
	autoStopFlag := flag.Bool("autostop", false, "Stop a recording after 30s without voice")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	doctorFlag := flag.Bool("doctor", false, "Run system diagnostics and exit")
	logPathFlag := flag.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	profileFlag := flag.String("profile", "", "Enable pprof profiling server (e.g., :6060 or localhost:6060)")
	metricsFlag := flag.String("metrics", "", "Serve Prometheus metrics on this address (e.g. :9091)")
	testFlag := flag.Bool("test", false, "Test mode (headless, stdin-driven)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage:\n  lingo [flags]         talk to the tutor\n  lingo serve [flags]   run the tutor server\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *versionFlag {
		fmt.Printf("lingo %s\n", version)
		return 0
	}

	// Resolve log directory early
	logPath, err := log.ResolveDir(*logPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		return 1
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}

	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err == nil {
		fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}

	if *profileFlag != "" {
		go func() {
			fmt.Fprintf(os.Stderr, "pprof server listening on http://%s/debug/pprof/\n", *profileFlag)
			if err := http.ListenAndServe(*profileFlag, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server error: %v\n", err)
			}
		}()
	}

	if err := config.LoadEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	// Flags given on the command line win over file and environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "endpoint":
			cfg.Agent.Endpoint = *endpointFlag
		case "lang":
			cfg.Session.Language = *langFlag
		case "topic":
			cfg.Session.Topic = *topicFlag
		case "age":
			cfg.Session.Age = *ageFlag
		case "format":
			cfg.Audio.Format = *formatFlag
		case "timeslice":
			cfg.Audio.Timeslice = *timesliceFlag
		case "no-playback":
			cfg.Playback.Enabled = !*noPlaybackFlag
		case "device":
			cfg.Audio.Device = *deviceFlag
		case "metrics":
			cfg.Metrics.Address = *metricsFlag
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *doctorFlag {
		return doctor.Run(cfg)
	}

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()

	m := metrics.New()
	if cfg.Metrics.Address != "" {
		go serveMetrics(cfg.Metrics.Address, m)
	}

	if *testFlag {
		args := flag.Args()
		if len(args) == 0 {
			fmt.Fprintln(os.Stderr, "Usage: lingo -test <wav-file>")
			return 1
		}
		return runTestMode(cfg, m, args[0])
	}

	actx, err := audio.NewContext()
	if err != nil {
		log.Errorf("audio context init error: %v", err)
		fmt.Printf("Error initializing audio context: %v\n", err)
		return 1
	}
	defer actx.Close()

	var device *audio.DeviceInfo
	switch {
	case cfg.Audio.Device != "":
		device, err = audio.FindDevice(actx, cfg.Audio.Device)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	case *setupFlag:
		device, err = audio.SelectDevice(actx)
		if errors.Is(err, audio.ErrPickerCanceled) {
			return 0
		}
		if err != nil {
			log.Warnf("device selection failed: %v", err)
			fmt.Printf("Warning: device selection failed: %v\n", err)
			fmt.Println("Falling back to default device")
			device = nil
		}
	}

	src := audio.NewChunkSource(actx, device, sourceConfig(cfg))
	defer src.Close()

	conn := agent.New(cfg.Agent.Endpoint,
		agent.WithWriteTimeout(cfg.Agent.WriteTimeout),
		agent.WithReadLimit(cfg.Agent.ReadLimit))

	var backend playback.Backend = playback.Discard{}
	if cfg.Playback.Enabled {
		b, err := playback.NewBackend()
		if err != nil {
			log.Warnf("audio output unavailable: %v", err)
			fmt.Printf("Warning: audio output unavailable, replies will not be played: %v\n", err)
		} else {
			backend = b
		}
	}
	player := playback.New(backend, playerOptions(cfg)...)
	defer player.Close()

	var cues cuer
	var cue func(playback.Cue)
	if cfg.Playback.Enabled && cfg.Playback.Cues {
		cues, cue = player, player.Cue
	}

	o := conversation.New(cfg.AgentSession(), src, conn, player,
		conversation.WithMetrics(m),
		conversation.WithEndpoint(cfg.Agent.Endpoint))

	ctx, stop := shutdown.Context(context.Background())
	defer stop()

	err = o.Run(ctx, func(ctx context.Context) error {
		model := newTUIModel(o.ToggleRecording, cue, o.Session(), deviceLineText(device), *autoStopFlag)
		p := NewTUIProgram(model)
		go pump(o, tuiSink{p}, cues)
		go func() {
			select {
			case <-ctx.Done():
			case <-o.Done():
			}
			p.Quit()
		}()
		_, err := p.Run()
		return err
	})
	if err != nil {
		log.Errorf("conversation: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func serveMetrics(addr string, m *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warnf("metrics server: %v", err)
	}
}
