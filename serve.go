package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"lingo/config"
	"lingo/log"
	"lingo/metrics"
	"lingo/server"
	"lingo/shutdown"
)

const serverDrainTimeout = 10 * time.Second

// runServe runs the tutor server until interrupted.
func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configFlag := fs.String("config", "lingo.yaml", "Config file (missing file uses defaults)")
	addrFlag := fs.String("addr", "", "Listen address (overrides server.address)")
	echoFlag := fs.Bool("echo", false, "Reply with the received audio instead of calling OpenAI")
	levelFlag := fs.String("log-level", "", "Log level: debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return 2
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
	if *addrFlag != "" {
		cfg.Server.Address = *addrFlag
	}
	if *levelFlag != "" {
		cfg.Logging.Level = *levelFlag
	}
	if err := cfg.ValidateServer(*echoFlag); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logger := log.NewServer(os.Stderr, cfg.Logging.Level, cfg.Logging.Format == "text")

	var proc server.Processor = server.EchoProcessor{}
	if !*echoFlag {
		proc = server.NewOpenAI(openAIConfig(cfg.Server))
	}

	srv := server.New(proc, logger, metrics.New(), server.Options{
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		RequestTimeout:    cfg.Server.RequestTimeout,
		CORSOrigins:       cfg.Server.CORSOrigins,
	})

	ctx, stop := shutdown.Context(context.Background())
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- srv.Listen(cfg.Server.Address) }()

	select {
	case err := <-errc:
		if err != nil {
			logger.Error().Err(err).Msg("server failed")
			return 1
		}
		return 0
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	drainCtx, cancel := context.WithTimeout(context.Background(), serverDrainTimeout)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("shutdown")
		return 1
	}
	return 0
}

func openAIConfig(s config.ServerConfig) server.OpenAIConfig {
	oc := server.DefaultOpenAIConfig(s.OpenAIKey)
	if s.TranscribeModel != "" {
		oc.TranscribeModel = s.TranscribeModel
	}
	if s.ChatModel != "" {
		oc.ChatModel = s.ChatModel
	}
	oc.Temperature = s.Temperature
	if s.MaxTokens > 0 {
		oc.MaxTokens = s.MaxTokens
	}
	if s.TTSModel != "" {
		oc.TTSModel = s.TTSModel
	}
	if s.Voice != "" {
		oc.Voice = s.Voice
	}
	if s.TTSFormat != "" {
		oc.Format = s.TTSFormat
	}
	return oc
}
