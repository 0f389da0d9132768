// Package config loads lingo's settings: built-in defaults, then an optional
// YAML file, then environment variables. Command-line flags are applied by
// main on top of the result.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"lingo/agent"
	"lingo/encoder"
)

const (
	EnvEndpoint = "LINGO_ENDPOINT"
	EnvLanguage = "LINGO_LANGUAGE"
	EnvTopic    = "LINGO_TOPIC"
	EnvAge      = "LINGO_AGE"
	EnvOpenAI   = "OPENAI_API_KEY"
)

type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	Session  SessionConfig  `yaml:"session"`
	Audio    AudioConfig    `yaml:"audio"`
	Playback PlaybackConfig `yaml:"playback"`
	Server   ServerConfig   `yaml:"server"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// AgentConfig is the client side of the connection.
type AgentConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	ReadLimit    int64         `yaml:"read_limit"`
}

type SessionConfig struct {
	Language    string `yaml:"language"`
	Topic       string `yaml:"topic"`
	Age         int    `yaml:"age"`
	Proficiency string `yaml:"proficiency"`
}

type AudioConfig struct {
	SampleRate int           `yaml:"sample_rate"`
	Channels   int           `yaml:"channels"`
	Format     string        `yaml:"format"`
	Timeslice  time.Duration `yaml:"timeslice"`
	Device     string        `yaml:"device"`
}

type PlaybackConfig struct {
	Enabled    bool `yaml:"enabled"`
	Cues       bool `yaml:"cues"`
	SampleRate int  `yaml:"sample_rate"` // assumed rate of headerless replies
	QueueSize  int  `yaml:"queue_size"`
}

// ServerConfig drives `lingo serve`.
type ServerConfig struct {
	Address           string        `yaml:"address"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	OpenAIKey         string        `yaml:"openai_api_key"`
	TranscribeModel   string        `yaml:"transcribe_model"`
	ChatModel         string        `yaml:"chat_model"`
	Temperature       float32       `yaml:"temperature"`
	MaxTokens         int           `yaml:"max_tokens"`
	TTSModel          string        `yaml:"tts_model"`
	Voice             string        `yaml:"voice"`
	TTSFormat         string        `yaml:"tts_format"`
	CORSOrigins       string        `yaml:"cors_origins"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

type MetricsConfig struct {
	Address string `yaml:"address"` // empty disables the client endpoint
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Endpoint:     "ws://localhost:8000/api/voice/ws/voice",
			WriteTimeout: agent.DefaultWriteTimeout,
			ReadLimit:    agent.DefaultReadLimit,
		},
		Session: SessionConfig{
			Age:         10,
			Proficiency: string(agent.Beginner),
		},
		Audio: AudioConfig{
			SampleRate: encoder.SampleRate,
			Channels:   encoder.Channels,
			Format:     encoder.FormatWAV,
		},
		Playback: PlaybackConfig{
			Enabled:    true,
			Cues:       true,
			SampleRate: 24000,
			QueueSize:  8,
		},
		Server: ServerConfig{
			Address:           ":8000",
			HeartbeatInterval: 5 * time.Second,
			TranscribeModel:   "whisper-1",
			ChatModel:         "gpt-4o",
			Temperature:       0.7,
			MaxTokens:         200,
			TTSModel:          "tts-1-hd",
			Voice:             "nova",
			TTSFormat:         "wav",
			CORSOrigins:       "*",
			RequestTimeout:    60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadEnv reads .env style files into the process environment. Variables
// already set win; missing files are ignored.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// Load returns the defaults overlaid with the YAML file at path and the
// environment. An empty path or a missing file leaves the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the variables lookup reports as set.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvEndpoint); ok && v != "" {
		c.Agent.Endpoint = v
	}
	if v, ok := lookup(EnvLanguage); ok && v != "" {
		c.Session.Language = v
	}
	if v, ok := lookup(EnvTopic); ok && v != "" {
		c.Session.Topic = v
	}
	if v, ok := lookup(EnvAge); ok && v != "" {
		age, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvAge, err)
		}
		c.Session.Age = age
	}
	if v, ok := lookup(EnvOpenAI); ok && v != "" {
		c.Server.OpenAIKey = v
	}
	return nil
}

func (c *Config) AgentSession() agent.Session {
	return agent.Session{
		TargetLanguage: c.Session.Language,
		Topic:          c.Session.Topic,
		UserAge:        c.Session.Age,
		Proficiency:    agent.Proficiency(c.Session.Proficiency),
	}
}

// Validate checks what the client needs to hold a conversation.
func (c *Config) Validate() error {
	if _, err := agent.BuildURL(c.Agent.Endpoint, c.AgentSession()); err != nil {
		return fmt.Errorf("agent config: %w", err)
	}
	if c.Agent.WriteTimeout <= 0 {
		return fmt.Errorf("agent config: write_timeout must be positive, got %s", c.Agent.WriteTimeout)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Playback.Validate(); err != nil {
		return fmt.Errorf("playback config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000, got %d", a.SampleRate)
	}
	if a.Channels != 1 && a.Channels != 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", a.Channels)
	}
	if !encoder.ValidFormat(a.Format) {
		return fmt.Errorf("format must be %q or %q, got %q", encoder.FormatWAV, encoder.FormatFLAC, a.Format)
	}
	if a.Timeslice < 0 {
		return fmt.Errorf("timeslice cannot be negative, got %s", a.Timeslice)
	}
	return nil
}

func (p *PlaybackConfig) Validate() error {
	if p.SampleRate < 8000 || p.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000, got %d", p.SampleRate)
	}
	if p.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", p.QueueSize)
	}
	return nil
}

// ValidateServer checks what `lingo serve` needs. The OpenAI key is only
// required when echo is false.
func (c *Config) ValidateServer(echo bool) error {
	s := c.Server
	if s.Address == "" {
		return errors.New("server config: address cannot be empty")
	}
	if s.HeartbeatInterval <= 0 {
		return fmt.Errorf("server config: heartbeat_interval must be positive, got %s", s.HeartbeatInterval)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if echo {
		return nil
	}
	if s.OpenAIKey == "" {
		return fmt.Errorf("server config: %s is not set", EnvOpenAI)
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		return fmt.Errorf("server config: temperature must be between 0 and 2, got %g", s.Temperature)
	}
	if s.MaxTokens < 1 {
		return fmt.Errorf("server config: max_tokens must be at least 1, got %d", s.MaxTokens)
	}
	if s.RequestTimeout <= 0 {
		return fmt.Errorf("server config: request_timeout must be positive, got %s", s.RequestTimeout)
	}
	return nil
}

func (l *LoggingConfig) Validate() error {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	if l.Format != "json" && l.Format != "text" {
		return fmt.Errorf("format must be 'json' or 'text', got %q", l.Format)
	}
	return nil
}
