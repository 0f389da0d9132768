package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lingo/agent"
	"lingo/encoder"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvEndpoint, EnvLanguage, EnvTopic, EnvAge, EnvOpenAI} {
		t.Setenv(k, "")
	}
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := Default()
	if cfg.Agent != def.Agent || cfg.Audio != def.Audio || cfg.Server != def.Server {
		t.Errorf("got %+v, want defaults", cfg)
	}
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "lingo.yaml", `
agent:
  endpoint: wss://tutor.example.com/api/voice/ws/voice
  write_timeout: 3s
session:
  language: Zulu
  topic: Animals
  age: 12
audio:
  format: flac
  timeslice: 500ms
server:
  heartbeat_interval: 2s
  voice: alloy
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Endpoint != "wss://tutor.example.com/api/voice/ws/voice" || cfg.Agent.WriteTimeout != 3*time.Second {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.Audio.Format != encoder.FormatFLAC || cfg.Audio.Timeslice != 500*time.Millisecond {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.Audio.SampleRate != encoder.SampleRate {
		t.Errorf("unset sample_rate lost its default: %d", cfg.Audio.SampleRate)
	}
	if cfg.Server.HeartbeatInterval != 2*time.Second || cfg.Server.Voice != "alloy" || cfg.Server.ChatModel != "gpt-4o" {
		t.Errorf("server = %+v", cfg.Server)
	}
	want := agent.Session{TargetLanguage: "Zulu", Topic: "Animals", UserAge: 12, Proficiency: agent.Beginner}
	if got := cfg.AgentSession(); got != want {
		t.Errorf("session = %+v, want %+v", got, want)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "bad.yaml", "agent: [unterminated")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "failed to parse") {
		t.Errorf("err = %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeFile(t, "lingo.yaml", "session:\n  language: French\n  age: 30\n")
	t.Setenv(EnvEndpoint, "ws://10.0.0.2:9000/ws")
	t.Setenv(EnvLanguage, "Zulu")
	t.Setenv(EnvTopic, "Animals")
	t.Setenv(EnvAge, "10")
	t.Setenv(EnvOpenAI, "sk-test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Endpoint != "ws://10.0.0.2:9000/ws" {
		t.Errorf("endpoint = %q", cfg.Agent.Endpoint)
	}
	if s := cfg.Session; s.Language != "Zulu" || s.Topic != "Animals" || s.Age != 10 {
		t.Errorf("session = %+v", s)
	}
	if cfg.Server.OpenAIKey != "sk-test" {
		t.Errorf("openai key = %q", cfg.Server.OpenAIKey)
	}
}

func TestEnvBadAge(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvAge, "ten")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), EnvAge) {
		t.Errorf("err = %v", err)
	}
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)
	os.Unsetenv(EnvTopic)
	path := writeFile(t, ".env", EnvTopic+"=Food\n")
	if err := LoadEnv(path, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv(EnvTopic) })
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Session.Topic != "Food" {
		t.Errorf("topic = %q", cfg.Session.Topic)
	}
}

func TestConfigValidation(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.Session = SessionConfig{Language: "Zulu", Topic: "Animals", Age: 10, Proficiency: "beginner"}
		return c
	}
	tests := []struct {
		name     string
		mutate   func(c *Config)
		errorMsg string
	}{
		{"valid configuration", func(c *Config) {}, ""},
		{"missing language", func(c *Config) { c.Session.Language = "" }, "target language is required"},
		{"bad endpoint", func(c *Config) { c.Agent.Endpoint = "ftp://x" }, "agent config"},
		{"zero write timeout", func(c *Config) { c.Agent.WriteTimeout = 0 }, "write_timeout"},
		{"bad format", func(c *Config) { c.Audio.Format = "mp3" }, "format must be"},
		{"bad channels", func(c *Config) { c.Audio.Channels = 6 }, "channels"},
		{"negative timeslice", func(c *Config) { c.Audio.Timeslice = -time.Second }, "timeslice"},
		{"bad playback rate", func(c *Config) { c.Playback.SampleRate = 100 }, "playback config"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "level must be"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("err = %v, want containing %q", err, tt.errorMsg)
			}
		})
	}
}

func TestValidateServer(t *testing.T) {
	c := Default()
	if err := c.ValidateServer(true); err != nil {
		t.Errorf("echo server: %v", err)
	}
	if err := c.ValidateServer(false); err == nil || !strings.Contains(err.Error(), EnvOpenAI) {
		t.Errorf("missing key: %v", err)
	}
	c.Server.OpenAIKey = "sk-test"
	if err := c.ValidateServer(false); err != nil {
		t.Errorf("openai server: %v", err)
	}
	c.Server.HeartbeatInterval = 0
	if err := c.ValidateServer(true); err == nil {
		t.Error("zero heartbeat accepted")
	}
}
