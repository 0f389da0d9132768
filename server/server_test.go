package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"lingo/agent"
	"lingo/metrics"
)

var zulu = agent.Session{TargetLanguage: "Zulu", Topic: "Animals", UserAge: 10, Proficiency: agent.Beginner}

type failingProcessor struct{}

func (failingProcessor) Open(agent.Session) Conversation { return failingConversation{} }

type failingConversation struct{}

func (failingConversation) Reply(context.Context, []byte) ([]byte, error) {
	return nil, errors.New("model unavailable")
}

// startServer serves proc on a loopback port and returns the voice endpoint.
func startServer(t *testing.T, proc Processor, opts Options) (*Server, string) {
	t.Helper()
	reg := prometheus.NewRegistry()
	s := New(proc, zerolog.Nop(), metrics.NewWith(reg, reg), opts)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go s.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s, "ws://" + ln.Addr().String() + VoicePath
}

func nextEvent(t *testing.T, c *agent.Conn) agent.Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return agent.Event{}
}

func connect(t *testing.T, endpoint string) *agent.Conn {
	t.Helper()
	c := agent.New(endpoint)
	t.Cleanup(c.Disconnect)
	if err := c.Connect(context.Background(), zulu); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ev := nextEvent(t, c); !ev.Connected {
		t.Fatalf("first event = %+v, want connected", ev)
	}
	return c
}

func TestEchoRoundTrip(t *testing.T) {
	s, endpoint := startServer(t, EchoProcessor{}, Options{})
	c := connect(t, endpoint)

	for _, payload := range [][]byte{[]byte("first utterance"), bytes.Repeat([]byte{7}, 100_000)} {
		if err := c.Send(payload); err != nil {
			t.Fatalf("Send: %v", err)
		}
		ev := nextEvent(t, c)
		if ev.Kind != agent.EventPayload || !bytes.Equal(ev.Payload, payload) {
			t.Fatalf("event = %v (%d bytes)", ev.Kind, len(ev.Payload))
		}
	}
	if n := s.Connections(); n != 1 {
		t.Errorf("Connections = %d, want 1", n)
	}

	c.Disconnect()
	deadline := time.Now().Add(2 * time.Second)
	for s.Connections() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection not unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHeartbeat(t *testing.T) {
	_, endpoint := startServer(t, EchoProcessor{}, Options{HeartbeatInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	u, err := agent.BuildURL(endpoint, zulu)
	if err != nil {
		t.Fatal(err)
	}
	ws, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.CloseNow()

	typ, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("type = %v, want text", typ)
	}
	var hb heartbeat
	if err := json.Unmarshal(data, &hb); err != nil || hb.Type != "heartbeat" {
		t.Errorf("heartbeat = %q (%v)", data, err)
	}
}

func TestHeartbeatsIgnoredByClient(t *testing.T) {
	_, endpoint := startServer(t, EchoProcessor{}, Options{HeartbeatInterval: 10 * time.Millisecond})
	c := connect(t, endpoint)

	time.Sleep(50 * time.Millisecond)
	if err := c.Send([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if ev := nextEvent(t, c); ev.Kind != agent.EventPayload || string(ev.Payload) != "hello" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestRejectsInvalidSession(t *testing.T) {
	_, endpoint := startServer(t, EchoProcessor{}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, endpoint+"?target_language=Zulu&topic=Animals&user_age=abc", nil)
	if err == nil {
		t.Fatal("dial with an invalid session succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("response = %+v, want 400", resp)
	}
}

func TestProcessingErrorEndsConnection(t *testing.T) {
	s, endpoint := startServer(t, failingProcessor{}, Options{})
	c := connect(t, endpoint)

	if err := c.Send([]byte("utterance")); err != nil {
		t.Fatal(err)
	}
	ev := nextEvent(t, c)
	if ev.Kind != agent.EventError || ev.State != agent.Failed {
		t.Fatalf("event = %+v, want a failure", ev)
	}
	if ev := nextEvent(t, c); ev.Kind != agent.EventState || ev.Connected {
		t.Fatalf("event = %+v, want disconnected state", ev)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.Connections() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection not unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHTTPEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWith(reg, reg)
	s := New(EchoProcessor{}, zerolog.Nop(), m, Options{})

	tests := []struct {
		name   string
		path   string
		status int
		body   string
	}{
		{"health", "/healthz", http.StatusOK, `"status":"ok"`},
		{"metrics", "/metrics", http.StatusOK, "lingo_"},
		{"voice without upgrade", VoicePath, http.StatusUpgradeRequired, ""},
		{"unknown", "/nope", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, tt.path, nil))
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			body, _ := io.ReadAll(resp.Body)
			if !strings.Contains(string(body), tt.body) {
				t.Errorf("body = %q, want containing %q", body, tt.body)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	s := New(EchoProcessor{}, zerolog.Nop(), nil, Options{CORSOrigins: "https://app.example.com"})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := s.App().Test(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("allow origin = %q", got)
	}
}
