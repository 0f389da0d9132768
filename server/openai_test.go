package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sashabaranov/go-openai"

	"lingo/agent"
	"lingo/encoder"
)

// fakeOpenAI answers the three endpoints the tutor uses and records the chat
// requests it saw.
type fakeOpenAI struct {
	mu        sync.Mutex
	chats     []openai.ChatCompletionRequest
	filenames []string
	speech    []openai.CreateSpeechRequest
	failChat  bool
}

func (f *fakeOpenAI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.URL.Path {
	case "/v1/audio/transcriptions":
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file.Close()
		f.filenames = append(f.filenames, header.Filename)
		json.NewEncoder(w).Encode(map[string]string{"text": " Sawubona "})
	case "/v1/chat/completions":
		if f.failChat {
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
			return
		}
		var req openai.ChatCompletionRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.chats = append(f.chats, req)
		json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "Yebo! Sawubona."},
			}},
		})
	case "/v1/audio/speech":
		var req openai.CreateSpeechRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.speech = append(f.speech, req)
		w.Header().Set("Content-Type", "audio/wav")
		io.WriteString(w, "RIFF-speech")
	default:
		http.NotFound(w, r)
	}
}

func newTutor(t *testing.T, fake *fakeOpenAI) *OpenAIProcessor {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	cfg := DefaultOpenAIConfig("sk-test")
	cfg.BaseURL = srv.URL + "/v1"
	return NewOpenAI(cfg)
}

func TestOpenAIReply(t *testing.T) {
	fake := &fakeOpenAI{}
	conv := newTutor(t, fake).Open(zulu)

	wav, err := encoder.EncodeWAV(make([]int16, 160), encoder.SampleRate, 1)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		reply, err := conv.Reply(context.Background(), wav)
		if err != nil {
			t.Fatalf("Reply %d: %v", i, err)
		}
		if string(reply) != "RIFF-speech" {
			t.Fatalf("reply = %q", reply)
		}
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.filenames) != 2 || fake.filenames[0] != "audio.wav" {
		t.Errorf("uploaded files = %v", fake.filenames)
	}
	first, second := fake.chats[0], fake.chats[1]
	if first.Model != openai.GPT4o || first.MaxTokens != 200 || first.Temperature != 0.7 {
		t.Errorf("chat request = model %q, max %d, temp %v", first.Model, first.MaxTokens, first.Temperature)
	}
	if len(first.Messages) != 2 || first.Messages[0].Role != openai.ChatMessageRoleSystem || first.Messages[1].Content != "Sawubona" {
		t.Errorf("first messages = %+v", first.Messages)
	}
	// system, user, assistant, user
	if len(second.Messages) != 4 || second.Messages[2].Role != openai.ChatMessageRoleAssistant {
		t.Errorf("second messages = %+v", second.Messages)
	}
	sp := fake.speech[0]
	if sp.Model != openai.TTSModel1HD || sp.Voice != openai.VoiceNova || sp.ResponseFormat != openai.SpeechResponseFormatWav || sp.Input != "Yebo! Sawubona." {
		t.Errorf("speech request = %+v", sp)
	}
}

func TestOpenAIFlacUpload(t *testing.T) {
	fake := &fakeOpenAI{}
	conv := newTutor(t, fake).Open(zulu)
	if _, err := conv.Reply(context.Background(), []byte("fLaC\x00\x00")); err != nil {
		t.Fatal(err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.filenames[0] != "audio.flac" {
		t.Errorf("filename = %q", fake.filenames[0])
	}
}

func TestOpenAIChatFailure(t *testing.T) {
	fake := &fakeOpenAI{failChat: true}
	conv := newTutor(t, fake).Open(zulu)
	_, err := conv.Reply(context.Background(), []byte("RIFF"))
	if err == nil || !strings.Contains(err.Error(), "response generation failed") {
		t.Fatalf("err = %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.speech) != 0 {
		t.Error("speech requested after a chat failure")
	}
}

func TestHistoryBounded(t *testing.T) {
	fake := &fakeOpenAI{}
	conv := newTutor(t, fake).Open(zulu).(*tutorConversation)
	for i := 0; i < maxHistory; i++ {
		if _, err := conv.respond(context.Background(), "hi"); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(conv.history); n != maxHistory {
		t.Errorf("history = %d, want %d", n, maxHistory)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	last := fake.chats[len(fake.chats)-1]
	if last.Messages[0].Role != openai.ChatMessageRoleSystem {
		t.Error("system prompt dropped from history")
	}
}

func TestTutorPrompt(t *testing.T) {
	p := TutorPrompt(agent.Session{TargetLanguage: "Zulu", Topic: "Animals", UserAge: 10})
	for _, want := range []string{"10-year-old child learn Zulu", "Current topic: Animals", "(beginner)"} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(p, "{") {
		t.Error("unreplaced placeholder in prompt")
	}
}
