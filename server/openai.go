package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"

	"lingo/agent"
	"lingo/encoder"
)

// maxHistory bounds the chat turns kept besides the system prompt.
const maxHistory = 20

type OpenAIConfig struct {
	APIKey  string
	BaseURL string // empty uses the public API

	TranscribeModel string
	ChatModel       string
	Temperature     float32
	MaxTokens       int
	TTSModel        string
	Voice           string
	Format          string
}

func DefaultOpenAIConfig(apiKey string) OpenAIConfig {
	return OpenAIConfig{
		APIKey:          apiKey,
		TranscribeModel: openai.Whisper1,
		ChatModel:       openai.GPT4o,
		Temperature:     0.7,
		MaxTokens:       200,
		TTSModel:        string(openai.TTSModel1HD),
		Voice:           string(openai.VoiceNova),
		Format:          string(openai.SpeechResponseFormatWav),
	}
}

// OpenAIProcessor transcribes each utterance, asks the chat model for a
// tutoring reply and speaks it.
type OpenAIProcessor struct {
	client *openai.Client
	cfg    OpenAIConfig
}

func NewOpenAI(cfg OpenAIConfig) *OpenAIProcessor {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &OpenAIProcessor{client: openai.NewClientWithConfig(oc), cfg: cfg}
}

func (p *OpenAIProcessor) Open(sess agent.Session) Conversation {
	return &tutorConversation{
		p:      p,
		system: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: TutorPrompt(sess)},
	}
}

type tutorConversation struct {
	p      *OpenAIProcessor
	system openai.ChatCompletionMessage

	mu      sync.Mutex
	history []openai.ChatCompletionMessage
}

func (t *tutorConversation) Reply(ctx context.Context, audio []byte) ([]byte, error) {
	text, err := t.p.transcribe(ctx, audio)
	if err != nil {
		return nil, fmt.Errorf("transcription failed: %w", err)
	}
	answer, err := t.respond(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("response generation failed: %w", err)
	}
	speech, err := t.p.speak(ctx, answer)
	if err != nil {
		return nil, fmt.Errorf("speech synthesis failed: %w", err)
	}
	return speech, nil
}

func (p *OpenAIProcessor) transcribe(ctx context.Context, audio []byte) (string, error) {
	name := "audio.flac"
	if encoder.IsWAV(audio) {
		name = "audio.wav"
	}
	resp, err := p.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    p.cfg.TranscribeModel,
		FilePath: name,
		Reader:   bytes.NewReader(audio),
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

func (t *tutorConversation) respond(ctx context.Context, text string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text}
	msgs := make([]openai.ChatCompletionMessage, 0, len(t.history)+2)
	msgs = append(msgs, t.system)
	msgs = append(msgs, t.history...)
	msgs = append(msgs, user)

	resp, err := t.p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       t.p.cfg.ChatModel,
		Messages:    msgs,
		Temperature: t.p.cfg.Temperature,
		MaxTokens:   t.p.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices returned")
	}
	answer := resp.Choices[0].Message.Content

	t.history = append(t.history, user, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: answer})
	if n := len(t.history); n > maxHistory {
		t.history = append([]openai.ChatCompletionMessage(nil), t.history[n-maxHistory:]...)
	}
	return answer, nil
}

func (p *OpenAIProcessor) speak(ctx context.Context, text string) ([]byte, error) {
	resp, err := p.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(p.cfg.TTSModel),
		Input:          text,
		Voice:          openai.SpeechVoice(p.cfg.Voice),
		ResponseFormat: openai.SpeechResponseFormat(p.cfg.Format),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Close()
	return io.ReadAll(resp)
}

// TutorPrompt is the system prompt for a session.
func TutorPrompt(s agent.Session) string {
	level := string(s.Proficiency)
	if level == "" {
		level = string(agent.Beginner)
	}
	r := strings.NewReplacer(
		"{age}", fmt.Sprint(s.UserAge),
		"{language}", s.TargetLanguage,
		"{topic}", s.Topic,
		"{level}", level,
	)
	return r.Replace(tutorPrompt)
}

const tutorPrompt = `You are an AI language tutor helping a {age}-year-old child learn {language}.
Current topic: {topic}

ROLE:
- Listen to the child's attempts to speak {language}
- Respond in {language} first, then provide an English translation
- Explain key words and phrases they can use
- Gently correct pronunciation or grammar mistakes
- Keep the conversation focused on {topic}

RESPONSE FORMAT:
1. Main response:
   {language}: [your response in {language}]
   English: [simple translation]

2. Teaching moment:
   New words: [1-2 relevant words with pronunciation]
   Try saying: [a simple phrase to practice]

3. If a correction is needed:
   I heard: [what they said]
   Better way: [correct form]
   Tip: [simple explanation]

Your reply is spoken aloud, so keep it short.

Remember:
- Keep explanations simple and fun
- Use lots of examples
- Encourage practice
- Celebrate their attempts
- Stay at their level ({level})`
