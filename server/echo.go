package server

import (
	"context"

	"lingo/agent"
)

// EchoProcessor replies with the audio it was sent.
type EchoProcessor struct{}

func (EchoProcessor) Open(agent.Session) Conversation { return echoConversation{} }

type echoConversation struct{}

func (echoConversation) Reply(_ context.Context, audio []byte) ([]byte, error) {
	out := make([]byte, len(audio))
	copy(out, audio)
	return out, nil
}
