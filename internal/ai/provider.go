// Package ai wraps the chat-completion providers and hosts the generation
// worker that turns a coordinator request into a bot reply.
package ai

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}
