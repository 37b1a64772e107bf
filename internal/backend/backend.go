// Package backend defines the reasoning-backend contract and its client
// implementations.
//
// The orchestrator treats every provider through the single Complete
// contract; which named backend a task uses is decided by configuration and
// the intent classifier, never by the executor itself. Rate budgets are
// enforced upstream by the resource governor; the per-client rate.Limiter
// here only smooths bursts against provider quotas.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/operatord/internal/config"
)

// Message is one turn of a chat-style completion request.
type Message struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
}

// ToolSpec advertises a callable tool to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Request is a chat-style completion request.
type Request struct {
	Messages []Message
	Tools    []ToolSpec
}

// Response is the model's reply.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// Backend is the single contract every reasoning provider implements.
type Backend interface {
	// Name returns the configured backend name (the governor key).
	Name() string

	// Complete performs one chat completion.
	Complete(ctx context.Context, req Request) (Response, error)
}

// ErrEmptyResponse indicates the provider returned no content.
var ErrEmptyResponse = errors.New("empty response from backend")

// NewRegistry builds one client per configured backend.
func NewRegistry(cfgs map[string]config.BackendConfig) (map[string]Backend, error) {
	registry := make(map[string]Backend, len(cfgs))
	for name, cfg := range cfgs {
		var (
			b   Backend
			err error
		)
		switch cfg.Provider {
		case "anthropic":
			b, err = newAnthropicClient(name, cfg)
		case "openai", "local":
			b, err = newOpenAIClient(name, cfg)
		default:
			err = fmt.Errorf("unknown provider %q", cfg.Provider)
		}
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", name, err)
		}
		registry[name] = b
	}
	return registry, nil
}
