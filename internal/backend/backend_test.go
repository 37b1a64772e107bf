package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/operatord/internal/config"
)

func TestNewRegistry(t *testing.T) {
	cfgs := map[string]config.BackendConfig{
		"hosted": {Provider: "anthropic", APIKey: "sk-test", RateLimit: 60},
		"local":  {Provider: "local", BaseURL: "http://localhost:11434", RateLimit: 600},
	}

	registry, err := NewRegistry(cfgs)
	require.NoError(t, err)
	require.Len(t, registry, 2)
	assert.Equal(t, "hosted", registry["hosted"].Name())
	assert.Equal(t, "local", registry["local"].Name())
}

func TestNewRegistry_MissingAPIKey(t *testing.T) {
	_, err := NewRegistry(map[string]config.BackendConfig{
		"hosted": {Provider: "anthropic"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key required")

	_, err = NewRegistry(map[string]config.BackendConfig{
		"oa": {Provider: "openai"},
	})
	require.Error(t, err)
}

func TestOpenAIClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)

		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.Messages)

		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": `["sub-goal one"]`}},
			},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 5},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	client, err := newOpenAIClient("local", config.BackendConfig{
		Provider: "local",
		Model:    "llama3",
		BaseURL:  srv.URL,
	})
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "decompose this goal"}},
	})
	require.NoError(t, err)
	assert.Equal(t, `["sub-goal one"]`, resp.Text)
	assert.Equal(t, 12, resp.Usage.InputTokens)
	assert.Equal(t, 5, resp.Usage.OutputTokens)
}

func TestOpenAIClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "ok"}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	client, err := newOpenAIClient("local", config.BackendConfig{Provider: "local", BaseURL: srv.URL})
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestOpenAIClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "bad request"},
		})
	}))
	t.Cleanup(srv.Close)

	client, err := newOpenAIClient("local", config.BackendConfig{Provider: "local", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad request")
	assert.Equal(t, int32(1), calls.Load())
}

func TestAnthropicClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-test", r.Header.Get("X-API-Key"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "plan carefully", req.System, "system prompt hoisted out of messages")

		resp := map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "strategic plan"},
			},
			"usage": map[string]int{"input_tokens": 20, "output_tokens": 8},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	client, err := newAnthropicClient("hosted", config.BackendConfig{
		Provider: "anthropic",
		APIKey:   "sk-test",
		BaseURL:  srv.URL,
	})
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), Request{
		Messages: []Message{
			{Role: "system", Content: "plan carefully"},
			{Role: "user", Content: "goal"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "strategic plan", resp.Text)
	assert.Equal(t, 20, resp.Usage.InputTokens)
}

func TestAnthropicClient_EmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"content": []any{}})
	}))
	t.Cleanup(srv.Close)

	client, err := newAnthropicClient("hosted", config.BackendConfig{
		Provider: "anthropic",
		APIKey:   "sk-test",
		BaseURL:  srv.URL,
	})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "goal"}},
	})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}
