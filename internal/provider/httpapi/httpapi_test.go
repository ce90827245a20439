package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgepilot/orchestrator/internal/provider"
	"github.com/forgepilot/orchestrator/internal/taxonomy"
)

func TestCompletionAdapter_HappyPathMapsTextAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "Hello"}}},
			"usage":   map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	defer srv.Close()

	a := &CompletionAdapter{Vendor: "openai", Model: "m", APIKey: "k", BaseURL: srv.URL}
	resp, err := a.Generate(context.Background(), provider.Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	}, provider.CallContext{})
	require.NoError(t, err)
	assert.Equal(t, "Hello", resp.Text)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 10, resp.Usage.InputTokens)
	assert.Equal(t, 5, resp.Usage.OutputTokens)
	require.NotNil(t, resp.Usage.TotalTokens)
	assert.Equal(t, 15, *resp.Usage.TotalTokens)
}

func TestChatAdapter_CoalescesSystemAndBuffersToolResults(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": "ok"}},
			"usage":   map[string]any{"input_tokens": 1, "output_tokens": 1},
		})
	}))
	defer srv.Close()

	a := &ChatAdapter{Vendor: "anthropic", Model: "m", APIKey: "k", BaseURL: srv.URL}
	_, err := a.Generate(context.Background(), provider.Request{
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: "one"},
			{Role: provider.RoleSystem, Content: "two"},
			{Role: provider.RoleUser, Content: "go"},
			{Role: provider.RoleAssistant, ToolCalls: []provider.ToolCall{
				{ID: "tc1", Name: "read", Arguments: json.RawMessage(`{"f":"a"}`)},
				{ID: "tc2", Name: "read", Arguments: json.RawMessage(`{"f":"b"}`)},
			}},
			{Role: provider.RoleTool, ToolCallID: "tc1", Content: "A"},
			{Role: provider.RoleTool, ToolCallID: "tc2", Content: "B"},
		},
	}, provider.CallContext{})
	require.NoError(t, err)

	assert.Equal(t, "one\n\ntwo", captured["system"])

	messages := captured["messages"].([]any)
	require.Len(t, messages, 3)

	// Both tool results buffered into a single trailing user turn.
	last := messages[2].(map[string]any)
	assert.Equal(t, "user", last["role"])
	blocks := last["content"].([]any)
	require.Len(t, blocks, 2)
	for i, id := range []string{"tc1", "tc2"} {
		block := blocks[i].(map[string]any)
		assert.Equal(t, "tool_result", block["type"])
		assert.Equal(t, id, block["tool_use_id"])
	}
}

func TestChatAdapter_UnpacksToolUseBlocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "calling"},
				{"type": "tool_use", "id": "t1", "name": "apply_patch", "input": map[string]any{"diff": "x"}},
			},
			"usage": map[string]any{"input_tokens": 3, "output_tokens": 4},
		})
	}))
	defer srv.Close()

	a := &ChatAdapter{Vendor: "anthropic", Model: "m", APIKey: "k", BaseURL: srv.URL}
	resp, err := a.Generate(context.Background(), provider.Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "go"}},
	}, provider.CallContext{})
	require.NoError(t, err)
	assert.Equal(t, "calling", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "t1", resp.ToolCalls[0].ID)
	assert.Equal(t, "apply_patch", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"diff":"x"}`, string(resp.ToolCalls[0].Arguments))
}

func TestErrorMapping_429IsRateLimit_401IsConfig_500IsProvider(t *testing.T) {
	for _, tc := range []struct {
		status int
		check  func(t *testing.T, err error)
	}{
		{429, func(t *testing.T, err error) {
			var rle *taxonomy.RateLimitError
			require.True(t, errors.As(err, &rle))
		}},
		{401, func(t *testing.T, err error) {
			var ce *taxonomy.ConfigError
			require.True(t, errors.As(err, &ce))
		}},
		{500, func(t *testing.T, err error) {
			var pe *taxonomy.ProviderError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, 500, pe.StatusCode)
		}},
	} {
		status := tc.status
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if status == 429 {
				w.Header().Set("Retry-After", "2")
			}
			w.WriteHeader(status)
		}))
		a := &CompletionAdapter{Vendor: "openai", Model: "m", APIKey: "k", BaseURL: srv.URL}
		_, err := a.Generate(context.Background(), provider.Request{
			Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
		}, provider.CallContext{})
		srv.Close()
		require.Error(t, err, "status %d", status)
		tc.check(t, err)
	}
}

func TestGenerate_MissingAPIKeyIsConfigError(t *testing.T) {
	a := &ChatAdapter{Vendor: "anthropic", Model: "m"}
	_, err := a.Generate(context.Background(), provider.Request{}, provider.CallContext{})
	var ce *taxonomy.ConfigError
	require.True(t, errors.As(err, &ce))
}

func TestCompletionAdapter_StreamTranslatesDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"t1","function":{"name":"f","arguments":"{\"a\""}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":":1}"}}]}}]}`,
			`{"choices":[],"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}`,
			`[DONE]`,
		}
		for _, c := range chunks {
			_, _ = w.Write([]byte("data: " + c + "\n\n"))
		}
	}))
	defer srv.Close()

	a := &CompletionAdapter{Vendor: "openai", Model: "m", APIKey: "k", BaseURL: srv.URL}
	ch, err := a.Stream(context.Background(), provider.Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	}, provider.CallContext{})
	require.NoError(t, err)

	var text string
	var args string
	var usage *provider.Usage
	for ev := range ch {
		switch ev.Kind {
		case provider.StreamTextDelta:
			text += ev.TextDelta
		case provider.StreamToolCallDelta:
			require.NotNil(t, ev.ToolCallDelta)
			assert.Equal(t, 0, ev.ToolCallDelta.Index)
			args += ev.ToolCallDelta.ArgumentsDelta
		case provider.StreamUsage:
			usage = ev.Usage
		}
	}
	assert.Equal(t, "Hello", text)
	assert.JSONEq(t, `{"a":1}`, args)
	require.NotNil(t, usage)
	assert.Equal(t, 7, usage.InputTokens)
	assert.Equal(t, 3, usage.OutputTokens)
}

func TestToolMessageWithoutCallIDIsRejected(t *testing.T) {
	a := &ChatAdapter{Vendor: "anthropic", APIKey: "k", BaseURL: "http://unused"}
	_, err := a.Generate(context.Background(), provider.Request{
		Messages: []provider.Message{{Role: provider.RoleTool, Content: "orphan"}},
	}, provider.CallContext{})
	var ce *taxonomy.ConfigError
	require.True(t, errors.As(err, &ce))
}
