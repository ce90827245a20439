package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/forgepilot/orchestrator/internal/provider"
	"github.com/forgepilot/orchestrator/internal/taxonomy"
)

// CompletionAdapter speaks the OpenAI-style chat-completions wire shape:
// a flat messages array that accepts system and tool roles natively, function
// tool_calls on assistant messages, and chunked SSE deltas.
type CompletionAdapter struct {
	Vendor  string // adapter ID, e.g. "openai"
	Model   string
	APIKey  string
	BaseURL string
	Client  *http.Client
}

func (a *CompletionAdapter) ID() string { return a.Vendor }

func (a *CompletionAdapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Streaming:    true,
		ToolCalling:  true,
		JSONMode:     true,
		Modality:     "text",
		LatencyClass: provider.LatencyInteractive,
	}
}

func (a *CompletionAdapter) model(req provider.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return a.Model
}

func (a *CompletionAdapter) buildBody(req provider.Request, stream bool) map[string]any {
	messages := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		entry := map[string]any{"role": string(m.Role), "content": m.Content}
		if m.Role == provider.RoleTool {
			entry["tool_call_id"] = m.ToolCallID
		}
		if len(m.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": string(tc.Arguments),
					},
				})
			}
			entry["tool_calls"] = calls
		}
		messages = append(messages, entry)
	}

	body := map[string]any{
		"model":    a.model(req),
		"messages": messages,
	}
	if stream {
		body["stream"] = true
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		body["max_tokens"] = *req.MaxTokens
	}
	if req.JSONMode {
		body["response_format"] = map[string]any{"type": "json_object"}
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			var params any
			if len(t.InputSchema) > 0 {
				_ = json.Unmarshal(t.InputSchema, &params)
			} else {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  params,
				},
			})
		}
		body["tools"] = tools
		switch req.ToolChoice {
		case "", "auto":
		case "none", "required":
			body["tool_choice"] = req.ToolChoice
		default:
			body["tool_choice"] = map[string]any{
				"type":     "function",
				"function": map[string]any{"name": req.ToolChoice},
			}
		}
	}
	return body
}

func (a *CompletionAdapter) endpoint() string {
	return strings.TrimRight(a.BaseURL, "/") + "/v1/chat/completions"
}

func (a *CompletionAdapter) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.APIKey}
}

func (a *CompletionAdapter) Generate(ctx context.Context, req provider.Request, _ provider.CallContext) (provider.Response, error) {
	if strings.TrimSpace(a.APIKey) == "" {
		return provider.Response{}, taxonomy.NewConfigError(a.Vendor+": missing API key", nil)
	}
	b, err := json.Marshal(a.buildBody(req, false))
	if err != nil {
		return provider.Response{}, taxonomy.NewProviderError(a.Vendor+": encode request", 0, err)
	}
	raw, err := doJSON(ctx, defaultClient(a.Client), a.Vendor, a.endpoint(), a.headers(), b)
	if err != nil {
		return provider.Response{}, err
	}
	return decodeCompletionResponse(a.Vendor, raw)
}

func decodeCompletionResponse(vendor string, raw []byte) (provider.Response, error) {
	var payload struct {
		Choices []struct {
			Message struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`

		// Some completion-style vendors return a bare content field instead
		// of a choices array.
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return provider.Response{}, taxonomy.NewProviderError(vendor+": unparseable response", 0, err)
	}

	resp := provider.Response{Raw: json.RawMessage(raw)}
	if len(payload.Choices) > 0 {
		msg := payload.Choices[0].Message
		resp.Text = msg.Content
		for _, tc := range msg.ToolCalls {
			resp.ToolCalls = append(resp.ToolCalls, provider.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			})
		}
	} else {
		resp.Text = payload.Content
	}
	if payload.Usage.PromptTokens > 0 || payload.Usage.CompletionTokens > 0 {
		total := payload.Usage.TotalTokens
		if total == 0 {
			total = payload.Usage.PromptTokens + payload.Usage.CompletionTokens
		}
		resp.Usage = &provider.Usage{
			InputTokens:  payload.Usage.PromptTokens,
			OutputTokens: payload.Usage.CompletionTokens,
			TotalTokens:  &total,
		}
	}
	return resp, nil
}

// Stream implements provider.StreamingAdapter over chunked completions.
func (a *CompletionAdapter) Stream(ctx context.Context, req provider.Request, _ provider.CallContext) (<-chan provider.StreamEvent, error) {
	if strings.TrimSpace(a.APIKey) == "" {
		return nil, taxonomy.NewConfigError(a.Vendor+": missing API key", nil)
	}
	b, err := json.Marshal(a.buildBody(req, true))
	if err != nil {
		return nil, taxonomy.NewProviderError(a.Vendor+": encode request", 0, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(), strings.NewReader(string(b)))
	if err != nil {
		return nil, taxonomy.NewProviderError(a.Vendor+": build request", 0, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range a.headers() {
		httpReq.Header.Set(k, v)
	}
	resp, err := defaultClient(a.Client).Do(httpReq)
	if err != nil {
		return nil, wrapTransportError(a.Vendor, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		raw := make([]byte, 8192)
		n, _ := resp.Body.Read(raw)
		ra := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return nil, errorFromStatus(a.Vendor, resp.StatusCode, string(raw[:n]), ra)
	}

	out := make(chan provider.StreamEvent)
	go func() {
		defer func() {
			_ = resp.Body.Close()
			close(out)
		}()

		send := func(ev provider.StreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		_ = readSSE(ctx, resp.Body, func(ev sseEvent) error {
			var chunk struct {
				Choices []struct {
					Delta struct {
						Content   string `json:"content"`
						ToolCalls []struct {
							Index    int    `json:"index"`
							ID       string `json:"id"`
							Function struct {
								Name      string `json:"name"`
								Arguments string `json:"arguments"`
							} `json:"function"`
						} `json:"tool_calls"`
					} `json:"delta"`
				} `json:"choices"`
				Usage *struct {
					PromptTokens     int `json:"prompt_tokens"`
					CompletionTokens int `json:"completion_tokens"`
					TotalTokens      int `json:"total_tokens"`
				} `json:"usage"`
			}
			if err := json.Unmarshal(ev.Data, &chunk); err != nil {
				return nil
			}

			if len(chunk.Choices) > 0 {
				delta := chunk.Choices[0].Delta
				if delta.Content != "" {
					if !send(provider.StreamEvent{Kind: provider.StreamTextDelta, TextDelta: delta.Content}) {
						return context.Canceled
					}
				}
				for _, tc := range delta.ToolCalls {
					if !send(provider.StreamEvent{
						Kind: provider.StreamToolCallDelta,
						ToolCallDelta: &provider.ToolCallDelta{
							Index:          tc.Index,
							ID:             tc.ID,
							Name:           tc.Function.Name,
							ArgumentsDelta: tc.Function.Arguments,
						},
					}) {
						return context.Canceled
					}
				}
			}
			if u := chunk.Usage; u != nil && (u.PromptTokens > 0 || u.CompletionTokens > 0) {
				total := u.TotalTokens
				if total == 0 {
					total = u.PromptTokens + u.CompletionTokens
				}
				if !send(provider.StreamEvent{Kind: provider.StreamUsage, Usage: &provider.Usage{
					InputTokens:  u.PromptTokens,
					OutputTokens: u.CompletionTokens,
					TotalTokens:  &total,
				}}) {
					return context.Canceled
				}
			}
			return nil
		})
	}()
	return out, nil
}
