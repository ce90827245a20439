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

// ChatAdapter speaks the Claude-style messages wire shape: a single system
// field, strict user/assistant alternation with content blocks, tool_use and
// tool_result blocks, and SSE streaming with indexed content blocks.
type ChatAdapter struct {
	Vendor  string // adapter ID, e.g. "anthropic"
	Model   string // default model when the request names none
	APIKey  string
	BaseURL string
	Client  *http.Client
}

func (a *ChatAdapter) ID() string { return a.Vendor }

func (a *ChatAdapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Streaming:    true,
		ToolCalling:  true,
		JSONMode:     true,
		Modality:     "text",
		LatencyClass: provider.LatencyInteractive,
	}
}

func (a *ChatAdapter) model(req provider.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return a.Model
}

// buildBody maps the uniform request onto the vendor schema. System messages
// coalesce into the single system field; consecutive tool-role messages are
// buffered into one user turn of tool_result blocks, flushed when a non-tool
// message arrives.
func (a *ChatAdapter) buildBody(req provider.Request, stream bool) (map[string]any, error) {
	var sysParts []string
	var messages []map[string]any
	var pendingToolResults []map[string]any

	flushToolResults := func() {
		if len(pendingToolResults) == 0 {
			return
		}
		messages = append(messages, map[string]any{
			"role":    "user",
			"content": pendingToolResults,
		})
		pendingToolResults = nil
	}

	for _, m := range req.Messages {
		switch m.Role {
		case provider.RoleSystem:
			if t := strings.TrimSpace(m.Content); t != "" {
				sysParts = append(sysParts, t)
			}
		case provider.RoleUser:
			flushToolResults()
			messages = append(messages, map[string]any{
				"role":    "user",
				"content": []map[string]any{{"type": "text", "text": m.Content}},
			})
		case provider.RoleAssistant:
			flushToolResults()
			var blocks []map[string]any
			if strings.TrimSpace(m.Content) != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				var input any
				if len(tc.Arguments) > 0 {
					_ = json.Unmarshal(tc.Arguments, &input)
				}
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": input,
				})
			}
			messages = append(messages, map[string]any{"role": "assistant", "content": blocks})
		case provider.RoleTool:
			if m.ToolCallID == "" {
				return nil, taxonomy.NewConfigError("chat: tool message missing toolCallId", nil)
			}
			pendingToolResults = append(pendingToolResults, map[string]any{
				"type":        "tool_result",
				"tool_use_id": m.ToolCallID,
				"content":     m.Content,
			})
		}
	}
	flushToolResults()

	maxTokens := 4096
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	body := map[string]any{
		"model":      a.model(req),
		"max_tokens": maxTokens,
		"messages":   messages,
	}
	if stream {
		body["stream"] = true
	}
	if sys := strings.Join(sysParts, "\n\n"); sys != "" {
		body["system"] = sys
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			var schema any
			if len(t.InputSchema) > 0 {
				_ = json.Unmarshal(t.InputSchema, &schema)
			} else {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			tools = append(tools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": schema,
			})
		}
		body["tools"] = tools
		switch req.ToolChoice {
		case "", "auto":
			body["tool_choice"] = map[string]any{"type": "auto"}
		case "required":
			body["tool_choice"] = map[string]any{"type": "any"}
		case "none":
			delete(body, "tools")
			delete(body, "tool_choice")
		default:
			body["tool_choice"] = map[string]any{"type": "tool", "name": req.ToolChoice}
		}
	}
	return body, nil
}

func (a *ChatAdapter) headers() map[string]string {
	return map[string]string{
		"x-api-key":         a.APIKey,
		"anthropic-version": "2023-06-01",
	}
}

func (a *ChatAdapter) endpoint() string {
	return strings.TrimRight(a.BaseURL, "/") + "/v1/messages"
}

func (a *ChatAdapter) Generate(ctx context.Context, req provider.Request, _ provider.CallContext) (provider.Response, error) {
	if strings.TrimSpace(a.APIKey) == "" {
		return provider.Response{}, taxonomy.NewConfigError(a.Vendor+": missing API key", nil)
	}
	body, err := a.buildBody(req, false)
	if err != nil {
		return provider.Response{}, err
	}
	b, err := json.Marshal(body)
	if err != nil {
		return provider.Response{}, taxonomy.NewProviderError(a.Vendor+": encode request", 0, err)
	}

	raw, err := doJSON(ctx, defaultClient(a.Client), a.Vendor, a.endpoint(), a.headers(), b)
	if err != nil {
		return provider.Response{}, err
	}
	return decodeChatResponse(a.Vendor, raw)
}

// decodeChatResponse unpacks content blocks: text blocks concatenate into
// Text, tool_use blocks become ToolCalls with their input re-marshalled as
// raw JSON arguments.
func decodeChatResponse(vendor string, raw []byte) (provider.Response, error) {
	var payload struct {
		Content []struct {
			Type  string          `json:"type"`
			Text  string          `json:"text"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return provider.Response{}, taxonomy.NewProviderError(vendor+": unparseable response", 0, err)
	}

	resp := provider.Response{Raw: json.RawMessage(raw)}
	var text strings.Builder
	for _, block := range payload.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, provider.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}
	resp.Text = text.String()
	if payload.Usage.InputTokens > 0 || payload.Usage.OutputTokens > 0 {
		total := payload.Usage.InputTokens + payload.Usage.OutputTokens
		resp.Usage = &provider.Usage{
			InputTokens:  payload.Usage.InputTokens,
			OutputTokens: payload.Usage.OutputTokens,
			TotalTokens:  &total,
		}
	}
	return resp, nil
}

// Stream implements provider.StreamingAdapter. Vendor delta events translate
// to the uniform stream events; tool-call deltas carry the vendor's stable
// content-block index. The returned channel closes when the
// stream finishes; if the consumer stops pulling, the producer goroutine
// suspends on the unbuffered send, propagating backpressure.
func (a *ChatAdapter) Stream(ctx context.Context, req provider.Request, _ provider.CallContext) (<-chan provider.StreamEvent, error) {
	if strings.TrimSpace(a.APIKey) == "" {
		return nil, taxonomy.NewConfigError(a.Vendor+": missing API key", nil)
	}
	body, err := a.buildBody(req, true)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(body)
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

		var inputTokens int
		send := func(ev provider.StreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		_ = readSSE(ctx, resp.Body, func(ev sseEvent) error {
			var payload struct {
				Index   int `json:"index"`
				Message struct {
					Usage struct {
						InputTokens int `json:"input_tokens"`
					} `json:"usage"`
				} `json:"message"`
				ContentBlock struct {
					Type string `json:"type"`
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"content_block"`
				Delta struct {
					Type        string `json:"type"`
					Text        string `json:"text"`
					PartialJSON string `json:"partial_json"`
				} `json:"delta"`
				Usage struct {
					OutputTokens int `json:"output_tokens"`
				} `json:"usage"`
			}
			if err := json.Unmarshal(ev.Data, &payload); err != nil {
				return nil
			}

			switch ev.Event {
			case "message_start":
				inputTokens = payload.Message.Usage.InputTokens
			case "content_block_start":
				if payload.ContentBlock.Type == "tool_use" {
					if !send(provider.StreamEvent{
						Kind: provider.StreamToolCallDelta,
						ToolCallDelta: &provider.ToolCallDelta{
							Index: payload.Index,
							ID:    payload.ContentBlock.ID,
							Name:  payload.ContentBlock.Name,
						},
					}) {
						return context.Canceled
					}
				}
			case "content_block_delta":
				switch payload.Delta.Type {
				case "text_delta":
					if !send(provider.StreamEvent{Kind: provider.StreamTextDelta, TextDelta: payload.Delta.Text}) {
						return context.Canceled
					}
				case "input_json_delta":
					if !send(provider.StreamEvent{
						Kind: provider.StreamToolCallDelta,
						ToolCallDelta: &provider.ToolCallDelta{
							Index:          payload.Index,
							ArgumentsDelta: payload.Delta.PartialJSON,
						},
					}) {
						return context.Canceled
					}
				}
			case "message_delta":
				if payload.Usage.OutputTokens > 0 {
					total := inputTokens + payload.Usage.OutputTokens
					if !send(provider.StreamEvent{Kind: provider.StreamUsage, Usage: &provider.Usage{
						InputTokens:  inputTokens,
						OutputTokens: payload.Usage.OutputTokens,
						TotalTokens:  &total,
					}}) {
						return context.Canceled
					}
				}
			}
			return nil
		})
	}()
	return out, nil
}
