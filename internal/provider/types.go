// Package provider defines the uniform provider-adapter contract:
// Generate/Stream over either an HTTP vendor API (internal/provider/httpapi)
// or a subprocess CLI tool (internal/provider/subprocess), plus the shared
// request/response/streaming types both kinds of adapter speak.
package provider

import (
	"encoding/json"
	"time"

	"github.com/forgepilot/orchestrator/internal/eventlog"
)

// Role is one of the four roles a request message may carry.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one assistant-issued tool invocation, or a model-proposed one
// returned by a provider.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Message is one turn in a Provider Request. ToolCallID is set
// only on tool-role messages and must match a preceding assistant
// tool-call's ID.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
}

// Tool is one function the model may call.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Request is the uniform Provider Request.
type Request struct {
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"maxTokens,omitempty"`
	JSONMode    bool      `json:"jsonMode,omitempty"`
	ToolChoice  string    `json:"toolChoice,omitempty"`

	// Model is part of the request rather than adapter-global state so one
	// adapter instance can serve concurrent calls with different models;
	// each call still owns its own HTTP client or child process.
	Model string `json:"model,omitempty"`
}

// Usage is the normalized token usage.
type Usage struct {
	InputTokens  int  `json:"inputTokens"`
	OutputTokens int  `json:"outputTokens"`
	TotalTokens  *int `json:"totalTokens,omitempty"`
}

// Response is the uniform Provider Response.
type Response struct {
	Text      string          `json:"text,omitempty"`
	ToolCalls []ToolCall      `json:"toolCalls,omitempty"`
	Usage     *Usage          `json:"usage,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// StreamEventKind is the closed set of streaming event kinds.
type StreamEventKind string

const (
	StreamTextDelta     StreamEventKind = "text-delta"
	StreamToolCallDelta StreamEventKind = "tool-call-delta"
	StreamUsage         StreamEventKind = "usage"
)

// ToolCallDelta carries a stable index so a consumer can accumulate a
// streamed tool call across multiple deltas.
type ToolCallDelta struct {
	Index          int    `json:"index"`
	ID             string `json:"id,omitempty"`
	Name           string `json:"name,omitempty"`
	ArgumentsDelta string `json:"argumentsDelta,omitempty"`
}

// StreamEvent is one item of a streaming Response.
type StreamEvent struct {
	Kind          StreamEventKind
	TextDelta     string
	ToolCallDelta *ToolCallDelta
	Usage         *Usage
}

// LatencyClass is a coarse hint about how long a call to this adapter
// typically takes, used by callers choosing timeouts.
type LatencyClass string

const (
	LatencyInteractive LatencyClass = "interactive"
	LatencyBatch       LatencyClass = "batch"
)

// Capabilities describes what an adapter supports.
type Capabilities struct {
	Streaming    bool
	ToolCalling  bool
	JSONMode     bool
	Modality     string // "text", "code", ...
	LatencyClass LatencyClass
}

// EventSink is the subset of eventlog.Sink an adapter needs; kept as an
// interface so a fake sink can be used in tests without a real run directory.
type EventSink interface {
	Append(typ eventlog.EventType, payload any) (eventlog.Event, error)
}

// CallContext carries everything one Generate/Stream call needs beyond the
// Request itself: the run identifier, event sink, repo root, optional abort
// signal, and optional timeout.
type CallContext struct {
	RunID    string
	Sink     EventSink
	RepoRoot string
	Abort    <-chan struct{}
	Timeout  time.Duration
}
