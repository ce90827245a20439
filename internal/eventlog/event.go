// Package eventlog implements the append-only JSONL event trace and the
// per-run artifact directory layout. It is the Event/Artifact
// Sink component.
package eventlog

import (
	"encoding/json"
	"time"
)

// SchemaVersion is the current event schema version.
const SchemaVersion = 1

// EventType is the closed set of event kinds the trace schema allows.
type EventType string

const (
	RunStarted              EventType = "RunStarted"
	RunFinished             EventType = "RunFinished"
	ProviderRequestStarted  EventType = "ProviderRequestStarted"
	ProviderRequestFinished EventType = "ProviderRequestFinished"
	SubprocessSpawned       EventType = "SubprocessSpawned"
	SubprocessOutputChunked EventType = "SubprocessOutputChunked"
	SubprocessExited        EventType = "SubprocessExited"
	SubprocessParsed        EventType = "SubprocessParsed"
	VerificationStarted     EventType = "VerificationStarted"
	VerificationFinished    EventType = "VerificationFinished"
)

// Event is the immutable record persisted to trace.jsonl.
type Event struct {
	SchemaVersion int             `json:"schemaVersion"`
	Type          EventType       `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	RunID         string          `json:"runId"`
	Payload       json.RawMessage `json:"payload"`
}

// Payload shapes, one per EventType.

type RunStartedPayload struct {
	TaskID string `json:"taskId"`
	Goal   string `json:"goal"`
}

type RunFinishedPayload struct {
	Status  string `json:"status"` // "success" | "failure"
	Summary string `json:"summary"`
}

type ProviderRequestStartedPayload struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

type ProviderRequestFinishedPayload struct {
	Provider   string `json:"provider"`
	DurationMS int64  `json:"durationMs"`
	Success    bool   `json:"success"`
	Retries    int    `json:"retries"`
	Error      string `json:"error,omitempty"`
}

type SubprocessSpawnedPayload struct {
	Command []string `json:"command"`
	Cwd     string   `json:"cwd"`
	PID     int      `json:"pid"`
	PTY     bool     `json:"pty"`
}

type SubprocessOutputChunkedPayload struct {
	PID    int    `json:"pid"`
	Stream string `json:"stream"` // "stdout" | "stderr"
	Chunk  string `json:"chunk"`
}

type SubprocessExitedPayload struct {
	PID        int    `json:"pid"`
	ExitCode   int    `json:"exitCode"`
	Signal     string `json:"signal,omitempty"`
	DurationMS int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

type SubprocessParsedPayload struct {
	Kind       string  `json:"kind"` // "diff" | "plan" | "text"
	Confidence float64 `json:"confidence"`
}

type VerificationStartedPayload struct {
	Mode string `json:"mode"`
}

type VerificationFinishedPayload struct {
	Passed       bool     `json:"passed"`
	FailedChecks []string `json:"failedChecks"`
}

// NewEvent marshals payload and stamps schemaVersion/runId/type/timestamp.
// now is injected so callers (and tests) control time rather than the sink
// reaching for time.Now() internally in more than one place.
func NewEvent(runID string, typ EventType, now time.Time, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		SchemaVersion: SchemaVersion,
		Type:          typ,
		Timestamp:     now,
		RunID:         runID,
		Payload:       raw,
	}, nil
}
