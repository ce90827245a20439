package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RedactFunc scrubs a chunk of text before it is persisted or forwarded to an
// observer").
type RedactFunc func(string) string

// Layout describes the per-run directory tree.
type Layout struct {
	Root                      string
	ManifestPath              string
	EffectiveConfigPath       string
	TracePath                 string
	SummaryPath               string
	PatchesDir                string
	ToolLogsDir               string
	VerificationCommandSource string
}

// NewLayout builds the layout rooted at <repoRoot>/.orchestrator/runs/<runId>.
func NewLayout(repoRoot, runID string) Layout {
	root := filepath.Join(repoRoot, ".orchestrator", "runs", runID)
	return Layout{
		Root:                      root,
		ManifestPath:              filepath.Join(root, "manifest.json"),
		EffectiveConfigPath:       filepath.Join(root, "effective-config.json"),
		TracePath:                 filepath.Join(root, "trace.jsonl"),
		SummaryPath:               filepath.Join(root, "summary.txt"),
		PatchesDir:                filepath.Join(root, "patches"),
		ToolLogsDir:               filepath.Join(root, "tool_logs"),
		VerificationCommandSource: filepath.Join(root, "verification_command_source.json"),
	}
}

// Manifest lists every artifact produced by a run.
type Manifest struct {
	SchemaVersion   int      `json:"schemaVersion"`
	RunID           string   `json:"runId"`
	Trace           string   `json:"trace"`
	EffectiveConfig string   `json:"effectiveConfig"`
	Summary         string   `json:"summary"`
	Patches         []string `json:"patches"`
	ToolLogs        []string `json:"toolLogs"`
	Reports         []string `json:"verificationReports"`
}

// Sink is the append-only JSONL trace writer plus artifact directory manager.
// It owns one run's artifact directory exclusively; the trace file handle
// and the in-memory manifest are guarded by mu so concurrent appenders
// never interleave.
type Sink struct {
	mu       sync.Mutex
	layout   Layout
	runID    string
	traceF   *os.File
	manifest Manifest
	redact   RedactFunc
	now      func() time.Time
}

// Option configures a Sink at construction time.
type Option func(*Sink)

// WithRedactor installs the redaction hook that Sink.Redact applies. Append
// and the artifact writers do not call it; text is redacted only where a
// caller passes it through Redact.
func WithRedactor(fn RedactFunc) Option {
	return func(s *Sink) { s.redact = fn }
}

// WithClock overrides the sink's time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// Open creates the run directory tree atomically (best-effort: MkdirAll is
// idempotent and the trace file is opened O_EXCL so two runs can never share
// a directory) and returns a ready-to-use Sink.
func Open(layout Layout, runID string, opts ...Option) (*Sink, error) {
	for _, dir := range []string{layout.Root, layout.PatchesDir, layout.ToolLogsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("eventlog: create %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(layout.TracePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open trace: %w", err)
	}
	s := &Sink{
		layout: layout,
		runID:  runID,
		traceF: f,
		redact: func(s string) string { return s },
		now:    time.Now,
		manifest: Manifest{
			SchemaVersion:   SchemaVersion,
			RunID:           runID,
			Trace:           layout.TracePath,
			EffectiveConfig: layout.EffectiveConfigPath,
			Summary:         layout.SummaryPath,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Now returns the sink's time source (overridable for tests).
func (s *Sink) Now() time.Time { return s.now() }

// Redact applies the sink's redaction hook.
func (s *Sink) Redact(text string) string {
	if s.redact == nil {
		return text
	}
	return s.redact(text)
}

// Append writes one event to trace.jsonl, serialized under mu so concurrent
// writers (step loop, subprocess readers, verification runner) never
// interleave partial lines.
func (s *Sink) Append(typ EventType, payload any) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, err := NewEvent(s.runID, typ, s.now(), payload)
	if err != nil {
		return Event{}, err
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return Event{}, err
	}
	line = append(line, '\n')
	if _, err := s.traceF.Write(line); err != nil {
		return Event{}, fmt.Errorf("eventlog: append: %w", err)
	}
	return ev, nil
}

// RecordPatch writes a patch file under patches/ numbered in apply order and
// registers it in the manifest. Returns the written path.
func (s *Sink) RecordPatch(index int, slug, diffText string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := fmt.Sprintf("%03d-%s.patch", index, sanitizeSlug(slug))
	path := filepath.Join(s.layout.PatchesDir, name)
	if err := os.WriteFile(path, []byte(diffText), 0o644); err != nil {
		return "", fmt.Errorf("eventlog: write patch: %w", err)
	}
	s.manifest.Patches = append(s.manifest.Patches, path)
	return path, nil
}

// ToolLogPaths returns the stdout/stderr log paths for one executed command,
// creating no files yet (the caller writes them), and registers both in the
// manifest.
func (s *Sink) ToolLogPaths(commandSlug string) (stdoutPath, stderrPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slug := sanitizeSlug(commandSlug)
	stdoutPath = filepath.Join(s.layout.ToolLogsDir, slug+".stdout.log")
	stderrPath = filepath.Join(s.layout.ToolLogsDir, slug+".stderr.log")
	s.manifest.ToolLogs = append(s.manifest.ToolLogs, stdoutPath, stderrPath)
	return stdoutPath, stderrPath
}

// RecordReport registers a verification-report artifact path in the manifest.
func (s *Sink) RecordReport(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest.Reports = append(s.manifest.Reports, path)
}

// WriteEffectiveConfig persists the effective configuration snapshot.
func (s *Sink) WriteEffectiveConfig(cfg any) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.layout.EffectiveConfigPath, b, 0o644)
}

// WriteSummary persists the human-readable run summary.
func (s *Sink) WriteSummary(summary string) error {
	return os.WriteFile(s.layout.SummaryPath, []byte(summary), 0o644)
}

// Flush writes the manifest to disk. Safe to call multiple times; artifacts
// are only ever appended to the manifest list, never rewritten historically.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := json.MarshalIndent(s.manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.layout.ManifestPath, b, 0o644)
}

// Close flushes the manifest and closes the trace file handle.
func (s *Sink) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.traceF.Close()
}

func sanitizeSlug(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		case r == ' ':
			out = append(out, '-')
		}
	}
	if len(out) == 0 {
		return "step"
	}
	return string(out)
}
