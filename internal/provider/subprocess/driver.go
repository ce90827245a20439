package subprocess

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/forgepilot/orchestrator/internal/eventlog"
	"github.com/forgepilot/orchestrator/internal/parse"
	"github.com/forgepilot/orchestrator/internal/procsup"
	"github.com/forgepilot/orchestrator/internal/provider"
	"github.com/forgepilot/orchestrator/internal/taxonomy"
)

// CwdMode selects the working directory the child CLI runs in.
type CwdMode string

const (
	CwdRepoRoot CwdMode = "repoRoot"
	CwdRunDir   CwdMode = "runDir"
)

// diffEnforcement is appended as a system message when the request is not in
// JSON mode, so free-form CLI output still carries an extractable diff.
const diffEnforcement = "When your response includes code changes, wrap the complete unified diff " +
	"in <BEGIN_DIFF> and <END_DIFF> markers. Output nothing else between the markers."

// Vendor supplies the per-CLI callbacks and knobs the shared driver
// composes: the argv assembler inputs, idle-prompt predicate, and
// post-processor.
type Vendor struct {
	Name         string
	Command      string
	BaseArgs     []string
	ManagedFlags []string // caller-supplied args that collide with these are rejected
	EnvAllowlist []string
	PTY          bool
	Cwd          CwdMode
	Profile      Profile
	Timeout      time.Duration // default per-call wall clock
	StartupWait  time.Duration // how long to wait for the initial idle prompt
	CapBytes     int64

	// PostProcess, when set, runs after the trailing prompt is trimmed and
	// before parsing. Vendors use it to strip banners or wrapper framing.
	PostProcess func(string) string
}

// Adapter drives one vendor CLI. It implements provider.Adapter; each
// Generate call owns its own child process.
type Adapter struct {
	Vendor     Vendor
	CallerArgs []string
	ExtraEnv   map[string]string
	RunDir     string // used when Vendor.Cwd == CwdRunDir; also hosts the transcript log
}

func (a *Adapter) ID() string { return a.Vendor.Name }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Streaming:    false,
		ToolCalling:  false,
		JSONMode:     true,
		Modality:     "code",
		LatencyClass: provider.LatencyBatch,
	}
}

// argv builds the full command line, rejecting caller args that collide with
// the adapter's managed flags.
func (a *Adapter) argv() ([]string, error) {
	for _, arg := range a.CallerArgs {
		flag := arg
		if i := strings.IndexByte(flag, '='); i >= 0 {
			flag = flag[:i]
		}
		for _, managed := range a.Vendor.ManagedFlags {
			if flag == managed {
				return nil, taxonomy.NewConfigError(
					fmt.Sprintf("subprocess: caller arg %q collides with managed flag %q", arg, managed), nil)
			}
		}
	}
	out := append([]string{a.Vendor.Command}, a.Vendor.BaseArgs...)
	return append(out, a.CallerArgs...), nil
}

// renderPrompt flattens the request messages into the single text blob a CLI
// tool reads from stdin: system lines first, then the conversation.
func renderPrompt(req provider.Request) string {
	var b strings.Builder
	for _, m := range req.Messages {
		if m.Role != provider.RoleSystem || strings.TrimSpace(m.Content) == "" {
			continue
		}
		b.WriteString(m.Content)
		b.WriteString("\n\n")
	}
	for _, m := range req.Messages {
		switch m.Role {
		case provider.RoleUser, provider.RoleAssistant:
			if strings.TrimSpace(m.Content) == "" {
				continue
			}
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *Adapter) cwd(cctx provider.CallContext) string {
	if a.Vendor.Cwd == CwdRunDir && a.RunDir != "" {
		return a.RunDir
	}
	return cctx.RepoRoot
}

// Generate drives one CLI round-trip: build argv, spawn, read the initial
// idle prompt, write the rendered prompt, wait for quiescence, trim the
// trailing prompt marker, and parse.
func (a *Adapter) Generate(ctx context.Context, req provider.Request, cctx provider.CallContext) (provider.Response, error) {
	command, err := a.argv()
	if err != nil {
		return provider.Response{}, err
	}

	if !req.JSONMode {
		req.Messages = append(append([]provider.Message{}, req.Messages...),
			provider.Message{Role: provider.RoleSystem, Content: diffEnforcement})
	}
	prompt := renderPrompt(req)

	timeout := a.Vendor.Timeout
	if cctx.Timeout > 0 {
		timeout = cctx.Timeout
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	transcript := a.openTranscript()
	defer func() {
		if transcript != nil {
			_ = transcript.Close()
		}
	}()
	logLine := func(prefix, text string) {
		if transcript == nil {
			return
		}
		_, _ = fmt.Fprintf(transcript, "[%s] %s\n", prefix, text)
	}

	// spawned gates chunk events so SubprocessSpawned always precedes the
	// first SubprocessOutputChunked for this pid.
	spawned := make(chan struct{})
	var sup *procsup.Supervisor
	sup = procsup.New(procsup.Spec{
		Command:  command,
		Dir:      a.cwd(cctx),
		Env:      procsup.BuildEnv(a.Vendor.EnvAllowlist, a.ExtraEnv),
		PTY:      a.Vendor.PTY,
		CapBytes: a.Vendor.CapBytes,
		Observer: func(c procsup.Chunk) {
			logLine(string(c.Stream), c.Data)
			if cctx.Sink == nil {
				return
			}
			<-spawned
			cctx.Sink.Append(eventlog.SubprocessOutputChunked, eventlog.SubprocessOutputChunkedPayload{
				PID: sup.PID(), Stream: string(c.Stream), Chunk: c.Data,
			})
		},
	})

	if err := sup.Start(ctx); err != nil {
		close(spawned)
		return provider.Response{}, err
	}
	pid := sup.PID()
	if cctx.Sink != nil {
		cctx.Sink.Append(eventlog.SubprocessSpawned, eventlog.SubprocessSpawnedPayload{
			Command: command, Cwd: a.cwd(cctx), PID: pid, PTY: sup.PTY(),
		})
	}
	close(spawned)

	defer func() {
		sup.Kill()
		<-sup.Exited()
		if cctx.Sink != nil {
			payload := eventlog.SubprocessExitedPayload{PID: pid}
			if res := sup.Result(); res != nil {
				payload.ExitCode = res.ExitCode
				payload.Signal = res.Signal
				payload.DurationMS = res.DurationMS
				if res.Err != nil {
					payload.Error = res.Err.Error()
				}
			}
			cctx.Sink.Append(eventlog.SubprocessExited, payload)
		}
	}()

	profile := a.Vendor.Profile
	if profile.IdlePromptPattern == "" {
		profile = NewProfileTable().Get("default")
	}

	// Initial idle prompt is best-effort: interactive CLIs print one, one-shot
	// CLIs don't. Whatever banner text arrived is cleared if the child is
	// still running.
	startupWait := a.Vendor.StartupWait
	if startupWait <= 0 {
		startupWait = 10 * time.Second
	}
	_, _ = sup.ReadUntil(profile.MatchesIdle, startupWait)
	if sup.State() == procsup.StateRunning {
		sup.ClearBuffer()
	}

	for _, line := range strings.Split(prompt, "\n") {
		logLine("stdin", line)
	}
	if err := sup.Write([]byte(prompt + "\n")); err != nil {
		return provider.Response{}, err
	}
	_ = sup.EndInput()

	silence := profile.SilenceWindow
	if silence <= 0 {
		silence = 2 * time.Second
	}
	captured, err := sup.ReadUntilHeuristic(silence, profile.MatchesIdle, timeout)
	if err != nil {
		return provider.Response{}, taxonomy.NewTimeoutError(
			fmt.Sprintf("subprocess: %s did not quiesce within %s", a.Vendor.Name, timeout), err)
	}
	if capErr := sup.CapError(); capErr != nil {
		return provider.Response{}, taxonomy.NewProviderError(capErr.Error(), 0, nil)
	}

	text := profile.TrimTrailingPrompt(captured)
	if a.Vendor.PostProcess != nil {
		text = a.Vendor.PostProcess(text)
	}
	text = strings.TrimSpace(text)

	resp := provider.Response{Text: text}
	kind := "text"
	confidence := 0.0
	if !req.JSONMode {
		if diff, ok := parse.ExtractDiff(text); ok {
			kind, confidence = "diff", diff.Confidence
			resp.Text = diff.DiffText
		} else if plan, ok := parse.ExtractPlan(text); ok {
			kind, confidence = "plan", plan.Confidence
		}
	}
	if cctx.Sink != nil {
		cctx.Sink.Append(eventlog.SubprocessParsed, eventlog.SubprocessParsedPayload{
			Kind: kind, Confidence: confidence,
		})
	}

	if usage, ok := parse.ExtractUsage(captured); ok {
		resp.Usage = &provider.Usage{
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			TotalTokens:  usage.TotalTokens,
		}
	}
	return resp, nil
}

func (a *Adapter) openTranscript() *os.File {
	if a.RunDir == "" {
		return nil
	}
	logDir := filepath.Join(a.RunDir, "tool_logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(logDir, "subprocess_"+a.Vendor.Name+".log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil
	}
	return f
}
