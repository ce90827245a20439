package patchtool

import (
	"context"
	"strings"
	"time"

	"github.com/forgepilot/orchestrator/internal/procsup"
	"github.com/forgepilot/orchestrator/internal/taxonomy"
)

// CommandApplier invokes an external patch tool: the diff is written to its
// stdin, the repo root is its working directory, and on non-zero exit its
// stdout is decoded as the structured error report. Stderr is carried for the engine's fallback hints.
type CommandApplier struct {
	Command []string // e.g. {"git", "apply", "--3way", "-"}
	Timeout time.Duration
}

// Apply implements Applier.
func (c CommandApplier) Apply(ctx context.Context, repoRoot, diffText string) error {
	if len(c.Command) == 0 {
		return taxonomy.NewConfigError("patchtool: no command configured", nil)
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr strings.Builder
	sup := procsup.New(procsup.Spec{
		Command: c.Command,
		Dir:     repoRoot,
		Env:     procsup.BuildEnv(nil, nil),
		Observer: func(chunk procsup.Chunk) {
			if chunk.Stream == procsup.Stdout {
				stdout.WriteString(chunk.Data)
			} else {
				stderr.WriteString(chunk.Data)
			}
		},
	})
	if err := sup.Start(ctx); err != nil {
		return err
	}
	_ = sup.Write([]byte(diffText))
	_ = sup.EndInput()

	select {
	case <-sup.Exited():
	case <-ctx.Done():
		sup.Kill()
		<-sup.Exited()
	}

	res := sup.Result()
	if res != nil && res.ExitCode == 0 {
		return nil
	}
	if pe := DecodeReport([]byte(stdout.String())); pe != nil {
		return pe
	}
	msg := "patch tool failed"
	if res != nil && res.Err != nil {
		msg = res.Err.Error()
	}
	return taxonomy.NewPatchError(taxonomy.PatchExecution, msg, nil, stderr.String())
}
