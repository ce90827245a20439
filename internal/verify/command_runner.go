package verify

import (
	"context"
	"os"
	"time"

	"github.com/forgepilot/orchestrator/internal/procsup"
)

// DefaultCommandRunner runs a verification command through the Process
// Supervisor in pipe mode instead of hand-rolling a second os/exec wrapper.
type DefaultCommandRunner struct {
	CapBytes int64
}

// Run implements CommandRunner.
func (d DefaultCommandRunner) Run(ctx context.Context, command string, dir string, timeout time.Duration, stdoutPath, stderrPath string) (exitCode int, durationMS int64, truncated bool, err error) {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdoutBuf, stderrBuf []byte
	sup := procsup.New(procsup.Spec{
		Command:  []string{"sh", "-c", command},
		Dir:      dir,
		CapBytes: d.CapBytes,
		Observer: func(c procsup.Chunk) {
			if c.Stream == procsup.Stdout {
				stdoutBuf = append(stdoutBuf, c.Data...)
			} else {
				stderrBuf = append(stderrBuf, c.Data...)
			}
		},
	})
	start := time.Now()
	if startErr := sup.Start(ctx); startErr != nil {
		return -1, time.Since(start).Milliseconds(), false, startErr
	}

	select {
	case <-sup.Exited():
	case <-ctx.Done():
		sup.Kill()
		<-sup.Exited()
	}

	res := sup.Result()
	if stdoutPath != "" {
		_ = os.WriteFile(stdoutPath, stdoutBuf, 0o644)
	}
	if stderrPath != "" {
		_ = os.WriteFile(stderrPath, stderrBuf, 0o644)
	}
	truncated = sup.CapError() != nil
	if res == nil {
		return -1, time.Since(start).Milliseconds(), truncated, ctx.Err()
	}
	return res.ExitCode, res.DurationMS, truncated, res.Err
}
