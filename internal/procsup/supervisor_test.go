package procsup

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSupervisor_PipeEchoAndExit(t *testing.T) {
	s := New(Spec{Command: []string{"sh", "-c", "echo hello; echo world 1>&2"}})
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-s.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit")
	}
	res := s.Result()
	require.NotNil(t, res)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, StateKilled, s.State())
}

func TestSupervisor_ReadUntilMatchesPredicate(t *testing.T) {
	s := New(Spec{Command: []string{"sh", "-c", "printf 'abc> '"}})
	require.NoError(t, s.Start(context.Background()))

	out, err := s.ReadUntil(func(buf string) bool {
		return strings.HasSuffix(buf, "> ")
	}, 2*time.Second)
	require.NoError(t, err)
	require.Contains(t, out, "abc>")
}

func TestSupervisor_ReadUntilTimesOut(t *testing.T) {
	s := New(Spec{Command: []string{"sh", "-c", "sleep 2"}})
	require.NoError(t, s.Start(context.Background()))
	defer s.Kill()

	_, err := s.ReadUntil(func(string) bool { return false }, 20*time.Millisecond)
	require.Error(t, err)
}

func TestSupervisor_ReadUntilHeuristicRestsOnSilence(t *testing.T) {
	s := New(Spec{Command: []string{"sh", "-c", "printf 'x'; sleep 1"}})
	require.NoError(t, s.Start(context.Background()))
	defer s.Kill()

	out, err := s.ReadUntilHeuristic(50*time.Millisecond, func(string) bool { return false }, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "x", out)
}

func TestSupervisor_KillIsIdempotent(t *testing.T) {
	s := New(Spec{Command: []string{"sh", "-c", "sleep 5"}})
	require.NoError(t, s.Start(context.Background()))

	s.Kill()
	s.Kill() // must not panic or double-send signals

	select {
	case <-s.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for killed process to exit")
	}
}

func TestSupervisor_WriteAfterKillIsNoop(t *testing.T) {
	s := New(Spec{Command: []string{"sh", "-c", "sleep 5"}})
	require.NoError(t, s.Start(context.Background()))
	s.Kill()
	<-s.Exited()
	require.NoError(t, s.Write([]byte("ignored\n")))
}

func TestSupervisor_OutputCapTriggersKill(t *testing.T) {
	s := New(Spec{
		Command:  []string{"sh", "-c", "yes x | head -c 100000"},
		CapBytes: 64,
	})
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-s.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cap-triggered kill")
	}
	require.Error(t, s.CapError())
	require.Contains(t, s.CapError().Error(), "cap")
}

func TestSupervisor_EndInputClosesStdinOnce(t *testing.T) {
	s := New(Spec{Command: []string{"cat"}})
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Write([]byte("hi\n")))
	require.NoError(t, s.EndInput())
	require.NoError(t, s.EndInput()) // idempotent

	select {
	case <-s.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cat to exit after stdin close")
	}
	require.Contains(t, s.snapshot(), "hi")
}

func TestSupervisor_PTYModeOrDiagnosedFallback(t *testing.T) {
	s := New(Spec{Command: []string{"sh", "-c", "echo tty-check"}, PTY: true})
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-s.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit")
	}
	if !s.PTY() {
		// Platforms without PTY support fall back to pipe mode with a
		// diagnostic rather than failing the spawn.
		require.Error(t, s.PTYFallbackError())
		require.Contains(t, s.PTYFallbackError().Error(), "PTY")
	}
	require.Contains(t, s.snapshot(), "tty-check")
}

func TestSupervisor_ReadStreamDeliversChunksUntilExit(t *testing.T) {
	s := New(Spec{Command: []string{"sh", "-c", "echo one; echo two 1>&2"}})
	require.NoError(t, s.Start(context.Background()))

	var stdout, stderr string
	for chunk := range s.ReadStream() {
		if chunk.Stream == Stdout {
			stdout += chunk.Data
		} else {
			stderr += chunk.Data
		}
	}
	require.Contains(t, stdout, "one")
	require.Contains(t, stderr, "two")
	require.Equal(t, StateKilled, s.State())
}

func TestSupervisor_BuildEnvDropsUnlistedVariables(t *testing.T) {
	t.Setenv("ORCH_SECRET_TOKEN", "sssh")
	t.Setenv("ORCH_ALLOWED_VAR", "ok")

	env := BuildEnv([]string{"ORCH_ALLOWED_VAR"}, map[string]string{"EXPLICIT": "yes"})
	joined := strings.Join(env, "\n")
	require.NotContains(t, joined, "ORCH_SECRET_TOKEN")
	require.Contains(t, joined, "ORCH_ALLOWED_VAR=ok")
	require.Contains(t, joined, "EXPLICIT=yes")
}

func TestSupervisor_BuildEnvCallerOverridesBaseline(t *testing.T) {
	t.Setenv("TERM", "xterm-256color")

	env := BuildEnv(nil, map[string]string{"TERM": "dumb"})
	var termValues []string
	for _, kv := range env {
		if strings.HasPrefix(kv, "TERM=") {
			termValues = append(termValues, kv)
		}
	}
	require.Equal(t, []string{"TERM=dumb"}, termValues)
}
