package patchtool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgepilot/orchestrator/internal/taxonomy"
)

func TestDecodeReport(t *testing.T) {
	raw := []byte(`{
		"type": "execution",
		"message": "2 hunks failed",
		"details": {
			"kind": "HUNK_FAILED",
			"errors": [
				{"kind": "HUNK_FAILED", "file": "src/a.ts", "line": 10, "message": "context mismatch"},
				{"kind": "MISSING_FILE", "file": "src/b.ts", "message": "no such file"}
			],
			"stderr": "error: patch failed: src/a.ts:10"
		}
	}`)
	pe := DecodeReport(raw)
	require.NotNil(t, pe)
	assert.Equal(t, taxonomy.PatchExecution, pe.Type)
	require.Len(t, pe.Errors, 2)
	assert.Equal(t, "HUNK_FAILED", pe.Errors[0].Kind)
	assert.Equal(t, 10, pe.Errors[0].Line)
	assert.Contains(t, pe.Stderr, "patch failed")

	assert.Nil(t, DecodeReport([]byte("not json")))
	assert.Nil(t, DecodeReport([]byte(`{"unrelated": true}`)))
}

func TestStderrHints(t *testing.T) {
	stderr := "checking...\nerror: patch failed: src/x.ts:3\nHunk #2 FAILED at 40.\nnoise\n"
	hints := StderrHints(stderr)
	require.Len(t, hints, 2)
	assert.Contains(t, hints[0], "patch failed")
}

func TestCommandApplier_SuccessAndFailure(t *testing.T) {
	ok := CommandApplier{Command: []string{"sh", "-c", "cat > /dev/null"}, Timeout: 10 * time.Second}
	require.NoError(t, ok.Apply(context.Background(), t.TempDir(), "diff"))

	failing := CommandApplier{
		Command: []string{"sh", "-c", `cat > /dev/null; echo '{"type":"validation","message":"bad patch"}'; exit 1`},
		Timeout: 10 * time.Second,
	}
	err := failing.Apply(context.Background(), t.TempDir(), "diff")
	require.Error(t, err)
	pe, okCast := err.(*taxonomy.PatchError)
	require.True(t, okCast)
	assert.Equal(t, taxonomy.PatchValidation, pe.Type)
}
