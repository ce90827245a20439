package provider

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateToolCall(t *testing.T) {
	tool := Tool{
		Name: "apply_patch",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"diff": {"type": "string"}},
			"required": ["diff"]
		}`),
	}

	require.NoError(t, ValidateToolCall(tool, ToolCall{
		Name: "apply_patch", Arguments: json.RawMessage(`{"diff": "x"}`),
	}))

	assert.Error(t, ValidateToolCall(tool, ToolCall{
		Name: "apply_patch", Arguments: json.RawMessage(`{"diff": 42}`),
	}))
	assert.Error(t, ValidateToolCall(tool, ToolCall{
		Name: "apply_patch", Arguments: json.RawMessage(`{}`),
	}))
	assert.Error(t, ValidateToolCall(tool, ToolCall{
		Name: "apply_patch", Arguments: json.RawMessage(`not json`),
	}))

	// No schema accepts anything.
	require.NoError(t, ValidateToolCall(Tool{Name: "free"}, ToolCall{Name: "free"}))
}
