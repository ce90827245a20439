package provider

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/forgepilot/orchestrator/internal/taxonomy"
)

// ValidateToolCall checks a model-proposed tool call's arguments against the
// tool's declared JSON Schema before the caller dispatches it. A tool with no
// schema accepts anything.
func ValidateToolCall(tool Tool, call ToolCall) error {
	if len(tool.InputSchema) == 0 {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", bytes.NewReader(tool.InputSchema)); err != nil {
		return taxonomy.NewConfigError(fmt.Sprintf("tool %s: bad input schema", tool.Name), err)
	}
	schema, err := compiler.Compile("tool.json")
	if err != nil {
		return taxonomy.NewConfigError(fmt.Sprintf("tool %s: bad input schema", tool.Name), err)
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return taxonomy.NewProviderError(fmt.Sprintf("tool call %s: arguments are not valid JSON", call.Name), 0, err)
	}
	if err := schema.Validate(doc); err != nil {
		return taxonomy.NewProviderError(fmt.Sprintf("tool call %s: arguments do not match schema", call.Name), 0, err)
	}
	return nil
}
