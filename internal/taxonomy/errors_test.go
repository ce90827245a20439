package taxonomy

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf_UnwrapsWrappedErrors(t *testing.T) {
	base := NewTimeoutError("call deadline exceeded", nil)
	wrapped := fmt.Errorf("adapter: %w", base)

	require.Equal(t, KindTimeout, KindOf(wrapped))
}

func TestKindOf_PlainErrorHasNoKind(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(fmt.Errorf("boom")))
}

func TestIsNetworkTransient_MatchesKnownCodesInWrappedCause(t *testing.T) {
	cause := fmt.Errorf("dial tcp: %s", "ECONNRESET")
	err := NewProviderError("request failed", 0, cause)

	assert.True(t, IsNetworkTransient(err))
}

func TestIsNetworkTransient_FalseForUnrelatedError(t *testing.T) {
	assert.False(t, IsNetworkTransient(fmt.Errorf("unrelated failure")))
}

func TestConfigError_MessageIncludesCause(t *testing.T) {
	err := NewConfigError("missing credential", fmt.Errorf("ANTHROPIC_API_KEY unset"))
	assert.Contains(t, err.Error(), "missing credential")
	assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY unset")
}
