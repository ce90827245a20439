package retry

import (
	"errors"

	"github.com/forgepilot/orchestrator/internal/taxonomy"
)

// Classify reports whether err should be retried: rate-limit, timeout, and network errors are retriable; HTTP 429/5xx
// surfaced as a ProviderError are retriable, as is a ProviderError with no
// HTTP status (StatusCode 0); config errors (including authentication
// failures) are terminal; everything else defaults terminal.
func Classify(err error) bool {
	if err == nil {
		return false
	}

	var rle *taxonomy.RateLimitError
	if errors.As(err, &rle) {
		return true
	}
	var te *taxonomy.TimeoutError
	if errors.As(err, &te) {
		return true
	}
	var ne *taxonomy.NetworkError
	if errors.As(err, &ne) {
		return true
	}
	if taxonomy.IsNetworkTransient(err) {
		return true
	}
	var pe *taxonomy.ProviderError
	if errors.As(err, &pe) {
		if pe.StatusCode == 429 || (pe.StatusCode >= 500 && pe.StatusCode < 600) {
			return true
		}
		// Unparseable response / oversized capture: retriable at the engine
		// level only when explicitly admitted — ProviderError without an
		// HTTP status (StatusCode == 0) covers that subprocess case.
		return pe.StatusCode == 0
	}
	var ce *taxonomy.ConfigError
	if errors.As(err, &ce) {
		return false
	}
	return false
}
