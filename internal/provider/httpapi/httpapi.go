// Package httpapi implements the HTTP provider adapters: a
// chat-style adapter speaking the Claude messages wire shape and a
// completion-style adapter speaking the OpenAI chat-completions wire shape.
// Both map the uniform provider.Request/Response onto the vendor schema and
// translate vendor errors into the shared taxonomy before returning.
package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/forgepilot/orchestrator/internal/taxonomy"
)

// errorFromStatus maps a non-2xx vendor status onto the taxonomy: 429 ->
// rate-limit, 401 -> config, everything else a provider error carrying the
// status.
func errorFromStatus(vendor string, status int, body string, retryAfter *time.Duration) error {
	msg := fmt.Sprintf("%s: status %d: %s", vendor, status, strings.TrimSpace(body))
	switch status {
	case 429:
		return taxonomy.NewRateLimitError(msg, retryAfter, nil)
	case 401:
		return taxonomy.NewConfigError(msg, nil)
	default:
		return taxonomy.NewProviderError(msg, status, nil)
	}
}

// wrapTransportError classifies a transport-level failure: connection
// timeouts become TimeoutError, known transient socket errors become
// NetworkError, everything else a ProviderError.
func wrapTransportError(vendor string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return taxonomy.NewTimeoutError(vendor+": connection timed out", err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return taxonomy.NewTimeoutError(vendor+": connection timed out", err)
	}
	if taxonomy.IsNetworkTransient(err) {
		return taxonomy.NewNetworkError("", vendor+": transient network failure", err)
	}
	return taxonomy.NewProviderError(vendor+": request failed", 0, err)
}

// parseRetryAfter parses a Retry-After header as integer seconds or an
// HTTP-date.
func parseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}

// doJSON posts body to url with headers and returns the raw response bytes,
// mapping HTTP and transport failures onto the taxonomy.
func doJSON(ctx context.Context, client *http.Client, vendor, url string, headers map[string]string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, taxonomy.NewProviderError(vendor+": build request", 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, wrapTransportError(vendor, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ra := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return nil, errorFromStatus(vendor, resp.StatusCode, string(raw), ra)
	}
	return raw, nil
}

// sseEvent is one server-sent event: the event name (optional) and its data
// line, already joined.
type sseEvent struct {
	Event string
	Data  []byte
}

// readSSE consumes resp line by line, invoking fn per event until the body
// ends, ctx is cancelled, or fn returns an error. "[DONE]" sentinel data
// lines terminate the stream.
func readSSE(ctx context.Context, r io.Reader, fn func(sseEvent) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var ev sseEvent
	flush := func() error {
		if len(ev.Data) == 0 {
			ev = sseEvent{}
			return nil
		}
		if bytes.Equal(bytes.TrimSpace(ev.Data), []byte("[DONE]")) {
			ev = sseEvent{}
			return io.EOF
		}
		err := fn(ev)
		ev = sseEvent{}
		return err
	}

	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := sc.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
		case strings.HasPrefix(line, "event:"):
			ev.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimPrefix(line, "data:")
			data = strings.TrimPrefix(data, " ")
			if len(ev.Data) > 0 {
				ev.Data = append(ev.Data, '\n')
			}
			ev.Data = append(ev.Data, data...)
		}
	}
	if err := flush(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return sc.Err()
}

func defaultClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	// No client-level timeout; per-call context deadlines govern instead.
	return &http.Client{Timeout: 0}
}
