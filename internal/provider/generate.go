package provider

import (
	"context"
	"errors"
	"time"

	"github.com/forgepilot/orchestrator/internal/eventlog"
	"github.com/forgepilot/orchestrator/internal/retry"
	"github.com/forgepilot/orchestrator/internal/taxonomy"
)

// GenerateWithRetry wraps one adapter call with bounded exponential backoff,
// retriable-error classification, and abort propagation, and emits the
// paired ProviderRequestStarted/ProviderRequestFinished events.
//
// jitterSeed should be unique per call (e.g. a ULID) so DelayForAttempt's
// deterministic jitter doesn't correlate across concurrent calls.
func GenerateWithRetry(ctx context.Context, a Adapter, req Request, cctx CallContext, sched retry.Schedule, jitterSeed string) (Response, error) {
	start := time.Now()
	if cctx.Sink != nil {
		cctx.Sink.Append(eventlog.ProviderRequestStarted, eventlog.ProviderRequestStartedPayload{
			Provider: a.ID(), Model: req.Model,
		})
	}

	var lastErr error
	attempts := 0
	for {
		callCtx := ctx
		var cancel context.CancelFunc
		if cctx.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, cctx.Timeout)
		}

		resp, err := callOnce(callCtx, a, req, cctx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			err = validateResponseToolCalls(req, resp)
		}
		if err == nil {
			finish(cctx, a.ID(), start, true, attempts, "")
			return resp, nil
		}
		lastErr = err

		select {
		case <-cctx.Abort:
			finish(cctx, a.ID(), start, false, attempts, err.Error())
			return Response{}, err
		default:
		}

		if attempts >= sched.MaxRetries || !retry.Classify(err) {
			finish(cctx, a.ID(), start, false, attempts, err.Error())
			return Response{}, err
		}

		attempts++
		delay := retry.DelayForAttempt(attempts, sched, jitterSeed+string(rune(attempts)))
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-cctx.Abort:
			timer.Stop()
			finish(cctx, a.ID(), start, false, attempts, lastErr.Error())
			return Response{}, lastErr
		case <-ctx.Done():
			timer.Stop()
			finish(cctx, a.ID(), start, false, attempts, ctx.Err().Error())
			return Response{}, ctx.Err()
		}
	}
}

// validateResponseToolCalls checks each model-proposed tool call against the
// declared schema of the request tool it names. A mismatch surfaces as a
// ProviderError, so the retry engine treats it like any other malformed
// response. Calls naming an undeclared tool fail the same way.
func validateResponseToolCalls(req Request, resp Response) error {
	if len(resp.ToolCalls) == 0 {
		return nil
	}
	byName := make(map[string]Tool, len(req.Tools))
	for _, t := range req.Tools {
		byName[t.Name] = t
	}
	for _, call := range resp.ToolCalls {
		tool, ok := byName[call.Name]
		if !ok {
			return taxonomy.NewProviderError("provider: tool call names undeclared tool "+call.Name, 0, nil)
		}
		if err := ValidateToolCall(tool, call); err != nil {
			return err
		}
	}
	return nil
}

func callOnce(ctx context.Context, a Adapter, req Request, cctx CallContext) (Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	resultCh := make(chan struct {
		resp Response
		err  error
	}, 1)
	go func() {
		resp, err := a.Generate(ctx, req, cctx)
		resultCh <- struct {
			resp Response
			err  error
		}{resp, err}
	}()

	select {
	case r := <-resultCh:
		// An adapter that honors ctx returns the bare deadline error itself;
		// normalize it so classification sees a TimeoutError either way.
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return Response{}, taxonomy.NewTimeoutError("provider: call timed out", r.err)
		}
		return r.resp, r.err
	case <-cctx.Abort:
		// Cancel the in-flight attempt and surface the error it ends with.
		cancel()
		r := <-resultCh
		if r.err != nil {
			return Response{}, r.err
		}
		return Response{}, taxonomy.NewConfigError("provider: call aborted", context.Canceled)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Response{}, taxonomy.NewTimeoutError("provider: call timed out", ctx.Err())
		}
		return Response{}, taxonomy.NewConfigError("provider: call cancelled", ctx.Err())
	}
}

func finish(cctx CallContext, providerID string, start time.Time, success bool, retries int, errMsg string) {
	if cctx.Sink == nil {
		return
	}
	cctx.Sink.Append(eventlog.ProviderRequestFinished, eventlog.ProviderRequestFinishedPayload{
		Provider:   providerID,
		DurationMS: time.Since(start).Milliseconds(),
		Success:    success,
		Retries:    retries,
		Error:      errMsg,
	})
}
