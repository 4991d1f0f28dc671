package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"scenariolab/api/internal/metrics"
)

// Bounded adds a caller-side deadline to every call. A hung reasoner is
// abandoned when the deadline passes and the call fails with ErrTimeout.
// Other failures are reported as ErrFailure. It never retries.
type Bounded struct {
	next    Reasoner
	timeout time.Duration
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewBounded(next Reasoner, timeout time.Duration, m *metrics.Metrics, log zerolog.Logger) *Bounded {
	return &Bounded{next: next, timeout: timeout, metrics: m, log: log}
}

type outcome struct {
	raw json.RawMessage
	err error
}

func (b *Bounded) Invoke(ctx context.Context, req Request) (json.RawMessage, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	started := time.Now()
	done := make(chan outcome, 1)
	go func() {
		raw, err := b.next.Invoke(ctx, req)
		done <- outcome{raw: raw, err: err}
	}()

	var (
		raw json.RawMessage
		err error
	)
	select {
	case <-ctx.Done():
		err = classify(req, ctx.Err())
	case result := <-done:
		raw, err = result.raw, result.err
		if err != nil {
			err = classify(req, err)
		} else if !json.Valid(raw) {
			err = fmt.Errorf("%w: %s: result is not valid JSON", ErrFailure, req.Purpose)
		}
	}

	elapsed := time.Since(started)
	switch {
	case errors.Is(err, ErrTimeout):
		b.metrics.ObserveReasoning(req.Purpose, "timeout", elapsed)
		b.log.Warn().Str("purpose", req.Purpose).Dur("elapsed", elapsed).Msg("reasoning call timed out")
	case err != nil:
		b.metrics.ObserveReasoning(req.Purpose, "error", elapsed)
		b.log.Warn().Err(err).Str("purpose", req.Purpose).Msg("reasoning call failed")
	default:
		b.metrics.ObserveReasoning(req.Purpose, "ok", elapsed)
		b.log.Debug().Str("purpose", req.Purpose).Dur("elapsed", elapsed).Msg("reasoning call completed")
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func classify(req Request, err error) error {
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrFailure), errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", ErrTimeout, req.Purpose)
	default:
		return fmt.Errorf("%w: %s: %v", ErrFailure, req.Purpose, err)
	}
}
