package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Default reconnection parameters.
const (
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
	defaultBackoffFactor  = 2.0
)

// ReconnectConfig configures a [Reconnector].
type ReconnectConfig struct {
	// Initial is the wait before the second attempt. Defaults to 500ms.
	Initial time.Duration

	// Max caps the wait between attempts. Defaults to 10s.
	Max time.Duration

	// Factor multiplies the wait after each failure. Defaults to 2.
	Factor float64

	// MaxAttempts bounds the attempts. Zero means unlimited.
	MaxAttempts int
}

// Reconnector retries a connect function with exponential backoff.
//
// A Reconnector holds no per-run state and is safe for concurrent use.
type Reconnector struct {
	initial     time.Duration
	max         time.Duration
	factor      float64
	maxAttempts int
	log         *slog.Logger
}

// NewReconnector creates a [Reconnector] from cfg, filling zero fields with
// the defaults.
func NewReconnector(cfg ReconnectConfig, log *slog.Logger) *Reconnector {
	r := &Reconnector{
		initial:     cfg.Initial,
		max:         cfg.Max,
		factor:      cfg.Factor,
		maxAttempts: cfg.MaxAttempts,
		log:         log,
	}
	if r.initial <= 0 {
		r.initial = defaultInitialBackoff
	}
	if r.max <= 0 {
		r.max = defaultMaxBackoff
	}
	if r.factor < 1 {
		r.factor = defaultBackoffFactor
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// Run calls connect until it succeeds, ctx ends, or the attempt limit is
// reached. It returns nil on success and the last error otherwise.
func (r *Reconnector) Run(ctx context.Context, name string, connect func(context.Context) error) error {
	wait := r.initial
	var lastErr error
	for attempt := 1; r.maxAttempts == 0 || attempt <= r.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		r.log.Info("attempting reconnection", "target", name, "attempt", attempt)
		lastErr = connect(ctx)
		if lastErr == nil {
			r.log.Info("reconnection successful", "target", name, "attempt", attempt)
			return nil
		}
		r.log.Warn("reconnection attempt failed", "target", name, "attempt", attempt, "backoff", wait, "err", lastErr)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		wait = r.next(wait)
	}
	return fmt.Errorf("pipeline: reconnect %s: giving up after %d attempts: %w", name, r.maxAttempts, lastErr)
}

func (r *Reconnector) next(wait time.Duration) time.Duration {
	wait = time.Duration(float64(wait) * r.factor)
	return min(wait, r.max)
}
