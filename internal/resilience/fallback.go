package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed wraps the last backend error once every member of a group
// failed or was refused by its breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig is the breaker template for every member of a group.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type member[T any] struct {
	name    string
	backend T
	breaker *CircuitBreaker
}

// FallbackGroup tries its members in the order they were added. Members are
// added while wiring, before the group is shared.
type FallbackGroup[T any] struct {
	members []member[T]
	cfg     FallbackConfig
	log     *slog.Logger
}

func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg, log: cfg.CircuitBreaker.Logger}
	if g.log == nil {
		g.log = slog.Default()
	}
	g.AddFallback(primaryName, primary)
	return g
}

func (g *FallbackGroup[T]) AddFallback(name string, backend T) {
	bc := g.cfg.CircuitBreaker
	bc.Name = name
	g.members = append(g.members, member[T]{name: name, backend: backend, breaker: NewCircuitBreaker(bc)})
}

func (g *FallbackGroup[T]) Primary() T { return g.members[0].backend }

// States maps member names to breaker states.
func (g *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(g.members))
	for _, m := range g.members {
		out[m.name] = m.breaker.State()
	}
	return out
}

func (g *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(g, func(b T) (struct{}, error) { return struct{}{}, fn(b) })
	return err
}

// ExecuteWithResult returns the first member result without an error. A
// context.Canceled error ends the walk at once, since the next member would
// be called for a caller that is gone.
func ExecuteWithResult[T, R any](g *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i, m := range g.members {
		var out R
		err := m.breaker.Execute(func() (err error) {
			out, err = fn(m.backend)
			return err
		})
		switch {
		case err == nil:
			if i > 0 {
				g.log.Info("resilience: served by fallback", "provider", m.name)
			}
			return out, nil
		case errors.Is(err, context.Canceled):
			var zero R
			return zero, err
		case errors.Is(err, ErrCircuitOpen):
			g.log.Debug("resilience: circuit open, skipping", "provider", m.name)
		default:
			g.log.Warn("resilience: provider failed", "provider", m.name, "err", err)
		}
		lastErr = err
	}
	var zero R
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
