package health

import (
	"context"
	"errors"
)

var (
	// ErrLinkDown means no headset is attached to the gateway.
	ErrLinkDown = errors.New("health: no headset link connected")

	// ErrStageMissing means a pipeline stage has no provider.
	ErrStageMissing = errors.New("health: pipeline stage not configured")
)

// requiredStages must all have a provider before a session can start.
var requiredStages = []string{"stt", "translate", "tts"}

// GatewayChecker is named "gateway" and fails with [ErrLinkDown] while
// connected reports false.
func GatewayChecker(connected func() bool) Checker {
	return Checker{Name: "gateway", Check: func(context.Context) error {
		if connected() {
			return nil
		}
		return ErrLinkDown
	}}
}

// ProvidersChecker is named "providers". It reports each required stage that
// configured does not mark true.
func ProvidersChecker(configured map[string]bool) Checker {
	return Checker{Name: "providers", Check: func(context.Context) error {
		var errs []error
		for _, stage := range requiredStages {
			if !configured[stage] {
				errs = append(errs, missingStage(stage))
			}
		}
		return errors.Join(errs...)
	}}
}

type missingStage string

func (m missingStage) Error() string        { return string(m) + " not configured" }
func (m missingStage) Is(target error) bool { return target == ErrStageMissing }

// Pinger reaches a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// JournalChecker is named "journal".
func JournalChecker(p Pinger) Checker {
	return Checker{Name: "journal", Check: p.Ping}
}
