package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionActive is returned by StartSession when a session is already
	// running.
	ErrSessionActive = errors.New("pipeline: session already active")

	// ErrInvalidConfig wraps every [SessionConfig.Validate] failure.
	ErrInvalidConfig = errors.New("pipeline: invalid session config")

	// ErrRemoteCall matches every [RemoteCallError].
	ErrRemoteCall = errors.New("pipeline: remote call failed")
)

// RemoteCallError is a failed call to a remote speech service. It is
// reported as status and never ends the session.
type RemoteCallError struct {
	// Op names the call: "transcribe", "detect", "translate", "synthesize".
	Op  string
	Err error
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *RemoteCallError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrRemoteCall].
func (e *RemoteCallError) Is(target error) bool { return target == ErrRemoteCall }

func remoteErr(op string, err error) error {
	return &RemoteCallError{Op: op, Err: err}
}
