package engine

import (
	"errors"
	"fmt"

	"github.com/draftline-labs/draftline-go/internal/domain"
)

var (
	// ErrRunNotFound is returned when the referenced run does not exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrInvalidTransition is returned when start, pause or decide is
	// invoked in a state that does not permit it. Not retryable
	// without new input.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrRunAlreadyActive is returned when a concurrent execution
	// holds the run claim. Retryable once the active execution halts.
	ErrRunAlreadyActive = errors.New("run already active")

	// ErrApprovalPending is returned when resuming a gated run whose
	// approval has not been decided.
	ErrApprovalPending = errors.New("approval pending")

	// ErrStaleApproval is returned when a decision targets a gate the
	// run is not currently paused on.
	ErrStaleApproval = errors.New("stale approval")

	// ErrRegenerationLimit is returned when a regenerate decision
	// exceeds the configured cap.
	ErrRegenerationLimit = errors.New("regeneration limit exceeded")
)

// fatalStageError marks a stage failure that must fail the run instead
// of degrading to a fallback artifact (e.g. the owning project is
// gone).
type fatalStageError struct {
	stage domain.Stage
	err   error
}

func (e *fatalStageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.stage, e.err)
}

func (e *fatalStageError) Unwrap() error { return e.err }

func fatalStage(stage domain.Stage, err error) error {
	return &fatalStageError{stage: stage, err: err}
}

func isFatalStage(err error) bool {
	var fatal *fatalStageError
	return errors.As(err, &fatal)
}

// persistenceError wraps a failed durable write. Always fatal to the
// current invocation; the run stays at its last committed state and no
// progress event is published for the failed change.
type persistenceError struct {
	op  string
	err error
}

func (e *persistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.op, e.err)
}

func (e *persistenceError) Unwrap() error { return e.err }

func persistence(op string, err error) error {
	return &persistenceError{op: op, err: err}
}

// IsPersistence reports whether err is a durable-write failure.
func IsPersistence(err error) bool {
	var pe *persistenceError
	return errors.As(err, &pe)
}
