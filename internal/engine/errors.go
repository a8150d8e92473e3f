package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrInstanceRunning is matched by DuplicateInstanceError.
	ErrInstanceRunning = errors.New("instance already running")

	// ErrInstanceBusy is returned when this process is already driving the
	// instance.
	ErrInstanceBusy = errors.New("instance is being driven by this process")

	// ErrUnknownWorkflow is returned for a workflow name that was never
	// registered.
	ErrUnknownWorkflow = errors.New("unknown workflow")
)

// DuplicateInstanceError is returned by Start when an instance with the
// same id is still running. Nothing is changed.
type DuplicateInstanceError struct {
	InstanceID string
}

func (e *DuplicateInstanceError) Error() string {
	return fmt.Sprintf("an instance with ID '%s' already exists", e.InstanceID)
}

func (e *DuplicateInstanceError) Unwrap() error {
	return ErrInstanceRunning
}

// ActivityError is a terminal activity failure: the retry budget was spent
// or the error was permanent. It fails the run.
type ActivityError struct {
	Activity string
	Seq      int64
	Attempts int
	Err      error
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s (seq %d) failed after %d attempts: %v", e.Activity, e.Seq, e.Attempts, e.Err)
}

func (e *ActivityError) Unwrap() error {
	return e.Err
}

// NonDeterminismError is returned when replay schedules something other than
// what the history recorded at the same position. It fails the run.
type NonDeterminismError struct {
	InstanceID string
	Generation int64
	Seq        int64
	Recorded   string
	Scheduled  string
}

func (e *NonDeterminismError) Error() string {
	return fmt.Sprintf("non-deterministic workflow %s: generation %d seq %d recorded %s, scheduled %s",
		e.InstanceID, e.Generation, e.Seq, e.Recorded, e.Scheduled)
}

// IsActivityError reports whether err is a terminal activity failure.
// Uses errors.As to handle wrapped errors.
func IsActivityError(err error) bool {
	var ae *ActivityError
	return errors.As(err, &ae)
}

// IsNonDeterminism reports whether err is a NonDeterminismError.
func IsNonDeterminism(err error) bool {
	var ne *NonDeterminismError
	return errors.As(err, &ne)
}

// continueAsNew is returned by Context.ContinueAsNew and unwinds the
// workflow function to the driver.
type continueAsNew struct {
	input []byte
}

func (c *continueAsNew) Error() string {
	return "continue as new"
}
