package pipeline

import (
	"errors"
	"fmt"

	"github.com/pixlake/changestream/internal/cdc"
)

// ErrMissingCursor is returned when a batch reaches the writer without a
// trailing resume cursor.
var ErrMissingCursor = errors.New("batch has no trailing resume cursor")

// MalformedEventError reports an upstream event that violates the event
// contract. It aborts the pipeline run.
type MalformedEventError struct {
	Collection string
	Operation  cdc.OperationType
	Cursor     string
	Reason     string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %q event on %s at cursor %q: %s",
		e.Operation, e.Collection, e.Cursor, e.Reason)
}

func newMalformedEventError(event *cdc.ChangeEvent, reason string) *MalformedEventError {
	if event == nil {
		return &MalformedEventError{Reason: reason}
	}
	return &MalformedEventError{
		Collection: event.Collection,
		Operation:  event.Operation,
		Cursor:     event.Cursor.String(),
		Reason:     reason,
	}
}

func IsMalformedEventError(err error) bool {
	var target *MalformedEventError
	return errors.As(err, &target)
}

// UpstreamError wraps a change feed failure.
type UpstreamError struct {
	Collection string
	Err        error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("change feed for %s failed: %v", e.Collection, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// SinkError reports a batch that could not be written within the retry
// ceiling.
type SinkError struct {
	Collection string
	Rows       int
	Attempts   int
	Err        error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("bulk insert of %d rows for %s failed after %d attempts: %v",
		e.Rows, e.Collection, e.Attempts, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

func IsSinkError(err error) bool {
	var target *SinkError
	return errors.As(err, &target)
}

// CheckpointError reports a checkpoint save failure after the batch was
// written. The rows are in the sink and will be re-delivered on restart.
type CheckpointError struct {
	Collection string
	Cursor     string
	Err        error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("failed to save checkpoint %q for %s: %v", e.Cursor, e.Collection, e.Err)
}

func (e *CheckpointError) Unwrap() error {
	return e.Err
}

// TerminalError is returned by the supervisor once it stops restarting a
// pipeline. The caller decides how the process reacts.
type TerminalError struct {
	Collection string
	Attempts   int
	Err        error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("pipeline for %s gave up after %d attempts: %v", e.Collection, e.Attempts, e.Err)
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

func IsTerminalError(err error) bool {
	var target *TerminalError
	return errors.As(err, &target)
}

func AsTerminalError(err error) *TerminalError {
	var target *TerminalError
	if errors.As(err, &target) {
		return target
	}
	return nil
}
