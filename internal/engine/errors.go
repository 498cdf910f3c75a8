package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrServiceUnavailable means the store or the completion engine cannot serve a turn
	ErrServiceUnavailable = errors.New("service unavailable")
	// ErrSessionNotFound means the session is absent or soft-deleted
	ErrSessionNotFound = errors.New("session not found")
	// ErrTurnInProgress means another turn holds the session's turn lock
	ErrTurnInProgress = errors.New("turn already in progress")
	// ErrConcurrencyConflict is recorded when every save attempt lost the version race
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrEmptyInput rejects a blank player action
	ErrEmptyInput = errors.New("player input is empty")
	// ErrStoryStarted means the opening narration already exists
	ErrStoryStarted = errors.New("story already started")
	// ErrScenarioNotFound means the referenced scenario does not exist
	ErrScenarioNotFound = errors.New("scenario not found")
	// ErrUnknownArchetype means the archetype is not in the catalog
	ErrUnknownArchetype = errors.New("unknown archetype")
	// ErrInvalidGameSpeed rejects a game speed outside 1-10
	ErrInvalidGameSpeed = errors.New("game speed must be between 1 and 10")
)

// CompletionError wraps a failure of the narration stream
type CompletionError struct {
	Stage string // "open" or "stream"
	Err   error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("completion failed during %s: %v", e.Stage, e.Err)
}

func (e *CompletionError) Unwrap() error { return e.Err }

// MalformedModelOutputError means the extraction response was not JSON
type MalformedModelOutputError struct {
	Raw string
	Err error
}

func (e *MalformedModelOutputError) Error() string {
	return fmt.Sprintf("malformed model output: %v", e.Err)
}

func (e *MalformedModelOutputError) Unwrap() error { return e.Err }

// SchemaViolationError means the extraction JSON had the wrong shape
type SchemaViolationError struct {
	Field  string
	Reason string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("schema violation at %s: %s", e.Field, e.Reason)
}

// extractionFailureKind labels an extraction error for metrics and logs
func extractionFailureKind(err error) string {
	var malformed *MalformedModelOutputError
	var violation *SchemaViolationError
	switch {
	case errors.As(err, &malformed):
		return "malformed"
	case errors.As(err, &violation):
		return "schema_violation"
	default:
		return "completion"
	}
}
