package interfaces

import (
	"context"
	"encoding/json"

	"storyos/server/internal/models"
)

// StreamEventKind tags a StreamEvent
type StreamEventKind int

const (
	// EventFragment carries the next piece of narration
	EventFragment StreamEventKind = iota
	// EventDone marks the successful end of a stream
	EventDone
	// EventFailed terminates a stream with an error
	EventFailed
)

func (k StreamEventKind) String() string {
	switch k {
	case EventFragment:
		return "fragment"
	case EventDone:
		return "done"
	case EventFailed:
		return "failed"
	}
	return "unknown"
}

// StreamEvent is one element of a narration stream: Fragment(text) | Done | Failed(err)
type StreamEvent struct {
	Kind StreamEventKind
	Text string
	Err  error
}

// Fragment builds a fragment event
func Fragment(text string) StreamEvent { return StreamEvent{Kind: EventFragment, Text: text} }

// Done builds the terminal success event
func Done() StreamEvent { return StreamEvent{Kind: EventDone} }

// Failed builds the terminal failure event
func Failed(err error) StreamEvent { return StreamEvent{Kind: EventFailed, Err: err} }

// Schema is a named JSON schema handed to the model as a hint
type Schema struct {
	Name       string
	Definition json.RawMessage
}

// CompletionEngine is the text-completion collaborator
type CompletionEngine interface {
	// Available reports whether the engine is configured and usable
	Available() bool

	// StreamComplete streams narration for the prompt. The channel ends with
	// exactly one Done or Failed event and is then closed.
	StreamComplete(ctx context.Context, messages []models.PromptMessage) (<-chan StreamEvent, error)

	// CompleteWithSchema returns text constrained (best effort) to the schema.
	// Callers must validate the result.
	CompleteWithSchema(ctx context.Context, messages []models.PromptMessage, schema Schema) (string, error)
}
