package engine

import (
	"context"
	"sync"

	"storyos/server/internal/interfaces"
	"storyos/server/internal/models"
)

// TurnState is a step of the per-turn state machine
type TurnState int

const (
	StateIdle TurnState = iota
	StatePromptBuilding
	StateStreaming
	StatePersisting
	StateSummarizing
	StateMerging
	StateCommitting
	StateCompleted
	StateFailed
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePromptBuilding:
		return "prompt_building"
	case StateStreaming:
		return "streaming"
	case StatePersisting:
		return "persisting"
	case StateSummarizing:
		return "summarizing"
	case StateMerging:
		return "merging"
	case StateCommitting:
		return "committing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Outcome is the final report of a turn
type Outcome struct {
	State           TurnState // StateCompleted or StateFailed
	Narration       string
	NarratorMessage *models.Message
	// Session is the committed session when the merge was saved
	Session       *models.Session
	StateAdvanced bool
	SaveAttempts  int

	StreamErr     error // *CompletionError, fatal
	PersistErr    error // narrator message could not be stored, fatal
	ExtractionErr error // non-fatal
	CommitErr     error // non-fatal
}

// Turn is a running narrative turn. Fragments arrive on Events in order,
// followed by exactly one Done or Failed event, then the channel closes.
// Summarization and commit continue after that; Wait reports the result.
type Turn struct {
	SessionID string

	callerCtx context.Context
	events    chan interfaces.StreamEvent
	done      chan struct{}
	waiting   chan struct{}
	waitOnce  sync.Once
	closeOnce sync.Once

	mu      sync.Mutex
	state   TurnState
	outcome Outcome
}

func newTurn(ctx context.Context, sessionID string) *Turn {
	return &Turn{
		SessionID: sessionID,
		callerCtx: ctx,
		events:    make(chan interfaces.StreamEvent, 64),
		done:      make(chan struct{}),
		waiting:   make(chan struct{}),
		state:     StateIdle,
	}
}

// Events streams narration to the caller
func (t *Turn) Events() <-chan interfaces.StreamEvent {
	return t.events
}

// State returns the current state
func (t *Turn) State() TurnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Wait blocks until the turn has finished every step. Calling Wait stops
// delivery of any events the caller has not read yet.
func (t *Turn) Wait(ctx context.Context) (Outcome, error) {
	t.waitOnce.Do(func() { close(t.waiting) })
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (t *Turn) setState(s TurnState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// forward delivers an event unless the caller went away
func (t *Turn) forward(ev interfaces.StreamEvent) {
	select {
	case t.events <- ev:
	case <-t.callerCtx.Done():
	case <-t.waiting:
	}
}

func (t *Turn) closeEvents() {
	t.closeOnce.Do(func() { close(t.events) })
}

func (t *Turn) finish(o Outcome) {
	t.closeEvents()
	t.mu.Lock()
	t.state = o.State
	t.outcome = o
	t.mu.Unlock()
	close(t.done)
}
