package interfaces

import (
	"context"
	"errors"

	"storyos/server/internal/models"
)

// ErrNotFound is returned when a record is absent or soft-deleted
var ErrNotFound = errors.New("not found")

// SaveStatus tags the outcome of a versioned save
type SaveStatus int

const (
	SaveOK SaveStatus = iota
	SaveConflict
	SaveNotFound
	SaveServiceError
)

func (s SaveStatus) String() string {
	switch s {
	case SaveOK:
		return "ok"
	case SaveConflict:
		return "conflict"
	case SaveNotFound:
		return "not_found"
	case SaveServiceError:
		return "service_error"
	}
	return "unknown"
}

// SaveResult is Ok(Session) | Conflict | NotFound | ServiceError(Err)
type SaveResult struct {
	Status  SaveStatus
	Session *models.Session // set when Status == SaveOK, carries the new version
	Err     error           // set when Status == SaveServiceError
}

// SessionStore is the optimistic-concurrency contract for sessions
type SessionStore interface {
	// Ping checks that the backing store is reachable
	Ping(ctx context.Context) error

	// CreateSession inserts a new session at version 1
	CreateSession(ctx context.Context, session *models.Session) error

	// LoadSession returns ErrNotFound when the session is absent or soft-deleted
	LoadSession(ctx context.Context, sessionID string) (*models.Session, error)

	// SaveSession persists all mutable fields only if the stored version still
	// equals expectedVersion, incrementing it by one. Storage is untouched otherwise.
	SaveSession(ctx context.Context, session *models.Session, expectedVersion int64) SaveResult

	// ListSessions returns a user's live sessions, newest first
	ListSessions(ctx context.Context, userID string) ([]models.Session, error)

	// DeleteSession soft-deletes a session together with its transcript
	DeleteSession(ctx context.Context, sessionID string) error
}

// TranscriptStore owns the append-only per-session message log
type TranscriptStore interface {
	// AppendMessage assigns the transcript index and message_id and stores the message
	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) (*models.Message, error)

	// LoadTranscript returns messages oldest first; limit > 0 keeps only the newest limit messages
	LoadTranscript(ctx context.Context, sessionID string, limit int) ([]models.Message, error)

	// AttachVisualPrompts sets prompt -> "" entries on the latest narrator message
	AttachVisualPrompts(ctx context.Context, sessionID string, prompts []string) (*models.Message, error)

	// SetVisualPromptURL stores the image URL for one prompt of the message with messageID
	SetVisualPromptURL(ctx context.Context, sessionID, messageID, prompt, url string) error
}

// ScenarioStore serves scenarios and operator prompts
type ScenarioStore interface {
	GetScenario(ctx context.Context, scenarioID string) (*models.Scenario, error)
	SaveScenario(ctx context.Context, scenario *models.Scenario) error
	ListScenarios(ctx context.Context) ([]models.Scenario, error)

	// ActiveSystemPrompt returns ErrNotFound when no prompt of that kind is active
	ActiveSystemPrompt(ctx context.Context, kind models.PromptKind) (*models.SystemPrompt, error)

	// SaveSystemPrompt stores a prompt; an active prompt deactivates the others of its kind
	SaveSystemPrompt(ctx context.Context, prompt *models.SystemPrompt) error

	// ListSystemPrompts returns prompts of a kind, or of every kind when kind is empty
	ListSystemPrompts(ctx context.Context, kind models.PromptKind) ([]models.SystemPrompt, error)
}

// StoryStore is the full persistence collaborator
type StoryStore interface {
	SessionStore
	TranscriptStore
	ScenarioStore
}
