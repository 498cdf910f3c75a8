package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"storyos/server/internal/interfaces"
	"storyos/server/internal/models"
	"storyos/server/internal/prompts"
)

// NewSessionRequest describes a session to create from a scenario
type NewSessionRequest struct {
	UserID     string `json:"user_id" validate:"required"`
	ScenarioID string `json:"scenario_id" validate:"required"`
	GameSpeed  int    `json:"game_speed" validate:"omitempty,min=1,max=10"`
	// Archetype selects the outline used when the scenario has no storyline
	Archetype string `json:"archetype"`
}

// CreateSession starts a new playthrough of a scenario. The storyline comes
// from the scenario or, when it has none, is generated from an archetype.
// A failed generation leaves the session without a storyline.
func (e *Engine) CreateSession(ctx context.Context, req NewSessionRequest) (*models.Session, error) {
	if err := e.store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: store: %v", ErrServiceUnavailable, err)
	}

	sc, err := e.store.GetScenario(ctx, req.ScenarioID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, ErrScenarioNotFound
		}
		return nil, fmt.Errorf("%w: load scenario: %v", ErrServiceUnavailable, err)
	}

	description := orDefault(sc.Description, "No description available.")
	location := orDefault(sc.InitialLocation, "an unknown location")

	speed := req.GameSpeed
	if speed == 0 {
		speed = e.opts.DefaultGameSpeed
	}

	now := e.opts.Now()
	s := &models.Session{
		ID:                 uuid.NewString(),
		UserID:             req.UserID,
		ScenarioID:         sc.ScenarioID,
		CreatedAt:          now,
		LastUpdated:        now,
		WorldState:         fmt.Sprintf("Game initialized. %s The adventure begins in %s.", description, location),
		LastScene:          fmt.Sprintf("The adventure begins in %s.", location),
		CurrentLocation:    location,
		CurrentAct:         1,
		CurrentChapter:     1,
		GameSpeed:          models.ClampGameSpeed(speed),
		Timeline:           []models.StoryEvent{},
		CharacterSummaries: map[string]models.CharacterSummary{},
	}

	s.Storyline = sc.Storyline
	if s.Storyline == nil {
		archetype := req.Archetype
		if archetype == "" {
			archetype = e.opts.DefaultArchetype
		}
		if archetype != "" && e.llm != nil && e.llm.Available() {
			sl, err := e.GenerateStoryline(ctx, archetype, description)
			if err != nil {
				e.log.Warn().Err(err).Str("scenario_id", sc.ScenarioID).Msg("storyline generation failed, session has no storyline")
			} else {
				s.Storyline = sl
			}
		}
	}
	if first, ok := s.Storyline.First(); ok {
		s.CurrentAct, s.CurrentChapter = first.Act, first.Chapter
	}

	if err := e.store.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("%w: create session: %v", ErrServiceUnavailable, err)
	}
	e.log.Info().
		Str("session_id", s.ID).
		Str("user_id", s.UserID).
		Str("scenario_id", s.ScenarioID).
		Bool("storyline", s.Storyline != nil).
		Msg("session created")
	return s, nil
}

// GenerateStoryline expands an archetype and a description into an outline
func (e *Engine) GenerateStoryline(ctx context.Context, archetype, description string) (*models.Storyline, error) {
	arch, ok := e.archetypes.Find(archetype)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownArchetype, archetype)
	}
	if e.llm == nil || !e.llm.Available() {
		return nil, fmt.Errorf("%w: completion engine not configured", ErrServiceUnavailable)
	}

	msgs := e.assembler.StorylineCreation(arch, description)
	raw, err := e.llm.CompleteWithSchema(ctx, msgs, prompts.StorylineSchema)
	if err != nil {
		return nil, &CompletionError{Stage: "storyline", Err: err}
	}
	sl, err := ParseStoryline(raw)
	if err != nil {
		return nil, err
	}
	if sl.Archetype == "" {
		sl.Archetype = arch.Name
	}
	return sl, nil
}

// Archetypes lists the archetype names available for storyline creation
func (e *Engine) Archetypes() []string {
	return e.archetypes.Names()
}

// Archetype returns one archetype of the catalog
func (e *Engine) Archetype(name string) (models.Archetype, error) {
	arch, ok := e.archetypes.Find(name)
	if !ok {
		return models.Archetype{}, fmt.Errorf("%w: %s", ErrUnknownArchetype, name)
	}
	return arch, nil
}

// Session returns a live session
func (e *Engine) Session(ctx context.Context, sessionID string) (*models.Session, error) {
	return e.loadSession(ctx, sessionID)
}

// Sessions lists a user's live sessions
func (e *Engine) Sessions(ctx context.Context, userID string) ([]models.Session, error) {
	sessions, err := e.store.ListSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", ErrServiceUnavailable, err)
	}
	return sessions, nil
}

// DeleteSession soft-deletes a session and its transcript
func (e *Engine) DeleteSession(ctx context.Context, sessionID string) error {
	if err := e.store.DeleteSession(ctx, sessionID); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("%w: delete session: %v", ErrServiceUnavailable, err)
	}
	e.log.Info().Str("session_id", sessionID).Msg("session deleted")
	return nil
}

// SetGameSpeed changes how often storyline guidance is injected. It does not
// take the turn lock; a turn committing concurrently reloads and keeps the
// new speed.
func (e *Engine) SetGameSpeed(ctx context.Context, sessionID string, speed int) (*models.Session, error) {
	if speed < models.MinGameSpeed || speed > models.MaxGameSpeed {
		return nil, ErrInvalidGameSpeed
	}
	session, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	saved, attempts, err := e.saveVersioned(ctx, session, func(current *models.Session) *models.Session {
		next := current.Clone()
		next.GameSpeed = speed
		next.LastUpdated = e.opts.Now()
		return next
	})
	if err != nil {
		return nil, err
	}
	e.log.Info().
		Str("session_id", sessionID).
		Int("game_speed", speed).
		Int("attempts", attempts).
		Int64("version", saved.Version).
		Msg("game speed updated")
	return saved, nil
}

// Transcript returns the session's messages oldest first, limited to the
// newest limit messages when limit > 0
func (e *Engine) Transcript(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	if _, err := e.loadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	msgs, err := e.store.LoadTranscript(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: load transcript: %v", ErrServiceUnavailable, err)
	}
	return msgs, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
