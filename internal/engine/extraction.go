package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"storyos/server/internal/models"
	"storyos/server/internal/prompts"
)

// eventWire mirrors SummarizedEvent with presence tracking for validation
type eventWire struct {
	InvolvedCharacters        []string          `json:"involved_characters"`
	EventTitle                *string           `json:"event_title" validate:"required"`
	EventSummary              *string           `json:"event_summary" validate:"required"`
	UpdatedCharacterSummaries map[string]string `json:"updated_character_summaries"`
	UpdatedWorldState         *string           `json:"updated_world_state" validate:"required"`
	Location                  *string           `json:"location" validate:"required"`
	CurrentAct                *int              `json:"current_act" validate:"omitempty,min=1"`
	CurrentChapter            *int              `json:"current_chapter" validate:"omitempty,min=1"`
}

var eventValidator = validator.New()

func init() {
	eventValidator.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	})
}

// Extract asks the completion engine for the turn digest and validates it.
// It never retries; the caller treats every error as non-fatal.
func (e *Engine) Extract(ctx context.Context, session *models.Session, playerInput, narration string) (*models.SummarizedEvent, error) {
	msgs := e.assembler.SummaryExtraction(session, playerInput, narration)
	raw, err := e.llm.CompleteWithSchema(ctx, msgs, prompts.SummaryUpdateSchema)
	if err != nil {
		return nil, &CompletionError{Stage: "extraction", Err: err}
	}
	return ParseSummaryUpdate(raw)
}

// ParseSummaryUpdate validates model output against the SummaryUpdate shape.
// Both {"summarized_event": {...}} and the bare event object are accepted.
func ParseSummaryUpdate(raw string) (*models.SummarizedEvent, error) {
	text := stripCodeFence(raw)

	if !json.Valid([]byte(text)) {
		return nil, &MalformedModelOutputError{Raw: raw, Err: errors.New("response is not valid JSON")}
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &envelope); err != nil {
		return nil, &SchemaViolationError{Field: "$", Reason: "expected a JSON object"}
	}

	body := []byte(text)
	if inner, ok := envelope["summarized_event"]; ok {
		body = inner
	}

	var wire eventWire
	if err := json.Unmarshal(body, &wire); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			field := typeErr.Field
			if field == "" {
				field = "summarized_event"
			}
			return nil, &SchemaViolationError{Field: field, Reason: fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value)}
		}
		return nil, &SchemaViolationError{Field: "summarized_event", Reason: err.Error()}
	}

	if err := eventValidator.Struct(wire); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, &SchemaViolationError{Field: verrs[0].Field(), Reason: "failed " + verrs[0].Tag()}
		}
		return nil, &SchemaViolationError{Field: "summarized_event", Reason: err.Error()}
	}

	summary := strings.TrimSpace(*wire.EventSummary)
	if summary == "" {
		return nil, &SchemaViolationError{Field: "event_summary", Reason: "must not be blank"}
	}
	worldState := strings.TrimSpace(*wire.UpdatedWorldState)
	if worldState == "" {
		return nil, &SchemaViolationError{Field: "updated_world_state", Reason: "must not be blank"}
	}

	return &models.SummarizedEvent{
		InvolvedCharacters:        wire.InvolvedCharacters,
		EventTitle:                strings.TrimSpace(*wire.EventTitle),
		EventSummary:              summary,
		UpdatedCharacterSummaries: wire.UpdatedCharacterSummaries,
		UpdatedWorldState:         worldState,
		Location:                  strings.TrimSpace(*wire.Location),
		CurrentAct:                wire.CurrentAct,
		CurrentChapter:            wire.CurrentChapter,
	}, nil
}

// ParseVisualPrompts validates the three-prompt visualization response
func ParseVisualPrompts(raw string) (*models.VisualPrompts, error) {
	text := stripCodeFence(raw)
	if !json.Valid([]byte(text)) {
		return nil, &MalformedModelOutputError{Raw: raw, Err: errors.New("response is not valid JSON")}
	}
	var vp models.VisualPrompts
	if err := json.Unmarshal([]byte(text), &vp); err != nil {
		return nil, &SchemaViolationError{Field: "visual_prompts", Reason: err.Error()}
	}
	for i, p := range vp.List() {
		if strings.TrimSpace(p) == "" {
			return nil, &SchemaViolationError{Field: fmt.Sprintf("visual_prompt_%d", i+1), Reason: "must not be blank"}
		}
	}
	return &vp, nil
}

// ParseStoryline validates a generated storyline outline
func ParseStoryline(raw string) (*models.Storyline, error) {
	text := stripCodeFence(raw)
	if !json.Valid([]byte(text)) {
		return nil, &MalformedModelOutputError{Raw: raw, Err: errors.New("response is not valid JSON")}
	}
	var sl models.Storyline
	if err := json.Unmarshal([]byte(text), &sl); err != nil {
		return nil, &SchemaViolationError{Field: "storyline", Reason: err.Error()}
	}
	if sl.TotalChapters() == 0 {
		return nil, &SchemaViolationError{Field: "acts", Reason: "storyline has no chapters"}
	}
	return &sl, nil
}

// stripCodeFence removes a surrounding ```json fence some models add
func stripCodeFence(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
