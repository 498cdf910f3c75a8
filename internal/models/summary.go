package models

// SummaryUpdate is the envelope the extraction model returns
type SummaryUpdate struct {
	SummarizedEvent SummarizedEvent `json:"summarized_event"`
}

// SummarizedEvent is the structured digest of one turn. It only lives long
// enough to be merged into a session.
type SummarizedEvent struct {
	InvolvedCharacters        []string          `json:"involved_characters"`
	EventTitle                string            `json:"event_title"`
	EventSummary              string            `json:"event_summary"`
	UpdatedCharacterSummaries map[string]string `json:"updated_character_summaries"`
	UpdatedWorldState         string            `json:"updated_world_state"`
	Location                  string            `json:"location"`
	CurrentAct                *int              `json:"current_act,omitempty"`
	CurrentChapter            *int              `json:"current_chapter,omitempty"`
}

// ProposedPosition returns the act/chapter the model proposed, filling
// missing values from the fallback position.
func (e *SummarizedEvent) ProposedPosition(fallback Position) Position {
	p := fallback
	if e.CurrentAct != nil {
		p.Act = *e.CurrentAct
	}
	if e.CurrentChapter != nil {
		p.Chapter = *e.CurrentChapter
	}
	return p
}

// VisualPrompts are the three captioned image prompts produced for a narration
type VisualPrompts struct {
	VisualPrompt1 string `json:"visual_prompt_1"`
	VisualPrompt2 string `json:"visual_prompt_2"`
	VisualPrompt3 string `json:"visual_prompt_3"`
}

// List returns the prompts in caption order: character/event, setting, mood.
func (v VisualPrompts) List() []string {
	return []string{v.VisualPrompt1, v.VisualPrompt2, v.VisualPrompt3}
}
