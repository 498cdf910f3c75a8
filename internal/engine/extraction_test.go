package engine

import (
	"errors"
	"testing"
)

func TestParseSummaryUpdate(t *testing.T) {
	const bare = `{"involved_characters":["Echo"],"event_title":"Escape","event_summary":"Echo left the lab.","updated_character_summaries":{},"updated_world_state":"The lab is empty.","location":"Street"}`

	t.Run("wrapped", func(t *testing.T) {
		ev, err := ParseSummaryUpdate(summaryJSON(1, 2))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if ev.EventTitle != "The door" || ev.Location != "Corridor" || *ev.CurrentAct != 1 || *ev.CurrentChapter != 2 {
			t.Errorf("event = %+v", ev)
		}
		if ev.UpdatedCharacterSummaries["Echo"] == "" {
			t.Errorf("dossiers missing")
		}
	})

	t.Run("bare object", func(t *testing.T) {
		ev, err := ParseSummaryUpdate(bare)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if ev.EventSummary != "Echo left the lab." || ev.CurrentAct != nil || ev.CurrentChapter != nil {
			t.Errorf("event = %+v", ev)
		}
	})

	t.Run("code fence", func(t *testing.T) {
		ev, err := ParseSummaryUpdate("```json\n" + bare + "\n```")
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if ev.Location != "Street" {
			t.Errorf("location = %q", ev.Location)
		}
	})

	malformed := []string{"", "not json", `{"summarized_event": `, "```json\n{oops}\n```"}
	for _, raw := range malformed {
		_, err := ParseSummaryUpdate(raw)
		var m *MalformedModelOutputError
		if !errors.As(err, &m) {
			t.Errorf("ParseSummaryUpdate(%q) = %v, want malformed", raw, err)
		}
	}

	violations := map[string]struct {
		raw   string
		field string
	}{
		"array":            {`[1, 2]`, "$"},
		"missing location": {`{"event_title":"t","event_summary":"s","updated_world_state":"w"}`, "location"},
		"missing title":    {`{"summarized_event":{"event_summary":"s","updated_world_state":"w","location":"l"}}`, "event_title"},
		"blank summary":    {`{"event_title":"t","event_summary":"  ","updated_world_state":"w","location":"l"}`, "event_summary"},
		"blank world":      {`{"event_title":"t","event_summary":"s","updated_world_state":"","location":"l"}`, "updated_world_state"},
		"act as string":    {`{"event_title":"t","event_summary":"s","updated_world_state":"w","location":"l","current_act":"two"}`, "current_act"},
	}
	for name, tt := range violations {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSummaryUpdate(tt.raw)
			var v *SchemaViolationError
			if !errors.As(err, &v) {
				t.Fatalf("err = %v, want schema violation", err)
			}
			if v.Field != tt.field {
				t.Errorf("field = %q, want %q", v.Field, tt.field)
			}
		})
	}
}

func TestParseVisualPrompts(t *testing.T) {
	vp, err := ParseVisualPrompts(`{"visual_prompt_1":"a robot","visual_prompt_2":"a lab","visual_prompt_3":"dread"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := vp.List(); got[0] != "a robot" || got[2] != "dread" {
		t.Errorf("prompts = %v", got)
	}

	_, err = ParseVisualPrompts(`{"visual_prompt_1":"a robot","visual_prompt_2":"","visual_prompt_3":"dread"}`)
	var v *SchemaViolationError
	if !errors.As(err, &v) || v.Field != "visual_prompt_2" {
		t.Errorf("blank prompt err = %v", err)
	}
}

func TestParseStoryline(t *testing.T) {
	sl, err := ParseStoryline(`{"archetype":"Quest","acts":[{"act_number":1,"chapters":[{"chapter_number":1,"chapter_title":"Go"}]}]}`)
	if err != nil || sl.TotalChapters() != 1 {
		t.Fatalf("storyline = %+v, %v", sl, err)
	}
	_, err = ParseStoryline(`{"archetype":"Quest","acts":[]}`)
	var v *SchemaViolationError
	if !errors.As(err, &v) {
		t.Errorf("empty outline err = %v", err)
	}
}

func TestExtractionFailureKind(t *testing.T) {
	tests := map[string]error{
		"malformed":        &MalformedModelOutputError{Err: errors.New("x")},
		"schema_violation": &SchemaViolationError{Field: "f"},
		"completion":       &CompletionError{Stage: "extraction", Err: errors.New("timeout")},
	}
	for want, err := range tests {
		if got := extractionFailureKind(err); got != want {
			t.Errorf("extractionFailureKind(%T) = %q, want %q", err, got, want)
		}
	}
}
