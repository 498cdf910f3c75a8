package prompts

import (
	"encoding/json"

	"storyos/server/internal/interfaces"
)

// SummaryUpdateSchema is the JSON schema hint for summary extraction
var SummaryUpdateSchema = interfaces.Schema{
	Name: "summary_update",
	Definition: json.RawMessage(`{
  "type": "object",
  "properties": {
    "summarized_event": {
      "type": "object",
      "properties": {
        "involved_characters": {"type": "array", "items": {"type": "string"}},
        "event_summary": {"type": "string"},
        "event_title": {"type": "string"},
        "updated_character_summaries": {"type": "object", "additionalProperties": {"type": "string"}},
        "updated_world_state": {"type": "string"},
        "location": {"type": "string"},
        "current_act": {"type": "integer"},
        "current_chapter": {"type": "integer"}
      },
      "required": ["event_summary", "event_title", "updated_world_state", "location", "current_act", "current_chapter"]
    }
  },
  "required": ["summarized_event"]
}`),
}

// VisualPromptsSchema asks for exactly three captioned prompts
var VisualPromptsSchema = interfaces.Schema{
	Name: "visual_prompts",
	Definition: json.RawMessage(`{
  "type": "object",
  "properties": {
    "visual_prompt_1": {"type": "string", "description": "First visual prompt, usually describing characters or events."},
    "visual_prompt_2": {"type": "string", "description": "Second visual prompt, usually describing a setting or environment."},
    "visual_prompt_3": {"type": "string", "description": "Third visual prompt, usually describing a scene with mood or atmosphere."}
  },
  "required": ["visual_prompt_1", "visual_prompt_2", "visual_prompt_3"],
  "additionalProperties": false
}`),
}

// StorylineSchema describes a generated storyline outline
var StorylineSchema = interfaces.Schema{
	Name: "storyline",
	Definition: json.RawMessage(`{
  "type": "object",
  "properties": {
    "archetype": {"type": "string"},
    "storyline_summary": {"type": "string"},
    "protagonist_name": {"type": "string"},
    "theme": {"type": "string"},
    "main_characters": {"type": "array", "items": {"type": "string"}},
    "acts": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "act_number": {"type": "integer"},
          "act_title": {"type": "string"},
          "act_goal": {"type": "string"},
          "chapters": {
            "type": "array",
            "items": {
              "type": "object",
              "properties": {
                "chapter_number": {"type": "integer"},
                "chapter_title": {"type": "string"},
                "chapter_goal": {"type": "string"},
                "chapter_summary": {"type": "string"}
              },
              "required": ["chapter_number", "chapter_title", "chapter_goal", "chapter_summary"]
            }
          }
        },
        "required": ["act_number", "act_title", "act_goal", "chapters"]
      }
    }
  },
  "required": ["archetype", "storyline_summary", "protagonist_name", "acts"]
}`),
}
