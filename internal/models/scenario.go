package models

import "time"

// Scenario is the blueprint a session is started from
type Scenario struct {
	ScenarioID             string     `json:"scenario_id"`
	Name                   string     `json:"name"`
	Description            string     `json:"description"`
	Setting                string     `json:"setting"`
	DungeonMasterBehaviour string     `json:"dungeon_master_behaviour"`
	PlayerName             string     `json:"player_name"`
	Role                   string     `json:"role"`
	InitialLocation        string     `json:"initial_location"`
	Visibility             string     `json:"visibility"` // "public", "private"
	Author                 string     `json:"author"`
	Version                int        `json:"version"`
	CreatedAt              time.Time  `json:"created_at"`
	Storyline              *Storyline `json:"storyline,omitempty"`
}

// PromptKind selects which operator prompt slot a SystemPrompt fills
type PromptKind string

const (
	PromptKindNarrator      PromptKind = "narrator"
	PromptKindVisualization PromptKind = "visualization"
)

// SystemPrompt is operator-configured prompt text. One prompt per kind is active.
type SystemPrompt struct {
	ID        uint       `json:"id"`
	Name      string     `json:"name"`
	Kind      PromptKind `json:"kind"`
	Content   string     `json:"content"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
}

// Archetype is the skeleton a storyline is expanded from
type Archetype struct {
	Name     string         `json:"name" yaml:"name"`
	Examples []string       `json:"examples,omitempty" yaml:"examples"`
	Acts     []ArchetypeAct `json:"acts" yaml:"acts"`
}

// ArchetypeAct lists the chapter goals of one archetype act
type ArchetypeAct struct {
	ActNumber int                `json:"act_number" yaml:"act_number"`
	Name      string             `json:"name" yaml:"name"`
	Goal      string             `json:"goal" yaml:"goal"`
	Chapters  []ArchetypeChapter `json:"chapters" yaml:"chapters"`
}

// ArchetypeChapter is a chapter goal within an archetype act
type ArchetypeChapter struct {
	ChapterNumber int    `json:"chapter_number" yaml:"chapter_number"`
	Goal          string `json:"goal" yaml:"goal"`
}
