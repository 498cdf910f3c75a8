package models

import (
	"sort"
	"time"
)

const (
	// DefaultGameSpeed controls guidance cadence for new sessions
	DefaultGameSpeed = 4
	MinGameSpeed     = 1
	MaxGameSpeed     = 10

	DefaultWorldState = "Game session initialized"
	DefaultLastScene  = "Adventure is about to begin"
	DefaultLocation   = "Players bedroom"
)

// Session is the aggregate root of one playthrough
type Session struct {
	ID                 string                      `json:"id"`
	UserID             string                      `json:"user_id"`
	ScenarioID         string                      `json:"scenario_id"`
	CreatedAt          time.Time                   `json:"created_at"`
	LastUpdated        time.Time                   `json:"last_updated"`
	Version            int64                       `json:"version"`
	WorldState         string                      `json:"world_state"`
	LastScene          string                      `json:"last_scene"`
	CurrentLocation    string                      `json:"current_location"`
	CurrentAct         int                         `json:"current_act"`
	CurrentChapter     int                         `json:"current_chapter"`
	TurnCount          int                         `json:"turn_count"`
	GameSpeed          int                         `json:"game_speed"`
	Deleted            bool                        `json:"deleted"`
	Timeline           []StoryEvent                `json:"timeline"`
	CharacterSummaries map[string]CharacterSummary `json:"character_summaries"`
	Storyline          *Storyline                  `json:"storyline,omitempty"`
}

// StoryEvent is one entry of the session timeline
type StoryEvent struct {
	EventDatetime    time.Time `json:"event_datetime"`
	EventTitle       string    `json:"event_title"`
	EventDescription string    `json:"event_description"`
}

// CharacterSummary holds a single markdown dossier for a character
type CharacterSummary struct {
	CharacterStory string `json:"character_story"`
}

// Position returns the current act/chapter pair.
func (s *Session) Position() Position {
	return Position{Act: s.CurrentAct, Chapter: s.CurrentChapter}
}

// AddEvent appends an event and keeps the timeline sorted by time.
// Events with equal timestamps keep their insertion order.
func (s *Session) AddEvent(ev StoryEvent) {
	s.Timeline = append(s.Timeline, ev)
	sort.SliceStable(s.Timeline, func(i, j int) bool {
		return s.Timeline[i].EventDatetime.Before(s.Timeline[j].EventDatetime)
	})
}

// CharacterNames returns dossier keys in sorted order
func (s *Session) CharacterNames() []string {
	names := make([]string, 0, len(s.CharacterSummaries))
	for name := range s.CharacterSummaries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy. The storyline is shared because it is never mutated after creation.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Timeline != nil {
		c.Timeline = make([]StoryEvent, len(s.Timeline))
		copy(c.Timeline, s.Timeline)
	}
	if s.CharacterSummaries != nil {
		c.CharacterSummaries = make(map[string]CharacterSummary, len(s.CharacterSummaries))
		for k, v := range s.CharacterSummaries {
			c.CharacterSummaries[k] = v
		}
	}
	return &c
}

// ClampGameSpeed keeps a speed inside the supported range
func ClampGameSpeed(speed int) int {
	switch {
	case speed < MinGameSpeed:
		return MinGameSpeed
	case speed > MaxGameSpeed:
		return MaxGameSpeed
	}
	return speed
}
