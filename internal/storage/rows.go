package storage

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"storyos/server/internal/models"
)

type sessionRow struct {
	ID                 string `gorm:"primaryKey;size:64"`
	UserID             string `gorm:"size:128;index"`
	ScenarioID         string `gorm:"size:64;index"`
	Version            int64  `gorm:"not null;default:1"`
	WorldState         string `gorm:"type:text"`
	LastScene          string `gorm:"type:text"`
	CurrentLocation    string `gorm:"size:255"`
	CurrentAct         int
	CurrentChapter     int
	TurnCount          int
	GameSpeed          int
	Timeline           datatypes.JSONType[[]models.StoryEvent]
	CharacterSummaries datatypes.JSONType[map[string]models.CharacterSummary]
	Storyline          datatypes.JSONType[*models.Storyline]
	CreatedAt          time.Time
	LastUpdated        time.Time `gorm:"index"`
	DeletedAt          gorm.DeletedAt `gorm:"index"`
}

func (sessionRow) TableName() string { return "game_sessions" }

type messageRow struct {
	ID            uint   `gorm:"primaryKey"`
	MessageID     string `gorm:"size:128;uniqueIndex"`
	SessionID     string `gorm:"size:64;uniqueIndex:idx_session_message"`
	Idx           int    `gorm:"column:idx;uniqueIndex:idx_session_message"`
	Sender        string `gorm:"size:16;index"`
	Role          string `gorm:"size:16"`
	Content       string `gorm:"type:text"`
	Timestamp     time.Time
	FullPrompt    datatypes.JSONType[[]models.PromptMessage]
	VisualPrompts datatypes.JSONType[map[string]string]
	DeletedAt     gorm.DeletedAt `gorm:"index"`
}

func (messageRow) TableName() string { return "chat_messages" }

type scenarioRow struct {
	ScenarioID             string `gorm:"primaryKey;size:64"`
	Name                   string `gorm:"size:255"`
	Description            string `gorm:"type:text"`
	Setting                string `gorm:"type:text"`
	DungeonMasterBehaviour string `gorm:"type:text"`
	PlayerName             string `gorm:"size:255"`
	Role                   string `gorm:"size:255"`
	InitialLocation        string `gorm:"size:255"`
	Visibility             string `gorm:"size:16"`
	Author                 string `gorm:"size:128"`
	Version                int
	CreatedAt              time.Time
	Storyline              datatypes.JSONType[*models.Storyline]
}

func (scenarioRow) TableName() string { return "scenarios" }

type systemPromptRow struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"size:255"`
	Kind      string `gorm:"size:32;index"`
	Content   string `gorm:"type:text"`
	Active    bool   `gorm:"index"`
	CreatedAt time.Time
}

func (systemPromptRow) TableName() string { return "system_prompts" }

func toSessionRow(s *models.Session) *sessionRow {
	return &sessionRow{
		ID:                 s.ID,
		UserID:             s.UserID,
		ScenarioID:         s.ScenarioID,
		Version:            s.Version,
		WorldState:         s.WorldState,
		LastScene:          s.LastScene,
		CurrentLocation:    s.CurrentLocation,
		CurrentAct:         s.CurrentAct,
		CurrentChapter:     s.CurrentChapter,
		TurnCount:          s.TurnCount,
		GameSpeed:          s.GameSpeed,
		Timeline:           datatypes.NewJSONType(nonNilTimeline(s.Timeline)),
		CharacterSummaries: datatypes.NewJSONType(nonNilSummaries(s.CharacterSummaries)),
		Storyline:          datatypes.NewJSONType(s.Storyline),
		CreatedAt:          s.CreatedAt,
		LastUpdated:        s.LastUpdated,
	}
}

func (r *sessionRow) toModel() *models.Session {
	return &models.Session{
		ID:                 r.ID,
		UserID:             r.UserID,
		ScenarioID:         r.ScenarioID,
		CreatedAt:          r.CreatedAt,
		LastUpdated:        r.LastUpdated,
		Version:            r.Version,
		WorldState:         r.WorldState,
		LastScene:          r.LastScene,
		CurrentLocation:    r.CurrentLocation,
		CurrentAct:         r.CurrentAct,
		CurrentChapter:     r.CurrentChapter,
		TurnCount:          r.TurnCount,
		GameSpeed:          r.GameSpeed,
		Deleted:            r.DeletedAt.Valid,
		Timeline:           nonNilTimeline(r.Timeline.Data()),
		CharacterSummaries: nonNilSummaries(r.CharacterSummaries.Data()),
		Storyline:          r.Storyline.Data(),
	}
}

// sessionUpdates lists every mutable column written by a versioned save
func sessionUpdates(s *models.Session) map[string]any {
	return map[string]any{
		"world_state":         s.WorldState,
		"last_scene":          s.LastScene,
		"current_location":    s.CurrentLocation,
		"current_act":         s.CurrentAct,
		"current_chapter":     s.CurrentChapter,
		"turn_count":          s.TurnCount,
		"game_speed":          s.GameSpeed,
		"timeline":            datatypes.NewJSONType(nonNilTimeline(s.Timeline)),
		"character_summaries": datatypes.NewJSONType(nonNilSummaries(s.CharacterSummaries)),
		"storyline":           datatypes.NewJSONType(s.Storyline),
		"last_updated":        s.LastUpdated,
		"version":             gorm.Expr("version + 1"),
	}
}

func toMessageRow(m *models.Message) *messageRow {
	return &messageRow{
		MessageID:     m.MessageID,
		SessionID:     m.SessionID,
		Idx:           m.Index,
		Sender:        string(m.Sender),
		Role:          string(m.Role),
		Content:       m.Content,
		Timestamp:     m.Timestamp,
		FullPrompt:    datatypes.NewJSONType(m.FullPrompt),
		VisualPrompts: datatypes.NewJSONType(m.VisualPrompts),
	}
}

func (r *messageRow) toModel() models.Message {
	return models.Message{
		MessageID:     r.MessageID,
		SessionID:     r.SessionID,
		Index:         r.Idx,
		Sender:        models.Sender(r.Sender),
		Role:          models.Role(r.Role),
		Content:       r.Content,
		Timestamp:     r.Timestamp,
		FullPrompt:    r.FullPrompt.Data(),
		VisualPrompts: r.VisualPrompts.Data(),
	}
}

func toScenarioRow(sc *models.Scenario) *scenarioRow {
	return &scenarioRow{
		ScenarioID:             sc.ScenarioID,
		Name:                   sc.Name,
		Description:            sc.Description,
		Setting:                sc.Setting,
		DungeonMasterBehaviour: sc.DungeonMasterBehaviour,
		PlayerName:             sc.PlayerName,
		Role:                   sc.Role,
		InitialLocation:        sc.InitialLocation,
		Visibility:             sc.Visibility,
		Author:                 sc.Author,
		Version:                sc.Version,
		CreatedAt:              sc.CreatedAt,
		Storyline:              datatypes.NewJSONType(sc.Storyline),
	}
}

func (r *scenarioRow) toModel() *models.Scenario {
	return &models.Scenario{
		ScenarioID:             r.ScenarioID,
		Name:                   r.Name,
		Description:            r.Description,
		Setting:                r.Setting,
		DungeonMasterBehaviour: r.DungeonMasterBehaviour,
		PlayerName:             r.PlayerName,
		Role:                   r.Role,
		InitialLocation:        r.InitialLocation,
		Visibility:             r.Visibility,
		Author:                 r.Author,
		Version:                r.Version,
		CreatedAt:              r.CreatedAt,
		Storyline:              r.Storyline.Data(),
	}
}

func toSystemPromptRow(p *models.SystemPrompt) *systemPromptRow {
	return &systemPromptRow{
		ID:        p.ID,
		Name:      p.Name,
		Kind:      string(p.Kind),
		Content:   p.Content,
		Active:    p.Active,
		CreatedAt: p.CreatedAt,
	}
}

func (r *systemPromptRow) toModel() *models.SystemPrompt {
	return &models.SystemPrompt{
		ID:        r.ID,
		Name:      r.Name,
		Kind:      models.PromptKind(r.Kind),
		Content:   r.Content,
		Active:    r.Active,
		CreatedAt: r.CreatedAt,
	}
}

func nonNilTimeline(t []models.StoryEvent) []models.StoryEvent {
	if t == nil {
		return []models.StoryEvent{}
	}
	return t
}

func nonNilSummaries(m map[string]models.CharacterSummary) map[string]models.CharacterSummary {
	if m == nil {
		return map[string]models.CharacterSummary{}
	}
	return m
}
