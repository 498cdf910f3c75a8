package prompts

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"storyos/server/internal/models"
)

// RecentMessageWindow is how many transcript messages are replayed on a story turn
const RecentMessageWindow = 4

const actChapterInstruction = "\n *** VERY IMPORTANT - Always start your response with Act <x> Chapter <y>:  *** \n\n"

// Scenario fallbacks used when a session's scenario cannot be resolved
const (
	defaultScenarioDescription = "No scenario description available."
	defaultPlayerRole          = "an adventurer"
	defaultPlayerName          = "Player"
	defaultDMBehaviour         = "You are a fair and engaging dungeon master."
)

// Assembler builds the message lists sent to the completion engine. Every
// method is a pure function of its arguments and the registered templates.
type Assembler struct {
	templates *TemplateEngine
	log       zerolog.Logger
}

// NewAssembler creates an assembler. A nil template engine is replaced by
// one holding the default templates.
func NewAssembler(templates *TemplateEngine, log zerolog.Logger) *Assembler {
	if templates == nil {
		templates = NewTemplateEngine()
		if err := templates.InitializeDefaultTemplates(); err != nil {
			log.Error().Err(err).Msg("failed to register default prompt templates")
		}
	}
	return &Assembler{templates: templates, log: log}
}

// TurnInput is everything a story-turn prompt depends on
type TurnInput struct {
	Rules       string // operator narrator rules
	Scenario    *models.Scenario
	Session     *models.Session
	Recent      []models.Message // transcript before this turn, oldest first
	PlayerInput string
}

// InitialStory builds the opening-message prompt for a fresh session
func (a *Assembler) InitialStory(sc *models.Scenario) []models.PromptMessage {
	if sc == nil {
		sc = &models.Scenario{}
	}
	user := a.templates.MustRender(TmplInitialStoryUser, map[string]string{
		"name":             sc.Name,
		"setting":          sc.Setting,
		"role":             sc.Role,
		"player_name":      sc.PlayerName,
		"initial_location": sc.InitialLocation,
		"description":      sc.Description,
	})
	return []models.PromptMessage{
		{Role: models.RoleSystem, Content: a.templates.MustRender(TmplInitialStorySystem, nil)},
		{Role: models.RoleUser, Content: user},
	}
}

// StoryTurn builds the prompt for one player turn: the system context,
// the last RecentMessageWindow transcript messages, then the player message.
func (a *Assembler) StoryTurn(in TurnInput) []models.PromptMessage {
	s := in.Session
	var b strings.Builder

	b.WriteString("=== GENERAL GAME RULES ===\n")
	b.WriteString(in.Rules)
	b.WriteString("\n\n")

	b.WriteString("=== SCENARIO RULES ===\n")
	desc, role, name, dm := defaultScenarioDescription, defaultPlayerRole, defaultPlayerName, defaultDMBehaviour
	if in.Scenario != nil {
		desc, role, name, dm = in.Scenario.Description, in.Scenario.Role, in.Scenario.PlayerName, in.Scenario.DungeonMasterBehaviour
	}
	fmt.Fprintf(&b, "- Scenario Description: %s\n", desc)
	fmt.Fprintf(&b, "- Player Role: %s\n", role)
	fmt.Fprintf(&b, "- Player Name: %s\n", name)
	fmt.Fprintf(&b, "- Dungeon Master Behavior: %s\n\n", dm)

	storySoFar := TimelineLines(s.Timeline)
	if s.WorldState != "" || s.LastScene != "" || len(storySoFar) > 0 {
		b.WriteString("\n=== CURRENT GAME STATE ===\n")
		if s.WorldState != "" {
			fmt.Fprintf(&b, "World State: %s\n", s.WorldState)
		}
		if s.LastScene != "" {
			fmt.Fprintf(&b, "Last Scene: %s\n", s.LastScene)
		}
		if len(storySoFar) > 0 {
			b.WriteString("The Story So Far:\n")
			for _, line := range storySoFar {
				fmt.Fprintf(&b, "- %s\n", line)
			}
		}

		if len(s.CharacterSummaries) > 0 {
			b.WriteString("\n=== CHARACTER SUMMARIES ===\n")
			for _, char := range s.CharacterNames() {
				fmt.Fprintf(&b, "%s: %s\n", char, s.CharacterSummaries[char].CharacterStory)
			}
		}
	}

	if GuidanceDue(s.TurnCount, s.GameSpeed) {
		if guidance := Guidance(s); guidance != "" {
			b.WriteString(guidance)
			a.log.Debug().
				Str("session_id", s.ID).
				Int("turn", s.TurnCount).
				Int("game_speed", s.GameSpeed).
				Msg("storyline guidance added")
		}
	}

	b.WriteString(actChapterInstruction)

	msgs := []models.PromptMessage{{Role: models.RoleSystem, Content: b.String()}}
	recent := in.Recent
	if len(recent) > RecentMessageWindow {
		recent = recent[len(recent)-RecentMessageWindow:]
	}
	for _, m := range recent {
		msgs = append(msgs, models.PromptMessage{Role: m.PromptRole(), Content: m.Content})
	}
	msgs = append(msgs, models.PromptMessage{Role: models.RoleUser, Content: in.PlayerInput})

	a.log.Debug().
		Str("session_id", s.ID).
		Int("messages", len(msgs)).
		Int("system_chars", b.Len()).
		Msg("story turn prompt built")
	return msgs
}

// TimelineLines renders timeline events as "title - description"
func TimelineLines(timeline []models.StoryEvent) []string {
	lines := make([]string, 0, len(timeline))
	for _, ev := range timeline {
		title := strings.TrimSpace(ev.EventTitle)
		if title == "" {
			title = "Untitled"
		}
		line := title
		if d := strings.TrimSpace(ev.EventDescription); d != "" {
			line += " - " + d
		}
		lines = append(lines, line)
	}
	return lines
}

// GuidanceFrequency is the turn interval between storyline guidance blocks
func GuidanceFrequency(gameSpeed int) int {
	if f := 10 - gameSpeed; f > 1 {
		return f
	}
	return 1
}

// GuidanceDue reports whether a turn with this count receives guidance
func GuidanceDue(turnCount, gameSpeed int) bool {
	return turnCount > 0 && turnCount%GuidanceFrequency(gameSpeed) == 0
}

// Guidance renders the storyline guidance block for the session's current
// position. It is empty when the current chapter is not part of the storyline.
func Guidance(s *models.Session) string {
	if s == nil || s.TurnCount <= 0 || s.Storyline == nil {
		return ""
	}
	sl := s.Storyline
	cur := s.Position()
	chapter, ok := sl.Chapter(cur)
	if !ok {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n=== STORYLINE GUIDANCE ===\n")
	fmt.Fprintf(&b, "Current Act: %d, Chapter: %d\n", cur.Act, cur.Chapter)
	fmt.Fprintf(&b, "Chapter Title: %s\n", chapter.ChapterTitle)
	fmt.Fprintf(&b, "Chapter Goal: %s\n", chapter.ChapterGoal)
	fmt.Fprintf(&b, "Chapter Summary: %s\n\n", chapter.ChapterSummary)

	nextPos, next, hasNext := sl.Next(cur)
	if hasNext {
		b.WriteString("=== NEXT CHAPTER ===\n")
		fmt.Fprintf(&b, "Next Act: %d, Chapter: %d\n", nextPos.Act, nextPos.Chapter)
		fmt.Fprintf(&b, "Next Chapter Title: %s\n", next.ChapterTitle)
		fmt.Fprintf(&b, "Next Chapter Goal: %s\n", next.ChapterGoal)
		fmt.Fprintf(&b, "Next Chapter Summary: %s\n\n", next.ChapterSummary)
	}

	b.WriteString("IMPORTANT: Guide your response to advance the story toward achieving the current chapter's goal. ")
	b.WriteString("Introduce elements, challenges, or opportunities that move the narrative forward toward the next chapter. ")
	b.WriteString("Your response should help transition events and circumstances to naturally progress the story toward the next chapter. ")
	b.WriteString("Even if this means changing the setting or introducing new characters or having completely new plotlines burst into the story. ")
	b.WriteString("It's important for the dungeon master (StoryOS) to keep the story moving. ")
	b.WriteString("Make progress visible to the player while maintaining engagement.\n")

	switch {
	case hasNext && sl.IsFinal(nextPos):
		b.WriteString("\n**CRITICAL - FINAL CHAPTER APPROACHING**: The next chapter is the FINAL chapter of this story. ")
		b.WriteString("You MUST begin wrapping up all storylines, resolving character arcs, and moving toward narrative closure. ")
		b.WriteString("Start tying up loose ends and preparing for the story's conclusion. ")
		b.WriteString("This is essential - the story needs to reach a satisfying ending soon. ")
		b.WriteString("Guide events toward resolution and climax.\n")
	case hasNext && nextPos.Act == cur.Act && sl.IsLastInAct(nextPos):
		fmt.Fprintf(&b, "\n**ACT %d FINALE APPROACHING**: The next chapter is the FINAL chapter of Act %d. ", cur.Act, cur.Act)
		b.WriteString("You should begin building toward the act's climax and resolution. ")
		fmt.Fprintf(&b, "Ensure the main conflicts and goals of Act %d are being addressed and moving toward closure. ", cur.Act)
		b.WriteString("Set up the transition to the next act while resolving this act's major story threads. ")
		b.WriteString("This is an important turning point in the narrative.\n")
	}

	return b.String()
}

// SummaryExtraction builds the schema-constrained extraction prompt for a finished turn
func (a *Assembler) SummaryExtraction(s *models.Session, playerInput, narration string) []models.PromptMessage {
	cur := s.Position()
	system := a.templates.MustRender(TmplSummarySystem, map[string]string{
		"current_act":         strconv.Itoa(cur.Act),
		"current_chapter":     strconv.Itoa(cur.Chapter),
		"storyline":           StorylineOutline(s.Storyline),
		"world_state":         s.WorldState,
		"last_scene":          s.LastScene,
		"character_summaries": CharacterSummariesMarkdown(s),
	})

	nextPosition := ""
	if next, _, ok := s.Storyline.Next(cur); ok {
		nextPosition = fmt.Sprintf(" (act %d, chapter %d)", next.Act, next.Chapter)
	}
	user := a.templates.MustRender(TmplSummaryUser, map[string]string{
		"current_act":       strconv.Itoa(cur.Act),
		"current_chapter":   strconv.Itoa(cur.Chapter),
		"next_position":     nextPosition,
		"storyline_context": storylineContext(s),
		"player_input":      playerInput,
		"narration":         narration,
	})

	return []models.PromptMessage{
		{Role: models.RoleSystem, Content: system},
		{Role: models.RoleUser, Content: user},
	}
}

// Visualization builds the image-prompt request for a narration
func (a *Assembler) Visualization(systemPrompt string, s *models.Session, narration string) []models.PromptMessage {
	orDefault := func(v, def string) string {
		if strings.TrimSpace(v) == "" {
			return def
		}
		return v
	}
	user := a.templates.MustRender(TmplVisualizationUser, map[string]string{
		"world_state":      orDefault(s.WorldState, "World state unavailable."),
		"last_scene":       orDefault(s.LastScene, "Last scene details unavailable."),
		"narration":        narration,
		"current_location": orDefault(s.CurrentLocation, "Location not specified."),
	})
	return []models.PromptMessage{
		{Role: models.RoleSystem, Content: systemPrompt},
		{Role: models.RoleUser, Content: user},
	}
}

// StorylineCreation builds the prompt that expands an archetype into a storyline
func (a *Assembler) StorylineCreation(arch models.Archetype, description string) []models.PromptMessage {
	var acts strings.Builder
	chapters := 0
	for _, act := range arch.Acts {
		fmt.Fprintf(&acts, "#### Act %d: %s\n", act.ActNumber, act.Name)
		fmt.Fprintf(&acts, "**Goal:** %s\n", act.Goal)
		for _, ch := range act.Chapters {
			fmt.Fprintf(&acts, "- Chapter %d: %s\n", ch.ChapterNumber, ch.Goal)
			chapters++
		}
		acts.WriteString("\n")
	}

	user := a.templates.MustRender(TmplStorylineUser, map[string]string{
		"archetype":     arch.Name,
		"acts":          acts.String(),
		"description":   description,
		"act_count":     strconv.Itoa(len(arch.Acts)),
		"chapter_count": strconv.Itoa(chapters),
	})
	return []models.PromptMessage{
		{Role: models.RoleSystem, Content: a.templates.MustRender(TmplStorylineSystem, nil)},
		{Role: models.RoleUser, Content: user},
	}
}

// CharacterSummariesMarkdown renders all dossiers under markdown headings
func CharacterSummariesMarkdown(s *models.Session) string {
	var b strings.Builder
	b.WriteString("## Characters\n")
	for _, name := range s.CharacterNames() {
		fmt.Fprintf(&b, "### %s\n", name)
		fmt.Fprintf(&b, "%s\n\n", s.CharacterSummaries[name].CharacterStory)
	}
	return b.String()
}

// StorylineOutline renders the full outline as plain text
func StorylineOutline(sl *models.Storyline) string {
	if sl == nil {
		return "No storyline available."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Archetype: %s\n", sl.Archetype)
	fmt.Fprintf(&b, "Protagonist: %s\n", sl.ProtagonistName)
	if sl.Theme != "" {
		fmt.Fprintf(&b, "Theme: %s\n", sl.Theme)
	}
	fmt.Fprintf(&b, "Summary: %s\n", sl.StorylineSummary)
	for _, act := range sl.Acts {
		fmt.Fprintf(&b, "Act %d: %s (%s)\n", act.ActNumber, act.ActTitle, act.ActGoal)
		for _, ch := range act.Chapters {
			fmt.Fprintf(&b, "  Chapter %d: %s - %s. %s\n", ch.ChapterNumber, ch.ChapterTitle, ch.ChapterGoal, ch.ChapterSummary)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func storylineContext(s *models.Session) string {
	if s.Storyline == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n### Storyline Context\n")
	fmt.Fprintf(&b, "**Current Position:** Act %d, Chapter %d\n\n", s.CurrentAct, s.CurrentChapter)
	for _, act := range s.Storyline.Acts {
		fmt.Fprintf(&b, "**Act %d: %s**\n", act.ActNumber, act.ActTitle)
		fmt.Fprintf(&b, "Goal: %s\n", act.ActGoal)
		for _, ch := range act.Chapters {
			fmt.Fprintf(&b, "  - Chapter %d: %s\n", ch.ChapterNumber, ch.ChapterTitle)
			fmt.Fprintf(&b, "    Goal: %s\n", ch.ChapterGoal)
		}
		b.WriteString("\n")
	}
	return b.String()
}
