package engine

import (
	"time"

	"storyos/server/internal/models"
)

// PositionCheck reports how a proposed act/chapter was reconciled
type PositionCheck struct {
	Current  models.Position
	Proposed models.Position
	Applied  models.Position
	Accepted bool
}

// Merge folds a summarized event into a copy of the session. The input
// session is never modified, so merging the same event into the same
// snapshot always yields the same result.
//
// The proposed position may only stay on the current chapter or move to the
// next one in outline order; anything else keeps the current position.
func Merge(s *models.Session, ev *models.SummarizedEvent, now time.Time) (*models.Session, PositionCheck) {
	out := s.Clone()

	out.AddEvent(models.StoryEvent{
		EventDatetime:    now,
		EventTitle:       ev.EventTitle,
		EventDescription: ev.EventSummary,
	})

	if len(ev.UpdatedCharacterSummaries) > 0 && out.CharacterSummaries == nil {
		out.CharacterSummaries = make(map[string]models.CharacterSummary, len(ev.UpdatedCharacterSummaries))
	}
	for name, story := range ev.UpdatedCharacterSummaries {
		out.CharacterSummaries[name] = models.CharacterSummary{CharacterStory: story}
	}

	out.WorldState = ev.UpdatedWorldState
	out.LastScene = ev.EventSummary
	out.CurrentLocation = ev.Location

	cur := s.Position()
	check := PositionCheck{Current: cur, Proposed: ev.ProposedPosition(cur)}
	check.Applied, check.Accepted = s.Storyline.Advance(cur, check.Proposed)
	out.CurrentAct = check.Applied.Act
	out.CurrentChapter = check.Applied.Chapter

	out.TurnCount++
	out.LastUpdated = now
	return out, check
}
