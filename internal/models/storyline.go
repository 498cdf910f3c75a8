package models

import "fmt"

// Storyline is the static outline generated for a scenario
type Storyline struct {
	Archetype        string   `json:"archetype"`
	StorylineSummary string   `json:"storyline_summary"`
	ProtagonistName  string   `json:"protagonist_name"`
	Theme            string   `json:"theme,omitempty"`
	MainCharacters   []string `json:"main_characters,omitempty"`
	Acts             []Act    `json:"acts"`
}

// Act groups chapters that share a dramatic goal
type Act struct {
	ActNumber int       `json:"act_number"`
	ActTitle  string    `json:"act_title"`
	ActGoal   string    `json:"act_goal"`
	Chapters  []Chapter `json:"chapters"`
}

// Chapter is the smallest pacing unit of a storyline
type Chapter struct {
	ChapterNumber  int    `json:"chapter_number"`
	ChapterTitle   string `json:"chapter_title"`
	ChapterGoal    string `json:"chapter_goal"`
	ChapterSummary string `json:"chapter_summary"`
}

// Position identifies a chapter by act and chapter number
type Position struct {
	Act     int `json:"act"`
	Chapter int `json:"chapter"`
}

func (p Position) String() string {
	return fmt.Sprintf("Act %d Chapter %d", p.Act, p.Chapter)
}

// Positions returns every chapter of the outline in story order.
func (s *Storyline) Positions() []Position {
	if s == nil {
		return nil
	}
	var out []Position
	for _, act := range s.Acts {
		for _, ch := range act.Chapters {
			out = append(out, Position{Act: act.ActNumber, Chapter: ch.ChapterNumber})
		}
	}
	return out
}

// TotalChapters counts chapters across all acts
func (s *Storyline) TotalChapters() int {
	return len(s.Positions())
}

// First returns the opening position, or false for an empty outline
func (s *Storyline) First() (Position, bool) {
	positions := s.Positions()
	if len(positions) == 0 {
		return Position{}, false
	}
	return positions[0], true
}

// Chapter looks up a chapter by position
func (s *Storyline) Chapter(p Position) (*Chapter, bool) {
	if s == nil {
		return nil, false
	}
	for i := range s.Acts {
		if s.Acts[i].ActNumber != p.Act {
			continue
		}
		for j := range s.Acts[i].Chapters {
			if s.Acts[i].Chapters[j].ChapterNumber == p.Chapter {
				return &s.Acts[i].Chapters[j], true
			}
		}
		return nil, false
	}
	return nil, false
}

// Contains reports whether the position references an existing chapter
func (s *Storyline) Contains(p Position) bool {
	_, ok := s.Chapter(p)
	return ok
}

// Next returns the chapter after p: the next chapter of the same act, or
// the first chapter of the following act.
func (s *Storyline) Next(p Position) (Position, *Chapter, bool) {
	if s == nil {
		return Position{}, nil, false
	}
	for i, act := range s.Acts {
		if act.ActNumber != p.Act {
			continue
		}
		for j, ch := range act.Chapters {
			if ch.ChapterNumber != p.Chapter {
				continue
			}
			if j+1 < len(act.Chapters) {
				next := &s.Acts[i].Chapters[j+1]
				return Position{Act: act.ActNumber, Chapter: next.ChapterNumber}, next, true
			}
			for k := i + 1; k < len(s.Acts); k++ {
				if len(s.Acts[k].Chapters) == 0 {
					continue
				}
				next := &s.Acts[k].Chapters[0]
				return Position{Act: s.Acts[k].ActNumber, Chapter: next.ChapterNumber}, next, true
			}
			return Position{}, nil, false
		}
		return Position{}, nil, false
	}
	return Position{}, nil, false
}

// IsLastInAct reports whether p is the final chapter of its act
func (s *Storyline) IsLastInAct(p Position) bool {
	if s == nil {
		return false
	}
	for _, act := range s.Acts {
		if act.ActNumber == p.Act && len(act.Chapters) > 0 {
			return act.Chapters[len(act.Chapters)-1].ChapterNumber == p.Chapter
		}
	}
	return false
}

// IsFinal reports whether p is the final chapter of the whole storyline
func (s *Storyline) IsFinal(p Position) bool {
	positions := s.Positions()
	return len(positions) > 0 && positions[len(positions)-1] == p
}

// Advance validates a proposed position against the "stay or move one
// chapter forward" rule. It returns the proposed position when legal and the
// current position otherwise.
func (s *Storyline) Advance(current, proposed Position) (Position, bool) {
	if proposed == current {
		return current, true
	}
	if next, _, ok := s.Next(current); ok && next == proposed {
		return proposed, true
	}
	return current, false
}
