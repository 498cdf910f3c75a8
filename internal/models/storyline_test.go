package models

import "testing"

func threeActStoryline() *Storyline {
	return &Storyline{
		Acts: []Act{
			{ActNumber: 1, Chapters: []Chapter{{ChapterNumber: 1}, {ChapterNumber: 2}, {ChapterNumber: 3}}},
			{ActNumber: 2},
			{ActNumber: 3, Chapters: []Chapter{{ChapterNumber: 4}, {ChapterNumber: 5}}},
			{ActNumber: 4, Chapters: []Chapter{{ChapterNumber: 6}}},
		},
	}
}

func TestStorylineNext(t *testing.T) {
	sl := threeActStoryline()
	tests := []struct {
		from   Position
		want   Position
		wantOK bool
	}{
		{Position{1, 1}, Position{1, 2}, true},
		{Position{1, 3}, Position{3, 4}, true},
		{Position{3, 5}, Position{4, 6}, true},
		{Position{4, 6}, Position{}, false},
		{Position{2, 1}, Position{}, false},
		{Position{9, 9}, Position{}, false},
	}
	for _, tt := range tests {
		got, ch, ok := sl.Next(tt.from)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("Next(%v) = %v, %v; want %v, %v", tt.from, got, ok, tt.want, tt.wantOK)
		}
		if ok && ch.ChapterNumber != tt.want.Chapter {
			t.Errorf("Next(%v) chapter = %d", tt.from, ch.ChapterNumber)
		}
	}

	var nilLine *Storyline
	if _, _, ok := nilLine.Next(Position{1, 1}); ok {
		t.Errorf("nil storyline must have no next chapter")
	}
}

func TestStorylineBoundaries(t *testing.T) {
	sl := threeActStoryline()

	if !sl.IsLastInAct(Position{1, 3}) || sl.IsLastInAct(Position{1, 2}) {
		t.Errorf("IsLastInAct wrong for act 1")
	}
	if sl.IsLastInAct(Position{2, 1}) {
		t.Errorf("empty act has no last chapter")
	}
	if !sl.IsFinal(Position{4, 6}) || sl.IsFinal(Position{3, 5}) {
		t.Errorf("IsFinal wrong")
	}
	if got := sl.TotalChapters(); got != 6 {
		t.Errorf("TotalChapters = %d, want 6", got)
	}
	if first, ok := sl.First(); !ok || first != (Position{1, 1}) {
		t.Errorf("First = %v, %v", first, ok)
	}
	if _, ok := (&Storyline{}).First(); ok {
		t.Errorf("empty storyline must have no first chapter")
	}
	if !sl.Contains(Position{3, 4}) || sl.Contains(Position{1, 4}) {
		t.Errorf("Contains wrong")
	}
}

func TestStorylineAdvance(t *testing.T) {
	sl := threeActStoryline()
	tests := []struct {
		name     string
		current  Position
		proposed Position
		want     Position
		wantOK   bool
	}{
		{"stay", Position{1, 2}, Position{1, 2}, Position{1, 2}, true},
		{"one forward", Position{1, 2}, Position{1, 3}, Position{1, 3}, true},
		{"act boundary", Position{1, 3}, Position{3, 4}, Position{3, 4}, true},
		{"skip ahead", Position{1, 1}, Position{1, 3}, Position{1, 1}, false},
		{"backwards", Position{3, 4}, Position{1, 3}, Position{3, 4}, false},
		{"unknown", Position{1, 1}, Position{7, 1}, Position{1, 1}, false},
		{"past the end", Position{4, 6}, Position{4, 7}, Position{4, 6}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := sl.Advance(tt.current, tt.proposed)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("Advance(%v, %v) = %v, %v; want %v, %v", tt.current, tt.proposed, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
