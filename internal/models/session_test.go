package models

import (
	"testing"
	"time"
)

func TestAddEventKeepsTimelineOrdered(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := &Session{}
	s.AddEvent(StoryEvent{EventDatetime: base.Add(2 * time.Minute), EventTitle: "late"})
	s.AddEvent(StoryEvent{EventDatetime: base, EventTitle: "early"})
	s.AddEvent(StoryEvent{EventDatetime: base.Add(2 * time.Minute), EventTitle: "late-2"})

	want := []string{"early", "late", "late-2"}
	for i, title := range want {
		if s.Timeline[i].EventTitle != title {
			t.Fatalf("timeline[%d] = %q, want %q", i, s.Timeline[i].EventTitle, title)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := &Session{
		ID:                 "s1",
		Timeline:           []StoryEvent{{EventTitle: "a"}},
		CharacterSummaries: map[string]CharacterSummary{"Echo": {CharacterStory: "v1"}},
	}
	c := s.Clone()
	c.Timeline[0].EventTitle = "changed"
	c.CharacterSummaries["Echo"] = CharacterSummary{CharacterStory: "v2"}
	c.CharacterSummaries["New"] = CharacterSummary{}

	if s.Timeline[0].EventTitle != "a" {
		t.Errorf("clone shares timeline")
	}
	if s.CharacterSummaries["Echo"].CharacterStory != "v1" || len(s.CharacterSummaries) != 1 {
		t.Errorf("clone shares character summaries")
	}
	if (*Session)(nil).Clone() != nil {
		t.Errorf("nil clone must be nil")
	}
}

func TestCharacterNamesSorted(t *testing.T) {
	s := &Session{CharacterSummaries: map[string]CharacterSummary{"Zed": {}, "Ann": {}, "Mo": {}}}
	got := s.CharacterNames()
	if len(got) != 3 || got[0] != "Ann" || got[1] != "Mo" || got[2] != "Zed" {
		t.Errorf("CharacterNames = %v", got)
	}
}

func TestClampGameSpeed(t *testing.T) {
	for in, want := range map[int]int{-3: 1, 0: 1, 1: 1, 4: 4, 10: 10, 42: 10} {
		if got := ClampGameSpeed(in); got != want {
			t.Errorf("ClampGameSpeed(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestMessageHelpers(t *testing.T) {
	if got := MessageID("abc", 3); got != "abc_3" {
		t.Errorf("MessageID = %q", got)
	}
	transcript := []Message{
		{Sender: SenderNarrator, Content: "first"},
		{Sender: SenderNarrator, Content: "second"},
		{Sender: SenderPlayer, Content: "me"},
	}
	m, ok := LatestNarratorMessage(transcript)
	if !ok || m.Content != "second" {
		t.Errorf("LatestNarratorMessage = %+v, %v", m, ok)
	}
	if _, ok := LatestNarratorMessage(transcript[2:]); ok {
		t.Errorf("expected no narrator message")
	}
	if (Message{Sender: SenderPlayer}).PromptRole() != RoleUser {
		t.Errorf("player must replay as user")
	}
	if (Message{Sender: SenderPlayer, Role: RoleSystem}).PromptRole() != RoleSystem {
		t.Errorf("stored role must win")
	}
}
