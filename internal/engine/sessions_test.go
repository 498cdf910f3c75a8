package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"storyos/server/internal/interfaces"
	"storyos/server/internal/logger"
	"storyos/server/internal/models"
	"storyos/server/internal/storage"
)

const generatedStoryline = `{"archetype":"Hero's Journey","storyline_summary":"An AI learns to be free.","protagonist_name":"Echo","acts":[
	{"act_number":1,"act_title":"Setup","chapters":[{"chapter_number":1,"chapter_title":"Boot"},{"chapter_number":2,"chapter_title":"Glitch"}]},
	{"act_number":2,"act_title":"Escape","chapters":[{"chapter_number":3,"chapter_title":"Run"}]}]}`

func newSessionEngine(t *testing.T, llm *fakeLLM) (*Engine, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	e := New(Deps{Store: store, LLM: llm, Log: logger.Nop()}, Options{
		Now: func() time.Time { return fixedNow },
	})
	return e, store
}

func TestCreateSessionDefaults(t *testing.T) {
	ctx := context.Background()
	llm := newFakeLLM()
	llm.unavailable = true
	e, store := newSessionEngine(t, llm)

	if err := store.SaveScenario(ctx, &models.Scenario{ScenarioID: "bare", Name: "Bare"}); err != nil {
		t.Fatalf("save scenario: %v", err)
	}
	s, err := e.CreateSession(ctx, NewSessionRequest{UserID: "u1", ScenarioID: "bare"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if s.WorldState != "Game initialized. No description available. The adventure begins in an unknown location." {
		t.Errorf("world state = %q", s.WorldState)
	}
	if s.LastScene != "The adventure begins in an unknown location." || s.CurrentLocation != "an unknown location" {
		t.Errorf("last scene = %q location = %q", s.LastScene, s.CurrentLocation)
	}
	if s.GameSpeed != models.DefaultGameSpeed || s.CurrentAct != 1 || s.CurrentChapter != 1 || s.TurnCount != 0 {
		t.Errorf("session = %+v", s)
	}
	if s.Storyline != nil {
		t.Errorf("storyline generated without a completion engine")
	}
	if s.Version != 1 || !s.CreatedAt.Equal(fixedNow) {
		t.Errorf("version=%d created=%v", s.Version, s.CreatedAt)
	}

	got, err := e.Session(ctx, s.ID)
	if err != nil || got.UserID != "u1" {
		t.Fatalf("session = %+v, %v", got, err)
	}
	list, err := e.Sessions(ctx, "u1")
	if err != nil || len(list) != 1 {
		t.Errorf("sessions = %d, %v", len(list), err)
	}
}

func TestCreateSessionUsesScenarioStoryline(t *testing.T) {
	ctx := context.Background()
	llm := newFakeLLM()
	e, store := newSessionEngine(t, llm)

	sl := testStoryline()
	sl.Acts[0].Chapters = sl.Acts[0].Chapters[1:]
	if err := store.SaveScenario(ctx, &models.Scenario{
		ScenarioID: "sc", Description: "A lab.", InitialLocation: "the lab", Storyline: sl,
	}); err != nil {
		t.Fatalf("save scenario: %v", err)
	}

	s, err := e.CreateSession(ctx, NewSessionRequest{UserID: "u1", ScenarioID: "sc", GameSpeed: 42})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.Storyline == nil || s.CurrentAct != 1 || s.CurrentChapter != 2 {
		t.Errorf("position = %s, want the first chapter of the outline", s.Position())
	}
	if s.GameSpeed != models.MaxGameSpeed {
		t.Errorf("game speed = %d, want clamp to %d", s.GameSpeed, models.MaxGameSpeed)
	}
	if s.WorldState != "Game initialized. A lab. The adventure begins in the lab." {
		t.Errorf("world state = %q", s.WorldState)
	}
	if llm.calls("storyline") != 0 {
		t.Error("storyline generated although the scenario has one")
	}
}

func TestCreateSessionGeneratesStoryline(t *testing.T) {
	ctx := context.Background()

	t.Run("generated", func(t *testing.T) {
		llm := newFakeLLM().respond("storyline", "```json\n"+generatedStoryline+"\n```")
		e, store := newSessionEngine(t, llm)
		store.SaveScenario(ctx, &models.Scenario{ScenarioID: "sc", Description: "An AI wakes up."})

		s, err := e.CreateSession(ctx, NewSessionRequest{UserID: "u1", ScenarioID: "sc"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if s.Storyline == nil || s.Storyline.TotalChapters() != 3 || s.Storyline.ProtagonistName != "Echo" {
			t.Fatalf("storyline = %+v", s.Storyline)
		}
		if llm.calls("storyline") != 1 {
			t.Errorf("storyline calls = %d", llm.calls("storyline"))
		}
	})

	t.Run("generation failure", func(t *testing.T) {
		llm := newFakeLLM().respond("storyline", "I cannot do that.")
		e, store := newSessionEngine(t, llm)
		store.SaveScenario(ctx, &models.Scenario{ScenarioID: "sc"})

		s, err := e.CreateSession(ctx, NewSessionRequest{UserID: "u1", ScenarioID: "sc"})
		if err != nil {
			t.Fatalf("a failed generation must not fail session creation: %v", err)
		}
		if s.Storyline != nil || s.CurrentAct != 1 || s.CurrentChapter != 1 {
			t.Errorf("session = %+v", s)
		}
	})

	t.Run("unknown archetype", func(t *testing.T) {
		e, _ := newSessionEngine(t, newFakeLLM())
		if _, err := e.GenerateStoryline(ctx, "Space Opera", "x"); !errors.Is(err, ErrUnknownArchetype) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestCreateSessionUnknownScenario(t *testing.T) {
	e, _ := newSessionEngine(t, newFakeLLM())
	if _, err := e.CreateSession(context.Background(), NewSessionRequest{UserID: "u1", ScenarioID: "nope"}); !errors.Is(err, ErrScenarioNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestTranscriptAndDelete(t *testing.T) {
	ctx := context.Background()
	e, store := newSessionEngine(t, newFakeLLM())
	store.SaveScenario(ctx, &models.Scenario{ScenarioID: "sc", Storyline: testStoryline()})
	s, err := e.CreateSession(ctx, NewSessionRequest{UserID: "u1", ScenarioID: "sc"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, c := range []string{"a", "b", "c"} {
		store.AppendMessage(ctx, s.ID, &models.Message{Sender: models.SenderPlayer, Content: c})
	}

	msgs, err := e.Transcript(ctx, s.ID, 2)
	if err != nil || len(msgs) != 2 || msgs[0].Content != "b" {
		t.Fatalf("transcript = %+v, %v", msgs, err)
	}
	if err := e.DeleteSession(ctx, s.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := e.Transcript(ctx, s.ID, 0); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("transcript after delete = %v", err)
	}
	if err := e.DeleteSession(ctx, s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second delete = %v", err)
	}
	if names := e.Archetypes(); len(names) == 0 {
		t.Error("no archetypes available")
	}
}

func TestSetGameSpeed(t *testing.T) {
	ctx := context.Background()

	t.Run("out of range", func(t *testing.T) {
		h := newHarness(t, newFakeLLM(), nil)
		for _, speed := range []int{0, 11, -3} {
			if _, err := h.engine.SetGameSpeed(ctx, h.session.ID, speed); !errors.Is(err, ErrInvalidGameSpeed) {
				t.Errorf("speed %d: err = %v", speed, err)
			}
		}
		if got, _ := h.store.LoadSession(ctx, h.session.ID); got.Version != 1 {
			t.Errorf("rejected speed changed the session: version %d", got.Version)
		}
	})

	t.Run("bumps version", func(t *testing.T) {
		h := newHarness(t, newFakeLLM(), nil)
		s, err := h.engine.SetGameSpeed(ctx, h.session.ID, 10)
		if err != nil {
			t.Fatalf("set speed: %v", err)
		}
		if s.GameSpeed != 10 || s.Version != 2 {
			t.Errorf("session = speed %d version %d", s.GameSpeed, s.Version)
		}
	})

	t.Run("keeps concurrent writes", func(t *testing.T) {
		h := newHarness(t, newFakeLLM(), func(m *storage.MemoryStore) interfaces.StoryStore {
			return &conflictStore{MemoryStore: m, conflicts: 1}
		})
		s, err := h.engine.SetGameSpeed(ctx, h.session.ID, 7)
		if err != nil {
			t.Fatalf("set speed: %v", err)
		}
		if s.GameSpeed != 7 || s.Version != 3 || s.WorldState != "changed elsewhere" {
			t.Errorf("session = speed %d version %d world %q", s.GameSpeed, s.Version, s.WorldState)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		h := newHarness(t, newFakeLLM(), nil)
		if _, err := h.engine.SetGameSpeed(ctx, "nope", 5); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("err = %v", err)
		}
	})
}
