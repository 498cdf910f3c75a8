package visualization

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"storyos/server/internal/engine"
	"storyos/server/internal/generators"
	"storyos/server/internal/interfaces"
	"storyos/server/internal/logger"
	"storyos/server/internal/models"
	"storyos/server/internal/storage"
)

const promptsJSON = `{"visual_prompt_1":"Echo at the door","visual_prompt_2":"a ruined lab","visual_prompt_3":"cold blue dread"}`

type schemaLLM struct {
	mu      sync.Mutex
	raw     string
	err     error
	systems []string
	schemas []string
}

func (f *schemaLLM) Available() bool { return true }

func (f *schemaLLM) StreamComplete(context.Context, []models.PromptMessage) (<-chan interfaces.StreamEvent, error) {
	return nil, errors.New("not used")
}

func (f *schemaLLM) CompleteWithSchema(_ context.Context, msgs []models.PromptMessage, schema interfaces.Schema) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.systems = append(f.systems, msgs[0].Content)
	f.schemas = append(f.schemas, schema.Name)
	return f.raw, f.err
}

type urlGen struct{}

func (urlGen) GenerateImage(_ context.Context, req *interfaces.ImageRequest) (*interfaces.ImageResponse, error) {
	return &interfaces.ImageResponse{ImageURL: "https://img/" + strings.ReplaceAll(req.Prompt, " ", "_")}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(_ string, ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) byType(typ string) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Event
	for _, ev := range n.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	svc      *Service
	store    *storage.MemoryStore
	llm      *schemaLLM
	notifier *recordingNotifier
	session  *models.Session
}

func newFixture(t *testing.T, withQueue, autoRender bool) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	session := &models.Session{UserID: "u1", WorldState: "ruins", LastScene: "a door", CurrentLocation: "lab"}
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, m := range []models.Message{
		{Sender: models.SenderNarrator, Content: "You wake."},
		{Sender: models.SenderPlayer, Content: "open the door"},
		{Sender: models.SenderNarrator, Content: "The door opens."},
		{Sender: models.SenderPlayer, Content: "look"},
	} {
		m := m
		if _, err := store.AppendMessage(ctx, session.ID, &m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var queue *generators.ImageQueue
	if withQueue {
		qctx, cancel := context.WithCancel(context.Background())
		queue = generators.NewImageQueue(urlGen{}, generators.QueueOptions{MaxWorkers: 2, MaxQueueSize: 8}, nil, logger.Nop())
		queue.Start(qctx)
		t.Cleanup(func() {
			queue.Stop()
			cancel()
		})
	}

	llm := &schemaLLM{raw: promptsJSON}
	notifier := &recordingNotifier{}
	svc := New(Deps{Store: store, LLM: llm, Queue: queue, Notifier: notifier, Log: logger.Nop()}, Options{
		DefaultPrompt: "default visual director",
		ImageSize:     "512x512",
		AutoRender:    autoRender,
	})
	return &fixture{svc: svc, store: store, llm: llm, notifier: notifier, session: session}
}

func TestVisualizeAttachesToLatestNarratorMessage(t *testing.T) {
	f := newFixture(t, false, false)
	ctx := context.Background()

	msg, err := f.svc.Visualize(ctx, f.session.ID)
	if err != nil {
		t.Fatalf("visualize: %v", err)
	}
	if msg.Index != 2 || msg.MessageID != models.MessageID(f.session.ID, 2) {
		t.Fatalf("attached to %s, want the latest narrator message", msg.MessageID)
	}
	if len(msg.VisualPrompts) != 3 || msg.VisualPrompts["a ruined lab"] != "" {
		t.Errorf("visual prompts = %v", msg.VisualPrompts)
	}
	if f.llm.schemas[0] != "visual_prompts" || f.llm.systems[0] != "default visual director" {
		t.Errorf("request = %v %v", f.llm.schemas, f.llm.systems)
	}

	evs := f.notifier.byType(EventVisualPrompts)
	if len(evs) != 1 || evs[0].MessageID != msg.MessageID || len(evs[0].Prompts) != 3 {
		t.Errorf("notifications = %+v", evs)
	}

	if _, err := f.svc.RenderImage(ctx, f.session.ID, msg.MessageID, "a ruined lab"); !errors.Is(err, ErrImagesDisabled) {
		t.Errorf("render without queue = %v", err)
	}
}

func TestVisualizeUsesActivePrompt(t *testing.T) {
	f := newFixture(t, false, false)
	ctx := context.Background()
	f.store.SaveSystemPrompt(ctx, &models.SystemPrompt{Kind: models.PromptKindVisualization, Content: "noir comic style", Active: true})

	if _, err := f.svc.Visualize(ctx, f.session.ID); err != nil {
		t.Fatalf("visualize: %v", err)
	}
	if f.llm.systems[0] != "noir comic style" {
		t.Errorf("system prompt = %q", f.llm.systems[0])
	}
}

func TestVisualizeFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid response", func(t *testing.T) {
		f := newFixture(t, false, false)
		f.llm.raw = `{"visual_prompt_1":"only one"}`
		var v *engine.SchemaViolationError
		if _, err := f.svc.Visualize(ctx, f.session.ID); !errors.As(err, &v) {
			t.Errorf("err = %v", err)
		}
		msgs, _ := f.store.LoadTranscript(ctx, f.session.ID, 0)
		if len(msgs[2].VisualPrompts) != 0 {
			t.Error("invalid prompts were attached")
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		f := newFixture(t, false, false)
		if _, err := f.svc.Visualize(ctx, "nope"); !errors.Is(err, engine.ErrSessionNotFound) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("no narration yet", func(t *testing.T) {
		f := newFixture(t, false, false)
		empty := &models.Session{UserID: "u1"}
		f.store.CreateSession(ctx, empty)
		if _, err := f.svc.Visualize(ctx, empty.ID); !errors.Is(err, ErrNoNarration) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestRenderImageTargetsMessageID(t *testing.T) {
	f := newFixture(t, true, false)
	ctx := context.Background()

	// an older narrator message carries its own prompt
	first, _ := f.store.LoadTranscript(ctx, f.session.ID, 0)
	f.store.SetVisualPromptURL(ctx, f.session.ID, first[0].MessageID, "wake prompt", "")

	msg, err := f.svc.Visualize(ctx, f.session.ID)
	if err != nil {
		t.Fatalf("visualize: %v", err)
	}

	url, err := f.svc.RenderImage(ctx, f.session.ID, first[0].MessageID, "wake prompt")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if url != "https://img/wake_prompt" {
		t.Errorf("url = %q", url)
	}

	msgs, _ := f.store.LoadTranscript(ctx, f.session.ID, 0)
	if msgs[0].VisualPrompts["wake prompt"] != url {
		t.Errorf("url not stored on the targeted message: %v", msgs[0].VisualPrompts)
	}
	for p, u := range msgs[2].VisualPrompts {
		if u != "" {
			t.Errorf("prompt %q on another message got url %q", p, u)
		}
	}

	if _, err := f.svc.RenderImage(ctx, f.session.ID, msg.MessageID, "not attached"); !errors.Is(err, ErrUnknownPrompt) {
		t.Errorf("unknown prompt err = %v", err)
	}
	if _, err := f.svc.RenderImage(ctx, f.session.ID, "missing_99", "x"); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("unknown message err = %v", err)
	}
	if evs := f.notifier.byType(EventImage); len(evs) != 1 || evs[0].URL != url {
		t.Errorf("image notifications = %+v", evs)
	}
}

func TestTriggerAutoRenders(t *testing.T) {
	f := newFixture(t, true, true)
	ctx := context.Background()

	f.svc.Trigger(f.session, "The door opens.")
	f.svc.Wait()

	msgs, _ := f.store.LoadTranscript(ctx, f.session.ID, 0)
	vp := msgs[2].VisualPrompts
	if len(vp) != 3 {
		t.Fatalf("visual prompts = %v", vp)
	}
	for p, u := range vp {
		if u != "https://img/"+strings.ReplaceAll(p, " ", "_") {
			t.Errorf("prompt %q url = %q", p, u)
		}
	}
	if evs := f.notifier.byType(EventImage); len(evs) != 3 {
		t.Errorf("image notifications = %d", len(evs))
	}
}
