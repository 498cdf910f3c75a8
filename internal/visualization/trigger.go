// Package visualization turns narration into image prompts and renders the
// prompts a player picks.
package visualization

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"storyos/server/internal/engine"
	"storyos/server/internal/generators"
	"storyos/server/internal/interfaces"
	"storyos/server/internal/metrics"
	"storyos/server/internal/models"
	"storyos/server/internal/prompts"
)

var (
	// ErrNoNarration means the session has no narrator message to illustrate
	ErrNoNarration = errors.New("no narration to visualize")
	// ErrMessageNotFound means no message with that message_id exists in the session
	ErrMessageNotFound = errors.New("message not found")
	// ErrUnknownPrompt means the prompt is not attached to the message
	ErrUnknownPrompt = errors.New("prompt not attached to message")
	// ErrImagesDisabled means no image generator is configured
	ErrImagesDisabled = errors.New("image generation disabled")
)

// Event types delivered to a Notifier
const (
	EventVisualPrompts = "visual_prompts"
	EventImage         = "image"
)

// Event is a visualization notification for session subscribers
type Event struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id"`
	MessageID string   `json:"message_id"`
	Prompts   []string `json:"prompts,omitempty"`
	Prompt    string   `json:"prompt,omitempty"`
	URL       string   `json:"url,omitempty"`
}

// Notifier pushes events to the session's live subscribers
type Notifier interface {
	Notify(sessionID string, ev Event)
}

// Options configures the service
type Options struct {
	// DefaultPrompt is the system prompt used when no visualization prompt is active
	DefaultPrompt string
	ImageSize     string
	// AutoRender renders every attached prompt right away
	AutoRender bool
	Timeout    time.Duration
}

// Deps are the collaborators of a Service. Queue, Notifier and Metrics are optional.
type Deps struct {
	Store     interfaces.StoryStore
	LLM       interfaces.CompletionEngine
	Assembler *prompts.Assembler
	Queue     *generators.ImageQueue
	Notifier  Notifier
	Metrics   *metrics.Metrics
	Log       zerolog.Logger
}

// Service implements engine.Visualizer
type Service struct {
	store     interfaces.StoryStore
	llm       interfaces.CompletionEngine
	assembler *prompts.Assembler
	queue     *generators.ImageQueue
	notifier  Notifier
	metrics   *metrics.Metrics
	log       zerolog.Logger
	opts      Options

	wg sync.WaitGroup
}

// New creates a visualization service
func New(deps Deps, opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Minute
	}
	if deps.Assembler == nil {
		deps.Assembler = prompts.NewAssembler(nil, deps.Log)
	}
	return &Service{
		store:     deps.Store,
		llm:       deps.LLM,
		assembler: deps.Assembler,
		queue:     deps.Queue,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		log:       deps.Log,
		opts:      opts,
	}
}

// SetNotifier attaches the live notifier once the transport is built
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// Trigger generates prompts for a finished turn in the background
func (s *Service) Trigger(session *models.Session, narration string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
		defer cancel()

		msg, err := s.GeneratePrompts(ctx, session, narration)
		if err != nil {
			s.log.Warn().Err(err).Str("session_id", session.ID).Msg("visualization failed")
			return
		}
		if s.opts.AutoRender && s.queue != nil {
			if err := s.RenderAll(ctx, session.ID, msg); err != nil {
				s.log.Warn().Err(err).Str("session_id", session.ID).Msg("image rendering failed")
			}
		}
	}()
}

// Wait blocks until background triggers have finished
func (s *Service) Wait() {
	s.wg.Wait()
}

// Visualize generates prompts for the session's latest narration
func (s *Service) Visualize(ctx context.Context, sessionID string) (*models.Message, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	transcript, err := s.store.LoadTranscript(ctx, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: load transcript: %v", engine.ErrServiceUnavailable, err)
	}
	latest, ok := models.LatestNarratorMessage(transcript)
	if !ok {
		return nil, ErrNoNarration
	}
	return s.GeneratePrompts(ctx, session, latest.Content)
}

// GeneratePrompts asks for three image prompts and attaches them to the
// latest narrator message as prompt -> "" entries
func (s *Service) GeneratePrompts(ctx context.Context, session *models.Session, narration string) (*models.Message, error) {
	if s.llm == nil || !s.llm.Available() {
		return nil, fmt.Errorf("%w: completion engine not configured", engine.ErrServiceUnavailable)
	}

	system := s.opts.DefaultPrompt
	if p, err := s.store.ActiveSystemPrompt(ctx, models.PromptKindVisualization); err == nil {
		system = p.Content
	} else if !errors.Is(err, interfaces.ErrNotFound) {
		s.log.Warn().Err(err).Msg("failed to load visualization prompt")
	}

	raw, err := s.llm.CompleteWithSchema(ctx, s.assembler.Visualization(system, session, narration), prompts.VisualPromptsSchema)
	if err != nil {
		s.metrics.RecordVisualization("prompts", "failed")
		return nil, &engine.CompletionError{Stage: "visualization", Err: err}
	}
	vp, err := engine.ParseVisualPrompts(raw)
	if err != nil {
		s.metrics.RecordVisualization("prompts", "invalid")
		return nil, err
	}

	msg, err := s.store.AttachVisualPrompts(ctx, session.ID, vp.List())
	if err != nil {
		s.metrics.RecordVisualization("prompts", "failed")
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, ErrNoNarration
		}
		return nil, fmt.Errorf("attach visual prompts: %w", err)
	}
	s.metrics.RecordVisualization("prompts", "ok")
	s.log.Info().Str("session_id", session.ID).Str("message_id", msg.MessageID).Msg("visual prompts attached")

	s.notify(session.ID, Event{
		Type:      EventVisualPrompts,
		SessionID: session.ID,
		MessageID: msg.MessageID,
		Prompts:   vp.List(),
	})
	return msg, nil
}

// RenderImage renders one attached prompt and stores the URL on the message
func (s *Service) RenderImage(ctx context.Context, sessionID, messageID, prompt string) (string, error) {
	if s.queue == nil {
		return "", ErrImagesDisabled
	}
	if _, err := s.loadSession(ctx, sessionID); err != nil {
		return "", err
	}
	transcript, err := s.store.LoadTranscript(ctx, sessionID, 0)
	if err != nil {
		return "", fmt.Errorf("%w: load transcript: %v", engine.ErrServiceUnavailable, err)
	}
	var target *models.Message
	for i := range transcript {
		if transcript[i].MessageID == messageID {
			target = &transcript[i]
			break
		}
	}
	if target == nil {
		return "", ErrMessageNotFound
	}
	if _, ok := target.VisualPrompts[prompt]; !ok {
		return "", ErrUnknownPrompt
	}
	return s.render(ctx, sessionID, messageID, prompt)
}

// RenderAll renders every prompt of msg in parallel
func (s *Service) RenderAll(ctx context.Context, sessionID string, msg *models.Message) error {
	if s.queue == nil {
		return ErrImagesDisabled
	}
	g, gctx := errgroup.WithContext(ctx)
	for prompt := range msg.VisualPrompts {
		prompt := prompt
		g.Go(func() error {
			_, err := s.render(gctx, sessionID, msg.MessageID, prompt)
			return err
		})
	}
	return g.Wait()
}

func (s *Service) render(ctx context.Context, sessionID, messageID, prompt string) (string, error) {
	res, err := s.queue.Generate(ctx, generators.ImageJob{
		SessionID: sessionID,
		MessageID: messageID,
		Prompt:    prompt,
		Size:      s.opts.ImageSize,
	})
	if err != nil {
		s.metrics.RecordVisualization("image", "failed")
		return "", fmt.Errorf("generate image: %w", err)
	}
	if err := s.store.SetVisualPromptURL(ctx, sessionID, messageID, prompt, res.URL); err != nil {
		s.metrics.RecordVisualization("image", "failed")
		if errors.Is(err, interfaces.ErrNotFound) {
			return "", ErrMessageNotFound
		}
		return "", fmt.Errorf("store image url: %w", err)
	}
	s.metrics.RecordVisualization("image", "ok")
	s.log.Debug().
		Str("session_id", sessionID).
		Str("message_id", messageID).
		Dur("duration", res.Duration).
		Msg("image rendered")

	s.notify(sessionID, Event{
		Type:      EventImage,
		SessionID: sessionID,
		MessageID: messageID,
		Prompt:    prompt,
		URL:       res.URL,
	})
	return res.URL, nil
}

func (s *Service) loadSession(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := s.store.LoadSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, engine.ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: load session: %v", engine.ErrServiceUnavailable, err)
	}
	return session, nil
}

func (s *Service) notify(sessionID string, ev Event) {
	if s.notifier != nil {
		s.notifier.Notify(sessionID, ev)
	}
}

var _ engine.Visualizer = (*Service)(nil)
