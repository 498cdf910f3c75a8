// Package engine runs narrative turns: it streams narration, extracts the
// structured digest of each turn and commits it with optimistic concurrency.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"storyos/server/internal/interfaces"
	"storyos/server/internal/metrics"
	"storyos/server/internal/models"
	"storyos/server/internal/prompts"
)

// Visualizer receives committed turns for asynchronous image prompting
type Visualizer interface {
	Trigger(session *models.Session, narration string)
}

// Options tunes the engine
type Options struct {
	SaveAttempts     int
	SaveBackoff      time.Duration
	NarratorRules    string // used when no narrator system prompt is active
	DefaultGameSpeed int
	DefaultArchetype string
	Now              func() time.Time
}

func (o *Options) applyDefaults() {
	if o.SaveAttempts <= 0 {
		o.SaveAttempts = 3
	}
	if o.SaveBackoff <= 0 {
		o.SaveBackoff = 50 * time.Millisecond
	}
	if o.DefaultGameSpeed == 0 {
		o.DefaultGameSpeed = models.DefaultGameSpeed
	}
	if o.DefaultArchetype == "" {
		o.DefaultArchetype = "Hero's Journey"
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
}

// Engine manages narrative turns for all sessions
type Engine struct {
	store      interfaces.StoryStore
	llm        interfaces.CompletionEngine
	assembler  *prompts.Assembler
	archetypes *prompts.ArchetypeCatalog
	locker     interfaces.TurnLocker
	visualizer Visualizer
	metrics    *metrics.Metrics
	log        zerolog.Logger
	opts       Options

	// turns still running in the background, see Wait
	turnsMu  sync.Mutex
	running  int
	draining bool
	idle     chan struct{}
}

// Deps are the collaborators of an Engine. Locker, Visualizer, Metrics and
// Archetypes are optional.
type Deps struct {
	Store      interfaces.StoryStore
	LLM        interfaces.CompletionEngine
	Assembler  *prompts.Assembler
	Archetypes *prompts.ArchetypeCatalog
	Locker     interfaces.TurnLocker
	Visualizer Visualizer
	Metrics    *metrics.Metrics
	Log        zerolog.Logger
}

// New creates an engine
func New(deps Deps, opts Options) *Engine {
	opts.applyDefaults()
	if deps.Assembler == nil {
		deps.Assembler = prompts.NewAssembler(nil, deps.Log)
	}
	if deps.Archetypes == nil {
		deps.Archetypes = prompts.DefaultArchetypes()
	}
	if deps.Locker == nil {
		deps.Locker = NewLocalTurnLocker()
	}
	return &Engine{
		store:      deps.Store,
		llm:        deps.LLM,
		assembler:  deps.Assembler,
		archetypes: deps.Archetypes,
		locker:     deps.Locker,
		visualizer: deps.Visualizer,
		metrics:    deps.Metrics,
		log:        deps.Log,
		opts:       opts,
	}
}

// PlayTurn starts a story turn. Preconditions are checked before anything
// is persisted; once PlayTurn returns, the player message is stored and the
// turn runs in the background on a context detached from ctx. Cancelling
// ctx only stops event delivery.
func (e *Engine) PlayTurn(ctx context.Context, sessionID, input string) (*Turn, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, ErrEmptyInput
	}
	if err := e.checkAvailable(ctx); err != nil {
		return nil, err
	}
	if !e.track() {
		return nil, errShuttingDown
	}
	started := false
	defer func() {
		if !started {
			e.untrack()
		}
	}()

	unlock, err := e.lockTurn(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	session, err := e.loadSession(ctx, sessionID)
	if err != nil {
		unlock()
		return nil, err
	}

	turn := newTurn(ctx, sessionID)
	turn.setState(StatePromptBuilding)

	scenario := e.scenarioFor(ctx, session)
	recent, err := e.store.LoadTranscript(ctx, sessionID, prompts.RecentMessageWindow)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("%w: load transcript: %v", ErrServiceUnavailable, err)
	}

	msgs := e.assembler.StoryTurn(prompts.TurnInput{
		Rules:       e.activePrompt(ctx, models.PromptKindNarrator, e.opts.NarratorRules),
		Scenario:    scenario,
		Session:     session,
		Recent:      recent,
		PlayerInput: input,
	})

	if _, err := e.store.AppendMessage(ctx, sessionID, &models.Message{
		Sender:     models.SenderPlayer,
		Role:       models.RoleUser,
		Content:    input,
		Timestamp:  e.opts.Now(),
		FullPrompt: msgs,
	}); err != nil {
		unlock()
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: append player message: %v", ErrServiceUnavailable, err)
	}

	e.log.Info().
		Str("session_id", sessionID).
		Int("turn", session.TurnCount).
		Str("position", session.Position().String()).
		Msg("turn started")

	started = true
	go func() {
		defer e.untrack()
		e.runTurn(context.WithoutCancel(ctx), turn, session, input, msgs, unlock, true)
	}()
	return turn, nil
}

// StartStory streams the opening narration of a session with no transcript yet.
// It follows the PlayTurn flow without a player message or extraction.
func (e *Engine) StartStory(ctx context.Context, sessionID string) (*Turn, error) {
	if err := e.checkAvailable(ctx); err != nil {
		return nil, err
	}
	if !e.track() {
		return nil, errShuttingDown
	}
	started := false
	defer func() {
		if !started {
			e.untrack()
		}
	}()
	unlock, err := e.lockTurn(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	session, err := e.loadSession(ctx, sessionID)
	if err != nil {
		unlock()
		return nil, err
	}
	existing, err := e.store.LoadTranscript(ctx, sessionID, 1)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("%w: load transcript: %v", ErrServiceUnavailable, err)
	}
	if len(existing) > 0 {
		unlock()
		return nil, ErrStoryStarted
	}

	turn := newTurn(ctx, sessionID)
	turn.setState(StatePromptBuilding)
	msgs := e.assembler.InitialStory(e.scenarioFor(ctx, session))

	e.log.Info().Str("session_id", sessionID).Msg("initial story started")
	started = true
	go func() {
		defer e.untrack()
		e.runTurn(context.WithoutCancel(ctx), turn, session, "", msgs, unlock, false)
	}()
	return turn, nil
}

var errShuttingDown = fmt.Errorf("%w: shutting down", ErrServiceUnavailable)

// Wait stops accepting turns and blocks until every running turn has
// persisted its narration and committed or abandoned its summary.
func (e *Engine) Wait(ctx context.Context) error {
	e.turnsMu.Lock()
	e.draining = true
	if e.running == 0 {
		e.turnsMu.Unlock()
		return nil
	}
	if e.idle == nil {
		e.idle = make(chan struct{})
	}
	idle := e.idle
	e.turnsMu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) track() bool {
	e.turnsMu.Lock()
	defer e.turnsMu.Unlock()
	if e.draining {
		return false
	}
	e.running++
	return true
}

func (e *Engine) untrack() {
	e.turnsMu.Lock()
	defer e.turnsMu.Unlock()
	e.running--
	if e.running == 0 && e.idle != nil {
		close(e.idle)
		e.idle = nil
	}
}

// runTurn drives a turn from streaming to commit
func (e *Engine) runTurn(ctx context.Context, t *Turn, session *models.Session, input string, msgs []models.PromptMessage, unlock func(), extract bool) {
	defer e.metrics.TurnStarted()()

	log := e.log.With().Str("session_id", session.ID).Logger()
	var out Outcome

	// the lock is released before waiters are woken
	finish := func(o Outcome) {
		unlock()
		t.finish(o)
	}

	// Streaming
	t.setState(StateStreaming)
	start := time.Now()
	narration, err := e.stream(ctx, t, msgs)
	e.metrics.ObserveNarration(time.Since(start))
	if err != nil {
		log.Error().Err(err).Msg("narration failed")
		t.forward(interfaces.Failed(err))
		out.State = StateFailed
		out.StreamErr = err
		out.Narration = narration
		e.metrics.RecordTurn(metrics.OutcomeStreamFail)
		finish(out)
		return
	}
	out.Narration = narration

	// Persisting
	t.setState(StatePersisting)
	stored, err := e.store.AppendMessage(ctx, session.ID, &models.Message{
		Sender:     models.SenderNarrator,
		Role:       models.RoleAssistant,
		Content:    narration,
		Timestamp:  e.opts.Now(),
		FullPrompt: msgs,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to store narration")
		t.forward(interfaces.Failed(fmt.Errorf("store narration: %w", err)))
		out.State = StateFailed
		out.PersistErr = err
		e.metrics.RecordTurn(metrics.OutcomeStreamFail)
		finish(out)
		return
	}
	out.NarratorMessage = stored
	t.forward(interfaces.Done())
	t.closeEvents()

	out.State = StateCompleted
	if !extract {
		e.metrics.RecordTurn(metrics.OutcomeInitial)
		e.visualize(session, narration)
		finish(out)
		return
	}

	// Summarizing
	t.setState(StateSummarizing)
	ev, err := e.Extract(ctx, session, input, narration)
	if err != nil {
		kind := extractionFailureKind(err)
		log.Warn().Err(err).Str("kind", kind).Msg("summary extraction failed, story state unchanged")
		e.metrics.RecordExtractionFailure(kind)
		e.metrics.RecordTurn(metrics.OutcomeExtractionFail)
		out.ExtractionErr = err
		e.visualize(session, narration)
		finish(out)
		return
	}

	// Merging and committing
	t.setState(StateMerging)
	committed, attempts, err := e.commit(ctx, t, session, ev)
	out.SaveAttempts = attempts
	e.metrics.ObserveSaveAttempts(attempts)
	if err != nil {
		log.Error().Err(err).Int("attempts", attempts).Msg("failed to commit turn summary")
		e.metrics.RecordTurn(metrics.OutcomeCommitFail)
		out.CommitErr = err
		e.visualize(session, narration)
		finish(out)
		return
	}

	out.Session = committed
	out.StateAdvanced = committed.Position() != session.Position()
	log.Info().
		Int64("version", committed.Version).
		Int("turn", committed.TurnCount).
		Str("position", committed.Position().String()).
		Bool("advanced", out.StateAdvanced).
		Msg("turn committed")
	e.metrics.RecordTurn(metrics.OutcomeCommitted)
	e.visualize(committed, narration)
	finish(out)
}

// stream consumes the narration stream, forwarding fragments in order.
// A stream that closes without a terminal event counts as failed.
func (e *Engine) stream(ctx context.Context, t *Turn, msgs []models.PromptMessage) (string, error) {
	events, err := e.llm.StreamComplete(ctx, msgs)
	if err != nil {
		return "", &CompletionError{Stage: "open", Err: err}
	}

	var b strings.Builder
	for ev := range events {
		switch ev.Kind {
		case interfaces.EventFragment:
			b.WriteString(ev.Text)
			t.forward(ev)
		case interfaces.EventDone:
			if strings.TrimSpace(b.String()) == "" {
				return "", &CompletionError{Stage: "stream", Err: errors.New("empty narration")}
			}
			return b.String(), nil
		case interfaces.EventFailed:
			return b.String(), &CompletionError{Stage: "stream", Err: ev.Err}
		}
	}
	return b.String(), &CompletionError{Stage: "stream", Err: io.ErrUnexpectedEOF}
}

// commit merges the event and saves it, reloading and re-merging the same
// event on version conflicts.
func (e *Engine) commit(ctx context.Context, t *Turn, base *models.Session, ev *models.SummarizedEvent) (*models.Session, int, error) {
	return e.saveVersioned(ctx, base, func(current *models.Session) *models.Session {
		t.setState(StateMerging)
		merged, check := Merge(current, ev, e.opts.Now())
		if !check.Accepted {
			e.log.Warn().
				Str("session_id", current.ID).
				Str("current", check.Current.String()).
				Str("proposed", check.Proposed.String()).
				Msg("rejected act/chapter proposal, keeping current position")
		}
		t.setState(StateCommitting)
		return merged
	})
}

// saveVersioned saves change(current) against current's version. On a
// conflict it backs off, reloads and applies change again to the fresh copy.
func (e *Engine) saveVersioned(ctx context.Context, base *models.Session, change func(current *models.Session) *models.Session) (*models.Session, int, error) {
	current := base
	for attempt := 1; attempt <= e.opts.SaveAttempts; attempt++ {
		res := e.store.SaveSession(ctx, change(current), current.Version)
		switch res.Status {
		case interfaces.SaveOK:
			return res.Session, attempt, nil
		case interfaces.SaveNotFound:
			return nil, attempt, ErrSessionNotFound
		case interfaces.SaveServiceError:
			return nil, attempt, fmt.Errorf("%w: save session: %v", ErrServiceUnavailable, res.Err)
		}

		e.metrics.RecordSaveConflict()
		e.log.Debug().
			Str("session_id", current.ID).
			Int("attempt", attempt).
			Int64("expected_version", current.Version).
			Msg("session version conflict")
		if attempt == e.opts.SaveAttempts {
			break
		}

		if err := sleepCtx(ctx, e.opts.SaveBackoff<<(attempt-1)); err != nil {
			return nil, attempt, err
		}
		fresh, err := e.store.LoadSession(ctx, current.ID)
		if err != nil {
			if errors.Is(err, interfaces.ErrNotFound) {
				return nil, attempt, ErrSessionNotFound
			}
			return nil, attempt, fmt.Errorf("%w: reload session: %v", ErrServiceUnavailable, err)
		}
		current = fresh
	}
	return nil, e.opts.SaveAttempts, ErrConcurrencyConflict
}

func (e *Engine) visualize(session *models.Session, narration string) {
	if e.visualizer == nil {
		return
	}
	e.visualizer.Trigger(session, narration)
}

func (e *Engine) checkAvailable(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: store: %v", ErrServiceUnavailable, err)
	}
	if e.llm == nil || !e.llm.Available() {
		return fmt.Errorf("%w: completion engine not configured", ErrServiceUnavailable)
	}
	return nil
}

func (e *Engine) lockTurn(ctx context.Context, sessionID string) (func(), error) {
	unlock, ok, err := e.locker.TryLock(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: turn lock: %v", ErrServiceUnavailable, err)
	}
	if !ok {
		return nil, ErrTurnInProgress
	}
	return unlock, nil
}

func (e *Engine) loadSession(ctx context.Context, sessionID string) (*models.Session, error) {
	s, err := e.store.LoadSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: load session: %v", ErrServiceUnavailable, err)
	}
	return s, nil
}

// scenarioFor resolves the session's scenario; a missing scenario yields nil
// and the prompt falls back to defaults.
func (e *Engine) scenarioFor(ctx context.Context, s *models.Session) *models.Scenario {
	if s.ScenarioID == "" {
		return nil
	}
	sc, err := e.store.GetScenario(ctx, s.ScenarioID)
	if err != nil {
		e.log.Warn().Err(err).Str("session_id", s.ID).Str("scenario_id", s.ScenarioID).Msg("scenario unavailable, using defaults")
		return nil
	}
	return sc
}

// activePrompt returns the active operator prompt of a kind or the fallback
func (e *Engine) activePrompt(ctx context.Context, kind models.PromptKind, fallback string) string {
	p, err := e.store.ActiveSystemPrompt(ctx, kind)
	if err != nil {
		if !errors.Is(err, interfaces.ErrNotFound) {
			e.log.Warn().Err(err).Str("kind", string(kind)).Msg("failed to load system prompt")
		}
		return fallback
	}
	return p.Content
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
