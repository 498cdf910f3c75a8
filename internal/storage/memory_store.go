package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"storyos/server/internal/interfaces"
	"storyos/server/internal/models"
)

// MemoryStore is an in-process StoryStore with the same semantics as
// GormStore. State is lost on restart.
type MemoryStore struct {
	mu         sync.RWMutex
	sessions   map[string]*models.Session
	messages   map[string][]models.Message
	scenarios  map[string]*models.Scenario
	prompts    []models.SystemPrompt
	nextPrompt uint
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*models.Session),
		messages:  make(map[string][]models.Message),
		scenarios: make(map[string]*models.Scenario),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) CreateSession(_ context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	session.Version = 1
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	if session.LastUpdated.IsZero() {
		session.LastUpdated = session.CreatedAt
	}
	m.sessions[session.ID] = session.Clone()
	return nil
}

func (m *MemoryStore) LoadSession(_ context.Context, sessionID string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.Deleted {
		return nil, interfaces.ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) SaveSession(_ context.Context, session *models.Session, expectedVersion int64) interfaces.SaveResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.sessions[session.ID]
	if !ok || stored.Deleted {
		return interfaces.SaveResult{Status: interfaces.SaveNotFound}
	}
	if stored.Version != expectedVersion {
		return interfaces.SaveResult{Status: interfaces.SaveConflict}
	}

	next := session.Clone()
	next.Version = expectedVersion + 1
	next.UserID, next.ScenarioID, next.CreatedAt = stored.UserID, stored.ScenarioID, stored.CreatedAt
	m.sessions[session.ID] = next
	return interfaces.SaveResult{Status: interfaces.SaveOK, Session: next.Clone()}
}

func (m *MemoryStore) ListSessions(_ context.Context, userID string) ([]models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []models.Session{}
	for _, s := range m.sessions {
		if s.UserID == userID && !s.Deleted {
			out = append(out, *s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdated.After(out[j].LastUpdated) })
	return out, nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.Deleted {
		return interfaces.ErrNotFound
	}
	s.Deleted = true
	return nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, sessionID string, msg *models.Message) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.Deleted {
		return nil, interfaces.ErrNotFound
	}

	stored := *msg
	stored.SessionID = sessionID
	stored.Index = len(m.messages[sessionID])
	stored.MessageID = models.MessageID(sessionID, stored.Index)
	if stored.Role == "" {
		stored.Role = models.RoleFor(stored.Sender)
	}
	m.messages[sessionID] = append(m.messages[sessionID], stored)
	return &stored, nil
}

func (m *MemoryStore) LoadTranscript(_ context.Context, sessionID string, limit int) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.sessions[sessionID]; !ok || s.Deleted {
		return []models.Message{}, nil
	}
	msgs := m.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.Message, len(msgs))
	for i, msg := range msgs {
		out[i] = copyMessage(msg)
	}
	return out, nil
}

func (m *MemoryStore) AttachVisualPrompts(_ context.Context, sessionID string, prompts []string) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.messages[sessionID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Sender != models.SenderNarrator {
			continue
		}
		vp := make(map[string]string, len(prompts))
		for _, p := range prompts {
			vp[p] = ""
		}
		msgs[i].VisualPrompts = vp
		out := copyMessage(msgs[i])
		return &out, nil
	}
	return nil, interfaces.ErrNotFound
}

func (m *MemoryStore) SetVisualPromptURL(_ context.Context, sessionID, messageID, prompt, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.messages[sessionID]
	for i := range msgs {
		if msgs[i].MessageID != messageID {
			continue
		}
		if msgs[i].VisualPrompts == nil {
			msgs[i].VisualPrompts = make(map[string]string, 1)
		}
		msgs[i].VisualPrompts[prompt] = url
		return nil
	}
	return interfaces.ErrNotFound
}

func (m *MemoryStore) GetScenario(_ context.Context, scenarioID string) (*models.Scenario, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sc, ok := m.scenarios[scenarioID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	c := *sc
	return &c, nil
}

func (m *MemoryStore) SaveScenario(_ context.Context, scenario *models.Scenario) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if scenario.ScenarioID == "" {
		scenario.ScenarioID = uuid.NewString()
	}
	if scenario.CreatedAt.IsZero() {
		scenario.CreatedAt = time.Now().UTC()
	}
	c := *scenario
	m.scenarios[scenario.ScenarioID] = &c
	return nil
}

func (m *MemoryStore) ListScenarios(_ context.Context) ([]models.Scenario, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Scenario, 0, len(m.scenarios))
	for _, sc := range m.scenarios {
		out = append(out, *sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) ActiveSystemPrompt(_ context.Context, kind models.PromptKind) (*models.SystemPrompt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.prompts) - 1; i >= 0; i-- {
		if p := m.prompts[i]; p.Kind == kind && p.Active {
			return &p, nil
		}
	}
	return nil, interfaces.ErrNotFound
}

func (m *MemoryStore) SaveSystemPrompt(_ context.Context, prompt *models.SystemPrompt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prompt.Active {
		for i := range m.prompts {
			if m.prompts[i].Kind == prompt.Kind && m.prompts[i].ID != prompt.ID {
				m.prompts[i].Active = false
			}
		}
	}
	if prompt.ID != 0 {
		for i := range m.prompts {
			if m.prompts[i].ID == prompt.ID {
				m.prompts[i] = *prompt
				return nil
			}
		}
	}
	m.nextPrompt++
	prompt.ID = m.nextPrompt
	if prompt.CreatedAt.IsZero() {
		prompt.CreatedAt = time.Now().UTC()
	}
	m.prompts = append(m.prompts, *prompt)
	return nil
}

func (m *MemoryStore) ListSystemPrompts(_ context.Context, kind models.PromptKind) ([]models.SystemPrompt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []models.SystemPrompt{}
	for _, p := range m.prompts {
		if kind == "" || p.Kind == kind {
			out = append(out, p)
		}
	}
	return out, nil
}

func copyMessage(msg models.Message) models.Message {
	if msg.VisualPrompts != nil {
		vp := make(map[string]string, len(msg.VisualPrompts))
		for k, v := range msg.VisualPrompts {
			vp[k] = v
		}
		msg.VisualPrompts = vp
	}
	if msg.FullPrompt != nil {
		msg.FullPrompt = append([]models.PromptMessage(nil), msg.FullPrompt...)
	}
	return msg
}

var _ interfaces.StoryStore = (*MemoryStore)(nil)
