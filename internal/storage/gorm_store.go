package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"storyos/server/internal/interfaces"
	"storyos/server/internal/models"
)

const appendAttempts = 5

// GormStore implements interfaces.StoryStore on a relational database
type GormStore struct {
	db  *gorm.DB
	log zerolog.Logger

	// serializes visual prompt read-modify-write on dialects without row locks
	vpMu sync.Mutex
}

// NewGormStore wraps an open database
func NewGormStore(db *gorm.DB, log zerolog.Logger) *GormStore {
	return &GormStore{db: db, log: log}
}

// Migrate creates or updates the tables
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&sessionRow{}, &messageRow{}, &scenarioRow{}, &systemPromptRow{})
}

// Close closes the underlying connection pool
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the handle for health checks and tests
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) CreateSession(ctx context.Context, session *models.Session) error {
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
	row := toSessionRow(session)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *GormStore) LoadSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where("id = ?", sessionID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return row.toModel(), nil
}

// SaveSession performs a compare-and-swap on the version column
func (s *GormStore) SaveSession(ctx context.Context, session *models.Session, expectedVersion int64) interfaces.SaveResult {
	res := s.db.WithContext(ctx).
		Model(&sessionRow{}).
		Where("id = ? AND version = ?", session.ID, expectedVersion).
		Updates(sessionUpdates(session))
	if res.Error != nil {
		return interfaces.SaveResult{Status: interfaces.SaveServiceError, Err: res.Error}
	}

	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&sessionRow{}).Where("id = ?", session.ID).Count(&count).Error; err != nil {
			return interfaces.SaveResult{Status: interfaces.SaveServiceError, Err: err}
		}
		if count == 0 {
			return interfaces.SaveResult{Status: interfaces.SaveNotFound}
		}
		return interfaces.SaveResult{Status: interfaces.SaveConflict}
	}

	saved := session.Clone()
	saved.Version = expectedVersion + 1
	return interfaces.SaveResult{Status: interfaces.SaveOK, Session: saved}
}

func (s *GormStore) ListSessions(ctx context.Context, userID string) ([]models.Session, error) {
	var rows []sessionRow
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_updated DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	out := make([]models.Session, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].toModel())
	}
	return out, nil
}

// DeleteSession soft-deletes the session and its messages in one transaction
func (s *GormStore) DeleteSession(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", sessionID).Delete(&sessionRow{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete session: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return interfaces.ErrNotFound
		}
		if err := tx.Where("session_id = ?", sessionID).Delete(&messageRow{}).Error; err != nil {
			return fmt.Errorf("failed to delete transcript: %w", err)
		}
		return nil
	})
}

// AppendMessage assigns the next transcript index. Concurrent appends race on
// the (session_id, idx) unique index and the loser retries.
func (s *GormStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) (*models.Message, error) {
	var lastErr error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		stored, err := s.appendOnce(ctx, sessionID, msg)
		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, err
		}
		lastErr = err
		s.log.Debug().Str("session_id", sessionID).Int("attempt", attempt+1).Msg("transcript index taken, retrying")
	}
	return nil, fmt.Errorf("failed to append message: %w", lastErr)
}

func (s *GormStore) appendOnce(ctx context.Context, sessionID string, msg *models.Message) (*models.Message, error) {
	var stored models.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var live int64
		if err := tx.Model(&sessionRow{}).Where("id = ?", sessionID).Count(&live).Error; err != nil {
			return err
		}
		if live == 0 {
			return interfaces.ErrNotFound
		}

		var next int64
		if err := tx.Unscoped().Model(&messageRow{}).Where("session_id = ?", sessionID).Count(&next).Error; err != nil {
			return err
		}

		stored = *msg
		stored.SessionID = sessionID
		stored.Index = int(next)
		stored.MessageID = models.MessageID(sessionID, stored.Index)
		if stored.Role == "" {
			stored.Role = models.RoleFor(stored.Sender)
		}
		return tx.Create(toMessageRow(&stored)).Error
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *GormStore) LoadTranscript(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	q := s.db.WithContext(ctx).Where("session_id = ?", sessionID)
	var rows []messageRow
	if limit > 0 {
		if err := q.Order("idx DESC").Limit(limit).Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to load transcript: %w", err)
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].Idx < rows[j].Idx })
	} else if err := q.Order("idx ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load transcript: %w", err)
	}

	out := make([]models.Message, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// AttachVisualPrompts replaces the visual prompts of the newest narrator message
func (s *GormStore) AttachVisualPrompts(ctx context.Context, sessionID string, prompts []string) (*models.Message, error) {
	s.vpMu.Lock()
	defer s.vpMu.Unlock()

	var updated models.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row messageRow
		err := s.lockRows(tx).
			Where("session_id = ? AND sender = ?", sessionID, string(models.SenderNarrator)).
			Order("idx DESC").
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return interfaces.ErrNotFound
		}
		if err != nil {
			return err
		}

		vp := make(map[string]string, len(prompts))
		for _, p := range prompts {
			vp[p] = ""
		}
		row.VisualPrompts = datatypes.NewJSONType(vp)
		if err := tx.Model(&messageRow{}).Where("id = ?", row.ID).Update("visual_prompts", row.VisualPrompts).Error; err != nil {
			return err
		}
		updated = row.toModel()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// SetVisualPromptURL records the image URL generated for one prompt
func (s *GormStore) SetVisualPromptURL(ctx context.Context, sessionID, messageID, prompt, url string) error {
	s.vpMu.Lock()
	defer s.vpMu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row messageRow
		err := s.lockRows(tx).
			Where("session_id = ? AND message_id = ?", sessionID, messageID).
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return interfaces.ErrNotFound
		}
		if err != nil {
			return err
		}

		vp := row.VisualPrompts.Data()
		if vp == nil {
			vp = make(map[string]string, 1)
		}
		vp[prompt] = url
		return tx.Model(&messageRow{}).Where("id = ?", row.ID).Update("visual_prompts", datatypes.NewJSONType(vp)).Error
	})
}

// lockRows adds SELECT ... FOR UPDATE where the dialect supports it
func (s *GormStore) lockRows(tx *gorm.DB) *gorm.DB {
	if s.db.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func (s *GormStore) GetScenario(ctx context.Context, scenarioID string) (*models.Scenario, error) {
	var row scenarioRow
	err := s.db.WithContext(ctx).Where("scenario_id = ?", scenarioID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scenario: %w", err)
	}
	return row.toModel(), nil
}

// SaveScenario inserts or replaces a scenario, assigning an id when empty
func (s *GormStore) SaveScenario(ctx context.Context, scenario *models.Scenario) error {
	if scenario.ScenarioID == "" {
		scenario.ScenarioID = uuid.NewString()
	}
	if scenario.CreatedAt.IsZero() {
		scenario.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Save(toScenarioRow(scenario)).Error; err != nil {
		return fmt.Errorf("failed to save scenario: %w", err)
	}
	return nil
}

func (s *GormStore) ListScenarios(ctx context.Context) ([]models.Scenario, error) {
	var rows []scenarioRow
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list scenarios: %w", err)
	}
	out := make([]models.Scenario, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].toModel())
	}
	return out, nil
}

func (s *GormStore) ActiveSystemPrompt(ctx context.Context, kind models.PromptKind) (*models.SystemPrompt, error) {
	var row systemPromptRow
	err := s.db.WithContext(ctx).
		Where("kind = ? AND active = ?", string(kind), true).
		Order("id DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load system prompt: %w", err)
	}
	return row.toModel(), nil
}

func (s *GormStore) SaveSystemPrompt(ctx context.Context, prompt *models.SystemPrompt) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if prompt.Active {
			q := tx.Model(&systemPromptRow{}).Where("kind = ? AND active = ?", string(prompt.Kind), true)
			if prompt.ID != 0 {
				q = q.Where("id <> ?", prompt.ID)
			}
			if err := q.Update("active", false).Error; err != nil {
				return fmt.Errorf("failed to deactivate prompts: %w", err)
			}
		}
		row := toSystemPromptRow(prompt)
		if err := tx.Save(row).Error; err != nil {
			return fmt.Errorf("failed to save system prompt: %w", err)
		}
		prompt.ID = row.ID
		prompt.CreatedAt = row.CreatedAt
		return nil
	})
}

func (s *GormStore) ListSystemPrompts(ctx context.Context, kind models.PromptKind) ([]models.SystemPrompt, error) {
	q := s.db.WithContext(ctx).Order("id ASC")
	if kind != "" {
		q = q.Where("kind = ?", string(kind))
	}
	var rows []systemPromptRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list system prompts: %w", err)
	}
	out := make([]models.SystemPrompt, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].toModel())
	}
	return out, nil
}

var _ interfaces.StoryStore = (*GormStore)(nil)
