package web

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"storyos/server/internal/engine"
	"storyos/server/internal/interfaces"
	"storyos/server/internal/models"
)

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req engine.NewSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		s.writeError(w, r, err)
		return
	}

	session, err := s.engine.CreateSession(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		badRequest(w, "user_id is required")
		return
	}
	sessions, err := s.engine.Sessions(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.engine.Session(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type gameSpeedRequest struct {
	GameSpeed int `json:"game_speed" validate:"required,min=1,max=10"`
}

type gameSpeedResponse struct {
	SessionID string `json:"session_id"`
	GameSpeed int    `json:"game_speed"`
	Version   int64  `json:"version"`
}

func (s *Server) setGameSpeed(w http.ResponseWriter, r *http.Request) {
	var req gameSpeedRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	session, err := s.engine.SetGameSpeed(r.Context(), chi.URLParam(r, "sessionID"), req.GameSpeed)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gameSpeedResponse{SessionID: session.ID, GameSpeed: session.GameSpeed, Version: session.Version})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	msgs, err := s.engine.Transcript(r.Context(), chi.URLParam(r, "sessionID"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type scenarioRequest struct {
	Name                   string            `json:"name" validate:"required"`
	Description            string            `json:"description"`
	Setting                string            `json:"setting"`
	DungeonMasterBehaviour string            `json:"dungeon_master_behaviour"`
	PlayerName             string            `json:"player_name"`
	Role                   string            `json:"role"`
	InitialLocation        string            `json:"initial_location"`
	Visibility             string            `json:"visibility" validate:"omitempty,oneof=public private"`
	Author                 string            `json:"author"`
	Storyline              *models.Storyline `json:"storyline,omitempty"`
}

func (req scenarioRequest) apply(sc *models.Scenario) {
	sc.Name = req.Name
	sc.Description = req.Description
	sc.Setting = req.Setting
	sc.DungeonMasterBehaviour = req.DungeonMasterBehaviour
	sc.PlayerName = req.PlayerName
	sc.Role = req.Role
	sc.InitialLocation = req.InitialLocation
	sc.Visibility = req.Visibility
	sc.Author = req.Author
	sc.Storyline = req.Storyline
	if sc.Visibility == "" {
		sc.Visibility = "private"
	}
}

func (s *Server) decodeScenario(w http.ResponseWriter, r *http.Request) (scenarioRequest, bool) {
	var req scenarioRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return req, false
	}
	if err := validate.Struct(req); err != nil {
		s.writeError(w, r, err)
		return req, false
	}
	return req, true
}

func (s *Server) listScenarios(w http.ResponseWriter, r *http.Request) {
	scenarios, err := s.store.ListScenarios(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scenarios)
}

func (s *Server) createScenario(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeScenario(w, r)
	if !ok {
		return
	}
	sc := &models.Scenario{Version: 1}
	req.apply(sc)
	if err := s.store.SaveScenario(r.Context(), sc); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info().Str("scenario_id", sc.ScenarioID).Str("name", sc.Name).Msg("scenario created")
	writeJSON(w, http.StatusCreated, sc)
}

func (s *Server) getScenario(w http.ResponseWriter, r *http.Request) {
	sc, err := s.store.GetScenario(r.Context(), chi.URLParam(r, "scenarioID"))
	if err != nil {
		s.writeError(w, r, scenarioErr(err))
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// updateScenario replaces the scenario's content and bumps its version.
// Sessions already created from it keep their own copies.
func (s *Server) updateScenario(w http.ResponseWriter, r *http.Request) {
	sc, err := s.store.GetScenario(r.Context(), chi.URLParam(r, "scenarioID"))
	if err != nil {
		s.writeError(w, r, scenarioErr(err))
		return
	}
	req, ok := s.decodeScenario(w, r)
	if !ok {
		return
	}
	req.apply(sc)
	sc.Version++
	if err := s.store.SaveScenario(r.Context(), sc); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func scenarioErr(err error) error {
	if errors.Is(err, interfaces.ErrNotFound) {
		return engine.ErrScenarioNotFound
	}
	return err
}

type systemPromptRequest struct {
	Name    string `json:"name" validate:"required"`
	Kind    string `json:"kind" validate:"required,oneof=narrator visualization"`
	Content string `json:"content" validate:"required"`
	Active  bool   `json:"active"`
}

func (s *Server) listSystemPrompts(w http.ResponseWriter, r *http.Request) {
	kind := models.PromptKind(r.URL.Query().Get("kind"))
	prompts, err := s.store.ListSystemPrompts(r.Context(), kind)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prompts)
}

// saveSystemPrompt stores a new prompt. An active prompt deactivates the
// previous one of the same kind.
func (s *Server) saveSystemPrompt(w http.ResponseWriter, r *http.Request) {
	var req systemPromptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p := &models.SystemPrompt{
		Name:    req.Name,
		Kind:    models.PromptKind(req.Kind),
		Content: req.Content,
		Active:  req.Active,
	}
	if err := s.store.SaveSystemPrompt(r.Context(), p); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) listArchetypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Archetypes())
}

func (s *Server) getArchetype(w http.ResponseWriter, r *http.Request) {
	arch, err := s.engine.Archetype(chi.URLParam(r, "name"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, arch)
}

type storylineRequest struct {
	Archetype   string `json:"archetype" validate:"required"`
	Description string `json:"description" validate:"required"`
}

func (s *Server) createStoryline(w http.ResponseWriter, r *http.Request) {
	var req storylineRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sl, err := s.engine.GenerateStoryline(r.Context(), req.Archetype, req.Description)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sl)
}

type renderImageRequest struct {
	MessageID string `json:"message_id" validate:"required"`
	Prompt    string `json:"prompt" validate:"required"`
}

type renderImageResponse struct {
	MessageID string `json:"message_id"`
	Prompt    string `json:"prompt"`
	URL       string `json:"url"`
}

func (s *Server) visualize(w http.ResponseWriter, r *http.Request) {
	if s.visuals == nil {
		s.writeError(w, r, engine.ErrServiceUnavailable)
		return
	}
	msg, err := s.visuals.Visualize(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) renderImage(w http.ResponseWriter, r *http.Request) {
	if s.visuals == nil {
		s.writeError(w, r, engine.ErrServiceUnavailable)
		return
	}
	var req renderImageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	url, err := s.visuals.RenderImage(r.Context(), chi.URLParam(r, "sessionID"), req.MessageID, req.Prompt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, renderImageResponse{MessageID: req.MessageID, Prompt: req.Prompt, URL: url})
}
