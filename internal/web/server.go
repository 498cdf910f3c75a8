// Package web exposes StoryOS over HTTP and websockets.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"storyos/server/internal/engine"
	"storyos/server/internal/generators"
	"storyos/server/internal/interfaces"
	"storyos/server/internal/metrics"
	"storyos/server/internal/visualization"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var validate = validator.New()

// Deps are the collaborators of the HTTP layer. Queue, Hub, Metrics and
// Gatherer are optional.
type Deps struct {
	Engine   *engine.Engine
	Store    interfaces.StoryStore
	LLM      interfaces.CompletionEngine
	Visuals  *visualization.Service
	Queue    *generators.ImageQueue
	Hub      *SessionHub
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Log      zerolog.Logger
}

// Server holds the handlers
type Server struct {
	engine  *engine.Engine
	store   interfaces.StoryStore
	llm     interfaces.CompletionEngine
	visuals *visualization.Service
	queue   *generators.ImageQueue
	hub     *SessionHub
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewRouter builds the chi router for the API
func NewRouter(deps Deps) http.Handler {
	hub := deps.Hub
	if hub == nil {
		hub = NewSessionHub(nil, deps.Log)
	}
	s := &Server{
		engine:  deps.Engine,
		store:   deps.Store,
		llm:     deps.LLM,
		visuals: deps.Visuals,
		queue:   deps.Queue,
		hub:     hub,
		metrics: deps.Metrics,
		log:     deps.Log,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(deps.Log, deps.Metrics))
	r.Use(corsMiddleware)

	r.Get("/health", s.health)
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.createSession)
			r.Get("/", s.listSessions)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.getSession)
				r.Delete("/", s.deleteSession)
				r.Patch("/game-speed", s.setGameSpeed)
				r.Get("/messages", s.listMessages)
				r.Post("/start", s.startStory)
				r.Post("/turns", s.playTurn)
				r.Get("/ws", s.serveWS)
				r.Post("/visualize", s.visualize)
				r.Post("/images", s.renderImage)
			})
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", s.listScenarios)
			r.Post("/", s.createScenario)
			r.Get("/{scenarioID}", s.getScenario)
			r.Put("/{scenarioID}", s.updateScenario)
		})

		r.Route("/system-prompts", func(r chi.Router) {
			r.Get("/", s.listSystemPrompts)
			r.Post("/", s.saveSystemPrompt)
		})

		r.Get("/archetypes", s.listArchetypes)
		r.Get("/archetypes/{name}", s.getArchetype)
		r.Post("/storylines", s.createStoryline)
	})

	return r
}

// requestLogger logs each request with zerolog and records HTTP metrics
func requestLogger(log zerolog.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			elapsed := time.Since(start)
			m.RecordHTTPRequest(r.Method, route, strconv.Itoa(status), elapsed)

			log.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("route", route).
				Int("status", status).
				Dur("duration", elapsed).
				Msg("request")
		})
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Max-Age", "300")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	Status    string                      `json:"status"`
	Service   string                      `json:"service"`
	Store     string                      `json:"store"`
	LLM       bool                        `json:"llm"`
	Images    *interfaces.GeneratorStatus `json:"images,omitempty"`
	StoreErr  string                      `json:"store_error,omitempty"`
	Timestamp time.Time                   `json:"timestamp"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:    "ok",
		Service:   "storyos",
		Store:     "ok",
		LLM:       s.llm != nil && s.llm.Available(),
		Timestamp: time.Now().UTC(),
	}
	status := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		resp.Status, resp.Store, resp.StoreErr = "degraded", "down", err.Error()
		status = http.StatusServiceUnavailable
	}
	if !resp.LLM {
		resp.Status = "degraded"
	}
	if s.queue != nil {
		st := s.queue.Status()
		resp.Images = &st
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	var (
		verrs      validator.ValidationErrors
		completion *engine.CompletionError
		malformed  *engine.MalformedModelOutputError
		violation  *engine.SchemaViolationError
	)
	switch {
	case errors.Is(err, engine.ErrEmptyInput), errors.Is(err, engine.ErrUnknownArchetype),
		errors.Is(err, engine.ErrInvalidGameSpeed), errors.As(err, &verrs):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrSessionNotFound), errors.Is(err, engine.ErrScenarioNotFound),
		errors.Is(err, interfaces.ErrNotFound), errors.Is(err, visualization.ErrMessageNotFound),
		errors.Is(err, visualization.ErrUnknownPrompt):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrTurnInProgress), errors.Is(err, engine.ErrStoryStarted),
		errors.Is(err, visualization.ErrNoNarration):
		return http.StatusConflict
	case errors.Is(err, generators.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, engine.ErrServiceUnavailable), errors.Is(err, visualization.ErrImagesDisabled),
		errors.Is(err, generators.ErrQueueStopped):
		return http.StatusServiceUnavailable
	case errors.As(err, &completion), errors.As(err, &malformed), errors.As(err, &violation):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}
