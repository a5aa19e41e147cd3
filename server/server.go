// Package server exposes an agent over HTTP: health, metrics, spell
// management, job submission and the archived message topics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/petal-labs/grimoire/agent"
	"github.com/petal-labs/grimoire/bus"
	"github.com/petal-labs/grimoire/graph"
	"github.com/petal-labs/grimoire/queue"
	"github.com/petal-labs/grimoire/registry"
	"github.com/petal-labs/grimoire/runtime"
	"github.com/petal-labs/grimoire/sse"
)

// Agent is the part of agent.Agent the API drives.
type Agent interface {
	ID() string
	Spells() []string
	Scheduler(spellID string) (*runtime.Scheduler, bool)
	LoadSpell(ctx context.Context, spell graph.Spell) error
	Registry() (*registry.Registry, error)
}

var _ Agent = (*agent.Agent)(nil)

// DefaultStaleAfter is how old the last liveness ping may be before
// /healthz reports the agent down.
const DefaultStaleAfter = 5 * time.Second

// Config configures a Server. Agent and Queue are required; the other
// collaborators switch their routes off when nil.
type Config struct {
	Agent    Agent
	Queue    queue.Queue
	Liveness agent.LivenessStore
	// Spells persists spells posted to the API.
	Spells agent.SpellWriter
	// Bus and Archive back the topic routes.
	Bus     bus.Bus
	Archive bus.MessageStore
	// Metrics serves /metrics.
	Metrics http.Handler

	StaleAfter time.Duration
	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
	Now        func() time.Time
}

// Server is the grimoire HTTP API.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Agent == nil {
		return nil, errors.New("server: agent is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("server: queue is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 1 << 20 // 1 MB default
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Server{cfg: cfg, logger: cfg.Logger}, nil
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)
	r.Use(s.maxBodyMiddleware)

	r.Get("/healthz", s.handleHealth)
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/node-types", s.handleNodeTypes)
		r.Get("/spells", s.handleListSpells)
		r.Post("/spells", s.handlePutSpell)
		r.Get("/spells/{id}", s.handleGetSpell)
		r.Post("/jobs", s.handleEnqueueJob)

		if s.cfg.Archive != nil {
			r.Get("/topics", s.handleListTopics)
			r.Get("/topics/{topic}/messages", s.handleListMessages)
		}
		if s.cfg.Bus != nil {
			r.Get("/topics/{topic}/stream", sse.NewHandler(s.cfg.Archive, s.cfg.Bus, sse.WithLogger(s.logger)).ServeHTTP)
		}
	})
	return r
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.cfg.CORSOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the error envelope of every non-2xx JSON response.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}

func decodeJSONBody(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}
