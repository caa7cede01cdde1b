// Package api exposes the daemon's query and command surface over HTTP, with
// per-workspace server-sent event streams for live updates.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/taskfactory/factoryd/internal/activity"
	"github.com/taskfactory/factoryd/internal/events"
	"github.com/taskfactory/factoryd/internal/hub"
	"github.com/taskfactory/factoryd/internal/logging"
	"github.com/taskfactory/factoryd/internal/telemetry"
	"github.com/taskfactory/factoryd/internal/workspace"
)

// Server routes HTTP requests onto the hub.
type Server struct {
	router    chi.Router
	hub       *hub.Hub
	registry  workspace.Registry
	bus       *events.Bus
	activity  *activity.Broadcaster
	telemetry *telemetry.Store
	logger    *logging.Logger
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(logger *logging.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithTelemetry exposes the rollup store on the query surface.
func WithTelemetry(store *telemetry.Store) ServerOption {
	return func(s *Server) {
		s.telemetry = store
	}
}

// NewServer creates the API server.
func NewServer(h *hub.Hub, registry workspace.Registry, bus *events.Bus, bcast *activity.Broadcaster, opts ...ServerOption) *Server {
	s := &Server{
		hub:      h,
		registry: registry,
		bus:      bus,
		activity: bcast,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/workspaces", func(r chi.Router) {
			r.Get("/", s.handleListWorkspaces)
			r.Post("/", s.handleCreateWorkspace)

			r.Route("/{workspaceID}", func(r chi.Router) {
				r.Get("/", s.handleGetWorkspace)
				r.Delete("/", s.handleDeleteWorkspace)
				r.Put("/config", s.handleUpdateConfig)

				r.Get("/queue", s.handleQueueStatus)
				r.Post("/queue/start", s.handleQueueStart)
				r.Post("/queue/stop", s.handleQueueStop)
				r.Post("/queue/kick", s.handleQueueKick)

				r.Get("/activity", s.handleActivity)
				r.Get("/telemetry", s.handleTelemetry)
				r.Get("/events", s.handleSSE)

				r.Route("/tasks", func(r chi.Router) {
					r.Get("/", s.handleListTasks)
					r.Post("/", s.handleCreateTask)
					r.Post("/reorder", s.handleReorderTasks)

					r.Route("/{taskID}", func(r chi.Router) {
						r.Get("/", s.handleGetTask)
						r.Put("/", s.handleUpdateTask)
						r.Delete("/", s.handleDeleteTask)
						r.Get("/move-check", s.handleMoveCheck)
						r.Post("/move", s.handleMoveTask)
						r.Post("/execute", s.handleExecuteTask)
						r.Post("/stop", s.handleStopTask)
						r.Post("/steer", s.handleSteerTask)
						r.Post("/follow-up", s.handleFollowUpTask)
						r.Post("/plan/regenerate", s.handleRegeneratePlan)
					})
				})

				r.Route("/planning", func(r chi.Router) {
					r.Get("/messages", s.handlePlanningMessages)
					r.Post("/messages", s.handleSendPlanningMessage)
					r.Post("/reset", s.handleResetPlanning)
					r.Post("/stop", s.handleStopPlanning)
					r.Get("/shelf", s.handleGetShelf)
					r.Post("/shelf/drafts/{draftID}/promote", s.handlePromoteDraft)
					r.Delete("/shelf/drafts/{draftID}", s.handleRemoveDraft)
					r.Delete("/shelf/artifacts/{artifactID}", s.handleRemoveArtifact)
					r.Post("/qa/{requestID}/resolve", s.handleResolveQA)
					r.Post("/qa/{requestID}/abort", s.handleAbortQA)
					r.Get("/attachments", s.handleListAttachments)
					r.Post("/attachments", s.handleUploadAttachment)
					r.Delete("/attachments/{attachmentID}", s.handleDeleteAttachment)
				})
			})
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// runtime resolves the workspace runtime for a request, writing the error
// response itself when the workspace is unknown.
func (s *Server) runtime(w http.ResponseWriter, r *http.Request) (*hub.Runtime, bool) {
	id := chi.URLParam(r, "workspaceID")
	rt, err := s.hub.Runtime(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return nil, false
	}
	return rt, true
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
