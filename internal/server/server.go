// Package server provides the HTTP API for Hondana.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/bookpile/hondana/internal/cache"
	"github.com/bookpile/hondana/internal/chat"
	"github.com/bookpile/hondana/internal/config"
	"github.com/bookpile/hondana/internal/pricing"
	"github.com/bookpile/hondana/internal/storage"
	"github.com/bookpile/hondana/internal/usage"
)

type contextKey string

const userIDKey contextKey = "user_id"

// Server is the HTTP server for the Hondana API.
type Server struct {
	pipeline   *chat.Pipeline
	store      storage.Store
	recorder   *usage.Recorder
	pricer     *pricing.Engine
	catalog    *cache.TTLCache
	catalogTTL time.Duration
	config     *config.ServerConfig
	logger     *zap.Logger
	server     *http.Server
}

// NewServer creates a server with the given dependencies.
func NewServer(
	pipeline *chat.Pipeline,
	store storage.Store,
	recorder *usage.Recorder,
	pricer *pricing.Engine,
	catalog *cache.TTLCache,
	catalogTTL time.Duration,
	cfg *config.ServerConfig,
	logger *zap.Logger,
) *Server {
	if catalogTTL <= 0 {
		catalogTTL = 5 * time.Minute
	}
	return &Server{
		pipeline:   pipeline,
		store:      store,
		recorder:   recorder,
		pricer:     pricer,
		catalog:    catalog,
		catalogTTL: catalogTTL,
		config:     cfg,
		logger:     logger,
	}
}

// Router builds the chi router; separate from Start so tests can drive it
// with httptest.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))
	r.Use(middleware.Compress(5))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.identity)
		r.Post("/chat", s.handleChat)
		r.Get("/models", s.handleModels)
		r.Get("/messages/{id}/usage-details", s.handleMessageUsage)
		r.Get("/attachments/{id}", s.handleAttachment)
		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", s.handleListConversations)
			r.Post("/", s.handleCreateConversation)
			r.Get("/{id}", s.handleGetConversation)
			r.Get("/{id}/messages", s.handleListMessages)
			r.Get("/{id}/usage-details", s.handleConversationUsage)
			r.Put("/{id}", s.handleRenameConversation)
			r.Delete("/{id}", s.handleDeleteConversation)
		})
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// identity extracts the authenticated user id from the bearer token subject.
// Credential validation happens upstream; the id is trusted here.
func (s *Server) identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			s.respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, err := strconv.ParseInt(strings.TrimSpace(token), 10, 64)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requesterID(r *http.Request) int64 {
	id, _ := r.Context().Value(userIDKey).(int64)
	return id
}
