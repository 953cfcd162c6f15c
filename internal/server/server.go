package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/split-goat/split-goat/internal/engine"
	"github.com/split-goat/split-goat/internal/store"
)

type Server struct {
	engine    *engine.Engine
	store     *store.SQLiteStore
	port      int
	token     string
	tokenFile string
	router    *http.ServeMux
	startTime time.Time
	logger    *zap.Logger
}

func New(eng *engine.Engine, s *store.SQLiteStore, port int, tokenFile string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &Server{
		engine:    eng,
		store:     s,
		port:      port,
		token:     generateToken(),
		tokenFile: tokenFile,
		router:    http.NewServeMux(),
		startTime: time.Now(),
		logger:    logger,
	}

	srv.setupRoutes()
	return srv
}

func (s *Server) setupRoutes() {
	// Public endpoints
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("POST /api/assign", s.handleAssign)
	s.router.HandleFunc("POST /api/impressions", s.handleImpression)
	s.router.HandleFunc("GET /api/tests", s.handleListTests)
	s.router.HandleFunc("GET /api/tests/{id}", s.handleGetTest)
	s.router.HandleFunc("GET /api/tests/{id}/results", s.handleResults)
	s.router.HandleFunc("GET /api/tests/{id}/summary", s.handleSummary)

	// Admin endpoints (protected)
	s.router.Handle("POST /api/tests", s.authMiddleware(http.HandlerFunc(s.handleCreateTest)))
	s.router.Handle("DELETE /api/tests/{id}", s.authMiddleware(http.HandlerFunc(s.handleDeleteTest)))
	s.router.Handle("POST /api/tests/{id}/start", s.authMiddleware(s.transitionHandler(s.engine.StartTest)))
	s.router.Handle("POST /api/tests/{id}/pause", s.authMiddleware(s.transitionHandler(s.engine.PauseTest)))
	s.router.Handle("POST /api/tests/{id}/resume", s.authMiddleware(s.transitionHandler(s.engine.ResumeTest)))
	s.router.Handle("POST /api/tests/{id}/end", s.authMiddleware(http.HandlerFunc(s.handleEndTest)))
	s.router.Handle("GET /api/stats", s.authMiddleware(http.HandlerFunc(s.handleStats)))
	s.router.Handle("GET /api/history", s.authMiddleware(http.HandlerFunc(s.handleHistory)))
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if s.tokenFile != "" {
		if err := os.WriteFile(s.tokenFile, []byte(s.token), 0600); err != nil {
			s.logger.Warn("failed to write token file", zap.Error(err))
		}
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	s.logger.Info("split-goat running",
		zap.Int("port", s.port), zap.String("token", s.token))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) Token() string {
	return s.token
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func generateToken() string {
	bytes := make([]byte, 4)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to a simple token if crypto/rand fails
		return "a1b2c3d4"
	}
	return hex.EncodeToString(bytes)
}
