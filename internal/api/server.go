package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/orchestrator"
	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/stage"
)

// ArtifactSource serves generation styles and generated files.
type ArtifactSource interface {
	Styles(ctx context.Context) stage.Result[stage.StylesResponse]
	Download(ctx context.Context, filename string) stage.Result[stage.Artifact]
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Port           int
	Orchestrator   *orchestrator.Orchestrator
	Artifacts      ArtifactSource
	Doctor         *stage.CachedDoctor
	Tokens         TokenStore
	Logger         *slog.Logger
	StartTime      time.Time
	Version        string
	MaxUploadBytes int64
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
