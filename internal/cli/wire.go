package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/api"
	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/auditlog"
	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/config"
	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/db"
	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/orchestrator"
	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/run"
	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/stage"
)

// services holds one client per remote stage service.
type services struct {
	upload     *stage.Client
	trend      *stage.Client
	analysis   *stage.Client
	generation *stage.Client
	quality    *stage.Client
}

func newServices(cfg config.Config, logger *slog.Logger) services {
	client := func(name, baseURL, healthPath string, timeout func() time.Duration) *stage.Client {
		return stage.NewClient(stage.ClientConfig{
			Service:       name,
			BaseURL:       baseURL,
			HealthPath:    healthPath,
			Timeout:       timeout(),
			HealthTimeout: cfg.TimeoutHealth(),
			Logger:        logger,
		})
	}
	return services{
		upload:     client("upload", cfg.UploadURL(), stage.PathUploadHealth, cfg.TimeoutUpload),
		trend:      client("trend", cfg.TrendURL(), stage.PathAnalysisHealth, cfg.TimeoutTrend),
		analysis:   client("analysis", cfg.AnalysisURL(), stage.PathAnalysisHealth, cfg.TimeoutAnalysis),
		generation: client("generation", cfg.GenerationURL(), stage.PathGenerateHealth, cfg.TimeoutGenerate),
		quality:    client("quality", cfg.QualityURL(), stage.PathQualityHealth, cfg.TimeoutQuality),
	}
}

func (s services) gateways(generate *stage.GenerateGateway) orchestrator.Gateways {
	return orchestrator.Gateways{
		Upload:   stage.NewUploadGateway(s.upload),
		Trend:    stage.NewTrendGateway(s.trend),
		Analyze:  stage.NewAnalyzeGateway(s.analysis),
		Generate: generate,
		Assess:   stage.NewQualityAssessGateway(s.quality),
		Finalize: stage.NewQualityFinalizeGateway(s.quality),
	}
}

func (s services) probers() []stage.Prober {
	return []stage.Prober{s.upload, s.trend, s.analysis, s.generation, s.quality}
}

// app is the wired object graph shared by every command.
type app struct {
	logger *slog.Logger

	db        *db.DB
	store     *run.Store
	orch      *orchestrator.Orchestrator
	artifacts *stage.GenerateGateway
	doctor    *stage.CachedDoctor
}

func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	audit := auditlog.New(auditlog.NewSQLiteSink(database.Conn()), logger)
	store := run.NewStore(run.NewRepository(database.Conn()), audit, logger)

	svc := newServices(cfg, logger)
	generate := stage.NewGenerateGateway(svc.generation)
	orch, err := orchestrator.New(svc.gateways(generate), store, audit, orchestrator.Options{
		TrendRegion:   cfg.TrendRegion(),
		DriveFolderID: cfg.DriveFolderID(),
		MaxHashtags:   cfg.MaxHashtags(),
	}, logger)
	if err != nil {
		database.Close()
		return nil, err
	}

	return &app{
		logger:    logger,
		db:        database,
		store:     store,
		orch:      orch,
		artifacts: generate,
		doctor:    stage.NewCachedDoctor(stage.NewDoctor(logger, svc.probers()...), 0, logger),
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Error("failed to close database", "error", err)
	}
}

// ensureAuthToken returns the persisted bearer token, creating one on first use.
func ensureAuthToken(ctx context.Context, database *db.DB) (string, error) {
	existing, err := database.GetConfig(ctx, api.AuthTokenKey)
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := database.SetConfig(ctx, api.AuthTokenKey, token); err != nil {
		return "", err
	}

	return token, nil
}
