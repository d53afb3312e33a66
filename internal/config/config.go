// Package config provides configuration management for the content pipeline.
// Configuration is loaded from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// Default values
	DefaultPort     = 8787
	DefaultLogLevel = "info"
	DefaultDataDir  = ".contentpipe"

	// Environment variable names
	EnvPort     = "CONTENTPIPE_PORT"
	EnvLogLevel = "CONTENTPIPE_LOG_LEVEL"
	EnvLogFile  = "CONTENTPIPE_LOG_FILE"
	EnvDataDir  = "CONTENTPIPE_DATA_DIR"
	EnvHeadless = "CONTENTPIPE_HEADLESS"

	// Stage service environment variable names
	EnvUploadURL     = "CONTENTPIPE_UPLOAD_URL"
	EnvTrendURL      = "CONTENTPIPE_TREND_URL"
	EnvAnalysisURL   = "CONTENTPIPE_ANALYSIS_URL"
	EnvGenerationURL = "CONTENTPIPE_GENERATION_URL"
	EnvQualityURL    = "CONTENTPIPE_QUALITY_URL"

	EnvTimeoutUpload   = "CONTENTPIPE_TIMEOUT_UPLOAD"
	EnvTimeoutTrend    = "CONTENTPIPE_TIMEOUT_TREND"
	EnvTimeoutAnalysis = "CONTENTPIPE_TIMEOUT_ANALYSIS"
	EnvTimeoutGenerate = "CONTENTPIPE_TIMEOUT_GENERATE"
	EnvTimeoutQuality  = "CONTENTPIPE_TIMEOUT_QUALITY"
	EnvTimeoutHealth   = "CONTENTPIPE_TIMEOUT_HEALTH"

	EnvTrendRegion   = "CONTENTPIPE_TREND_REGION"
	EnvMaxHashtags   = "CONTENTPIPE_MAX_HASHTAGS"
	EnvDriveFolderID = "CONTENTPIPE_DRIVE_FOLDER_ID"

	// Database filename
	DBFilename = "contentpipe.db"

	// Stage service defaults
	DefaultUploadURL     = "http://localhost:8001"
	DefaultTrendURL      = "http://localhost:8002"
	DefaultAnalysisURL   = "http://localhost:8003"
	DefaultGenerationURL = "http://localhost:8004"
	DefaultQualityURL    = "http://localhost:8005"

	DefaultTimeoutStage    = 120 // seconds
	DefaultTimeoutGenerate = 180 // diffusion synthesis is the slowest stage
	DefaultTimeoutHealth   = 5

	DefaultTrendRegion = "US"
	DefaultMaxHashtags = 15
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	LogFile() string
	DataDir() string
	DBPath() string
	Headless() bool

	UploadURL() string
	TrendURL() string
	AnalysisURL() string
	GenerationURL() string
	QualityURL() string

	TimeoutUpload() time.Duration
	TimeoutTrend() time.Duration
	TimeoutAnalysis() time.Duration
	TimeoutGenerate() time.Duration
	TimeoutQuality() time.Duration
	TimeoutHealth() time.Duration

	TrendRegion() string
	MaxHashtags() int
	DriveFolderID() string
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port     int
	logLevel string
	logFile  string
	dataDir  string
	headless bool

	uploadURL     string
	trendURL      string
	analysisURL   string
	generationURL string
	qualityURL    string

	timeoutUpload   time.Duration
	timeoutTrend    time.Duration
	timeoutAnalysis time.Duration
	timeoutGenerate time.Duration
	timeoutQuality  time.Duration
	timeoutHealth   time.Duration

	trendRegion   string
	maxHashtags   int
	driveFolderID string
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:     DefaultPort,
		logLevel: DefaultLogLevel,
		dataDir:  defaultDataDir(),
		headless: true,

		uploadURL:     DefaultUploadURL,
		trendURL:      DefaultTrendURL,
		analysisURL:   DefaultAnalysisURL,
		generationURL: DefaultGenerationURL,
		qualityURL:    DefaultQualityURL,

		trendRegion: DefaultTrendRegion,
		maxHashtags: DefaultMaxHashtags,
	}

	// Override port from environment
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}
	cfg.logFile = os.Getenv(EnvLogFile)

	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	if h := os.Getenv(EnvHeadless); h != "" {
		headless, err := strconv.ParseBool(h)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvHeadless, err)
		}
		cfg.headless = headless
	}

	overrideString(&cfg.uploadURL, EnvUploadURL)
	overrideString(&cfg.trendURL, EnvTrendURL)
	overrideString(&cfg.analysisURL, EnvAnalysisURL)
	overrideString(&cfg.generationURL, EnvGenerationURL)
	overrideString(&cfg.qualityURL, EnvQualityURL)
	overrideString(&cfg.trendRegion, EnvTrendRegion)
	cfg.driveFolderID = os.Getenv(EnvDriveFolderID)

	timeouts := []struct {
		dst      *time.Duration
		env      string
		fallback int
	}{
		{&cfg.timeoutUpload, EnvTimeoutUpload, DefaultTimeoutStage},
		{&cfg.timeoutTrend, EnvTimeoutTrend, DefaultTimeoutStage},
		{&cfg.timeoutAnalysis, EnvTimeoutAnalysis, DefaultTimeoutStage},
		{&cfg.timeoutGenerate, EnvTimeoutGenerate, DefaultTimeoutGenerate},
		{&cfg.timeoutQuality, EnvTimeoutQuality, DefaultTimeoutStage},
		{&cfg.timeoutHealth, EnvTimeoutHealth, DefaultTimeoutHealth},
	}
	for _, t := range timeouts {
		d, err := secondsFromEnv(t.env, t.fallback)
		if err != nil {
			return nil, err
		}
		*t.dst = d
	}

	if mh := os.Getenv(EnvMaxHashtags); mh != "" {
		n, err := strconv.Atoi(mh)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid %s: must be a positive integer", EnvMaxHashtags)
		}
		cfg.maxHashtags = n
	}

	return cfg, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// LogFile returns the optional JSON log file path; empty disables file logging.
func (c *EnvConfig) LogFile() string {
	return c.logFile
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// Headless reports whether the system tray is disabled.
func (c *EnvConfig) Headless() bool {
	return c.headless
}

func (c *EnvConfig) UploadURL() string     { return c.uploadURL }
func (c *EnvConfig) TrendURL() string      { return c.trendURL }
func (c *EnvConfig) AnalysisURL() string   { return c.analysisURL }
func (c *EnvConfig) GenerationURL() string { return c.generationURL }
func (c *EnvConfig) QualityURL() string    { return c.qualityURL }

func (c *EnvConfig) TimeoutUpload() time.Duration   { return c.timeoutUpload }
func (c *EnvConfig) TimeoutTrend() time.Duration    { return c.timeoutTrend }
func (c *EnvConfig) TimeoutAnalysis() time.Duration { return c.timeoutAnalysis }
func (c *EnvConfig) TimeoutGenerate() time.Duration { return c.timeoutGenerate }
func (c *EnvConfig) TimeoutQuality() time.Duration  { return c.timeoutQuality }
func (c *EnvConfig) TimeoutHealth() time.Duration   { return c.timeoutHealth }

// TrendRegion returns the region hint sent to the trend service.
func (c *EnvConfig) TrendRegion() string {
	return c.trendRegion
}

// MaxHashtags returns the hashtag cap requested at finalization.
func (c *EnvConfig) MaxHashtags() int {
	return c.maxHashtags
}

// DriveFolderID returns the storage folder the analysis service should read; empty means its default.
func (c *EnvConfig) DriveFolderID() string {
	return c.driveFolderID
}

func overrideString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func secondsFromEnv(env string, fallback int) (time.Duration, error) {
	v := os.Getenv(env)
	if v == "" {
		return time.Duration(fallback) * time.Second, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", env, err)
	}
	if n < 1 {
		return 0, fmt.Errorf("invalid %s: timeout must be at least 1 second", env)
	}
	return time.Duration(n) * time.Second, nil
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
