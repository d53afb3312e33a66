// Package run holds the state of content pipeline runs.
package run

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/auditlog"
)

// Stage is the position of a run in the pipeline. Non-failed stages are
// totally ordered by their numeric value.
type Stage int

const (
	NotStarted Stage = iota
	MaterialsUploaded
	Processed
	Generated
	QualityAssessed
	Finalized
	Failed
)

var stageNames = map[Stage]string{
	NotStarted:        "not_started",
	MaterialsUploaded: "materials_uploaded",
	Processed:         "processed",
	Generated:         "generated",
	QualityAssessed:   "quality_assessed",
	Finalized:         "finalized",
	Failed:            "failed",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

func ParseStage(name string) (Stage, error) {
	for s, n := range stageNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

func (s Stage) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Stage) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStage(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s Stage) IsTerminal() bool {
	return s == Finalized || s == Failed
}

// File is one binary asset supplied by the caller. Data is only kept in
// memory until the upload stage has consumed it.
type File struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Size        int    `json:"size"`
	Data        []byte `json:"-"`
}

type Materials struct {
	Files       []File   `json:"files"`
	Keywords    []string `json:"keywords"`
	Description string   `json:"description"`
}

func (m Materials) FileNames() []string {
	names := make([]string, len(m.Files))
	for i, f := range m.Files {
		names[i] = f.Name
	}
	return names
}

// Asset names, one per stage output.
const (
	AssetUpload   = "upload"
	AssetTrend    = "trend"
	AssetAnalyze  = "analyze"
	AssetGenerate = "generate"
	AssetQuality  = "quality"
	AssetFinalize = "finalize"
)

// AssetNames lists every asset in pipeline order.
var AssetNames = []string{AssetUpload, AssetTrend, AssetAnalyze, AssetGenerate, AssetQuality, AssetFinalize}

// assetOwner maps each asset to the stage whose completion writes it.
var assetOwner = map[string]Stage{
	AssetUpload:   MaterialsUploaded,
	AssetTrend:    Processed,
	AssetAnalyze:  Processed,
	AssetGenerate: Generated,
	AssetQuality:  QualityAssessed,
	AssetFinalize: Finalized,
}

// OwnerStage returns the stage that writes the named asset.
func OwnerStage(asset string) (Stage, bool) {
	s, ok := assetOwner[asset]
	return s, ok
}

type StoredAsset struct {
	ID          string `json:"id"`
	ViewURL     string `json:"view_url,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
}

type UploadAsset struct {
	Stored      []StoredAsset `json:"stored"`
	Count       int           `json:"count"`
	Description string        `json:"description,omitempty"`
}

// IDs returns the storage ids of the uploaded assets.
func (u *UploadAsset) IDs() []string {
	ids := make([]string, len(u.Stored))
	for i, a := range u.Stored {
		ids[i] = a.ID
	}
	return ids
}

type TrendAsset struct {
	Trends   []string `json:"trends"`
	Hashtags []string `json:"hashtags"`
	Platform string   `json:"platform,omitempty"`
	Source   string   `json:"source,omitempty"`
	Degraded bool     `json:"degraded"`
	Reason   string   `json:"reason,omitempty"`
}

type AnalysisAsset struct {
	VisualSummary string          `json:"visual_summary"`
	VideoSummary  string          `json:"video_summary"`
	Keywords      []string        `json:"keywords"`
	Detail        json.RawMessage `json:"detail,omitempty"`
}

type GenerationAsset struct {
	Style       string         `json:"style"`
	Prompt      string         `json:"prompt"`
	ImagePath   string         `json:"image_path"`
	Filename    string         `json:"filename"`
	DownloadURL string         `json:"download_url,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type QualityAsset struct {
	Score      float64            `json:"score"`
	Tier       string             `json:"tier"`
	Components map[string]float64 `json:"components,omitempty"`
	Degraded   bool               `json:"degraded"`
	Reason     string             `json:"reason,omitempty"`
}

type FinalizeAsset struct {
	Caption        string   `json:"caption"`
	Hashtags       []string `json:"hashtags"`
	Platform       string   `json:"platform"`
	OverallScore   float64  `json:"overall_score"`
	ClipScore      float64  `json:"clip_score"`
	AestheticScore float64  `json:"aesthetic_score"`
	QualityLevel   string   `json:"quality_level,omitempty"`
}

// Assets holds the output of every completed stage. Each entry is written
// once and never replaced.
type Assets struct {
	Upload   *UploadAsset     `json:"upload,omitempty"`
	Trend    *TrendAsset      `json:"trend,omitempty"`
	Analyze  *AnalysisAsset   `json:"analyze,omitempty"`
	Generate *GenerationAsset `json:"generate,omitempty"`
	Quality  *QualityAsset    `json:"quality,omitempty"`
	Finalize *FinalizeAsset   `json:"finalize,omitempty"`
}

// Get returns the named entry, or nil.
func (a *Assets) Get(name string) any {
	switch name {
	case AssetUpload:
		return nilIfEmpty(a.Upload)
	case AssetTrend:
		return nilIfEmpty(a.Trend)
	case AssetAnalyze:
		return nilIfEmpty(a.Analyze)
	case AssetGenerate:
		return nilIfEmpty(a.Generate)
	case AssetQuality:
		return nilIfEmpty(a.Quality)
	case AssetFinalize:
		return nilIfEmpty(a.Finalize)
	}
	return nil
}

func nilIfEmpty[T any](p *T) any {
	if p == nil {
		return nil
	}
	return p
}

func (a *Assets) Has(name string) bool {
	return a.Get(name) != nil
}

// Names lists the present entries in pipeline order.
func (a *Assets) Names() []string {
	var names []string
	for _, n := range AssetNames {
		if a.Has(n) {
			names = append(names, n)
		}
	}
	return names
}

// set decodes a persisted entry into its slot.
func (a *Assets) set(name string, payload []byte) error {
	var err error
	switch name {
	case AssetUpload:
		a.Upload = new(UploadAsset)
		err = json.Unmarshal(payload, a.Upload)
	case AssetTrend:
		a.Trend = new(TrendAsset)
		err = json.Unmarshal(payload, a.Trend)
	case AssetAnalyze:
		a.Analyze = new(AnalysisAsset)
		err = json.Unmarshal(payload, a.Analyze)
	case AssetGenerate:
		a.Generate = new(GenerationAsset)
		err = json.Unmarshal(payload, a.Generate)
	case AssetQuality:
		a.Quality = new(QualityAsset)
		err = json.Unmarshal(payload, a.Quality)
	case AssetFinalize:
		a.Finalize = new(FinalizeAsset)
		err = json.Unmarshal(payload, a.Finalize)
	default:
		return fmt.Errorf("unknown asset %q", name)
	}
	return err
}

// Outcome of a terminal run.
const (
	OutcomeFinalized = "finalized"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// TerminalResult summarizes a run that reached Finalized or Failed.
type TerminalResult struct {
	Outcome      string    `json:"outcome"`
	FailedStep   string    `json:"failed_step,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Retryable    bool      `json:"retryable,omitempty"`
	Cancelled    bool      `json:"cancelled,omitempty"`
	Caption      string    `json:"caption,omitempty"`
	Hashtags     []string  `json:"hashtags,omitempty"`
	ArtifactURL  string    `json:"artifact_url,omitempty"`
	QualityScore float64   `json:"quality_score,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}

// PipelineRun is one end-to-end content creation attempt.
type PipelineRun struct {
	ID         string           `json:"id"`
	Stage      Stage            `json:"stage"`
	FailedFrom Stage            `json:"failed_from,omitempty"`
	Materials  Materials        `json:"materials"`
	Style      string           `json:"style,omitempty"`
	Assets     Assets           `json:"assets"`
	AuditLog   []auditlog.Entry `json:"audit_log"`
	Terminal   *TerminalResult  `json:"terminal,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// EffectiveStage is the furthest non-failed stage the run reached.
func (r *PipelineRun) EffectiveStage() Stage {
	if r.Stage == Failed {
		return r.FailedFrom
	}
	return r.Stage
}

// Summary is the listing view of a run.
type Summary struct {
	ID        string    `json:"id"`
	Stage     Stage     `json:"stage"`
	Outcome   string    `json:"outcome,omitempty"`
	Style     string    `json:"style,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *PipelineRun) Summary() Summary {
	s := Summary{
		ID:        r.ID,
		Stage:     r.Stage,
		Style:     r.Style,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Terminal != nil {
		s.Outcome = r.Terminal.Outcome
	}
	return s
}
