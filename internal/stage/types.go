// Package stage provides uniform clients for the remote services a content
// run is carried through (upload, trend, analysis, generation, quality).
// Every call returns a normalized Result instead of an error so the caller
// can decide how each failure class affects the run.
package stage

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Outcome classifies a single gateway call.
type Outcome int

const (
	// Success means the remote stage answered 2xx with a well-formed payload.
	Success Outcome = iota
	// RemoteError means the remote stage explicitly rejected or failed the request.
	RemoteError
	// TransportError means no usable response arrived: timeout, connection
	// failure or a malformed payload.
	TransportError
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RemoteError:
		return "remote_error"
	case TransportError:
		return "transport_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// Result is the normalized outcome of one gateway call.
type Result[T any] struct {
	Outcome    Outcome       `json:"outcome"`
	Payload    T             `json:"payload,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	Timeout    bool          `json:"timeout,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// IsSuccess returns true when the remote stage produced a usable payload.
func (r Result[T]) IsSuccess() bool { return r.Outcome == Success }

// Retryable reports whether re-triggering the same call could plausibly
// succeed: transport failures and 5xx rejections are transient, 4xx and
// application-level rejections are not.
func (r Result[T]) Retryable() bool {
	switch r.Outcome {
	case TransportError:
		return true
	case RemoteError:
		return r.StatusCode >= http.StatusInternalServerError
	default:
		return false
	}
}

// Error renders the failure for logs; empty on success.
func (r Result[T]) Error() string {
	if r.Outcome == Success {
		return ""
	}
	if r.Timeout {
		return fmt.Sprintf("%s (timeout): %s", r.Outcome, r.Detail)
	}
	if r.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", r.Outcome, r.StatusCode, r.Detail)
	}
	return fmt.Sprintf("%s: %s", r.Outcome, r.Detail)
}

// UploadFile is one binary asset sent to the upload service.
type UploadFile struct {
	Name        string
	ContentType string
	Data        []byte
}

type UploadRequest struct {
	Files       []UploadFile
	Description string
}

// StoredAsset is the storage backend's receipt for one uploaded file.
type StoredAsset struct {
	ID          string `json:"id"`
	ViewURL     string `json:"view_url,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
}

type UploadedAssets struct {
	Images      []StoredAsset `json:"images"`
	Description string        `json:"description,omitempty"`
}

type UploadResponse struct {
	Success       bool           `json:"success"`
	UploadedCount int            `json:"uploaded_count"`
	Assets        UploadedAssets `json:"assets"`
}

type TrendRequest struct {
	Region string
}

type TrendResponse struct {
	Platform   string   `json:"platform"`
	Trends     []string `json:"trends"`
	Hashtags   []string `json:"hashtags"`
	Status     string   `json:"status,omitempty"`
	DataSource string   `json:"data_source,omitempty"`
}

type AnalyzeRequest struct {
	AssetIDs    []string `json:"asset_ids,omitempty"`
	Keywords    []string `json:"keywords"`
	Description string   `json:"description"`
	FolderID    string   `json:"-"`
}

type AnalyzeResponse struct {
	VisualSummary    string          `json:"visual_summary"`
	VideoSummary     string          `json:"video_summary"`
	Keywords         []string        `json:"keywords"`
	DetailedAnalysis json.RawMessage `json:"detailed_analysis,omitempty"`
}

type GenerateRequest struct {
	VisualSummary string   `json:"visual_summary"`
	VideoSummary  string   `json:"video_summary"`
	Keywords      []string `json:"keywords"`
	Trends        []string `json:"trends"`
	Style         string   `json:"poster_style"`
	IncludeTrends bool     `json:"include_trends"`
}

type GenerateResponse struct {
	Success     bool           `json:"success"`
	ImagePath   string         `json:"image_path"`
	Filename    string         `json:"filename"`
	DownloadURL string         `json:"download_url"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (g GenerateResponse) validate() error {
	if g.ImagePath == "" && g.Filename == "" {
		return fmt.Errorf("artifact reference missing")
	}
	return nil
}

// StyleInfo describes one poster style offered by the generation service.
type StyleInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Colors      []string `json:"colors,omitempty"`
	BestFor     string   `json:"best_for,omitempty"`
}

type StylesResponse struct {
	Available map[string]StyleInfo `json:"available_styles"`
	Default   string               `json:"default_style"`
}

// Artifact is a raw file fetched from a stage service.
type Artifact struct {
	Filename    string
	ContentType string
	Data        []byte
}

type AssessRequest struct {
	ImagePath string `json:"image_path"`
	Prompt    string `json:"prompt,omitempty"`
}

// OverallScore is the composite quality verdict for one artifact.
type OverallScore struct {
	Score        float64            `json:"overall_score"`
	QualityLevel string             `json:"quality_level"`
	RawScores    map[string]float64 `json:"raw_scores,omitempty"`
}

type QualityAssessment struct {
	OverallScore OverallScore `json:"overall_score"`
}

type AssessResponse struct {
	Success           bool              `json:"success"`
	QualityAssessment QualityAssessment `json:"quality_assessment"`
}

type FinalizeRequest struct {
	ImagePath      string `json:"image_path"`
	OriginalPrompt string `json:"original_prompt"`
	Style          string `json:"style"`
	Platform       string `json:"platform"`
	MaxHashtags    int    `json:"max_hashtags"`
}

type FinalizedContent struct {
	Caption      string   `json:"caption"`
	Hashtags     []string `json:"hashtags"`
	HashtagCount int      `json:"hashtag_count"`
}

type QualityScores struct {
	OverallScore   float64 `json:"overall_score"`
	ClipScore      float64 `json:"clip_score"`
	AestheticScore float64 `json:"aesthetic_score"`
	QualityLevel   string  `json:"quality_level"`
}

type FinalizeResponse struct {
	Success          bool             `json:"success"`
	FinalizedContent FinalizedContent `json:"finalized_content"`
	QualityScores    QualityScores    `json:"quality_scores"`
}
