package api

import (
	"time"

	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/auditlog"
	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/run"
	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/stage"
)

type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	UptimeS    int64  `json:"uptime_s"`
	ActiveRuns int    `json:"active_runs"`
}

type DoctorResponse struct {
	Services map[string]bool `json:"services"`
	Down     []string        `json:"down,omitempty"`
	Healthy  int             `json:"healthy"`
	Total    int             `json:"total"`
	AllOK    bool            `json:"all_ok"`
	ProbedAt string          `json:"probed_at,omitempty"`
}

type GenerateRequest struct {
	Style string `json:"style,omitempty"`
}

type FileResponse struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Size        int    `json:"size"`
}

type TerminalResponse struct {
	Outcome      string   `json:"outcome"`
	FailedStep   string   `json:"failed_step,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	Retryable    bool     `json:"retryable,omitempty"`
	Cancelled    bool     `json:"cancelled,omitempty"`
	Caption      string   `json:"caption,omitempty"`
	Hashtags     []string `json:"hashtags,omitempty"`
	ArtifactURL  string   `json:"artifact_url,omitempty"`
	QualityScore float64  `json:"quality_score,omitempty"`
	CompletedAt  string   `json:"completed_at"`
}

type RunResponse struct {
	ID          string            `json:"id"`
	Stage       string            `json:"stage"`
	FailedFrom  string            `json:"failed_from,omitempty"`
	Files       []FileResponse    `json:"files"`
	Keywords    []string          `json:"keywords"`
	Description string            `json:"description,omitempty"`
	Style       string            `json:"style,omitempty"`
	Assets      run.Assets        `json:"assets"`
	AuditLog    []EntryResponse   `json:"audit_log"`
	Terminal    *TerminalResponse `json:"terminal,omitempty"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
}

type RunSummaryResponse struct {
	ID        string `json:"id"`
	Stage     string `json:"stage"`
	Outcome   string `json:"outcome,omitempty"`
	Style     string `json:"style,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type RunsResponse struct {
	Runs []RunSummaryResponse `json:"runs"`
}

type EntryResponse struct {
	Seq      int64  `json:"seq"`
	Time     string `json:"time"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

type LogResponse struct {
	RunID   string          `json:"run_id"`
	Entries []EntryResponse `json:"entries"`
}

type StylesResponse struct {
	Styles  []StyleResponse `json:"styles"`
	Default string          `json:"default"`
}

type StyleResponse struct {
	Key         string   `json:"key"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Colors      []string `json:"colors,omitempty"`
	BestFor     string   `json:"best_for,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func RunToResponse(r *run.PipelineRun) RunResponse {
	files := make([]FileResponse, len(r.Materials.Files))
	for i, f := range r.Materials.Files {
		files[i] = FileResponse{Name: f.Name, ContentType: f.ContentType, Size: f.Size}
	}
	keywords := r.Materials.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	resp := RunResponse{
		ID:          r.ID,
		Stage:       r.Stage.String(),
		Files:       files,
		Keywords:    keywords,
		Description: r.Materials.Description,
		Style:       r.Style,
		Assets:      r.Assets,
		AuditLog:    EntriesToResponse(r.AuditLog),
		CreatedAt:   r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   r.UpdatedAt.Format(time.RFC3339),
	}
	if r.Stage == run.Failed {
		resp.FailedFrom = r.FailedFrom.String()
	}
	if t := r.Terminal; t != nil {
		resp.Terminal = &TerminalResponse{
			Outcome:      t.Outcome,
			FailedStep:   t.FailedStep,
			Reason:       t.Reason,
			Retryable:    t.Retryable,
			Cancelled:    t.Cancelled,
			Caption:      t.Caption,
			Hashtags:     t.Hashtags,
			ArtifactURL:  t.ArtifactURL,
			QualityScore: t.QualityScore,
			CompletedAt:  t.CompletedAt.Format(time.RFC3339),
		}
	}
	return resp
}

func SummaryToResponse(s run.Summary) RunSummaryResponse {
	return RunSummaryResponse{
		ID:        s.ID,
		Stage:     s.Stage.String(),
		Outcome:   s.Outcome,
		Style:     s.Style,
		CreatedAt: s.CreatedAt.Format(time.RFC3339),
		UpdatedAt: s.UpdatedAt.Format(time.RFC3339),
	}
}

func EntryToResponse(e auditlog.Entry) EntryResponse {
	return EntryResponse{
		Seq:      e.Seq,
		Time:     e.Time.Format(time.RFC3339Nano),
		Severity: string(e.Severity),
		Message:  e.Message,
	}
}

func EntriesToResponse(entries []auditlog.Entry) []EntryResponse {
	out := make([]EntryResponse, len(entries))
	for i, e := range entries {
		out[i] = EntryToResponse(e)
	}
	return out
}

func ReportToResponse(r *stage.Report) DoctorResponse {
	resp := DoctorResponse{
		Services: r.Services,
		Down:     r.Down(),
		Healthy:  r.Healthy,
		Total:    r.Total,
		AllOK:    r.AllOK,
	}
	if !r.ProbedAt.IsZero() {
		resp.ProbedAt = r.ProbedAt.Format(time.RFC3339)
	}
	return resp
}
