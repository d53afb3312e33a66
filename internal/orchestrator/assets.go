package orchestrator

import (
	"bytes"
	"encoding/json"
	"maps"
	"slices"

	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/run"
	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/stage"
)

func uploadAsset(resp stage.UploadResponse) *run.UploadAsset {
	stored := make([]run.StoredAsset, len(resp.Assets.Images))
	for i, img := range resp.Assets.Images {
		stored[i] = run.StoredAsset{ID: img.ID, ViewURL: img.ViewURL, DownloadURL: img.DownloadURL}
	}
	count := resp.UploadedCount
	if count == 0 {
		count = len(stored)
	}
	return &run.UploadAsset{Stored: stored, Count: count, Description: resp.Assets.Description}
}

func trendAsset(resp stage.TrendResponse) *run.TrendAsset {
	return &run.TrendAsset{
		Trends:   nonNil(resp.Trends),
		Hashtags: nonNil(resp.Hashtags),
		Platform: resp.Platform,
		Source:   resp.DataSource,
	}
}

func analysisAsset(resp stage.AnalyzeResponse) *run.AnalysisAsset {
	a := &run.AnalysisAsset{
		VisualSummary: resp.VisualSummary,
		VideoSummary:  resp.VideoSummary,
		Keywords:      nonNil(resp.Keywords),
	}
	if len(resp.DetailedAnalysis) > 0 && string(resp.DetailedAnalysis) != "null" {
		var buf bytes.Buffer
		if err := json.Compact(&buf, resp.DetailedAnalysis); err == nil {
			a.Detail = json.RawMessage(buf.Bytes())
		}
	}
	return a
}

func generationAsset(resp stage.GenerateResponse, style, prompt string) *run.GenerationAsset {
	g := &run.GenerationAsset{
		Style:       style,
		Prompt:      prompt,
		ImagePath:   resp.ImagePath,
		Filename:    resp.Filename,
		DownloadURL: resp.DownloadURL,
	}
	if len(resp.Metadata) > 0 {
		g.Metadata = maps.Clone(resp.Metadata)
	}
	return g
}

func qualityAsset(resp stage.AssessResponse) *run.QualityAsset {
	overall := resp.QualityAssessment.OverallScore
	q := &run.QualityAsset{
		Score: overall.Score,
		Tier:  overall.QualityLevel,
	}
	if len(overall.RawScores) > 0 {
		q.Components = maps.Clone(overall.RawScores)
	}
	return q
}

func finalizeAsset(resp stage.FinalizeResponse, platform string) *run.FinalizeAsset {
	return &run.FinalizeAsset{
		Caption:        resp.FinalizedContent.Caption,
		Hashtags:       nonNil(resp.FinalizedContent.Hashtags),
		Platform:       platform,
		OverallScore:   resp.QualityScores.OverallScore,
		ClipScore:      resp.QualityScores.ClipScore,
		AestheticScore: resp.QualityScores.AestheticScore,
		QualityLevel:   resp.QualityScores.QualityLevel,
	}
}

// generateRequest builds the generation input from the processed assets.
func generateRequest(r *run.PipelineRun, style string) stage.GenerateRequest {
	an := r.Assets.Analyze
	visual := an.VisualSummary
	if visual == "" {
		visual = DefaultVisualPrompt
	}
	keywords := an.Keywords
	if len(keywords) == 0 {
		keywords = r.Materials.Keywords
	}
	var trends []string
	if r.Assets.Trend != nil {
		trends = r.Assets.Trend.Trends
		if len(trends) > maxPromptTrends {
			trends = trends[:maxPromptTrends]
		}
	}
	return stage.GenerateRequest{
		VisualSummary: visual,
		VideoSummary:  an.VideoSummary,
		Keywords:      slices.Clone(nonNil(keywords)),
		Trends:        slices.Clone(nonNil(trends)),
		Style:         style,
		IncludeTrends: len(trends) > 0,
	}
}

// artifactRef is the reference the quality service resolves.
func artifactRef(g *run.GenerationAsset) string {
	if g.ImagePath != "" {
		return g.ImagePath
	}
	return g.Filename
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
