package stage

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// Gateway is the calling contract shared by every stage.
type Gateway[Req, Resp any] interface {
	Name() string
	Invoke(ctx context.Context, req Req) Result[Resp]
	IsHealthy(ctx context.Context) bool
}

// Remote paths exposed by the stage services.
const (
	PathUpload         = "/upload/images"
	PathUploadHealth   = "/upload/health"
	PathTrend          = "/analyzes/youtube"
	PathAnalyze        = "/analyzes/drive/enhanced"
	PathAnalysisHealth = "/analyzes/health"
	PathGenerate       = "/generate/poster"
	PathStyles         = "/generate/poster/styles"
	PathDownload       = "/generate/poster/download/"
	PathGenerateHealth = "/generate/health"
	PathAssess         = "/quality/assess"
	PathFinalize       = "/quality/finalize"
	PathQualityHealth  = "/quality/health"
)

func invalidRequest[T any](err error) Result[T] {
	return Result[T]{Outcome: TransportError, Detail: "invalid request: " + err.Error()}
}

// UploadGateway stores the caller's materials.
type UploadGateway struct{ *Client }

func NewUploadGateway(c *Client) *UploadGateway { return &UploadGateway{c} }

func (g *UploadGateway) Invoke(ctx context.Context, req UploadRequest) Result[UploadResponse] {
	r, err := multipartRequest(PathUpload, "images", req.Files, map[string]string{"description": req.Description})
	if err != nil {
		return invalidRequest[UploadResponse](err)
	}
	return call[UploadResponse](ctx, g.Client, r)
}

// TrendGateway fetches current trend terms and hashtags.
type TrendGateway struct{ *Client }

func NewTrendGateway(c *Client) *TrendGateway { return &TrendGateway{c} }

func (g *TrendGateway) Invoke(ctx context.Context, req TrendRequest) Result[TrendResponse] {
	r := request{method: http.MethodGet, path: PathTrend}
	if req.Region != "" {
		r.query = url.Values{"region": {req.Region}}
	}
	return call[TrendResponse](ctx, g.Client, r)
}

// AnalyzeGateway summarizes the uploaded materials.
type AnalyzeGateway struct{ *Client }

func NewAnalyzeGateway(c *Client) *AnalyzeGateway { return &AnalyzeGateway{c} }

func (g *AnalyzeGateway) Invoke(ctx context.Context, req AnalyzeRequest) Result[AnalyzeResponse] {
	if req.Keywords == nil {
		req.Keywords = []string{}
	}
	r, err := jsonRequest(http.MethodPost, PathAnalyze, req)
	if err != nil {
		return invalidRequest[AnalyzeResponse](err)
	}
	if req.FolderID != "" {
		r.query = url.Values{"folder_id": {req.FolderID}}
	}
	return call[AnalyzeResponse](ctx, g.Client, r)
}

// GenerateGateway produces the poster artifact. It also exposes the style
// catalogue and artifact download of the same service.
type GenerateGateway struct{ *Client }

func NewGenerateGateway(c *Client) *GenerateGateway { return &GenerateGateway{c} }

func (g *GenerateGateway) Invoke(ctx context.Context, req GenerateRequest) Result[GenerateResponse] {
	if req.Keywords == nil {
		req.Keywords = []string{}
	}
	if req.Trends == nil {
		req.Trends = []string{}
	}
	r, err := jsonRequest(http.MethodPost, PathGenerate, req)
	if err != nil {
		return invalidRequest[GenerateResponse](err)
	}
	return call[GenerateResponse](ctx, g.Client, r)
}

func (g *GenerateGateway) Styles(ctx context.Context) Result[StylesResponse] {
	return call[StylesResponse](ctx, g.Client, request{method: http.MethodGet, path: PathStyles})
}

// Download fetches a generated artifact by filename.
func (g *GenerateGateway) Download(ctx context.Context, filename string) Result[Artifact] {
	name := strings.TrimSpace(filename)
	if name == "" || strings.ContainsAny(name, `/\`) || name == ".." {
		return Result[Artifact]{Outcome: RemoteError, StatusCode: http.StatusBadRequest, Detail: "invalid artifact filename"}
	}
	return g.fetch(ctx, PathDownload+url.PathEscape(name), name)
}

// QualityAssessGateway scores a generated artifact.
type QualityAssessGateway struct{ *Client }

func NewQualityAssessGateway(c *Client) *QualityAssessGateway { return &QualityAssessGateway{c} }

func (g *QualityAssessGateway) Invoke(ctx context.Context, req AssessRequest) Result[AssessResponse] {
	r, err := jsonRequest(http.MethodPost, PathAssess, req)
	if err != nil {
		return invalidRequest[AssessResponse](err)
	}
	return call[AssessResponse](ctx, g.Client, r)
}

// QualityFinalizeGateway writes the caption and hashtags for an artifact.
type QualityFinalizeGateway struct{ *Client }

func NewQualityFinalizeGateway(c *Client) *QualityFinalizeGateway {
	return &QualityFinalizeGateway{c}
}

func (g *QualityFinalizeGateway) Invoke(ctx context.Context, req FinalizeRequest) Result[FinalizeResponse] {
	r, err := jsonRequest(http.MethodPost, PathFinalize, req)
	if err != nil {
		return invalidRequest[FinalizeResponse](err)
	}
	return call[FinalizeResponse](ctx, g.Client, r)
}

var (
	_ Gateway[UploadRequest, UploadResponse]     = (*UploadGateway)(nil)
	_ Gateway[TrendRequest, TrendResponse]       = (*TrendGateway)(nil)
	_ Gateway[AnalyzeRequest, AnalyzeResponse]   = (*AnalyzeGateway)(nil)
	_ Gateway[GenerateRequest, GenerateResponse] = (*GenerateGateway)(nil)
	_ Gateway[AssessRequest, AssessResponse]     = (*QualityAssessGateway)(nil)
	_ Gateway[FinalizeRequest, FinalizeResponse] = (*QualityFinalizeGateway)(nil)
)
