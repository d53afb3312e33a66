package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/auditlog"
	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/run"
	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/stage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGateway records requests and answers with a scripted result.
type fakeGateway[Req, Resp any] struct {
	name    string
	respond func(Req) stage.Result[Resp]

	mu    sync.Mutex
	calls []Req
}

func (g *fakeGateway[Req, Resp]) Name() string                       { return g.name }
func (g *fakeGateway[Req, Resp]) IsHealthy(ctx context.Context) bool { return true }

func (g *fakeGateway[Req, Resp]) Invoke(ctx context.Context, req Req) stage.Result[Resp] {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.mu.Unlock()
	return g.respond(req)
}

func (g *fakeGateway[Req, Resp]) Calls() []Req {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Req, len(g.calls))
	copy(out, g.calls)
	return out
}

func ok[T any](payload T) stage.Result[T] {
	return stage.Result[T]{Outcome: stage.Success, Payload: payload, StatusCode: 200}
}

func remoteErr[T any](status int, detail string) stage.Result[T] {
	return stage.Result[T]{Outcome: stage.RemoteError, StatusCode: status, Detail: detail}
}

func timeoutErr[T any]() stage.Result[T] {
	return stage.Result[T]{Outcome: stage.TransportError, Timeout: true, Detail: "timeout after 120s"}
}

type fakes struct {
	upload   *fakeGateway[stage.UploadRequest, stage.UploadResponse]
	trend    *fakeGateway[stage.TrendRequest, stage.TrendResponse]
	analyze  *fakeGateway[stage.AnalyzeRequest, stage.AnalyzeResponse]
	generate *fakeGateway[stage.GenerateRequest, stage.GenerateResponse]
	assess   *fakeGateway[stage.AssessRequest, stage.AssessResponse]
	finalize *fakeGateway[stage.FinalizeRequest, stage.FinalizeResponse]
}

func hashtags(n int) []string {
	tags := make([]string, n)
	for i := range tags {
		tags[i] = fmt.Sprintf("#tag%d", i)
	}
	return tags
}

// happyFakes answers every stage successfully.
func happyFakes() *fakes {
	return &fakes{
		upload: &fakeGateway[stage.UploadRequest, stage.UploadResponse]{name: "upload", respond: func(req stage.UploadRequest) stage.Result[stage.UploadResponse] {
			images := make([]stage.StoredAsset, len(req.Files))
			for i := range req.Files {
				images[i] = stage.StoredAsset{ID: fmt.Sprintf("file-%d", i)}
			}
			return ok(stage.UploadResponse{Success: true, UploadedCount: len(images), Assets: stage.UploadedAssets{Images: images}})
		}},
		trend: &fakeGateway[stage.TrendRequest, stage.TrendResponse]{name: "trend", respond: func(stage.TrendRequest) stage.Result[stage.TrendResponse] {
			return ok(stage.TrendResponse{Platform: "youtube", Trends: []string{"summer", "games"}, Hashtags: []string{"#summer"}})
		}},
		analyze: &fakeGateway[stage.AnalyzeRequest, stage.AnalyzeResponse]{name: "analysis", respond: func(stage.AnalyzeRequest) stage.Result[stage.AnalyzeResponse] {
			return ok(stage.AnalyzeResponse{VisualSummary: "a colorful puzzle board", Keywords: []string{"puzzle", "mobile"}})
		}},
		generate: &fakeGateway[stage.GenerateRequest, stage.GenerateResponse]{name: "generation", respond: func(stage.GenerateRequest) stage.Result[stage.GenerateResponse] {
			return ok(stage.GenerateResponse{Success: true, ImagePath: "/out/poster_123.png", Filename: "poster_123.png", DownloadURL: "/generate/poster/download/poster_123.png"})
		}},
		assess: &fakeGateway[stage.AssessRequest, stage.AssessResponse]{name: "quality", respond: func(stage.AssessRequest) stage.Result[stage.AssessResponse] {
			return ok(stage.AssessResponse{Success: true, QualityAssessment: stage.QualityAssessment{
				OverallScore: stage.OverallScore{Score: 0.72, QualityLevel: "good", RawScores: map[string]float64{"clip": 0.31}},
			}})
		}},
		finalize: &fakeGateway[stage.FinalizeRequest, stage.FinalizeResponse]{name: "quality", respond: func(req stage.FinalizeRequest) stage.Result[stage.FinalizeResponse] {
			return ok(stage.FinalizeResponse{Success: true, FinalizedContent: stage.FinalizedContent{Caption: "Solve it!", Hashtags: hashtags(9), HashtagCount: 9}})
		}},
	}
}

func (f *fakes) gateways() Gateways {
	return Gateways{Upload: f.upload, Trend: f.trend, Analyze: f.analyze, Generate: f.generate, Assess: f.assess, Finalize: f.finalize}
}

func newTestOrchestrator(t *testing.T, f *fakes) *Orchestrator {
	t.Helper()
	audit := auditlog.New(nil, discardLogger())
	store := run.NewStore(nil, audit, discardLogger())
	o, err := New(f.gateways(), store, audit, Options{TrendRegion: "US"}, discardLogger())
	require.NoError(t, err)
	return o
}

func materials() run.Materials {
	return run.Materials{
		Files:       []run.File{{Name: "board.png", ContentType: "image/png", Data: []byte("png")}},
		Keywords:    []string{"game"},
		Description: "new puzzle game",
	}
}

func severities(entries []auditlog.Entry) []auditlog.Severity {
	out := make([]auditlog.Severity, len(entries))
	for i, e := range entries {
		out[i] = e.Severity
	}
	return out
}

func TestNew_RequiresAllGateways(t *testing.T) {
	f := happyFakes()
	gw := f.gateways()
	gw.Trend = nil
	_, err := New(gw, run.NewStore(nil, nil, discardLogger()), auditlog.New(nil, discardLogger()), Options{}, discardLogger())
	assert.Error(t, err)
}

func TestScenario_TrendTimeoutStillFinalizes(t *testing.T) {
	f := happyFakes()
	f.trend.respond = func(stage.TrendRequest) stage.Result[stage.TrendResponse] { return timeoutErr[stage.TrendResponse]() }
	o := newTestOrchestrator(t, f)
	ctx := context.Background()

	id, err := o.Start(ctx, materials())
	require.NoError(t, err)

	observed := []run.Stage{}
	check := func() {
		snap, err := o.Store().Get(ctx, id)
		require.NoError(t, err)
		require.NoError(t, run.CheckInvariants(snap))
		observed = append(observed, snap.Stage)
	}
	check()
	require.NoError(t, o.Process(ctx, id))
	check()
	require.NoError(t, o.Generate(ctx, id, ""))
	check()
	require.NoError(t, o.AssessQuality(ctx, id))
	check()

	assert.Equal(t, []run.Stage{run.MaterialsUploaded, run.Processed, run.Generated, run.Finalized}, observed)

	final, err := o.Store().Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, final.Assets.Trend)
	assert.Equal(t, defaultTrend("timeout after 120s"), final.Assets.Trend)
	assert.Empty(t, final.Assets.Trend.Trends)
	assert.Len(t, final.Assets.Finalize.Hashtags, 9)
	assert.Equal(t, []string{"puzzle", "mobile"}, final.Assets.Analyze.Keywords)
	assert.Equal(t, "poster_123.png", final.Assets.Generate.Filename)
	assert.InDelta(t, 0.72, final.Assets.Quality.Score, 1e-9)

	require.NotNil(t, final.Terminal)
	assert.Equal(t, run.OutcomeFinalized, final.Terminal.Outcome)
	assert.Equal(t, "Solve it!", final.Terminal.Caption)
	assert.Equal(t, "/generate/poster/download/poster_123.png", final.Terminal.ArtifactURL)

	// the degraded trend is visible as a warning in the log
	assert.Contains(t, severities(final.AuditLog), auditlog.SeverityWarning)
	last := final.AuditLog[len(final.AuditLog)-1]
	assert.Equal(t, auditlog.SeveritySuccess, last.Severity)

	gen := f.generate.Calls()
	require.Len(t, gen, 1)
	assert.Empty(t, gen[0].Trends)
	assert.False(t, gen[0].IncludeTrends)
	assert.Equal(t, []string{"puzzle", "mobile"}, gen[0].Keywords)
	assert.Equal(t, "modern", gen[0].Style)
	assert.Equal(t, "a colorful puzzle board", gen[0].VisualSummary)

	fin := f.finalize.Calls()
	require.Len(t, fin, 1)
	assert.Equal(t, "/out/poster_123.png", fin[0].ImagePath)
	assert.Equal(t, "modern", fin[0].Style)
	assert.Equal(t, "instagram", fin[0].Platform)
	assert.Equal(t, 15, fin[0].MaxHashtags)
	assert.Equal(t, "a colorful puzzle board", fin[0].OriginalPrompt)
}

func TestScenario_GenerateRemoteErrorFailsRun(t *testing.T) {
	f := happyFakes()
	f.generate.respond = func(stage.GenerateRequest) stage.Result[stage.GenerateResponse] {
		return remoteErr[stage.GenerateResponse](500, "Poster generation error: model unavailable")
	}
	o := newTestOrchestrator(t, f)
	ctx := context.Background()

	final, err := o.Execute(ctx, materials(), "vibrant")
	require.NoError(t, err)

	assert.Equal(t, run.Failed, final.Stage)
	assert.Equal(t, run.Processed, final.FailedFrom)
	assert.Empty(t, f.assess.Calls())
	assert.Empty(t, f.finalize.Calls())

	require.NotEmpty(t, final.AuditLog)
	assert.Equal(t, auditlog.SeverityError, final.AuditLog[len(final.AuditLog)-1].Severity)

	joined := ""
	for _, e := range final.AuditLog {
		joined += e.Message + "\n"
	}
	assert.Contains(t, joined, "Poster generation error: model unavailable", "remote message preserved verbatim")

	// assets gathered before the failure are retained
	assert.Equal(t, []string{run.AssetUpload, run.AssetTrend, run.AssetAnalyze}, final.Assets.Names())
	require.NotNil(t, final.Terminal)
	assert.Equal(t, string(StepGenerate), final.Terminal.FailedStep)
	assert.True(t, final.Terminal.Retryable)
	assert.NoError(t, run.CheckInvariants(final))
}

func TestUploadFailure_NoFurtherStages(t *testing.T) {
	f := happyFakes()
	f.upload.respond = func(stage.UploadRequest) stage.Result[stage.UploadResponse] {
		return remoteErr[stage.UploadResponse](400, "No files uploaded")
	}
	o := newTestOrchestrator(t, f)

	final, err := o.Execute(context.Background(), materials(), "")
	require.NoError(t, err)

	assert.Equal(t, run.Failed, final.Stage)
	assert.Empty(t, final.Assets.Names())
	assert.Empty(t, f.trend.Calls())
	assert.Empty(t, f.analyze.Calls())
	assert.Empty(t, f.generate.Calls())
	assert.Empty(t, f.assess.Calls())
	assert.Empty(t, f.finalize.Calls())
	assert.False(t, final.Terminal.Retryable)
	assert.Equal(t, "No files uploaded", final.Terminal.Reason)
}

func TestAnalyzeFailure_IsFatal(t *testing.T) {
	f := happyFakes()
	f.analyze.respond = func(stage.AnalyzeRequest) stage.Result[stage.AnalyzeResponse] {
		return stage.Result[stage.AnalyzeResponse]{Outcome: stage.TransportError, Detail: "connection refused"}
	}
	o := newTestOrchestrator(t, f)

	final, err := o.Execute(context.Background(), materials(), "")
	require.NoError(t, err)

	assert.Equal(t, run.Failed, final.Stage)
	assert.Equal(t, run.MaterialsUploaded, final.FailedFrom)
	assert.Equal(t, []string{run.AssetUpload}, final.Assets.Names())
	assert.Len(t, f.trend.Calls(), 1)
	assert.Empty(t, f.generate.Calls())
	assert.True(t, final.Terminal.Retryable)
}

func TestAssessFailure_DegradesToDefaultScore(t *testing.T) {
	f := happyFakes()
	f.assess.respond = func(stage.AssessRequest) stage.Result[stage.AssessResponse] {
		return remoteErr[stage.AssessResponse](500, "CLIP model not loaded")
	}
	o := newTestOrchestrator(t, f)

	final, err := o.Execute(context.Background(), materials(), "")
	require.NoError(t, err)

	assert.Equal(t, run.Finalized, final.Stage)
	require.NotNil(t, final.Assets.Quality)
	assert.True(t, final.Assets.Quality.Degraded)
	assert.InDelta(t, DefaultQualityScore, final.Assets.Quality.Score, 1e-9)
	assert.Equal(t, DefaultQualityTier, final.Assets.Quality.Tier)
	assert.InDelta(t, DefaultQualityScore, final.Terminal.QualityScore, 1e-9)
	assert.Len(t, f.finalize.Calls(), 1)
}

func TestFinalizeFailure_RetainsQuality(t *testing.T) {
	f := happyFakes()
	f.finalize.respond = func(stage.FinalizeRequest) stage.Result[stage.FinalizeResponse] {
		return remoteErr[stage.FinalizeResponse](422, "unsupported platform")
	}
	o := newTestOrchestrator(t, f)

	final, err := o.Execute(context.Background(), materials(), "")
	require.NoError(t, err)

	assert.Equal(t, run.Failed, final.Stage)
	assert.Equal(t, run.QualityAssessed, final.FailedFrom)
	assert.NotNil(t, final.Assets.Quality)
	assert.Nil(t, final.Assets.Finalize)
	assert.False(t, final.Terminal.Retryable)
	assert.NoError(t, run.CheckInvariants(final))
}

func TestTrigger_WrongStage(t *testing.T) {
	f := happyFakes()
	o := newTestOrchestrator(t, f)
	ctx := context.Background()

	id, err := o.Start(ctx, materials())
	require.NoError(t, err)

	err = o.Generate(ctx, id, "modern")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	err = o.AssessQuality(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	snap, _ := o.Store().Get(ctx, id)
	assert.Equal(t, run.MaterialsUploaded, snap.Stage)
	assert.Empty(t, f.generate.Calls())

	require.NoError(t, o.Process(ctx, id))
	assert.ErrorIs(t, o.Process(ctx, id), ErrInvalidTransition, "stages are not re-entered")
	assert.Len(t, f.analyze.Calls(), 1)
}

func TestTrigger_TerminalRunRejected(t *testing.T) {
	f := happyFakes()
	f.upload.respond = func(stage.UploadRequest) stage.Result[stage.UploadResponse] {
		return timeoutErr[stage.UploadResponse]()
	}
	o := newTestOrchestrator(t, f)
	ctx := context.Background()

	id, err := o.Start(ctx, materials())
	require.NoError(t, err)

	assert.ErrorIs(t, o.Process(ctx, id), ErrInvalidTransition)
	assert.ErrorIs(t, o.Cancel(ctx, id), ErrInvalidTransition)
}

func TestTrigger_UnknownRun(t *testing.T) {
	o := newTestOrchestrator(t, happyFakes())
	ctx := context.Background()

	assert.ErrorIs(t, o.Process(ctx, "nope"), ErrRunNotFound)
	assert.ErrorIs(t, o.Generate(ctx, "nope", ""), ErrRunNotFound)
	assert.ErrorIs(t, o.AssessQuality(ctx, "nope"), ErrRunNotFound)
	assert.ErrorIs(t, o.Cancel(ctx, "nope"), ErrRunNotFound)
}

func TestStart_RequiresFiles(t *testing.T) {
	o := newTestOrchestrator(t, happyFakes())
	_, err := o.Start(context.Background(), run.Materials{Keywords: []string{"x"}})
	assert.ErrorIs(t, err, ErrNoMaterials)
}

func TestStart_SendsMaterials(t *testing.T) {
	f := happyFakes()
	o := newTestOrchestrator(t, f)
	ctx := context.Background()

	id, err := o.Start(ctx, materials())
	require.NoError(t, err)

	calls := f.upload.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "new puzzle game", calls[0].Description)
	assert.Equal(t, "board.png", calls[0].Files[0].Name)
	assert.Equal(t, []byte("png"), calls[0].Files[0].Data)

	snap, _ := o.Store().Get(ctx, id)
	assert.Nil(t, snap.Materials.Files[0].Data, "file contents released after upload")

	require.NoError(t, o.Process(ctx, id))
	an := f.analyze.Calls()
	require.Len(t, an, 1)
	assert.Equal(t, []string{"file-0"}, an[0].AssetIDs)
	assert.Equal(t, []string{"game"}, an[0].Keywords)
	assert.Equal(t, "US", f.trend.Calls()[0].Region)
}

func TestGenerate_UsesFirstFiveTrends(t *testing.T) {
	f := happyFakes()
	f.trend.respond = func(stage.TrendRequest) stage.Result[stage.TrendResponse] {
		return ok(stage.TrendResponse{Trends: []string{"a", "b", "c", "d", "e", "f", "g"}})
	}
	f.analyze.respond = func(stage.AnalyzeRequest) stage.Result[stage.AnalyzeResponse] {
		return ok(stage.AnalyzeResponse{})
	}
	o := newTestOrchestrator(t, f)

	final, err := o.Execute(context.Background(), materials(), "minimal")
	require.NoError(t, err)
	assert.Equal(t, run.Finalized, final.Stage)

	gen := f.generate.Calls()[0]
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, gen.Trends)
	assert.True(t, gen.IncludeTrends)
	assert.Equal(t, DefaultVisualPrompt, gen.VisualSummary)
	assert.Equal(t, []string{"game"}, gen.Keywords, "falls back to caller keywords")
	assert.Equal(t, "minimal", final.Style)
	assert.Equal(t, "minimal", f.finalize.Calls()[0].Style)
}

func TestConcurrentTriggerOnSameRun(t *testing.T) {
	f := happyFakes()
	entered := make(chan struct{})
	release := make(chan struct{})
	f.trend.respond = func(stage.TrendRequest) stage.Result[stage.TrendResponse] {
		close(entered)
		<-release
		return ok(stage.TrendResponse{})
	}
	o := newTestOrchestrator(t, f)
	ctx := context.Background()

	id, err := o.Start(ctx, materials())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- o.Process(ctx, id) }()
	<-entered

	assert.ErrorIs(t, o.Process(ctx, id), ErrRunBusy)

	close(release)
	require.NoError(t, <-done)
	snap, _ := o.Store().Get(ctx, id)
	assert.Equal(t, run.Processed, snap.Stage)
}

func TestCancel_IdleRun(t *testing.T) {
	f := happyFakes()
	o := newTestOrchestrator(t, f)
	ctx := context.Background()

	id, err := o.Start(ctx, materials())
	require.NoError(t, err)
	require.NoError(t, o.Cancel(ctx, id))

	snap, _ := o.Store().Get(ctx, id)
	assert.Equal(t, run.Failed, snap.Stage)
	assert.True(t, snap.Terminal.Cancelled)
	assert.Equal(t, run.OutcomeCancelled, snap.Terminal.Outcome)
	assert.NotNil(t, snap.Assets.Upload)

	assert.ErrorIs(t, o.Process(ctx, id), ErrInvalidTransition)
	assert.Empty(t, f.trend.Calls())
}

func TestCancel_InFlightResultDiscarded(t *testing.T) {
	f := happyFakes()
	entered := make(chan struct{})
	release := make(chan struct{})
	f.trend.respond = func(stage.TrendRequest) stage.Result[stage.TrendResponse] {
		close(entered)
		<-release
		return ok(stage.TrendResponse{Trends: []string{"late"}})
	}
	o := newTestOrchestrator(t, f)
	ctx := context.Background()

	id, err := o.Start(ctx, materials())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- o.Process(ctx, id) }()
	<-entered

	require.NoError(t, o.Cancel(ctx, id))
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not return")
	}

	snap, _ := o.Store().Get(ctx, id)
	assert.Equal(t, run.Failed, snap.Stage)
	assert.Equal(t, run.MaterialsUploaded, snap.FailedFrom)
	assert.True(t, snap.Terminal.Cancelled)
	assert.Nil(t, snap.Assets.Trend, "in-flight result discarded")
	assert.Empty(t, f.analyze.Calls())
	assert.NoError(t, run.CheckInvariants(snap))
}

func controlCount(o *Orchestrator) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.controls)
}

func TestControlsReleasedOnTerminalRuns(t *testing.T) {
	f := happyFakes()
	o := newTestOrchestrator(t, f)
	ctx := context.Background()

	final, err := o.Execute(ctx, materials(), "")
	require.NoError(t, err)
	require.Equal(t, run.Finalized, final.Stage)
	assert.Zero(t, controlCount(o), "finalized run")

	f.generate.respond = func(stage.GenerateRequest) stage.Result[stage.GenerateResponse] {
		return remoteErr[stage.GenerateResponse](500, "model offline")
	}
	final, err = o.Execute(ctx, materials(), "")
	require.NoError(t, err)
	require.Equal(t, run.Failed, final.Stage)
	assert.Zero(t, controlCount(o), "failed run")

	id, err := o.Start(ctx, materials())
	require.NoError(t, err)
	assert.Equal(t, 1, controlCount(o), "run still in progress")

	require.NoError(t, o.Cancel(ctx, id))
	assert.Zero(t, controlCount(o), "cancelled run")
}

func TestAuditOrder_ConcurrentRuns(t *testing.T) {
	f := happyFakes()
	o := newTestOrchestrator(t, f)
	ctx := context.Background()

	const n = 10
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			final, err := o.Execute(ctx, materials(), "")
			if !assert.NoError(t, err) {
				return
			}
			ids[i] = final.ID
		}(i)
	}
	wg.Wait()

	want := []Step{StepUpload, StepTrend, StepAnalyze, StepGenerate, StepQualityAssess, StepFinalize}
	for _, id := range ids {
		require.NotEmpty(t, id)
		entries := o.Audit().List(ctx, id)

		var calls []Step
		for i, e := range entries {
			assert.Equal(t, int64(i+1), e.Seq)
			assert.Equal(t, id, e.RunID)
			if step, found := strings.CutPrefix(e.Message, "Calling "); found {
				calls = append(calls, Step(strings.TrimSuffix(step, " stage")))
			}
		}
		assert.Equal(t, want, calls, "run %s", id)
	}
}

func TestPolicyTable(t *testing.T) {
	assert.Equal(t, Fatal, PolicyFor(StepUpload))
	assert.Equal(t, Degrade, PolicyFor(StepTrend))
	assert.Equal(t, Fatal, PolicyFor(StepAnalyze))
	assert.Equal(t, Fatal, PolicyFor(StepGenerate))
	assert.Equal(t, Degrade, PolicyFor(StepQualityAssess))
	assert.Equal(t, Fatal, PolicyFor(StepFinalize))
	assert.Equal(t, Fatal, PolicyFor(Step("unknown")))
}
