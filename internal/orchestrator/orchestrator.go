// Package orchestrator drives content runs through the remote stages.
//
// Each trigger (Start, Process, Generate, AssessQuality) is admitted only
// from the stage it expects, calls its gateways strictly in order, consults
// the failure policy table for any step that does not succeed and commits
// the outcome to the run store. Stage failures never surface as Go errors:
// callers observe them through the run's stage, terminal result and audit
// log. Errors are reserved for misuse such as an unknown run, a trigger in
// the wrong stage or two triggers racing on one run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/auditlog"
	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/logging"
	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/run"
	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/stage"
)

var (
	ErrRunNotFound       = run.ErrRunNotFound
	ErrInvalidTransition = run.ErrInvalidTransition
	ErrRunBusy           = errors.New("run has a trigger in progress")
	ErrNoMaterials       = errors.New("at least one file is required")
)

// Gateways are the stage clients a run is carried through.
type Gateways struct {
	Upload   stage.Gateway[stage.UploadRequest, stage.UploadResponse]
	Trend    stage.Gateway[stage.TrendRequest, stage.TrendResponse]
	Analyze  stage.Gateway[stage.AnalyzeRequest, stage.AnalyzeResponse]
	Generate stage.Gateway[stage.GenerateRequest, stage.GenerateResponse]
	Assess   stage.Gateway[stage.AssessRequest, stage.AssessResponse]
	Finalize stage.Gateway[stage.FinalizeRequest, stage.FinalizeResponse]
}

func (g Gateways) validate() error {
	if g.Upload == nil || g.Trend == nil || g.Analyze == nil || g.Generate == nil || g.Assess == nil || g.Finalize == nil {
		return errors.New("all stage gateways are required")
	}
	return nil
}

type Options struct {
	TrendRegion   string
	DriveFolderID string
	Platform      string
	MaxHashtags   int
	DefaultStyle  string
}

func (o Options) withDefaults() Options {
	if o.Platform == "" {
		o.Platform = "instagram"
	}
	if o.MaxHashtags <= 0 {
		o.MaxHashtags = 15
	}
	if o.DefaultStyle == "" {
		o.DefaultStyle = "modern"
	}
	return o
}

type Orchestrator struct {
	gw     Gateways
	store  *run.Store
	audit  *auditlog.Log
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	controls map[string]*control
}

// control is the per-run coordination state: one trigger at a time and a
// cancellation flag.
type control struct {
	busy      sync.Mutex
	cancelled atomic.Bool
}

func New(gw Gateways, store *run.Store, audit *auditlog.Log, opts Options, logger *slog.Logger) (*Orchestrator, error) {
	if err := gw.validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		gw:       gw,
		store:    store,
		audit:    audit,
		opts:     opts.withDefaults(),
		logger:   logging.WithComponent(logger, "orchestrator"),
		controls: make(map[string]*control),
	}, nil
}

func (o *Orchestrator) control(id string) *control {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.controls[id]
	if !ok {
		c = &control{}
		o.controls[id] = c
	}
	return c
}

// release unlocks c and drops the run's control once the run is terminal.
// No trigger or cancel is admitted on a terminal run, so nothing can still
// be waiting on c.
func (o *Orchestrator) release(ctx context.Context, id string, c *control) {
	c.busy.Unlock()
	snap, err := o.store.Get(context.WithoutCancel(ctx), id)
	if err != nil || !snap.Stage.IsTerminal() {
		return
	}
	o.mu.Lock()
	if o.controls[id] == c {
		delete(o.controls, id)
	}
	o.mu.Unlock()
}

// admit locks the run for one trigger after checking it sits at want.
func (o *Orchestrator) admit(ctx context.Context, id string, want run.Stage) (*control, *run.PipelineRun, error) {
	snap, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if snap.Stage != want {
		return nil, nil, fmt.Errorf("%w: run is %s, trigger requires %s", ErrInvalidTransition, snap.Stage, want)
	}

	c := o.control(id)
	if !c.busy.TryLock() {
		return nil, nil, ErrRunBusy
	}
	// re-read under the lock; another trigger may have just finished
	snap, err = o.store.Get(ctx, id)
	if err != nil {
		c.busy.Unlock()
		return nil, nil, err
	}
	if snap.Stage != want {
		c.busy.Unlock()
		return nil, nil, fmt.Errorf("%w: run is %s, trigger requires %s", ErrInvalidTransition, snap.Stage, want)
	}
	return c, snap, nil
}

// Start creates a run from the caller's materials and uploads them.
func (o *Orchestrator) Start(ctx context.Context, materials run.Materials) (string, error) {
	if len(materials.Files) == 0 {
		return "", ErrNoMaterials
	}
	id, err := o.store.Create(ctx, materials)
	if err != nil {
		return "", err
	}
	c, snap, err := o.admit(ctx, id, run.NotStarted)
	if err != nil {
		return id, err
	}
	defer o.release(ctx, id, c)

	ctx = context.WithoutCancel(ctx)
	log := logging.WithRunID(o.logger, id)
	o.audit.Appendf(ctx, id, auditlog.SeverityInfo, "Run started with %d file(s) and %d keyword(s)", len(materials.Files), len(materials.Keywords))

	files := make([]stage.UploadFile, len(snap.Materials.Files))
	for i, f := range snap.Materials.Files {
		files[i] = stage.UploadFile{Name: f.Name, ContentType: f.ContentType, Data: f.Data}
	}

	res, ok := invoke(ctx, o, c, id, StepUpload, o.gw.Upload, stage.UploadRequest{Files: files, Description: materials.Description})
	if !ok {
		return id, nil
	}
	if !res.IsSuccess() {
		return id, o.fail(ctx, id, StepUpload, res.Detail, res.Retryable())
	}

	asset := uploadAsset(res.Payload)
	if _, err := o.store.Commit(ctx, id, func(r *run.PipelineRun) error {
		r.Stage = run.MaterialsUploaded
		r.Assets.Upload = asset
		return nil
	}); err != nil {
		return id, err
	}
	if err := o.store.ReleaseMaterials(ctx, id); err != nil {
		log.Warn("failed to release materials", "error", err)
	}
	o.audit.Appendf(ctx, id, auditlog.SeveritySuccess, "Uploaded %d asset(s)", asset.Count)
	log.Info("materials uploaded", "count", asset.Count)
	return id, nil
}

// Process discovers trends and analyzes the uploaded materials.
func (o *Orchestrator) Process(ctx context.Context, id string) error {
	c, snap, err := o.admit(ctx, id, run.MaterialsUploaded)
	if err != nil {
		return err
	}
	defer o.release(ctx, id, c)
	ctx = context.WithoutCancel(ctx)

	trendRes, ok := invoke(ctx, o, c, id, StepTrend, o.gw.Trend, stage.TrendRequest{Region: o.opts.TrendRegion})
	if !ok {
		return nil
	}
	var trend *run.TrendAsset
	if trendRes.IsSuccess() {
		trend = trendAsset(trendRes.Payload)
		o.audit.Appendf(ctx, id, auditlog.SeveritySuccess, "Found %d trend(s) and %d hashtag(s)", len(trend.Trends), len(trend.Hashtags))
	} else if done, err := o.degradeOrFail(ctx, id, StepTrend, trendRes.Detail, trendRes.Retryable()); done {
		return err
	} else {
		trend = defaultTrend(trendRes.Detail)
	}

	analyzeRes, ok := invoke(ctx, o, c, id, StepAnalyze, o.gw.Analyze, stage.AnalyzeRequest{
		AssetIDs:    snap.Assets.Upload.IDs(),
		Keywords:    nonNil(snap.Materials.Keywords),
		Description: snap.Materials.Description,
		FolderID:    o.opts.DriveFolderID,
	})
	if !ok {
		return nil
	}
	if !analyzeRes.IsSuccess() {
		if done, err := o.degradeOrFail(ctx, id, StepAnalyze, analyzeRes.Detail, analyzeRes.Retryable()); done {
			return err
		}
	}
	analysis := analysisAsset(analyzeRes.Payload)

	if _, err := o.store.Commit(ctx, id, func(r *run.PipelineRun) error {
		r.Stage = run.Processed
		r.Assets.Trend = trend
		r.Assets.Analyze = analysis
		return nil
	}); err != nil {
		return err
	}
	o.audit.Appendf(ctx, id, auditlog.SeveritySuccess, "Analysis complete with %d keyword(s)", len(analysis.Keywords))
	return nil
}

// Generate produces the poster artifact in the given style. An empty
// style selects the configured default.
func (o *Orchestrator) Generate(ctx context.Context, id, style string) error {
	c, snap, err := o.admit(ctx, id, run.Processed)
	if err != nil {
		return err
	}
	defer o.release(ctx, id, c)
	ctx = context.WithoutCancel(ctx)

	if style == "" {
		style = o.opts.DefaultStyle
	}
	req := generateRequest(snap, style)

	res, ok := invoke(ctx, o, c, id, StepGenerate, o.gw.Generate, req)
	if !ok {
		return nil
	}
	if !res.IsSuccess() {
		if done, err := o.degradeOrFail(ctx, id, StepGenerate, res.Detail, res.Retryable()); done {
			return err
		}
	}

	asset := generationAsset(res.Payload, style, req.VisualSummary)
	if _, err := o.store.Commit(ctx, id, func(r *run.PipelineRun) error {
		r.Stage = run.Generated
		r.Style = style
		r.Assets.Generate = asset
		return nil
	}); err != nil {
		return err
	}
	o.audit.Appendf(ctx, id, auditlog.SeveritySuccess, "Generated %s in %s style", asset.Filename, style)
	return nil
}

// AssessQuality scores the artifact and then finalizes caption and hashtags.
func (o *Orchestrator) AssessQuality(ctx context.Context, id string) error {
	c, snap, err := o.admit(ctx, id, run.Generated)
	if err != nil {
		return err
	}
	defer o.release(ctx, id, c)
	ctx = context.WithoutCancel(ctx)

	gen := snap.Assets.Generate
	ref := artifactRef(gen)

	assessRes, ok := invoke(ctx, o, c, id, StepQualityAssess, o.gw.Assess, stage.AssessRequest{ImagePath: ref, Prompt: gen.Prompt})
	if !ok {
		return nil
	}
	var quality *run.QualityAsset
	if assessRes.IsSuccess() {
		quality = qualityAsset(assessRes.Payload)
		o.audit.Appendf(ctx, id, auditlog.SeveritySuccess, "Quality score %.2f (%s)", quality.Score, quality.Tier)
	} else if done, err := o.degradeOrFail(ctx, id, StepQualityAssess, assessRes.Detail, assessRes.Retryable()); done {
		return err
	} else {
		quality = defaultQuality(assessRes.Detail)
	}

	if _, err := o.store.Commit(ctx, id, func(r *run.PipelineRun) error {
		r.Stage = run.QualityAssessed
		r.Assets.Quality = quality
		return nil
	}); err != nil {
		return err
	}

	finalizeRes, ok := invoke(ctx, o, c, id, StepFinalize, o.gw.Finalize, stage.FinalizeRequest{
		ImagePath:      ref,
		OriginalPrompt: gen.Prompt,
		Style:          snap.Style,
		Platform:       o.opts.Platform,
		MaxHashtags:    o.opts.MaxHashtags,
	})
	if !ok {
		return nil
	}
	if !finalizeRes.IsSuccess() {
		if done, err := o.degradeOrFail(ctx, id, StepFinalize, finalizeRes.Detail, finalizeRes.Retryable()); done {
			return err
		}
	}

	final := finalizeAsset(finalizeRes.Payload, o.opts.Platform)
	if _, err := o.store.Commit(ctx, id, func(r *run.PipelineRun) error {
		r.Stage = run.Finalized
		r.Assets.Finalize = final
		r.Terminal = &run.TerminalResult{
			Outcome:      run.OutcomeFinalized,
			Caption:      final.Caption,
			Hashtags:     final.Hashtags,
			ArtifactURL:  gen.DownloadURL,
			QualityScore: quality.Score,
			CompletedAt:  time.Now().UTC(),
		}
		return nil
	}); err != nil {
		return err
	}
	o.audit.Appendf(ctx, id, auditlog.SeveritySuccess, "Run finalized with %d hashtag(s)", len(final.Hashtags))
	return nil
}

// Cancel requests cancellation. An idle run is failed immediately; a run
// with a trigger in flight is failed once its current gateway call returns,
// and that call's result is discarded.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	snap, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if snap.Stage.IsTerminal() {
		return fmt.Errorf("%w: run is already %s", ErrInvalidTransition, snap.Stage)
	}

	c := o.control(id)
	c.cancelled.Store(true)
	if !c.busy.TryLock() {
		o.audit.Append(ctx, id, auditlog.SeverityWarning, "Cancellation requested; waiting for the current stage call to return")
		return nil
	}
	defer o.release(ctx, id, c)
	return o.cancelRun(ctx, id, "")
}

// Execute runs every trigger in order and returns the final snapshot. It
// stops at the first terminal stage.
func (o *Orchestrator) Execute(ctx context.Context, materials run.Materials, style string) (*run.PipelineRun, error) {
	id, err := o.Start(ctx, materials)
	if err != nil {
		return nil, err
	}
	steps := []func() error{
		func() error { return o.Process(ctx, id) },
		func() error { return o.Generate(ctx, id, style) },
		func() error { return o.AssessQuality(ctx, id) },
	}
	for _, step := range steps {
		snap, err := o.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if snap.Stage.IsTerminal() {
			return snap, nil
		}
		if err := step(); err != nil {
			return snap, err
		}
	}
	return o.store.Get(ctx, id)
}

// invoke performs one gateway call bracketed by cancellation checks. It
// returns ok=false when the run was cancelled and has been failed.
func invoke[Req, Resp any](ctx context.Context, o *Orchestrator, c *control, id string, step Step, gw stage.Gateway[Req, Resp], req Req) (stage.Result[Resp], bool) {
	if c.cancelled.Load() {
		o.cancelRunLogged(ctx, id, step)
		return stage.Result[Resp]{}, false
	}

	o.audit.Appendf(ctx, id, auditlog.SeverityInfo, "Calling %s stage", step)
	res := gw.Invoke(ctx, req)

	log := logging.WithStage(logging.WithRunID(o.logger, id), string(step))
	log.Info("stage returned", "service", gw.Name(), "outcome", res.Outcome.String(), "duration_ms", res.Duration.Milliseconds())

	if c.cancelled.Load() {
		o.audit.Appendf(ctx, id, auditlog.SeverityWarning, "Discarded %s result (%s) after cancellation", step, res.Outcome)
		o.cancelRunLogged(ctx, id, step)
		return res, false
	}
	return res, true
}

// degradeOrFail applies the policy table to a failed step. done is true
// when the run was failed and the trigger must return err.
func (o *Orchestrator) degradeOrFail(ctx context.Context, id string, step Step, detail string, retryable bool) (done bool, err error) {
	switch PolicyFor(step) {
	case Degrade:
		o.audit.Appendf(ctx, id, auditlog.SeverityWarning, "%s stage failed, continuing with defaults: %s", step, detail)
		logging.WithRunID(o.logger, id).Warn("degraded step", "step", string(step), "detail", detail)
		return false, nil
	default:
		return true, o.fail(ctx, id, step, detail, retryable)
	}
}

// fail moves the run to Failed after a fatal step.
func (o *Orchestrator) fail(ctx context.Context, id string, step Step, detail string, retryable bool) error {
	o.audit.Appendf(ctx, id, auditlog.SeverityError, "%s stage failed: %s", step, detail)
	_, err := o.store.Commit(ctx, id, func(r *run.PipelineRun) error {
		r.FailedFrom = r.Stage
		r.Stage = run.Failed
		r.Terminal = &run.TerminalResult{
			Outcome:     run.OutcomeFailed,
			FailedStep:  string(step),
			Reason:      detail,
			Retryable:   retryable,
			CompletedAt: time.Now().UTC(),
		}
		return nil
	})
	if err != nil {
		return err
	}
	suffix := ""
	if retryable {
		suffix = " (retryable; start a new run to try again)"
	}
	o.audit.Appendf(ctx, id, auditlog.SeverityError, "Run failed at %s%s", step, suffix)
	logging.WithRunID(o.logger, id).Error("run failed", "step", string(step), "detail", detail, "retryable", retryable)
	return nil
}

func (o *Orchestrator) cancelRunLogged(ctx context.Context, id string, step Step) {
	if err := o.cancelRun(ctx, id, step); err != nil {
		logging.WithRunID(o.logger, id).Error("failed to record cancellation", "error", err)
	}
}

// cancelRun moves the run to Failed with the cancelled marker. Caller holds
// the run's busy lock.
func (o *Orchestrator) cancelRun(ctx context.Context, id string, before Step) error {
	_, err := o.store.Commit(ctx, id, func(r *run.PipelineRun) error {
		r.FailedFrom = r.Stage
		r.Stage = run.Failed
		r.Terminal = &run.TerminalResult{
			Outcome:     run.OutcomeCancelled,
			FailedStep:  string(before),
			Reason:      "cancelled by caller",
			Cancelled:   true,
			CompletedAt: time.Now().UTC(),
		}
		return nil
	})
	if err != nil {
		return err
	}
	if before == "" {
		o.audit.Append(ctx, id, auditlog.SeverityError, "Run cancelled")
	} else {
		o.audit.Appendf(ctx, id, auditlog.SeverityError, "Run cancelled at %s", before)
	}
	logging.WithRunID(o.logger, id).Info("run cancelled", "step", string(before))
	return nil
}

// Store exposes the run store for read access.
func (o *Orchestrator) Store() *run.Store {
	return o.store
}

// Audit exposes the audit log for read access.
func (o *Orchestrator) Audit() *auditlog.Log {
	return o.audit
}
