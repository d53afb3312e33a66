package orchestrator

import (
	"fmt"

	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/run"
)

// Step is one gateway call made by a trigger.
type Step string

const (
	StepUpload        Step = "upload"
	StepTrend         Step = "trend"
	StepAnalyze       Step = "analyze"
	StepGenerate      Step = "generate"
	StepQualityAssess Step = "quality_assess"
	StepFinalize      Step = "finalize"
)

// Policy decides what a failed step does to its run.
type Policy int

const (
	// Fatal moves the run to Failed; no further steps execute.
	Fatal Policy = iota
	// Degrade substitutes the step's default output and continues.
	Degrade
)

func (p Policy) String() string {
	switch p {
	case Fatal:
		return "fatal"
	case Degrade:
		return "degrade"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// failurePolicy is the single place where step failures are classified.
// Trend data and quality scores enrich the output; every other step
// produces something later steps cannot run without.
var failurePolicy = map[Step]Policy{
	StepUpload:        Fatal,
	StepTrend:         Degrade,
	StepAnalyze:       Fatal,
	StepGenerate:      Fatal,
	StepQualityAssess: Degrade,
	StepFinalize:      Fatal,
}

// PolicyFor returns the failure policy of a step. Unknown steps are fatal.
func PolicyFor(step Step) Policy {
	if p, ok := failurePolicy[step]; ok {
		return p
	}
	return Fatal
}

const (
	DefaultQualityScore = 0.7
	DefaultQualityTier  = "unknown"
	DefaultVisualPrompt = "AI generated content"
	maxPromptTrends     = 5
)

// defaultTrend is substituted when trend discovery fails.
func defaultTrend(reason string) *run.TrendAsset {
	return &run.TrendAsset{
		Trends:   []string{},
		Hashtags: []string{},
		Degraded: true,
		Reason:   reason,
	}
}

// defaultQuality is substituted when quality assessment fails.
func defaultQuality(reason string) *run.QualityAsset {
	return &run.QualityAsset{
		Score:    DefaultQualityScore,
		Tier:     DefaultQualityTier,
		Degraded: true,
		Reason:   reason,
	}
}
