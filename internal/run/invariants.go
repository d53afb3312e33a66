package run

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrRunNotFound       = errors.New("run not found")
	ErrInvalidTransition = errors.New("invalid stage transition")
	ErrInvariant         = errors.New("run invariant violated")
)

// ValidTransition reports whether a run may move from one stage to another
// in a single commit.
func ValidTransition(from, to Stage) bool {
	if from.IsTerminal() {
		return false
	}
	if to == Failed {
		return true
	}
	return to == from || to == from+1
}

// CheckInvariants verifies the structural invariants of one run snapshot.
func CheckInvariants(r *PipelineRun) error {
	if r.Stage < NotStarted || r.Stage > Failed {
		return fmt.Errorf("%w: unknown stage %d", ErrInvariant, int(r.Stage))
	}
	if r.Stage == Failed && r.FailedFrom.IsTerminal() {
		return fmt.Errorf("%w: failed from terminal stage %s", ErrInvariant, r.FailedFrom)
	}

	effective := r.EffectiveStage()
	for _, name := range AssetNames {
		owner := assetOwner[name]
		reached := effective >= owner
		if has := r.Assets.Has(name); has != reached {
			if has {
				return fmt.Errorf("%w: asset %q present at stage %s", ErrInvariant, name, effective)
			}
			return fmt.Errorf("%w: asset %q missing at stage %s", ErrInvariant, name, effective)
		}
	}

	if r.Stage.IsTerminal() != (r.Terminal != nil) {
		return fmt.Errorf("%w: terminal result presence does not match stage %s", ErrInvariant, r.Stage)
	}
	return nil
}

// checkCommit validates the change from prev to next.
func checkCommit(prev, next *PipelineRun) error {
	if next.ID != prev.ID {
		return fmt.Errorf("%w: run id changed", ErrInvariant)
	}
	if next.Stage != prev.Stage && !ValidTransition(prev.Stage, next.Stage) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Stage, next.Stage)
	}
	if prev.Stage.IsTerminal() {
		return fmt.Errorf("%w: run is %s", ErrInvalidTransition, prev.Stage)
	}
	if next.Stage == Failed && next.FailedFrom != prev.Stage {
		return fmt.Errorf("%w: failed_from %s, run was at %s", ErrInvariant, next.FailedFrom, prev.Stage)
	}
	for _, name := range AssetNames {
		before := prev.Assets.Get(name)
		if before == nil {
			continue
		}
		after := next.Assets.Get(name)
		if after == nil {
			return fmt.Errorf("%w: asset %q removed", ErrInvariant, name)
		}
		if !sameJSON(before, after) {
			return fmt.Errorf("%w: asset %q rewritten", ErrInvariant, name)
		}
	}
	return CheckInvariants(next)
}

// sameJSON compares assets by their persisted form.
func sameJSON(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}
