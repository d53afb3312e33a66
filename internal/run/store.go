package run

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/auditlog"
)

const interruptedReason = "interrupted by restart"

// Store is the keyed arena of runs. Each run has its own lock; the arena
// lock only guards the map itself.
type Store struct {
	repo   Repository
	audit  *auditlog.Log
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	runs map[string]*slot
}

type slot struct {
	mu  sync.Mutex
	run *PipelineRun
}

// NewStore creates a store. repo may be nil for a memory-only store; audit
// may be nil when snapshots need no log attached.
func NewStore(repo Repository, audit *auditlog.Log, logger *slog.Logger) *Store {
	return &Store{
		repo:   repo,
		audit:  audit,
		logger: logger.With("component", "run_store"),
		now:    time.Now,
		runs:   make(map[string]*slot),
	}
}

// Create registers a new run at NotStarted and returns its id.
func (s *Store) Create(ctx context.Context, materials Materials) (string, error) {
	now := s.now().UTC()
	r := &PipelineRun{
		ID:        uuid.NewString(),
		Stage:     NotStarted,
		Materials: materials.clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if r.Materials.Keywords == nil {
		r.Materials.Keywords = []string{}
	}
	for i := range r.Materials.Files {
		if r.Materials.Files[i].Size == 0 {
			r.Materials.Files[i].Size = len(r.Materials.Files[i].Data)
		}
	}

	if s.repo != nil {
		if err := s.repo.Save(ctx, r); err != nil {
			return "", fmt.Errorf("persist run: %w", err)
		}
	}

	s.mu.Lock()
	s.runs[r.ID] = &slot{run: r}
	s.mu.Unlock()

	s.logger.Info("run created", "run_id", r.ID, "files", len(materials.Files), "keywords", len(materials.Keywords))
	return r.ID, nil
}

// slot returns the in-memory slot of a run, reloading it from the
// repository when the process no longer holds it.
func (s *Store) slot(ctx context.Context, id string) (*slot, error) {
	s.mu.Lock()
	sl, ok := s.runs[id]
	s.mu.Unlock()
	if ok {
		return sl, nil
	}
	if s.repo == nil {
		return nil, ErrRunNotFound
	}

	r, err := s.repo.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	if r == nil {
		return nil, ErrRunNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.runs[id]; ok {
		return existing, nil
	}
	sl = &slot{run: r}
	s.runs[id] = sl
	s.logger.Debug("run reloaded", "run_id", id, "stage", r.Stage.String())
	return sl, nil
}

// Get returns an independent snapshot of the run with its audit log attached.
func (s *Store) Get(ctx context.Context, id string) (*PipelineRun, error) {
	sl, err := s.slot(ctx, id)
	if err != nil {
		return nil, err
	}
	sl.mu.Lock()
	snap := sl.run.Clone()
	sl.mu.Unlock()

	if s.audit != nil {
		snap.AuditLog = s.audit.List(ctx, id)
	}
	return snap, nil
}

// Commit applies mutate to a copy of the run, validates the result and, if
// valid, persists and publishes it. The stored run is unchanged when mutate
// or validation fails.
func (s *Store) Commit(ctx context.Context, id string, mutate func(r *PipelineRun) error) (*PipelineRun, error) {
	sl, err := s.slot(ctx, id)
	if err != nil {
		return nil, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()

	prev := sl.run
	next := prev.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := checkCommit(prev, next); err != nil {
		s.logger.Error("commit rejected", "run_id", id, "stage", prev.Stage.String(), "error", err)
		return nil, err
	}
	next.UpdatedAt = s.now().UTC()

	if s.repo != nil {
		if err := s.repo.Save(ctx, next); err != nil {
			return nil, fmt.Errorf("persist run: %w", err)
		}
	}
	sl.run = next

	if next.Stage != prev.Stage {
		s.logger.Info("run advanced", "run_id", id, "from", prev.Stage.String(), "to", next.Stage.String())
	}
	return next.Clone(), nil
}

// List returns run summaries, newest first. limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, limit int) ([]Summary, error) {
	if s.repo != nil {
		return s.repo.List(ctx, limit)
	}

	s.mu.Lock()
	slots := make([]*slot, 0, len(s.runs))
	for _, sl := range s.runs {
		slots = append(slots, sl)
	}
	s.mu.Unlock()

	summaries := make([]Summary, 0, len(slots))
	for _, sl := range slots {
		sl.mu.Lock()
		summaries = append(summaries, sl.run.Summary())
		sl.mu.Unlock()
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

// Active returns the ids of runs held in memory that are not yet terminal.
func (s *Store) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, sl := range s.runs {
		sl.mu.Lock()
		if !sl.run.Stage.IsTerminal() {
			ids = append(ids, id)
		}
		sl.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}

// FailInterrupted fails the runs a previous process left mid-pipeline.
// Their file contents are gone and no trigger is driving them, so they can
// never advance. Call it before serving requests.
func (s *Store) FailInterrupted(ctx context.Context) ([]string, error) {
	sweeper, ok := s.repo.(interface {
		FailInterrupted(ctx context.Context, reason string, at time.Time) ([]string, error)
	})
	if !ok {
		return nil, nil
	}
	ids, err := sweeper.FailInterrupted(ctx, interruptedReason, s.now().UTC())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	for _, id := range ids {
		delete(s.runs, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if s.audit != nil {
			s.audit.Append(ctx, id, auditlog.SeverityError, "Run failed: interrupted by restart")
		}
		s.logger.Warn("run interrupted by restart", "run_id", id)
	}
	return ids, nil
}

// ReleaseMaterials drops the in-memory file contents of a run once they
// have been uploaded.
func (s *Store) ReleaseMaterials(ctx context.Context, id string) error {
	sl, err := s.slot(ctx, id)
	if err != nil {
		return err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()

	next := sl.run.Clone()
	for i := range next.Materials.Files {
		next.Materials.Files[i].Data = nil
	}
	sl.run = next
	return nil
}
