package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Repository persists runs so they survive a restart.
type Repository interface {
	Save(ctx context.Context, r *PipelineRun) error
	// Load returns nil, nil when the run does not exist.
	Load(ctx context.Context, id string) (*PipelineRun, error)
	List(ctx context.Context, limit int) ([]Summary, error)
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Save upserts the run row and inserts asset rows not yet stored. Existing
// asset rows are never updated.
func (r *SQLiteRepository) Save(ctx context.Context, run *PipelineRun) error {
	keywords, err := json.Marshal(nonNil(run.Materials.Keywords))
	if err != nil {
		return err
	}
	files, err := json.Marshal(run.Materials.Files)
	if err != nil {
		return err
	}
	var terminal sql.NullString
	if run.Terminal != nil {
		b, err := json.Marshal(run.Terminal)
		if err != nil {
			return err
		}
		terminal = sql.NullString{String: string(b), Valid: true}
	}
	var failedFrom sql.NullString
	if run.Stage == Failed {
		failedFrom = sql.NullString{String: run.FailedFrom.String(), Valid: true}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, stage, failed_from, keywords, description, files, style, terminal, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			stage = excluded.stage,
			failed_from = excluded.failed_from,
			style = excluded.style,
			terminal = excluded.terminal,
			updated_at = excluded.updated_at
	`, run.ID, run.Stage.String(), failedFrom, string(keywords), run.Materials.Description, string(files),
		nullString(run.Style), terminal, run.CreatedAt.Format(time.RFC3339Nano), run.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}

	for _, name := range run.Assets.Names() {
		payload, err := json.Marshal(run.Assets.Get(name))
		if err != nil {
			return fmt.Errorf("marshal asset %s: %w", name, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_assets (run_id, name, payload, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(run_id, name) DO NOTHING
		`, run.ID, name, string(payload), run.UpdatedAt.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("insert asset %s: %w", name, err)
		}
	}

	return tx.Commit()
}

func (r *SQLiteRepository) Load(ctx context.Context, id string) (*PipelineRun, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, stage, failed_from, keywords, description, files, style, terminal, created_at, updated_at
		FROM runs WHERE id = ?
	`, id)

	var run PipelineRun
	var stage, keywords, files, createdAt, updatedAt string
	var failedFrom, style, terminal sql.NullString

	err := row.Scan(&run.ID, &stage, &failedFrom, &keywords, &run.Materials.Description, &files, &style, &terminal, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if run.Stage, err = ParseStage(stage); err != nil {
		return nil, err
	}
	if failedFrom.Valid {
		if run.FailedFrom, err = ParseStage(failedFrom.String); err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal([]byte(keywords), &run.Materials.Keywords); err != nil {
		return nil, fmt.Errorf("decode keywords: %w", err)
	}
	if err := json.Unmarshal([]byte(files), &run.Materials.Files); err != nil {
		return nil, fmt.Errorf("decode files: %w", err)
	}
	run.Style = style.String
	if terminal.Valid {
		run.Terminal = new(TerminalResult)
		if err := json.Unmarshal([]byte(terminal.String), run.Terminal); err != nil {
			return nil, fmt.Errorf("decode terminal result: %w", err)
		}
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	run.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	rows, err := r.db.QueryContext(ctx, "SELECT name, payload FROM run_assets WHERE run_id = ?", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name, payload string
		if err := rows.Scan(&name, &payload); err != nil {
			return nil, err
		}
		if err := run.Assets.set(name, []byte(payload)); err != nil {
			return nil, fmt.Errorf("decode asset %s: %w", name, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *SQLiteRepository) List(ctx context.Context, limit int) ([]Summary, error) {
	query := `
		SELECT id, stage, style, terminal, created_at, updated_at
		FROM runs ORDER BY created_at DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := []Summary{}
	for rows.Next() {
		var s Summary
		var stage, createdAt, updatedAt string
		var style, terminal sql.NullString

		if err := rows.Scan(&s.ID, &stage, &style, &terminal, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		s.Stage, _ = ParseStage(stage)
		s.Style = style.String
		if terminal.Valid {
			var t TerminalResult
			if err := json.Unmarshal([]byte(terminal.String), &t); err == nil {
				s.Outcome = t.Outcome
			}
		}
		s.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		s.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// FailInterrupted moves every run that is not terminal to Failed with
// reason, keeping the stage it stopped at as its origin. It returns the ids
// of the runs it changed.
func (r *SQLiteRepository) FailInterrupted(ctx context.Context, reason string, at time.Time) ([]string, error) {
	terminal, err := json.Marshal(TerminalResult{Outcome: OutcomeFailed, Reason: reason, CompletedAt: at})
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	finalized, failed := Finalized.String(), Failed.String()
	rows, err := tx.QueryContext(ctx, "SELECT id FROM runs WHERE stage NOT IN (?, ?)", finalized, failed)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE runs SET failed_from = stage, stage = ?, terminal = ?, updated_at = ?
		WHERE stage NOT IN (?, ?)
	`, failed, string(terminal), at.Format(time.RFC3339Nano), finalized, failed)
	if err != nil {
		return nil, fmt.Errorf("fail interrupted runs: %w", err)
	}
	return ids, tx.Commit()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
