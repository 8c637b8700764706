package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/edisonhq/edison/internal/domain"
	"github.com/edisonhq/edison/internal/fault"
	"github.com/shopspring/decimal"
)

// CreateIteration inserts a new iteration. The (experiment, number) pair is
// unique; re-inserting the same id is a no-op so scheduling is idempotent.
func (s *Store) CreateIteration(ctx context.Context, it domain.Iteration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO iterations
			(id, experiment_id, number, prompt_version_id, status,
			 scheduled_at, started_at, finished_at, metrics, failure_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		it.ID, it.ExperimentID, it.Number, it.PromptVersionID, string(it.Status),
		t2n(it.ScheduledAt), t2n(it.StartedAt), t2n(it.FinishedAt),
		nullableJSON(it.Metrics), it.FailureReason)
	return err
}

// GetIteration loads one iteration by id.
func (s *Store) GetIteration(ctx context.Context, id string) (domain.Iteration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, experiment_id, number, prompt_version_id, status,
		       scheduled_at, started_at, finished_at, metrics, failure_reason
		FROM iterations WHERE id = ?`, id)
	it, err := scanIteration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Iteration{}, notFound("iteration", id)
	}
	return it, err
}

// ListIterations returns an experiment's iterations in number order.
func (s *Store) ListIterations(ctx context.Context, experimentID string) ([]domain.Iteration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, experiment_id, number, prompt_version_id, status,
		       scheduled_at, started_at, finished_at, metrics, failure_reason
		FROM iterations WHERE experiment_id = ? ORDER BY number ASC`, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Iteration
	for rows.Next() {
		it, err := scanIteration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// TransitionIteration moves an iteration from one status to another with a
// compare-and-swap. A mismatch between the stored status and from yields a
// Conflict error, so two workers racing on the same iteration cannot both
// win.
func (s *Store) TransitionIteration(ctx context.Context, id string, from, to domain.IterationStatus, mutate func(it *domain.Iteration)) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, experiment_id, number, prompt_version_id, status,
			       scheduled_at, started_at, finished_at, metrics, failure_reason
			FROM iterations WHERE id = ?`, id)
		it, err := scanIteration(row)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("iteration", id)
		}
		if err != nil {
			return err
		}
		if it.Status != from {
			return fault.New(fault.Conflict, "iteration %s is %s, expected %s", id, it.Status, from)
		}
		it.Status = to
		if mutate != nil {
			mutate(&it)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE iterations SET status = ?, scheduled_at = ?, started_at = ?,
				finished_at = ?, metrics = ?, failure_reason = ?
			WHERE id = ? AND status = ?`,
			string(it.Status), t2n(it.ScheduledAt), t2n(it.StartedAt), t2n(it.FinishedAt),
			nullableJSON(it.Metrics), it.FailureReason, id, string(from))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fault.New(fault.Conflict, "iteration %s moved concurrently", id)
		}
		return nil
	})
}

func scanIteration(row rowScanner) (domain.Iteration, error) {
	var (
		it                              domain.Iteration
		status                          string
		scheduled, started, finished    int64
		metrics                         sql.NullString
	)
	err := row.Scan(&it.ID, &it.ExperimentID, &it.Number, &it.PromptVersionID, &status,
		&scheduled, &started, &finished, &metrics, &it.FailureReason)
	if err != nil {
		return domain.Iteration{}, err
	}
	it.Status = domain.IterationStatus(status)
	it.ScheduledAt = n2t(scheduled)
	it.StartedAt = n2t(started)
	it.FinishedAt = n2t(finished)
	if metrics.Valid && metrics.String != "" {
		it.Metrics = json.RawMessage(metrics.String)
	}
	return it, nil
}

// PutModelRun upserts a model run. The (iteration, model config) pair is
// unique; replays update the mutable fields in place.
func (s *Store) PutModelRun(ctx context.Context, r domain.ModelRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_runs
			(id, iteration_id, model_config_id, dataset_id, status,
			 prompt_tokens, completion_tokens, cost_usd, started_at, finished_at, failure_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(iteration_id, model_config_id) DO UPDATE SET
			status = excluded.status,
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			cost_usd = excluded.cost_usd,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			failure_reason = excluded.failure_reason`,
		r.ID, r.IterationID, r.ModelConfigID, r.DatasetID, string(r.Status),
		r.PromptTokens, r.CompletionTokens, r.CostUSD.String(),
		t2n(r.StartedAt), t2n(r.FinishedAt), r.FailureReason)
	return err
}

// ListModelRuns returns the runs of one iteration.
func (s *Store) ListModelRuns(ctx context.Context, iterationID string) ([]domain.ModelRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, iteration_id, model_config_id, dataset_id, status,
		       prompt_tokens, completion_tokens, cost_usd, started_at, finished_at, failure_reason
		FROM model_runs WHERE iteration_id = ? ORDER BY id ASC`, iterationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ModelRun
	for rows.Next() {
		var (
			r                 domain.ModelRun
			status, cost      string
			started, finished int64
		)
		if err := rows.Scan(&r.ID, &r.IterationID, &r.ModelConfigID, &r.DatasetID, &status,
			&r.PromptTokens, &r.CompletionTokens, &cost, &started, &finished, &r.FailureReason); err != nil {
			return nil, err
		}
		r.Status = domain.RunStatus(status)
		r.CostUSD, err = decimal.NewFromString(cost)
		if err != nil {
			return nil, fmt.Errorf("parse run cost: %w", err)
		}
		r.StartedAt = n2t(started)
		r.FinishedAt = n2t(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PutOutput upserts one model output. The (model run, case) pair is unique;
// a replay after a crash keeps the first completed row and is reported as
// inserted=false.
func (s *Store) PutOutput(ctx context.Context, o domain.Output) (inserted bool, err error) {
	flags, err := marshalFlags(o.SafetyFlags)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO outputs
			(id, model_run_id, case_id, rendered_prompt, text,
			 prompt_tokens, completion_tokens, latency_ms, finish_reason,
			 skipped, skip_reason, safety_flags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(model_run_id, case_id) DO NOTHING`,
		o.ID, o.ModelRunID, o.CaseID, o.RenderedPrompt, o.Text,
		o.PromptTokens, o.CompletionTokens, o.LatencyMS, o.FinishReason,
		b2i(o.Skipped), o.SkipReason, flags, t2n(o.CreatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UpdateOutputFlags attaches safety scanner results to an existing output.
func (s *Store) UpdateOutputFlags(ctx context.Context, outputID string, flags *domain.SafetyFlags) error {
	raw, err := marshalFlags(flags)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE outputs SET safety_flags = ? WHERE id = ?`, raw, outputID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("output", outputID)
	}
	return nil
}

// ListOutputs returns the outputs of one model run in case order.
func (s *Store) ListOutputs(ctx context.Context, modelRunID string) ([]domain.Output, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.model_run_id, o.case_id, o.rendered_prompt, o.text,
		       o.prompt_tokens, o.completion_tokens, o.latency_ms, o.finish_reason,
		       o.skipped, o.skip_reason, o.safety_flags, o.created_at
		FROM outputs o
		LEFT JOIN cases c ON c.id = o.case_id
		WHERE o.model_run_id = ?
		ORDER BY c.seq ASC, o.case_id ASC`, modelRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Output
	for rows.Next() {
		var (
			o         domain.Output
			skipped   int
			flags     sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&o.ID, &o.ModelRunID, &o.CaseID, &o.RenderedPrompt, &o.Text,
			&o.PromptTokens, &o.CompletionTokens, &o.LatencyMS, &o.FinishReason,
			&skipped, &o.SkipReason, &flags, &createdAt); err != nil {
			return nil, err
		}
		o.Skipped = skipped != 0
		o.CreatedAt = n2t(createdAt)
		if o.SafetyFlags, err = unmarshalFlags(flags); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetOutput loads one output by id.
func (s *Store) GetOutput(ctx context.Context, id string) (domain.Output, error) {
	var (
		o         domain.Output
		skipped   int
		flags     sql.NullString
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, model_run_id, case_id, rendered_prompt, text,
		       prompt_tokens, completion_tokens, latency_ms, finish_reason,
		       skipped, skip_reason, safety_flags, created_at
		FROM outputs WHERE id = ?`, id).
		Scan(&o.ID, &o.ModelRunID, &o.CaseID, &o.RenderedPrompt, &o.Text,
			&o.PromptTokens, &o.CompletionTokens, &o.LatencyMS, &o.FinishReason,
			&skipped, &o.SkipReason, &flags, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Output{}, notFound("output", id)
	}
	if err != nil {
		return domain.Output{}, err
	}
	o.Skipped = skipped != 0
	o.CreatedAt = n2t(createdAt)
	if o.SafetyFlags, err = unmarshalFlags(flags); err != nil {
		return domain.Output{}, err
	}
	return o, nil
}

func marshalFlags(f *domain.SafetyFlags) (any, error) {
	if f == nil {
		return nil, nil
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal safety flags: %w", err)
	}
	return string(raw), nil
}

func unmarshalFlags(col sql.NullString) (*domain.SafetyFlags, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	var f domain.SafetyFlags
	if err := json.Unmarshal([]byte(col.String), &f); err != nil {
		return nil, fmt.Errorf("unmarshal safety flags: %w", err)
	}
	return &f, nil
}
