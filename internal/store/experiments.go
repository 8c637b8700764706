package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/edisonhq/edison/internal/domain"
)

// PutExperiment upserts an experiment.
func (s *Store) PutExperiment(ctx context.Context, e domain.Experiment) error {
	rubric, err := json.Marshal(e.Rubric)
	if err != nil {
		return fmt.Errorf("marshal rubric: %w", err)
	}
	rules, err := json.Marshal(e.StopRules)
	if err != nil {
		return fmt.Errorf("marshal stop rules: %w", err)
	}
	safety, err := json.Marshal(e.Safety)
	if err != nil {
		return fmt.Errorf("marshal safety config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO experiments (id, project_id, objective, dataset_id, rubric, stop_rules, safety, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			objective = excluded.objective,
			dataset_id = excluded.dataset_id,
			rubric = excluded.rubric,
			stop_rules = excluded.stop_rules,
			safety = excluded.safety`,
		e.ID, e.ProjectID, e.Objective, e.DatasetID, string(rubric), string(rules), string(safety), t2n(e.CreatedAt))
	return err
}

// GetExperiment loads one experiment by id.
func (s *Store) GetExperiment(ctx context.Context, id string) (domain.Experiment, error) {
	var (
		e                     domain.Experiment
		rubric, rules, safety string
		createdAt             int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, objective, dataset_id, rubric, stop_rules, safety, created_at
		FROM experiments WHERE id = ?`, id).
		Scan(&e.ID, &e.ProjectID, &e.Objective, &e.DatasetID, &rubric, &rules, &safety, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Experiment{}, notFound("experiment", id)
	}
	if err != nil {
		return domain.Experiment{}, err
	}
	if err := json.Unmarshal([]byte(rubric), &e.Rubric); err != nil {
		return domain.Experiment{}, fmt.Errorf("unmarshal rubric: %w", err)
	}
	if err := json.Unmarshal([]byte(rules), &e.StopRules); err != nil {
		return domain.Experiment{}, fmt.Errorf("unmarshal stop rules: %w", err)
	}
	if err := json.Unmarshal([]byte(safety), &e.Safety); err != nil {
		return domain.Experiment{}, fmt.Errorf("unmarshal safety config: %w", err)
	}
	e.CreatedAt = n2t(createdAt)
	return e, nil
}

// PutModelConfig upserts a candidate model config.
func (s *Store) PutModelConfig(ctx context.Context, mc domain.ModelConfig) error {
	params, err := json.Marshal(mc.Params)
	if err != nil {
		return fmt.Errorf("marshal model params: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO model_configs (id, experiment_id, provider, model, params, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider = excluded.provider,
			model = excluded.model,
			params = excluded.params,
			active = excluded.active`,
		mc.ID, mc.ExperimentID, mc.Provider, mc.Model, string(params), b2i(mc.Active), t2n(mc.CreatedAt))
	return err
}

// ListModelConfigs returns the experiment's model configs, active first,
// oldest first within each group.
func (s *Store) ListModelConfigs(ctx context.Context, experimentID string, activeOnly bool) ([]domain.ModelConfig, error) {
	q := `SELECT id, experiment_id, provider, model, params, active, created_at
		FROM model_configs WHERE experiment_id = ?`
	if activeOnly {
		q += ` AND active = 1`
	}
	q += ` ORDER BY active DESC, created_at ASC`
	rows, err := s.db.QueryContext(ctx, q, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ModelConfig
	for rows.Next() {
		var (
			mc        domain.ModelConfig
			params    string
			active    int
			createdAt int64
		)
		if err := rows.Scan(&mc.ID, &mc.ExperimentID, &mc.Provider, &mc.Model, &params, &active, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(params), &mc.Params); err != nil {
			return nil, fmt.Errorf("unmarshal model params: %w", err)
		}
		mc.Active = active != 0
		mc.CreatedAt = n2t(createdAt)
		out = append(out, mc)
	}
	return out, rows.Err()
}

// PutJudgeConfig upserts a judge config.
func (s *Store) PutJudgeConfig(ctx context.Context, jc domain.JudgeConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO judge_configs (id, experiment_id, mode, provider, model, active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			mode = excluded.mode,
			provider = excluded.provider,
			model = excluded.model,
			active = excluded.active`,
		jc.ID, jc.ExperimentID, string(jc.Mode), jc.Provider, jc.Model, b2i(jc.Active))
	return err
}

// ListJudgeConfigs returns the experiment's judges.
func (s *Store) ListJudgeConfigs(ctx context.Context, experimentID string, activeOnly bool) ([]domain.JudgeConfig, error) {
	q := `SELECT id, experiment_id, mode, provider, model, active
		FROM judge_configs WHERE experiment_id = ?`
	if activeOnly {
		q += ` AND active = 1`
	}
	q += ` ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, q, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.JudgeConfig
	for rows.Next() {
		var (
			jc     domain.JudgeConfig
			mode   string
			active int
		)
		if err := rows.Scan(&jc.ID, &jc.ExperimentID, &mode, &jc.Provider, &jc.Model, &active); err != nil {
			return nil, err
		}
		jc.Mode = domain.JudgeMode(mode)
		jc.Active = active != 0
		out = append(out, jc)
	}
	return out, rows.Err()
}

// PutDataset replaces a dataset and its cases atomically, preserving case
// order.
func (s *Store) PutDataset(ctx context.Context, d domain.Dataset) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO datasets (id, project_id, kind) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET kind = excluded.kind`,
			d.ID, d.ProjectID, string(d.Kind)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM cases WHERE dataset_id = ?`, d.ID); err != nil {
			return err
		}
		for i, c := range d.Cases {
			input, err := json.Marshal(c.Input)
			if err != nil {
				return fmt.Errorf("marshal case input: %w", err)
			}
			tags, err := json.Marshal(c.Tags)
			if err != nil {
				return fmt.Errorf("marshal case tags: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO cases (id, dataset_id, input, expected, tags, difficulty, seq)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				c.ID, d.ID, string(input), c.Expected, string(tags), c.Difficulty, i); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetDataset loads a dataset with its cases in insertion order.
func (s *Store) GetDataset(ctx context.Context, id string) (domain.Dataset, error) {
	var (
		d    domain.Dataset
		kind string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, kind FROM datasets WHERE id = ?`, id).
		Scan(&d.ID, &d.ProjectID, &kind)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Dataset{}, notFound("dataset", id)
	}
	if err != nil {
		return domain.Dataset{}, err
	}
	d.Kind = domain.DatasetKind(kind)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, input, expected, tags, difficulty
		FROM cases WHERE dataset_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return domain.Dataset{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			c           domain.Case
			input, tags string
		)
		if err := rows.Scan(&c.ID, &input, &c.Expected, &tags, &c.Difficulty); err != nil {
			return domain.Dataset{}, err
		}
		if err := json.Unmarshal([]byte(input), &c.Input); err != nil {
			return domain.Dataset{}, fmt.Errorf("unmarshal case input: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
			return domain.Dataset{}, fmt.Errorf("unmarshal case tags: %w", err)
		}
		c.DatasetID = id
		d.Cases = append(d.Cases, c)
	}
	return d, rows.Err()
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
