package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/edisonhq/edison/internal/domain"
	"github.com/edisonhq/edison/internal/fault"
)

// CreatePromptVersion inserts a new version, assigning the next version
// number within the experiment. The version number in pv is ignored; the
// assigned number is returned. Parent, when set, must exist.
func (s *Store) CreatePromptVersion(ctx context.Context, pv domain.PromptVersion) (int, error) {
	fewShot, err := json.Marshal(pv.FewShot)
	if err != nil {
		return 0, fmt.Errorf("marshal few-shot examples: %w", err)
	}
	version := 0
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if pv.ParentID != "" {
			var one int
			err := tx.QueryRowContext(ctx,
				`SELECT 1 FROM prompt_versions WHERE id = ? AND experiment_id = ?`,
				pv.ParentID, pv.ExperimentID).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return fault.New(fault.Validation, "parent prompt version %q not found in experiment", pv.ParentID)
			}
			if err != nil {
				return err
			}
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM prompt_versions WHERE experiment_id = ?`,
			pv.ExperimentID).Scan(&version); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO prompt_versions
				(id, experiment_id, version, parent_id, body, system_preamble,
				 few_shot, tool_schema, changelog, created_by, is_production, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			pv.ID, pv.ExperimentID, version, pv.ParentID, pv.Body, pv.SystemPreamble,
			string(fewShot), nullableJSON(pv.ToolSchema), pv.Changelog, pv.CreatedBy, t2n(pv.CreatedAt))
		return err
	})
	return version, err
}

// GetPromptVersion loads one version by id.
func (s *Store) GetPromptVersion(ctx context.Context, id string) (domain.PromptVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, experiment_id, version, parent_id, body, system_preamble,
		       few_shot, tool_schema, changelog, created_by, is_production, created_at
		FROM prompt_versions WHERE id = ?`, id)
	pv, err := scanPromptVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PromptVersion{}, notFound("prompt version", id)
	}
	return pv, err
}

// ListPromptVersions returns all versions of an experiment, oldest first.
func (s *Store) ListPromptVersions(ctx context.Context, experimentID string) ([]domain.PromptVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, experiment_id, version, parent_id, body, system_preamble,
		       few_shot, tool_schema, changelog, created_by, is_production, created_at
		FROM prompt_versions WHERE experiment_id = ? ORDER BY version ASC`, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PromptVersion
	for rows.Next() {
		pv, err := scanPromptVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pv)
	}
	return out, rows.Err()
}

// SetProduction marks one version as the production version, clearing the
// flag on every other version of the same experiment in the same transaction.
func (s *Store) SetProduction(ctx context.Context, experimentID, versionID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE prompt_versions SET is_production = 1 WHERE id = ? AND experiment_id = ?`,
			versionID, experimentID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound("prompt version", versionID)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE prompt_versions SET is_production = 0 WHERE experiment_id = ? AND id != ?`,
			experimentID, versionID)
		return err
	})
}

// ProductionVersion returns the current production version, if any.
func (s *Store) ProductionVersion(ctx context.Context, experimentID string) (domain.PromptVersion, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, experiment_id, version, parent_id, body, system_preamble,
		       few_shot, tool_schema, changelog, created_by, is_production, created_at
		FROM prompt_versions WHERE experiment_id = ? AND is_production = 1`, experimentID)
	pv, err := scanPromptVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PromptVersion{}, false, nil
	}
	if err != nil {
		return domain.PromptVersion{}, false, err
	}
	return pv, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPromptVersion(row rowScanner) (domain.PromptVersion, error) {
	var (
		pv         domain.PromptVersion
		fewShot    string
		toolSchema sql.NullString
		production int
		createdAt  int64
	)
	err := row.Scan(&pv.ID, &pv.ExperimentID, &pv.Version, &pv.ParentID, &pv.Body,
		&pv.SystemPreamble, &fewShot, &toolSchema, &pv.Changelog, &pv.CreatedBy,
		&production, &createdAt)
	if err != nil {
		return domain.PromptVersion{}, err
	}
	if err := json.Unmarshal([]byte(fewShot), &pv.FewShot); err != nil {
		return domain.PromptVersion{}, fmt.Errorf("unmarshal few-shot examples: %w", err)
	}
	if toolSchema.Valid && toolSchema.String != "" {
		pv.ToolSchema = json.RawMessage(toolSchema.String)
	}
	pv.IsProduction = production != 0
	pv.CreatedAt = n2t(createdAt)
	return pv, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
