package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/edisonhq/edison/internal/domain"
	"github.com/edisonhq/edison/internal/fault"
)

// PutJudgment upserts one judgment. Pointwise rows are unique per
// (output, judge); pairwise rows per (pair key, judge). Replays keep the
// first row; inserted reports whether this call created it.
func (s *Store) PutJudgment(ctx context.Context, j domain.Judgment) (inserted bool, err error) {
	switch j.Mode {
	case domain.JudgePointwise:
		if j.OutputID == "" {
			return false, fault.New(fault.Validation, "pointwise judgment requires an output id")
		}
	case domain.JudgePairwise:
		if j.PairKey == "" || j.OutputA == "" || j.OutputB == "" {
			return false, fault.New(fault.Validation, "pairwise judgment requires pair key and both outputs")
		}
	default:
		return false, fault.New(fault.Validation, "unknown judge mode %q", j.Mode)
	}

	scores, err := jsonOrNil(j.Scores)
	if err != nil {
		return false, err
	}
	rationales, err := jsonOrNil(j.Rationales)
	if err != nil {
		return false, err
	}
	scoresA, err := jsonOrNil(j.ScoresA)
	if err != nil {
		return false, err
	}
	scoresB, err := jsonOrNil(j.ScoresB)
	if err != nil {
		return false, err
	}
	reasons, err := jsonOrNil(j.Reasons)
	if err != nil {
		return false, err
	}
	flags, err := marshalFlags(j.SafetyFlags)
	if err != nil {
		return false, err
	}

	conflict := `ON CONFLICT(output_id, judge_config_id) WHERE output_id != '' DO NOTHING`
	if j.Mode == domain.JudgePairwise {
		conflict = `ON CONFLICT(pair_key, judge_config_id) WHERE pair_key != '' DO NOTHING`
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO judgments
			(id, judge_config_id, mode, status, output_id, scores, rationales,
			 pair_key, output_a, output_b, winner, scores_a, scores_b, reasons,
			 safety_flags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) `+conflict,
		j.ID, j.JudgeConfigID, string(j.Mode), string(j.Status), j.OutputID,
		scores, rationales, j.PairKey, j.OutputA, j.OutputB, j.Winner,
		scoresA, scoresB, reasons, flags, t2n(j.CreatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListJudgmentsForOutputs returns pointwise judgments for the given outputs.
func (s *Store) ListJudgmentsForOutputs(ctx context.Context, outputIDs []string) ([]domain.Judgment, error) {
	if len(outputIDs) == 0 {
		return nil, nil
	}
	placeholders, args := inClause(outputIDs)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, judge_config_id, mode, status, output_id, scores, rationales,
		       pair_key, output_a, output_b, winner, scores_a, scores_b, reasons,
		       safety_flags, created_at
		FROM judgments WHERE output_id IN (`+placeholders+`) ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJudgments(rows)
}

// ListJudgmentsForPairs returns pairwise judgments for the given pair keys.
func (s *Store) ListJudgmentsForPairs(ctx context.Context, pairKeys []string) ([]domain.Judgment, error) {
	if len(pairKeys) == 0 {
		return nil, nil
	}
	placeholders, args := inClause(pairKeys)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, judge_config_id, mode, status, output_id, scores, rationales,
		       pair_key, output_a, output_b, winner, scores_a, scores_b, reasons,
		       safety_flags, created_at
		FROM judgments WHERE pair_key IN (`+placeholders+`) ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJudgments(rows)
}

func collectJudgments(rows *sql.Rows) ([]domain.Judgment, error) {
	var out []domain.Judgment
	for rows.Next() {
		var (
			j                                            domain.Judgment
			mode, status                                 string
			scores, rationales, scoresA, scoresB, reason sql.NullString
			flags                                        sql.NullString
			createdAt                                    int64
		)
		err := rows.Scan(&j.ID, &j.JudgeConfigID, &mode, &status, &j.OutputID,
			&scores, &rationales, &j.PairKey, &j.OutputA, &j.OutputB, &j.Winner,
			&scoresA, &scoresB, &reason, &flags, &createdAt)
		if err != nil {
			return nil, err
		}
		j.Mode = domain.JudgeMode(mode)
		j.Status = domain.JudgmentStatus(status)
		j.CreatedAt = n2t(createdAt)
		if err := decodeInto(scores, &j.Scores); err != nil {
			return nil, err
		}
		if err := decodeInto(rationales, &j.Rationales); err != nil {
			return nil, err
		}
		if err := decodeInto(scoresA, &j.ScoresA); err != nil {
			return nil, err
		}
		if err := decodeInto(scoresB, &j.ScoresB); err != nil {
			return nil, err
		}
		if err := decodeInto(reason, &j.Reasons); err != nil {
			return nil, err
		}
		if j.SafetyFlags, err = unmarshalFlags(flags); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func jsonOrNil(v any) (any, error) {
	switch x := v.(type) {
	case map[string]int:
		if x == nil {
			return nil, nil
		}
	case map[string]string:
		if x == nil {
			return nil, nil
		}
	case []string:
		if x == nil {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal judgment field: %w", err)
	}
	return string(raw), nil
}

func decodeInto(col sql.NullString, dst any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), dst); err != nil {
		return fmt.Errorf("unmarshal judgment field: %w", err)
	}
	return nil
}

func inClause(ids []string) (string, []any) {
	placeholders := ""
	args := make([]any, 0, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, id)
	}
	return placeholders, args
}
