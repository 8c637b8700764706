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

// PutSuggestion upserts a refiner suggestion.
func (s *Store) PutSuggestion(ctx context.Context, sg domain.Suggestion) error {
	exemplars, err := json.Marshal(sg.ExemplarOutputIDs)
	if err != nil {
		return fmt.Errorf("marshal exemplar ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO suggestions
			(id, iteration_id, parent_prompt_version_id, diff, note, status, exemplar_output_ids, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status`,
		sg.ID, sg.IterationID, sg.ParentPromptVersionID, sg.Diff, sg.Note,
		string(sg.Status), string(exemplars), t2n(sg.CreatedAt))
	return err
}

// GetSuggestion loads one suggestion by id.
func (s *Store) GetSuggestion(ctx context.Context, id string) (domain.Suggestion, error) {
	var (
		sg        domain.Suggestion
		status    string
		exemplars string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, iteration_id, parent_prompt_version_id, diff, note, status, exemplar_output_ids, created_at
		FROM suggestions WHERE id = ?`, id).
		Scan(&sg.ID, &sg.IterationID, &sg.ParentPromptVersionID, &sg.Diff, &sg.Note,
			&status, &exemplars, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Suggestion{}, notFound("suggestion", id)
	}
	if err != nil {
		return domain.Suggestion{}, err
	}
	sg.Status = domain.SuggestionStatus(status)
	sg.CreatedAt = n2t(createdAt)
	if err := json.Unmarshal([]byte(exemplars), &sg.ExemplarOutputIDs); err != nil {
		return domain.Suggestion{}, fmt.Errorf("unmarshal exemplar ids: %w", err)
	}
	return sg, nil
}

// ListSuggestions returns an iteration's suggestions, oldest first.
func (s *Store) ListSuggestions(ctx context.Context, iterationID string) ([]domain.Suggestion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, iteration_id, parent_prompt_version_id, diff, note, status, exemplar_output_ids, created_at
		FROM suggestions WHERE iteration_id = ? ORDER BY created_at ASC, id ASC`, iterationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Suggestion
	for rows.Next() {
		var (
			sg        domain.Suggestion
			status    string
			exemplars string
			createdAt int64
		)
		if err := rows.Scan(&sg.ID, &sg.IterationID, &sg.ParentPromptVersionID, &sg.Diff,
			&sg.Note, &status, &exemplars, &createdAt); err != nil {
			return nil, err
		}
		sg.Status = domain.SuggestionStatus(status)
		sg.CreatedAt = n2t(createdAt)
		if err := json.Unmarshal([]byte(exemplars), &sg.ExemplarOutputIDs); err != nil {
			return nil, fmt.Errorf("unmarshal exemplar ids: %w", err)
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

// ResolveSuggestion records a review and flips the suggestion status in one
// transaction, compare-and-swapping from the status the caller observed. A
// second decision on the same suggestion is a Conflict.
func (s *Store) ResolveSuggestion(ctx context.Context, rv domain.Review, from, to domain.SuggestionStatus) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE suggestions SET status = ? WHERE id = ? AND status = ?`,
			string(to), rv.SuggestionID, string(from))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var status string
			err := tx.QueryRowContext(ctx,
				`SELECT status FROM suggestions WHERE id = ?`, rv.SuggestionID).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				return notFound("suggestion", rv.SuggestionID)
			}
			if err != nil {
				return err
			}
			return fault.New(fault.Conflict, "suggestion %s already %s", rv.SuggestionID, status)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO reviews (id, suggestion_id, reviewer, decision, edited_diff, notes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rv.ID, rv.SuggestionID, rv.Reviewer, string(rv.Decision), rv.EditedDiff, rv.Notes, t2n(rv.CreatedAt))
		return err
	})
}

// ListReviews returns the reviews of one suggestion, oldest first.
func (s *Store) ListReviews(ctx context.Context, suggestionID string) ([]domain.Review, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, suggestion_id, reviewer, decision, edited_diff, notes, created_at
		FROM reviews WHERE suggestion_id = ? ORDER BY created_at ASC`, suggestionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Review
	for rows.Next() {
		var (
			rv        domain.Review
			decision  string
			createdAt int64
		)
		if err := rows.Scan(&rv.ID, &rv.SuggestionID, &rv.Reviewer, &decision,
			&rv.EditedDiff, &rv.Notes, &createdAt); err != nil {
			return nil, err
		}
		rv.Decision = domain.ReviewDecision(decision)
		rv.CreatedAt = n2t(createdAt)
		out = append(out, rv)
	}
	return out, rows.Err()
}
