package store

import (
	"context"
	"fmt"
	"time"

	"github.com/edisonhq/edison/internal/domain"
	"github.com/shopspring/decimal"
)

// AppendCostRecord appends one spend entry. The ledger is append-only;
// replaying the same id is a no-op.
func (s *Store) AppendCostRecord(ctx context.Context, rec domain.CostRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cost_records
			(id, project_id, provider, model, prompt_tokens, completion_tokens, amount_usd, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.ProjectID, rec.Provider, rec.Model,
		rec.PromptTokens, rec.CompletionTokens, rec.AmountUSD.String(), t2n(rec.RecordedAt))
	return err
}

// SpendSince sums a project's spend recorded at or after since. Decimal sums
// are computed in Go; SQLite floats are not trusted with money.
func (s *Store) SpendSince(ctx context.Context, projectID string, since time.Time) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT amount_usd FROM cost_records
		WHERE project_id = ? AND recorded_at >= ?`, projectID, t2n(since))
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, err
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse cost amount: %w", err)
		}
		total = total.Add(amount)
	}
	return total, rows.Err()
}

// ListCostRecords returns a project's spend entries newest first, capped at
// limit (0 means no cap).
func (s *Store) ListCostRecords(ctx context.Context, projectID string, limit int) ([]domain.CostRecord, error) {
	q := `SELECT id, project_id, provider, model, prompt_tokens, completion_tokens, amount_usd, recorded_at
		FROM cost_records WHERE project_id = ? ORDER BY recorded_at DESC`
	args := []any{projectID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CostRecord
	for rows.Next() {
		var (
			rec        domain.CostRecord
			amount     string
			recordedAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &rec.Provider, &rec.Model,
			&rec.PromptTokens, &rec.CompletionTokens, &amount, &recordedAt); err != nil {
			return nil, err
		}
		rec.AmountUSD, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse cost amount: %w", err)
		}
		rec.RecordedAt = n2t(recordedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}
