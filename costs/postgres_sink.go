// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package costs

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// PostgresSink writes usage batches into llm_usage_records and answers
// spend queries.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// WriteBatch inserts the whole batch in one multi-row statement.
func (s *PostgresSink) WriteBatch(ctx context.Context, records []UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO llm_usage_records
		(workspace_id, execution_id, provider, model, tokens, cost_usd, recorded_at) VALUES `)
	args := make([]any, 0, len(records)*7)
	for i, rec := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 7
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7)
		args = append(args, rec.WorkspaceID, nullable(rec.ExecutionID),
			rec.Provider, rec.Model, rec.Tokens, rec.CostUSD, rec.Timestamp)
	}

	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to write usage batch: %w", err)
	}
	return nil
}

// WorkspaceSummary aggregates spend for one workspace since a cutoff.
func (s *PostgresSink) WorkspaceSummary(ctx context.Context, workspaceID string, since time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cost_usd), 0), COALESCE(SUM(tokens), 0), COUNT(*)
		FROM llm_usage_records
		WHERE workspace_id = $1 AND recorded_at >= $2`, workspaceID, since)

	summary := &Summary{WorkspaceID: workspaceID}
	if err := row.Scan(&summary.TotalCostUSD, &summary.TotalTokens, &summary.RequestCount); err != nil {
		return nil, fmt.Errorf("failed to summarise workspace %s spend: %w", workspaceID, err)
	}
	return summary, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
