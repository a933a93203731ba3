package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/physioclinic/ai-router/internal/storage/models"
)

// InsertUsageRecord persists one analytics record.
func (c *Client) InsertUsageRecord(ctx context.Context, r models.UsageRecord) error {
	attempted, _ := json.Marshal(r.AttemptedSources)
	var tierErrors []byte
	if len(r.TierErrors) > 0 {
		tierErrors, _ = json.Marshal(r.TierErrors)
	}

	query := `
		INSERT INTO usage_records (query_id, tenant_id, user_id, fingerprint, query_text, query_type, source,
			provider, response_time_ms, confidence, estimated_cost, actual_cost, tokens, attempted_sources,
			tier_errors, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.ExecContext(ctx, query,
		r.QueryID,
		r.TenantID,
		r.UserID,
		r.Fingerprint,
		r.Text,
		string(r.Type),
		string(r.Source),
		r.Provider,
		r.ResponseTime.Milliseconds(),
		r.Confidence,
		r.EstimatedCost,
		r.ActualCost,
		r.Tokens,
		string(attempted),
		string(tierErrors),
		r.Timestamp.UnixMilli(),
	)
	if err != nil {
		return eris.Wrapf(err, "failed to insert usage record for query %s", r.QueryID)
	}
	return nil
}

// ListUsageRecords returns records in [from, to) ordered by time.
func (c *Client) ListUsageRecords(ctx context.Context, from, to time.Time) ([]models.UsageRecord, error) {
	query := `
		SELECT query_id, tenant_id, user_id, fingerprint, query_text, query_type, source, provider,
			response_time_ms, confidence, estimated_cost, actual_cost, tokens, attempted_sources,
			tier_errors, created_at
		FROM usage_records
		WHERE created_at >= ? AND created_at < ?
		ORDER BY created_at ASC
	`

	rows, err := c.db.QueryContext(ctx, query, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, eris.Wrap(err, "failed to list usage records")
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		var (
			r                     models.UsageRecord
			userID, provider      sql.NullString
			attempted, tierErrors sql.NullString
			qt, source            string
			responseMS, createdAt int64
		)
		err := rows.Scan(&r.QueryID, &r.TenantID, &userID, &r.Fingerprint, &r.Text, &qt, &source, &provider,
			&responseMS, &r.Confidence, &r.EstimatedCost, &r.ActualCost, &r.Tokens, &attempted,
			&tierErrors, &createdAt)
		if err != nil {
			return nil, eris.Wrap(err, "failed to scan usage record")
		}

		r.UserID = userID.String
		r.Provider = provider.String
		r.Type = models.QueryType(qt)
		r.Source = models.Source(source)
		r.ResponseTime = time.Duration(responseMS) * time.Millisecond
		r.Timestamp = time.UnixMilli(createdAt)
		if attempted.Valid && attempted.String != "" {
			_ = json.Unmarshal([]byte(attempted.String), &r.AttemptedSources)
		}
		if tierErrors.Valid && tierErrors.String != "" {
			_ = json.Unmarshal([]byte(tierErrors.String), &r.TierErrors)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
