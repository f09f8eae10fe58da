package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) LogUsage(ctx context.Context, log *UsageLog) error {
	query := `
		INSERT INTO ai_usage_logs (user_id, request_id, provider, model, input_tokens, output_tokens, latency_ms, streamed, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		log.UserID, log.RequestID, log.Provider, log.Model,
		log.InputTokens, log.OutputTokens, log.LatencyMs, log.Streamed, log.Status,
	).Scan(&log.ID, &log.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to log usage: %w", err)
	}

	return nil
}

func (s *PostgresStore) GetUsageByUser(ctx context.Context, userID int64, from, to time.Time) ([]*UsageLog, error) {
	query := `
		SELECT id, user_id, request_id, provider, model, input_tokens, output_tokens, latency_ms, streamed, status, created_at
		FROM ai_usage_logs
		WHERE user_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}
	defer rows.Close()

	var logs []*UsageLog
	for rows.Next() {
		var l UsageLog
		err := rows.Scan(
			&l.ID, &l.UserID, &l.RequestID, &l.Provider, &l.Model,
			&l.InputTokens, &l.OutputTokens, &l.LatencyMs, &l.Streamed, &l.Status, &l.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage log: %w", err)
		}
		logs = append(logs, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage logs: %w", err)
	}

	return logs, nil
}

func (s *PostgresStore) GetTotalsByUser(ctx context.Context, userID int64, from, to time.Time) (*Totals, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM ai_usage_logs
		WHERE user_id = $1 AND created_at BETWEEN $2 AND $3
	`
	var t Totals
	err := s.db.QueryRow(ctx, query, userID, from, to).Scan(&t.Requests, &t.InputTokens, &t.OutputTokens)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage totals: %w", err)
	}

	return &t, nil
}
