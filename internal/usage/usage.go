package usage

import (
	"context"
	"time"
)

// Status values recorded for a completion.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusCanceled = "canceled"
)

type UsageLog struct {
	ID           string    `json:"id"`
	UserID       int64     `json:"user_id"`
	RequestID    string    `json:"request_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	LatencyMs    int64     `json:"latency_ms"`
	Streamed     bool      `json:"streamed"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// Totals aggregates a user's usage over a period.
type Totals struct {
	Requests     int `json:"requests"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type Store interface {
	LogUsage(ctx context.Context, log *UsageLog) error
	GetUsageByUser(ctx context.Context, userID int64, from, to time.Time) ([]*UsageLog, error)
	GetTotalsByUser(ctx context.Context, userID int64, from, to time.Time) (*Totals, error)
}
