package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vnmchuo/scribeflow/internal/provider"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetByID(ctx context.Context, id int64) (*Profile, error) {
	query := `
		SELECT id, email, COALESCE(preferred_ai_provider, ''), COALESCE(preferred_model, ''), is_active, created_at
		FROM users
		WHERE id = $1
	`

	var p Profile
	var preferred string
	err := s.db.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.Email, &preferred, &p.PreferredModel, &p.Active, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	// A stale preference for a provider we no longer support is ignored.
	if parsed, err := provider.ParseID(preferred); err == nil {
		p.PreferredProvider = parsed
	}
	return &p, nil
}

// Create inserts the user, or returns the existing row's id when the email
// is already registered.
func (s *PostgresStore) Create(ctx context.Context, p *Profile) error {
	if p.Email == "" {
		return fmt.Errorf("email is required")
	}

	query := `
		INSERT INTO users (email, preferred_ai_provider, preferred_model, is_active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id, created_at
	`

	err := s.db.QueryRow(ctx, query,
		p.Email, string(p.PreferredProvider), p.PreferredModel, p.Active,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}
