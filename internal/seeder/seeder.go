package seeder

import (
	"context"
	"fmt"
	"time"

	"github.com/vnmchuo/scribeflow/internal/auth"
	"github.com/vnmchuo/scribeflow/internal/logging"
	"github.com/vnmchuo/scribeflow/internal/provider"
)

const (
	DevEmail = "dev@scribeflow.local"
	TokenTTL = 30 * 24 * time.Hour
)

// SeedDevUser makes sure the development user exists and returns a bearer
// token for it.
func SeedDevUser(ctx context.Context, store auth.Store, secret []byte, preferred provider.ID, model string) (string, error) {
	user := &auth.Profile{
		Email:             DevEmail,
		PreferredProvider: preferred,
		PreferredModel:    model,
		Active:            true,
	}

	if err := store.Create(ctx, user); err != nil {
		return "", fmt.Errorf("seed dev user: %w", err)
	}

	token, err := auth.NewToken(secret, user.ID, TokenTTL)
	if err != nil {
		return "", fmt.Errorf("sign dev token: %w", err)
	}

	logging.Info().
		Int64("user_id", user.ID).
		Str("email", user.Email).
		Msg("[Seeder] dev user ready")
	return token, nil
}
