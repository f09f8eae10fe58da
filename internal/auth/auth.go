package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vnmchuo/scribeflow/internal/logging"
	"github.com/vnmchuo/scribeflow/internal/provider"
)

var ErrUserNotFound = errors.New("user not found")

const profileTTL = 5 * time.Minute

// Profile is the authenticated caller together with their AI preferences.
// Empty preferences fall back to the system defaults.
type Profile struct {
	ID                int64       `json:"id"`
	Email             string      `json:"email"`
	PreferredProvider provider.ID `json:"preferred_provider"`
	PreferredModel    string      `json:"preferred_model"`
	Active            bool        `json:"active"`
	CreatedAt         time.Time   `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (p *Profile) MarshalBinary() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (p *Profile) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, p)
}

type Store interface {
	GetByID(ctx context.Context, id int64) (*Profile, error)
	Create(ctx context.Context, p *Profile) error
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	profileKey   contextKey = "profile"
	requestIDKey contextKey = "request_id"
)

// NewToken issues an HS256 token whose subject is the user id.
func NewToken(secret []byte, userID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken verifies an HS256 token and returns the user id in its subject.
func ParseToken(secret []byte, token string) (int64, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return 0, err
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid subject %q: %w", claims.Subject, err)
	}
	return id, nil
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// NewMiddleware authenticates bearer tokens and loads the caller's profile,
// consulting Redis before Postgres.
func NewMiddleware(secret []byte, store Store, cache *redis.Client) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			// Share the ID the access log already carries.
			requestID := middleware.GetReqID(ctx)
			if requestID == "" {
				requestID = r.Header.Get("X-Request-ID")
			}
			if requestID == "" {
				requestID = uuid.New().String()
			}
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				unauthorized(w, "missing or invalid Authorization header")
				return
			}

			userID, err := ParseToken(secret, strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				logging.Debug().Err(err).Str("request_id", requestID).Msg("token rejected")
				unauthorized(w, "invalid token")
				return
			}

			profile, err := loadProfile(ctx, store, cache, userID)
			if err != nil {
				if errors.Is(err, ErrUserNotFound) {
					unauthorized(w, "user not found")
					return
				}
				logging.Error().Err(err).Int64("user_id", userID).Msg("failed to load profile")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			if !profile.Active {
				unauthorized(w, "user is inactive")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithProfile(ctx, profile)))
		})
	}
}

func loadProfile(ctx context.Context, store Store, cache *redis.Client, userID int64) (*Profile, error) {
	redisKey := fmt.Sprintf("profile:%d", userID)

	var cached Profile
	err := cache.Get(ctx, redisKey).Scan(&cached)
	if err == nil {
		return &cached, nil
	} else if err != redis.Nil {
		logging.Warn().Err(err).Msg("auth: redis error")
	}

	profile, err := store.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	_ = cache.Set(ctx, redisKey, profile, profileTTL).Err()
	return profile, nil
}

// Helpers to extract from context
func GetProfile(ctx context.Context) *Profile {
	if p, ok := ctx.Value(profileKey).(*Profile); ok {
		return p
	}
	return nil
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func WithProfile(ctx context.Context, p *Profile) context.Context {
	return context.WithValue(ctx, profileKey, p)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
