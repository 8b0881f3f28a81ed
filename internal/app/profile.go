package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"quiz-attempt-client/internal/domain"
)

// Fixed profile keys.
const (
	ActiveAttemptKey = "quizActiveAttempt"
	UserKey          = "quizUser"
)

// ProfileStore abstracts the durable key-value storage of one profile
// (file, Redis, Postgres, in-memory). Get returns domain.ErrEntryNotFound for
// absent keys.
type ProfileStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

var validate = validator.New()

// IdentityStore persists the authenticated user under UserKey.
type IdentityStore struct {
	profile ProfileStore
	timeout time.Duration
	log     zerolog.Logger
}

func NewIdentityStore(profile ProfileStore, timeout time.Duration, log zerolog.Logger) *IdentityStore {
	return &IdentityStore{
		profile: profile,
		timeout: timeout,
		log:     log.With().Str("component", "identity_store").Logger(),
	}
}

// Save replaces the stored user.
func (s *IdentityStore) Save(ctx context.Context, user domain.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.profile.Put(ctx, UserKey, data); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// Load returns the stored user, or nil when absent or unreadable.
func (s *IdentityStore) Load(ctx context.Context) *domain.User {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	data, err := s.profile.Get(ctx, UserKey)
	if err != nil {
		if !errors.Is(err, domain.ErrEntryNotFound) {
			s.log.Warn().Err(err).Msg("Read user failed")
		}
		return nil
	}
	var user domain.User
	if err := json.Unmarshal(data, &user); err != nil {
		s.log.Debug().Err(err).Msg("Discarding malformed user")
		return nil
	}
	if err := validate.Struct(user); err != nil {
		s.log.Debug().Err(err).Msg("Discarding invalid user")
		return nil
	}
	return &user
}

// Clear erases the stored user.
func (s *IdentityStore) Clear(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.profile.Delete(ctx, UserKey); err != nil {
		return fmt.Errorf("clear user: %w", err)
	}
	return nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
