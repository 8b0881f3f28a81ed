package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"quiz-attempt-client/internal/domain"
)

// ProfileStore keeps profile entries in the profile_entries table.
type ProfileStore struct {
	pool *pgxpool.Pool
	name string
}

func NewProfileStore(pool *pgxpool.Pool, name string) *ProfileStore {
	return &ProfileStore{pool: pool, name: name}
}

func (s *ProfileStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM profile_entries WHERE profile=$1 AND key=$2`,
		s.name, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load profile entry: %w", err)
	}
	return value, nil
}

func (s *ProfileStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO profile_entries (profile, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (profile, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		s.name, key, value,
	)
	if err != nil {
		return fmt.Errorf("save profile entry: %w", err)
	}
	return nil
}

func (s *ProfileStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM profile_entries WHERE profile=$1 AND key=$2`, s.name, key); err != nil {
		return fmt.Errorf("delete profile entry: %w", err)
	}
	return nil
}

// Purge removes every entry of the profile.
func (s *ProfileStore) Purge(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM profile_entries WHERE profile=$1`, s.name); err != nil {
		return fmt.Errorf("purge profile: %w", err)
	}
	return nil
}
