package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"quiz-attempt-client/internal/infra/memory"
)

// BankLoader loads question bank JSONB from Postgres.
type BankLoader struct {
	pool *pgxpool.Pool
}

func NewBankLoader(pool *pgxpool.Pool) *BankLoader {
	return &BankLoader{pool: pool}
}

func (l *BankLoader) LoadBank(ctx context.Context, name string) (memory.Bank, error) {
	var raw []byte
	err := l.pool.QueryRow(ctx, `SELECT data FROM quiz_banks WHERE name=$1`, name).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return memory.Bank{}, fmt.Errorf("%w: %s", memory.ErrBankNotFound, name)
	}
	if err != nil {
		return memory.Bank{}, fmt.Errorf("load bank: %w", err)
	}
	return memory.DecodeBank(bytes.NewReader(raw))
}

// SaveBank stores or replaces a bank under its name.
func (l *BankLoader) SaveBank(ctx context.Context, name string, raw []byte) error {
	if _, err := memory.DecodeBank(bytes.NewReader(raw)); err != nil {
		return err
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO quiz_banks (name, data) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data`,
		name, raw,
	)
	if err != nil {
		return fmt.Errorf("save bank: %w", err)
	}
	return nil
}
