package cli

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"quiz-attempt-client/internal/config"
	pgstore "quiz-attempt-client/internal/infra/postgres"
	pgmigrations "quiz-attempt-client/internal/infra/postgres/migrations"
	"quiz-attempt-client/internal/logger"
)

// NewMigrateCmd applies database migrations and optionally seeds a question bank.
func NewMigrateCmd(configPath *string) *cobra.Command {
	var bankFile, bankName string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrations(cmd.Context(), *configPath, bankFile, bankName)
		},
	}
	cmd.Flags().StringVar(&bankFile, "bank-file", "", "quiz JSON file to store as an offline question bank")
	cmd.Flags().StringVar(&bankName, "bank-name", "", "name to store the bank under (defaults to offline.bank)")
	return cmd
}

func runMigrations(ctx context.Context, configPath, bankFile, bankName string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err := runMigrationsWithConfig(ctx, cfg, log); err != nil {
		return err
	}
	if bankFile == "" {
		return nil
	}
	if bankName == "" {
		bankName = cfg.Offline.Bank
	}
	if bankName == "" {
		return fmt.Errorf("bank name not set: pass --bank-name or configure offline.bank")
	}
	return seedBank(ctx, cfg, bankFile, bankName, log)
}

func runMigrationsWithConfig(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	if cfg.Postgres.URL == "" {
		return fmt.Errorf("postgres url not configured")
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Postgres.URL)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)

	if err := migrator.Init(ctx); err != nil {
		return err
	}

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return err
	}
	if group.IsZero() {
		log.Info().Msg("No new migrations")
		return nil
	}
	log.Info().Str("group", group.String()).Msg("Migrations applied")
	return nil
}

func seedBank(ctx context.Context, cfg config.Config, path, name string, log zerolog.Logger) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read bank: %w", err)
	}
	pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()
	if err := pgstore.NewBankLoader(pool).SaveBank(ctx, name, raw); err != nil {
		return err
	}
	log.Info().Str("bank", name).Str("file", path).Msg("Question bank stored")
	return nil
}
