package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"quiz-attempt-client/internal/app"
	"quiz-attempt-client/internal/config"
	"quiz-attempt-client/internal/domain"
	"quiz-attempt-client/internal/infra/file"
	"quiz-attempt-client/internal/infra/memory"
	pgstore "quiz-attempt-client/internal/infra/postgres"
	redisstore "quiz-attempt-client/internal/infra/redis"
	"quiz-attempt-client/internal/infra/remote"
	"quiz-attempt-client/internal/logger"
)

type attemptService interface {
	app.RemoteAttemptService
	QuizInfo(ctx context.Context) (domain.QuizInfo, error)
}

// purger is implemented by shared profile backends that can drop a whole
// profile namespace.
type purger interface {
	Purge(ctx context.Context) error
}

// runtime is everything one command needs, built from config.
type runtime struct {
	cfg      config.Config
	log      zerolog.Logger
	profile  app.ProfileStore
	identity *app.IdentityStore
	remote   attemptService
	offline  *memory.AttemptService
	session  *app.Session
	pool     *pgxpool.Pool
	closers  []func()
}

func setup(ctx context.Context, configPath string, offlineMode bool) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	rt := &runtime{
		cfg: cfg,
		log: logger.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr),
	}

	if cfg.Postgres.URL != "" {
		rt.pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		rt.closers = append(rt.closers, rt.pool.Close)
	}

	rt.profile, err = rt.profileStore()
	if err != nil {
		rt.Close()
		return nil, err
	}
	profileTimeout := config.Duration(cfg.Profile.Timeout, 2*time.Second)
	rt.identity = app.NewIdentityStore(rt.profile, profileTimeout, rt.log)

	// Offline attempts live only as long as the process, so their snapshots
	// stay in memory and never shadow a remote attempt in the shared profile.
	snapshotProfile := rt.profile
	if offlineMode {
		rt.offline = rt.offlineService()
		rt.remote = rt.offline
		snapshotProfile = memory.NewProfileStore()
		if user := rt.identity.Load(ctx); user != nil {
			rt.offline.EnsureUser(user.ID, user.Username)
		}
	} else {
		rt.remote = remote.New(remote.Config{
			BaseURL: cfg.Remote.BaseURL,
			Timeout: config.Duration(cfg.Remote.Timeout, 10*time.Second),
		}, rt.log)
	}

	rt.session = app.NewSession(rt.remote,
		app.NewSnapshotStore(snapshotProfile, profileTimeout, rt.log),
		rt.identity,
		app.Options{
			TickInterval:      config.Duration(cfg.Session.Tick, time.Second),
			AutoSubmitRetries: cfg.Session.AutoSubmitRetries,
			RetryDelay:        config.Duration(cfg.Session.RetryDelay, 2*time.Second),
			Logger:            rt.log,
		})
	rt.closers = append(rt.closers, rt.session.Close)
	return rt, nil
}

func (rt *runtime) profileStore() (app.ProfileStore, error) {
	cfg := rt.cfg
	switch cfg.Profile.Driver {
	case config.DriverMemory:
		return memory.NewProfileStore(), nil
	case config.DriverFile:
		return file.NewProfileStore(cfg.Profile.Path), nil
	case config.DriverRedis:
		if cfg.Redis.Addr == "" {
			return nil, fmt.Errorf("redis profile driver needs redis.addr")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.closers = append(rt.closers, func() { _ = client.Close() })
		return redisstore.NewProfileStore(client, cfg.Profile.Name, config.Duration(cfg.Redis.TTL, 24*time.Hour)), nil
	case config.DriverPostgres:
		if rt.pool == nil {
			return nil, fmt.Errorf("postgres profile driver needs postgres.url")
		}
		return pgstore.NewProfileStore(rt.pool, cfg.Profile.Name), nil
	default:
		return nil, fmt.Errorf("unknown profile driver %q", cfg.Profile.Driver)
	}
}

func (rt *runtime) offlineService() *memory.AttemptService {
	cfg := rt.cfg.Offline
	var loader memory.BankLoader = memory.FileBankLoader{}
	bankName := cfg.QuizFile
	if cfg.Bank != "" && rt.pool != nil {
		loader = pgstore.NewBankLoader(rt.pool)
		bankName = cfg.Bank
	}
	bank := memory.NewBankRepository(loader, config.Duration(cfg.BankTTL, 10*time.Minute))
	return memory.NewAttemptService(bank, memory.AttemptServiceOptions{
		BankName:        bankName,
		AttemptLimit:    cfg.AttemptLimit,
		AttemptDuration: time.Duration(cfg.AttemptMinutes) * time.Minute,
		Lector:          cfg.Lector,
		SubmitGrace:     config.Duration(cfg.SubmitGrace, 5*time.Second),
	})
}

// Close releases connections in reverse order of acquisition.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}
