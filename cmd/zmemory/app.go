package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/bossandy123/z-memory/internal/config"
	"github.com/bossandy123/z-memory/internal/engine"
	"github.com/bossandy123/z-memory/internal/llm"
	"github.com/bossandy123/z-memory/internal/logging"
	"github.com/bossandy123/z-memory/internal/metrics"
	"github.com/bossandy123/z-memory/internal/rl"
	"github.com/bossandy123/z-memory/internal/server"
	"github.com/bossandy123/z-memory/internal/services"
	"github.com/bossandy123/z-memory/internal/storage"
	"github.com/bossandy123/z-memory/internal/storage/postgres"
	"github.com/bossandy123/z-memory/internal/storage/sqlite"
	"github.com/bossandy123/z-memory/internal/storage/sqlstore"
	"github.com/bossandy123/z-memory/internal/vector"
	"github.com/bossandy123/z-memory/pkg/types"
	"github.com/bossandy123/z-memory/web/handlers"
)

// app holds every wired component of a running z-memory process.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *sqlstore.Store
	index   vector.Index
	metrics *metrics.Manager
	hub     *handlers.WebSocketHub

	memories *services.MemoryService
	query    *services.QueryService
	rewards  *services.RewardService
	training *services.TrainingService

	closers []io.Closer
}

// newLogger builds the process logger from configuration.
func newLogger(cfg *config.Config) (*slog.Logger, io.Closer) {
	logger, closer := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	slog.SetDefault(logger)
	return logger, closer
}

// openStore opens the configured relational backend and applies migrations.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sqlstore.Store, error) {
	switch cfg.Storage.Engine {
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			return nil, errors.New("storage.postgres_dsn is required for the postgres engine")
		}
		return postgres.Open(ctx, cfg.Storage.PostgresDSN)
	case "sqlite", "":
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o750); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		return sqlite.Open(ctx, cfg.Storage.SQLitePath(), logger)
	default:
		return nil, fmt.Errorf("unsupported storage engine: %q", cfg.Storage.Engine)
	}
}

// openMigrator opens the configured database without migrating it, so the
// schema can be moved in either direction.
func openMigrator(ctx context.Context, cfg *config.Config) (*migrator, error) {
	var (
		db  *sql.DB
		mgr *storage.MigrationManager
		err error
	)
	switch cfg.Storage.Engine {
	case "postgres":
		if db, err = postgres.OpenDB(ctx, cfg.Storage.PostgresDSN); err != nil {
			return nil, err
		}
		mgr, err = postgres.NewMigrationManager(db)
	case "sqlite", "":
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o750); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		if db, err = sqlite.OpenDB(cfg.Storage.SQLitePath()); err != nil {
			return nil, err
		}
		mgr, err = sqlite.NewMigrationManager(db)
	default:
		return nil, fmt.Errorf("unsupported storage engine: %q", cfg.Storage.Engine)
	}
	if err != nil {
		db.Close()
		return nil, err
	}
	return &migrator{db: db, mgr: mgr}, nil
}

// migrator applies and reports schema migrations.
type migrator struct {
	db  *sql.DB
	mgr *storage.MigrationManager
}

func (m *migrator) Close() error {
	return m.db.Close()
}

func (m *migrator) printStatus(ctx context.Context, w io.Writer) error {
	status, err := m.mgr.Status(ctx)
	if err != nil {
		return err
	}
	for _, s := range status {
		state := "pending"
		if s.Applied {
			state = "applied"
		}
		fmt.Fprintf(w, "%03d  %-40s %s\n", s.Version, s.Name, state)
	}
	return nil
}

// openIndex opens the configured vector backend.
func openIndex(ctx context.Context, cfg *config.Config, store *sqlstore.Store, logger *slog.Logger) (vector.Index, error) {
	switch cfg.Vector.Backend {
	case "pgvector":
		if store.Dialect() != storage.DialectPostgres {
			return nil, errors.New("the pgvector backend requires the postgres storage engine")
		}
		return postgres.NewVectorIndex(ctx, store.DB(), logger)
	case "chromem", "":
		return vector.NewChromem(cfg.Vector.PersistPath, logger)
	default:
		return nil, fmt.Errorf("unsupported vector backend: %q", cfg.Vector.Backend)
	}
}

// newApp wires storage, providers, the flywheel and the services. With live
// set, a websocket hub is attached as the log and evaluation listener so
// /ws/logs sees both streams.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, live bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store)

	index, err := openIndex(ctx, cfg, store, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.index = index
	a.closers = append(a.closers, index)

	a.metrics = metrics.NewManager(metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Namespace: cfg.Metrics.Namespace,
	})

	rewardOpts := []rl.RewardOption{rl.WithRewardMetrics(a.metrics)}
	memoryOpts := []services.MemoryServiceOption{
		services.WithMemoryMetrics(a.metrics),
		services.WithEnabledKinds(cfg.Features.EnableUserMemory, cfg.Features.EnableAgentMemory),
	}
	if live {
		origins := append([]string{fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)}, cfg.Server.AllowedOrigins...)
		a.hub = handlers.NewWebSocketHub(logger, origins...)
		rewardOpts = append(rewardOpts, rl.WithEvaluationListener(a.hub.PublishEvaluation))
		memoryOpts = append(memoryOpts, services.WithLogListener(a.hub.PublishLog))
	}

	gen, err := llm.NewTextGenerator(cfg.LLM, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	embedder, err := llm.NewEmbeddingGenerator(cfg.Embedding, cfg.LLM, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	calc := rl.NewRewardCalculator(store, store, rl.RewardConfig{
		HitWeight:     cfg.Reward.HitWeight,
		QualityWeight: cfg.Reward.QualityWeight,
		DecayFactor:   cfg.Reward.TimeDecayFactor,
	}, logger, rewardOpts...)

	trainer := rl.NewTrainer(store, rl.NewPolicy(), cfg.RL.ModelName, logger,
		rl.WithTrainerMetrics(a.metrics))

	extractor := rl.NewEnhancedExtractor(ctx, llm.NewExtractor(gen, logger), trainer, store, calc,
		rl.ExtractorConfig{
			Enabled:     cfg.Features.EnableRL,
			Temperature: cfg.RL.Temperature,
			Threshold:   &cfg.RL.EnsembleThreshold,
		}, logger,
		rl.WithExtractorMetrics(a.metrics))

	a.memories = services.NewMemoryService(store, index, embedder, extractor, logger, memoryOpts...)
	a.query = services.NewQueryService(a.memories)
	a.rewards = services.NewRewardService(calc, store, cfg.Features.EnableRL)
	a.training = services.NewTrainingService(trainer, extractor, a.rewards, cfg.Training.LearningRate, cfg.Features.EnableRL)

	return a, nil
}

// deps exposes the services to the HTTP layer.
func (a *app) deps() server.Deps {
	return server.Deps{
		Memories: a.memories,
		Query:    a.query,
		Rewards:  a.rewards,
		Training: a.training,
		Hub:      a.hub,
		Metrics:  a.metrics,
	}
}

// sweeper builds the background reward sweeper, or nil when the flywheel is
// off.
func (a *app) sweeper() *engine.RewardSweeper {
	if !a.cfg.Features.EnableRL {
		return nil
	}
	return engine.NewRewardSweeper(engine.SweeperConfig{
		Interval:      a.cfg.Reward.SweepInterval,
		BatchSize:     a.cfg.Reward.BatchSize,
		DaysThreshold: a.cfg.Reward.EvaluationDaysThreshold,
		TrainEvery:    a.cfg.Training.AutoTrainEvery,
		TrainDays:     a.cfg.Training.Days,
		TrainEpochs:   a.cfg.Training.Epochs,
	}, a.rewards, a.training, a.logger)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

// parseAction validates an optional --action flag.
func parseAction(s string) (types.Action, error) {
	if s == "" {
		return "", nil
	}
	action := types.Action(s)
	if !action.IsEvaluable() {
		return "", fmt.Errorf("invalid action %q: want insert, update, delete or ignore", s)
	}
	return action, nil
}
