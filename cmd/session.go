package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/lockplane/consolidate/internal/config"
	"github.com/lockplane/consolidate/internal/database"
	"github.com/lockplane/consolidate/internal/dialect"
	"github.com/lockplane/consolidate/internal/executor"
	"github.com/lockplane/consolidate/internal/logging"
	"github.com/lockplane/consolidate/internal/mapping"
	"github.com/lockplane/consolidate/internal/metrics"
	"github.com/lockplane/consolidate/internal/planner"
	"github.com/lockplane/consolidate/internal/planner/multiphase"
)

// session is everything a database command needs: configuration, the
// resolved environment, the mapping, an open connection and the plan.
type session struct {
	cfg     *config.Config
	env     *config.ResolvedEnvironment
	doc     *mapping.Document
	db      *sql.DB
	d       dialect.Dialect
	plan    *planner.Plan
	log     *logrus.Logger
	metrics *metrics.Metrics
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	level, format := cfg.Log.Level, cfg.Log.Format
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	if flagLogFormat != "" {
		format = flagLogFormat
	}
	return logging.New(os.Stderr, level, format)
}

func loadDocument(cfg *config.Config) (*mapping.Document, error) {
	path := cfg.MappingPath()
	if flagMapping != "" {
		path = flagMapping
	}
	doc, err := mapping.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load mapping %s: %w", path, err)
	}
	return doc, nil
}

// openSession connects to the selected environment and generates the plan
// for its dialect.
func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	env, err := config.ResolveEnvironment(cfg, flagEnvironment)
	if err != nil {
		return nil, err
	}
	if flagDatabaseURL != "" {
		env.DatabaseURL = flagDatabaseURL
	}
	doc, err := loadDocument(cfg)
	if err != nil {
		return nil, err
	}

	db, kind, err := database.Open(ctx, database.ConnectionConfig{URL: env.DatabaseURL, Driver: flagDriver})
	if err != nil {
		return nil, err
	}
	d, err := dialect.For(kind)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	plan, err := multiphase.Generate(doc, d)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to plan %s: %w", doc.Name, err)
	}

	log.WithFields(logrus.Fields{
		"environment":     env.Name,
		logging.FieldPlan: plan.Name,
		"dialect":         kind,
	}).Debug("session opened")

	return &session{
		cfg:     cfg,
		env:     env,
		doc:     doc,
		db:      db,
		d:       d,
		plan:    plan,
		log:     log,
		metrics: metrics.New(),
	}, nil
}

// options returns the engine options every command shares.
func (s *session) options() executor.Options {
	return executor.Options{
		HistoryTable:     s.cfg.HistoryTable,
		LockTimeout:      s.env.LockTimeout,
		StatementTimeout: s.env.StatementTimeout,
		Retry: executor.RetryPolicy{
			InitialInterval: s.cfg.Retry.InitialInterval.Duration,
			MaxInterval:     s.cfg.Retry.MaxInterval.Duration,
			MaxElapsed:      s.cfg.Retry.MaxElapsed.Duration,
			Disabled:        s.cfg.Retry.Disabled,
		},
		Programs: executor.Programs(s.doc, s.d, s.log, s.metrics, s.cfg.Activity.BatchSize),
		Log:      s.log,
		Metrics:  s.metrics,
	}
}

func (s *session) engine(ctx context.Context, opts executor.Options) (*executor.Engine, error) {
	e := executor.New(s.db, s.d, s.plan, opts)
	if err := e.Ensure(ctx); err != nil {
		return nil, fmt.Errorf("failed to prepare history table: %w", err)
	}
	return e, nil
}

// Close pushes metrics, when configured, and closes the connection.
func (s *session) Close(ctx context.Context) {
	if err := s.metrics.Push(ctx, s.cfg.Metrics.PushgatewayURL, s.cfg.MetricsJob()); err != nil {
		s.log.WithError(err).Warn("metrics push failed")
	}
	_ = s.db.Close()
}
