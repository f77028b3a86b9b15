package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"nimbus/internal/blob"
	"nimbus/internal/config"
	"nimbus/internal/core"
	"nimbus/internal/dispatch"
	"nimbus/pkg/domain"
)

// app holds the collaborators one CLI invocation works with.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *core.PrometheusMetrics
	reg     *prometheus.Registry
	svc     *core.Service
	opts    []core.Option
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
}

func openApp(ctx context.Context, stderr io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log, stderr)
	if err != nil {
		return nil, err
	}
	recipes, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	metrics := core.NewPrometheusMetrics(reg, cfg.Metrics.Namespace)
	a := &app{cfg: cfg, logger: logger, metrics: metrics, reg: reg}
	a.opts = []core.Option{
		core.WithLogger(logger),
		core.WithMetricsRecorder(metrics),
		core.WithTracer(core.NewOTelTracer(nil)),
		core.WithAuditRecorder(slogAudit{logger: logger}),
		core.WithDispatcher(dispatch.NewFanout(dispatch.NewNotifier(logger), dispatch.NewPublisher(recipes))),
		core.WithReviewTimeout(cfg.Policy.ReviewTimeout),
		core.WithBucketTotal(cfg.Policy.BucketTotal),
		core.WithMinPopulationPercent(cfg.Policy.MinPopulationPercent),
	}
	if err := a.openService(); err != nil {
		return nil, err
	}
	logger.Debug("nimbus ready", "storage", cfg.Storage.Driver, "blob", string(recipes.Driver()))
	return a, nil
}

// openService (re)loads the persistent store. Snapshot stores read their
// state once at open, so reopening picks up commits made by other processes.
func (a *app) openService() error {
	store, err := core.OpenPersistentStore(core.StorageConfig{
		Driver:      core.StorageDriver(a.cfg.Storage.Driver),
		SQLitePath:  a.cfg.Storage.SQLitePath,
		PostgresDSN: a.cfg.Storage.PostgresDSN,
	}, core.NewDefaultRulesEngine())
	if err != nil {
		return fmt.Errorf("open %s store: %w", a.cfg.Storage.Driver, err)
	}
	a.closeStore()
	a.svc = core.NewService(store, a.opts...)
	return nil
}

// write runs fn and, when another process committed first, reloads the store
// and runs it exactly once more.
func (a *app) write(fn func(*core.Service) error) error {
	err := fn(a.svc)
	if !errors.Is(err, domain.ErrStaleRead) {
		return err
	}
	a.logger.Warn("stale store state, retrying once", "error", err)
	if err := a.openService(); err != nil {
		return err
	}
	return fn(a.svc)
}

type dbHandle interface {
	DB() *sql.DB
}

func (a *app) closeStore() {
	if a.svc == nil {
		return
	}
	if h, ok := a.svc.Store().(dbHandle); ok {
		if err := h.DB().Close(); err != nil {
			a.logger.Warn("close store", "error", err)
		}
	}
}

func (a *app) close() error {
	a.closeStore()
	if path := a.cfg.Metrics.Textfile; path != "" {
		if err := prometheus.WriteToTextfile(path, a.reg); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}

// resolve accepts either an experiment id or its slug.
func (a *app) resolve(ctx context.Context, ref string) (domain.Experiment, error) {
	e, err := a.svc.GetExperiment(ctx, ref)
	if err == nil {
		return e, nil
	}
	var notFound domain.ErrNotFound
	if !errors.As(err, &notFound) {
		return domain.Experiment{}, err
	}
	return a.svc.FindExperimentBySlug(ctx, ref)
}

// slogAudit writes audit entries of mutating operations as structured log records.
type slogAudit struct {
	logger *slog.Logger
}

func (s slogAudit) Record(ctx context.Context, entry core.AuditEntry) {
	if entry.Actor == "" {
		return
	}
	attrs := []any{
		"operation", entry.Operation,
		"actor", entry.Actor,
		"experiment_id", entry.EntityID,
		"status", string(entry.Status),
		"duration", entry.Duration,
	}
	if entry.Error != "" {
		attrs = append(attrs, "error", entry.Error)
	}
	s.logger.InfoContext(ctx, "audit", attrs...)
}
