package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"nimbus/internal/dispatch"
	"nimbus/internal/infra/persistence/memory"
	"nimbus/internal/targeting"
	"nimbus/pkg/domain"
)

// Service is the only writer of experiment lifecycle state, bucket
// allocations and history.
type Service struct {
	store      PersistentStore
	clock      Clock
	now        func() time.Time
	logger     Logger
	metrics    MetricsRecorder
	tracer     Tracer
	audit      AuditRecorder
	dispatcher dispatch.Dispatcher
	targeting  *targeting.Registry

	reviewTimeout        time.Duration
	bucketTotal          int
	minPopulationPercent float64
}

func newService(opts []Option) *Service {
	svc := &Service{
		logger:        noopLogger{},
		metrics:       noopMetricsRecorder{},
		tracer:        noopTracer{},
		audit:         noopAuditRecorder{},
		dispatcher:    dispatch.Noop{},
		reviewTimeout: DefaultReviewTimeout,
		bucketTotal:   domain.DefaultBucketTotal,
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.targeting == nil {
		if registry, err := targeting.Default(); err == nil {
			svc.targeting = registry
		} else {
			svc.logger.Error("targeting catalog unavailable", "error", err)
		}
	}
	return svc
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...Option) *Service {
	svc := newService(opts)
	svc.store = store
	svc.now = selectNowFunc(store, svc.clock)
	return svc
}

// NewInMemoryService creates a service and in-memory store with the given
// rules engine. A clock option also stamps the store's records.
func NewInMemoryService(engine *RulesEngine, opts ...Option) *Service {
	svc := newService(opts)
	var storeOpts []memory.Option
	if svc.clock != nil {
		storeOpts = append(storeOpts, memory.WithNow(svc.clock.Now))
	}
	svc.store = memory.NewStore(engine, storeOpts...)
	svc.now = selectNowFunc(svc.store, svc.clock)
	return svc
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore {
	return s.store
}

// ReviewTimeout returns the configured review timeout window.
func (s *Service) ReviewTimeout() time.Duration {
	return s.reviewTimeout
}

// run wraps one service call with tracing, metrics, audit and logging.
func (s *Service) run(ctx context.Context, operation, actor, entityID string, fn func(context.Context) error) (err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, operation)
	defer func() {
		elapsed := time.Since(start)
		span.End(err)
		s.metrics.Observe(ctx, operation, err == nil, elapsed)
		entry := AuditEntry{
			Operation: operation,
			Actor:     actor,
			EntityID:  entityID,
			Status:    AuditStatusSuccess,
			Duration:  elapsed,
			Timestamp: s.now(),
		}
		if err != nil {
			entry.Status = AuditStatusError
			entry.Error = err.Error()
			s.logger.Warn("operation failed", "operation", operation, "actor", actor, "experiment_id", entityID, "error", err)
		} else {
			s.logger.Debug("operation completed", "operation", operation, "actor", actor, "experiment_id", entityID, "duration", elapsed)
		}
		s.audit.Record(ctx, entry)
	}()
	return fn(ctx)
}

// ApplyTransition runs a lifecycle operation against the experiment. The guard
// is checked against the state read inside the transaction; allocation,
// the state change and the history entry commit together. Dispatch tasks are
// enqueued after the commit and their failures never undo it.
func (s *Service) ApplyTransition(ctx context.Context, id, name, actor, message string) (Experiment, error) {
	var (
		updated Experiment
		tasks   []dispatch.Task
	)
	err := s.run(ctx, name, actor, id, func(ctx context.Context) error {
		op, ok := lookupOperation(name)
		if !ok {
			return fmt.Errorf("%w: %q", domain.ErrUnknownOperation, name)
		}
		message := strings.TrimSpace(message)
		if message == "" {
			if op.requiresMessage {
				return fmt.Errorf("%s: %w", op.name, domain.ErrMessageRequired)
			}
			message = op.message
		}
		_, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			var err error
			updated, tasks, err = s.transition(tx, op, id, actor, message)
			return err
		})
		return err
	})
	if err != nil {
		return Experiment{}, err
	}
	s.dispatch(ctx, tasks)
	return updated, nil
}

func (s *Service) transition(tx Transaction, op operation, id, actor, message string) (Experiment, []dispatch.Task, error) {
	current, ok := tx.FindExperiment(id)
	if !ok {
		return Experiment{}, nil, domain.ErrNotFound{Entity: domain.EntityExperiment, ID: id}
	}
	if current.IsArchived {
		return Experiment{}, nil, fmt.Errorf("%s %s: %w", op.name, current.Slug, domain.ErrArchived)
	}
	if !op.guard.Matches(current.State()) {
		return Experiment{}, nil, &domain.StateMismatchError{Operation: op.name, Required: op.guard, Actual: current.State()}
	}

	next, err := tx.UpdateExperiment(id, func(e *Experiment) error {
		op.effect.apply(e)
		if e.Status == domain.StatusDraft {
			e.PublishedDTO = nil
		}
		if op.clearsDirty {
			e.IsRolloutDirty = false
		}
		return nil
	})
	if err != nil {
		return Experiment{}, nil, err
	}

	if op.has(actionAllocate) {
		if _, err := s.allocate(tx, next); err != nil {
			return Experiment{}, nil, err
		}
	}

	var recipe json.RawMessage
	if op.storesRecipe || publishesRecipe(op, next) {
		recipe, err = s.encodeRecipe(tx.Snapshot(), next)
		if err != nil {
			return Experiment{}, nil, err
		}
	}
	if op.storesRecipe {
		next, err = tx.UpdateExperiment(id, func(e *Experiment) error {
			e.PublishedDTO = append(json.RawMessage(nil), recipe...)
			return nil
		})
		if err != nil {
			return Experiment{}, nil, err
		}
	}

	if _, err := tx.AppendChangeLog(domain.NewChangeLog(op.name, actor, message, current, next)); err != nil {
		return Experiment{}, nil, &domain.ChangeLogWriteError{ExperimentID: id, Err: err}
	}
	return next, s.tasksFor(op, next, recipe, actor, message, tx.Now()), nil
}

// publishesRecipe reports whether a post-commit task of op carries a recipe.
// Preview sync retracts the preview copy unless the experiment is in preview;
// a push for a completed experiment retracts the live copy.
func publishesRecipe(op operation, e Experiment) bool {
	if op.has(actionPreviewSync) && e.Status == domain.StatusPreview {
		return true
	}
	return op.has(actionPush) && e.Status != domain.StatusComplete
}

func (s *Service) tasksFor(op operation, e Experiment, recipe json.RawMessage, actor, message string, at time.Time) []dispatch.Task {
	base := dispatch.Task{
		ExperimentID: e.ID,
		Slug:         e.Slug,
		Operation:    op.name,
		Actor:        actor,
		Message:      message,
		EnqueuedAt:   at,
	}
	var tasks []dispatch.Task
	if op.has(actionPreviewSync) {
		t := base
		t.Kind = dispatch.KindPreviewSync
		if e.Status == domain.StatusPreview {
			t.Payload = recipe
		}
		tasks = append(tasks, t)
	}
	if op.has(actionPush) {
		t := base
		t.Kind = dispatch.KindPush
		if e.Status != domain.StatusComplete {
			t.Payload = recipe
		}
		tasks = append(tasks, t)
	}
	if op.has(actionNotify) {
		t := base
		t.Kind = dispatch.KindNotify
		tasks = append(tasks, t)
	}
	return tasks
}

func (s *Service) dispatch(ctx context.Context, tasks []dispatch.Task) {
	for _, task := range tasks {
		if err := s.dispatcher.Enqueue(ctx, task); err != nil {
			s.logger.Error("dispatch failed", "kind", string(task.Kind), "experiment_id", task.ExperimentID, "operation", task.Operation, "error", err)
			if rec, ok := s.metrics.(DispatchFailureRecorder); ok {
				rec.DispatchFailed(ctx, string(task.Kind))
			}
		}
	}
}
