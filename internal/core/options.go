package core

import (
	"time"

	"nimbus/internal/dispatch"
	"nimbus/internal/targeting"
)

// Option configures optional Service behaviour.
type Option func(*Service)

// WithLogger sets the service logger. Nil restores the no-op logger.
func WithLogger(logger Logger) Option {
	return func(s *Service) {
		if logger == nil {
			logger = noopLogger{}
		}
		s.logger = logger
	}
}

// WithClock overrides the time source used for timeout sweeps and, for
// in-memory services, record timestamps.
func WithClock(clock Clock) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

// WithMetricsRecorder installs a metrics recorder.
func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(s *Service) {
		if recorder == nil {
			recorder = noopMetricsRecorder{}
		}
		s.metrics = recorder
	}
}

// WithTracer installs a tracer.
func WithTracer(tracer Tracer) Option {
	return func(s *Service) {
		if tracer == nil {
			tracer = noopTracer{}
		}
		s.tracer = tracer
	}
}

// WithAuditRecorder installs an audit recorder.
func WithAuditRecorder(recorder AuditRecorder) Option {
	return func(s *Service) {
		if recorder == nil {
			recorder = noopAuditRecorder{}
		}
		s.audit = recorder
	}
}

// WithDispatcher sets the sink for post-commit tasks.
func WithDispatcher(d dispatch.Dispatcher) Option {
	return func(s *Service) {
		if d == nil {
			d = dispatch.Noop{}
		}
		s.dispatcher = d
	}
}

// WithReviewTimeout sets how long a change may wait on the remote store.
func WithReviewTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.reviewTimeout = timeout
		}
	}
}

// WithBucketTotal sets the capacity of newly created isolation group instances.
func WithBucketTotal(total int) Option {
	return func(s *Service) {
		if total > 0 {
			s.bucketTotal = total
		}
	}
}

// WithMinPopulationPercent sets the smallest population an experiment may allocate.
func WithMinPopulationPercent(p float64) Option {
	return func(s *Service) {
		if p >= 0 {
			s.minPopulationPercent = p
		}
	}
}

// WithTargeting replaces the targeting config registry.
func WithTargeting(registry *targeting.Registry) Option {
	return func(s *Service) {
		if registry != nil {
			s.targeting = registry
		}
	}
}

type nowProvider interface {
	NowFunc() func() time.Time
}

// selectNowFunc prefers an explicit clock, then the store's own time source.
func selectNowFunc(store PersistentStore, clock Clock) func() time.Time {
	if clock != nil {
		return clock.Now
	}
	if p, ok := store.(nowProvider); ok {
		if fn := p.NowFunc(); fn != nil {
			return fn
		}
	}
	return ClockFunc(nil).Now
}
