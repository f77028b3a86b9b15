package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nimbus/pkg/domain"
)

// DefaultReviewTimeout is how long a change may wait on the remote store before
// it is handed back to reviewers.
const DefaultReviewTimeout = time.Hour

// ShouldTimeout reports whether an experiment waiting on the remote store has
// waited at least timeout since its review was requested. Any other publish
// status is never timed out.
func ShouldTimeout(e Experiment, history []ChangeLog, now time.Time, timeout time.Duration) bool {
	if e.PublishStatus != domain.PublishStatusWaiting {
		return false
	}
	request, ok := latestReviewRequest(history)
	if !ok {
		return false
	}
	return now.Sub(request.ChangedOn) >= timeout
}

// ShouldTimeout evaluates the timeout policy for one experiment.
func (s *Service) ShouldTimeout(ctx context.Context, id string, now time.Time) (bool, error) {
	var due bool
	err := s.run(ctx, "should_timeout", "", id, func(ctx context.Context) error {
		return s.store.View(ctx, func(v TransactionView) error {
			e, ok := v.FindExperiment(id)
			if !ok {
				return domain.ErrNotFound{Entity: domain.EntityExperiment, ID: id}
			}
			due = ShouldTimeout(e, v.ListChangeLogs(id), now, s.reviewTimeout)
			return nil
		})
	})
	return due, err
}

// SweepTimeouts applies review_timed_out to every stale waiting experiment and
// returns the ids it moved. Experiments that changed state concurrently are
// skipped; other failures are joined into the returned error.
func (s *Service) SweepTimeouts(ctx context.Context, actor string) ([]string, error) {
	var timedOut []string
	err := s.run(ctx, "sweep_timeouts", actor, "", func(ctx context.Context) error {
		now := s.now()
		var due []string
		if err := s.store.View(ctx, func(v TransactionView) error {
			for _, e := range v.ListExperiments() {
				if e.IsArchived {
					continue
				}
				if ShouldTimeout(e, v.ListChangeLogs(e.ID), now, s.reviewTimeout) {
					due = append(due, e.ID)
				}
			}
			return nil
		}); err != nil {
			return err
		}

		var errs []error
		for _, id := range due {
			if err := ctx.Err(); err != nil {
				errs = append(errs, err)
				break
			}
			_, err := s.ApplyTransition(ctx, id, OpReviewTimedOut, actor, "")
			var mismatch *domain.StateMismatchError
			switch {
			case err == nil:
				timedOut = append(timedOut, id)
			case errors.As(err, &mismatch):
				s.logger.Info("timeout sweep skipped experiment", "experiment_id", id, "state", mismatch.Actual.String())
			default:
				errs = append(errs, fmt.Errorf("time out %s: %w", id, err))
			}
		}
		return errors.Join(errs...)
	})
	return timedOut, err
}
