package core

import (
	"context"

	"nimbus/pkg/domain"
)

// latestInCycle scans entries newest first and returns the first entry that
// satisfies match. The scan gives up at the first entry that satisfies stop,
// so a classification never reaches back past the start of the current cycle.
func latestInCycle(entries []ChangeLog, match, stop func(ChangeLog) bool) (ChangeLog, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if match(entry) {
			return entry, true
		}
		if stop != nil && stop(entry) {
			break
		}
	}
	return ChangeLog{}, false
}

// entersReview reports whether the entry started a review cycle.
func entersReview(c ChangeLog) bool {
	return c.NewPublishStatus == domain.PublishStatusReview && c.OldPublishStatus != domain.PublishStatusReview
}

// publishConfirmed reports whether the entry records the remote store
// accepting a publish, which settles every earlier review request.
func publishConfirmed(c ChangeLog) bool {
	op, ok := lookupOperation(c.Operation)
	return ok && op.confirms
}

func isRejection(c ChangeLog) bool {
	if c.NewPublishStatus != domain.PublishStatusIdle {
		return false
	}
	switch c.OldPublishStatus {
	case domain.PublishStatusReview, domain.PublishStatusWaiting, domain.PublishStatusApproved:
	default:
		return false
	}
	return !publishConfirmed(c)
}

func isTimeout(c ChangeLog) bool {
	return c.Operation == OpReviewTimedOut
}

func latestChange(entries []ChangeLog) (ChangeLog, bool) {
	if len(entries) == 0 {
		return ChangeLog{}, false
	}
	return entries[len(entries)-1], true
}

// latestReviewRequest returns the entry that opened the most recent review
// cycle. Rejected and cancelled requests are still reported; only a confirmed
// publish makes them stale.
func latestReviewRequest(entries []ChangeLog) (ChangeLog, bool) {
	return latestInCycle(entries, entersReview, publishConfirmed)
}

func latestRejection(entries []ChangeLog) (ChangeLog, bool) {
	return latestInCycle(entries, isRejection, entersReview)
}

func latestTimeout(entries []ChangeLog) (ChangeLog, bool) {
	return latestInCycle(entries, isTimeout, entersReview)
}

// GetHistory returns the experiment's changelog in write order.
func (s *Service) GetHistory(ctx context.Context, id string) ([]ChangeLog, error) {
	var history []ChangeLog
	err := s.run(ctx, "get_history", "", id, func(ctx context.Context) error {
		var err error
		history, err = s.history(ctx, id)
		return err
	})
	return history, err
}

func (s *Service) history(ctx context.Context, id string) ([]ChangeLog, error) {
	var history []ChangeLog
	err := s.store.View(ctx, func(v TransactionView) error {
		if _, ok := v.FindExperiment(id); !ok {
			return domain.ErrNotFound{Entity: domain.EntityExperiment, ID: id}
		}
		history = v.ListChangeLogs(id)
		return nil
	})
	return history, err
}

func (s *Service) latest(ctx context.Context, op, id string, pick func([]ChangeLog) (ChangeLog, bool)) (ChangeLog, bool, error) {
	var (
		entry ChangeLog
		found bool
	)
	err := s.run(ctx, op, "", id, func(ctx context.Context) error {
		history, err := s.history(ctx, id)
		if err != nil {
			return err
		}
		entry, found = pick(history)
		return nil
	})
	return entry, found, err
}

// LatestChange returns the most recent history entry.
func (s *Service) LatestChange(ctx context.Context, id string) (ChangeLog, bool, error) {
	return s.latest(ctx, "latest_change", id, latestChange)
}

// LatestReviewRequest returns the entry that opened the pending review, if any.
func (s *Service) LatestReviewRequest(ctx context.Context, id string) (ChangeLog, bool, error) {
	return s.latest(ctx, "latest_review_request", id, latestReviewRequest)
}

// LatestRejection returns the rejection that closed the most recent review cycle.
func (s *Service) LatestRejection(ctx context.Context, id string) (ChangeLog, bool, error) {
	return s.latest(ctx, "latest_rejection", id, latestRejection)
}

// LatestTimeout returns the timeout recorded in the current review cycle.
func (s *Service) LatestTimeout(ctx context.Context, id string) (ChangeLog, bool, error) {
	return s.latest(ctx, "latest_timeout", id, latestTimeout)
}
