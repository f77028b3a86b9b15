package core

import (
	"context"
	"fmt"

	"nimbus/pkg/domain"
)

// NamespaceName derives the isolation group name of an experiment:
// {application}-{feature or slug}, then -{channel} when set and -rollout for rollouts.
func NamespaceName(e Experiment) string {
	base := e.Slug
	if len(e.FeatureConfigs) == 1 && e.FeatureConfigs[0] != "" {
		base = e.FeatureConfigs[0]
	}
	name := string(e.Application) + "-" + base
	if e.Channel != domain.ChannelNone {
		name += "-" + string(e.Channel)
	}
	if e.IsRollout {
		name += "-rollout"
	}
	return name
}

// occupied is the high-water mark of the instance: ranges are packed from
// it and gaps left by deleted ranges are never reused.
func occupied(ranges []BucketRange) int {
	mark := 0
	for _, r := range ranges {
		if end := r.Start + r.Count; end > mark {
			mark = end
		}
	}
	return mark
}

// allocate places e in its namespace. It must run inside the transaction that
// owns the namespace so concurrent allocations cannot compute the same start.
func (s *Service) allocate(tx Transaction, e Experiment) (BucketRange, error) {
	if err := domain.ValidatePopulationPercent(e.PopulationPercent, s.minPopulationPercent); err != nil {
		return BucketRange{}, err
	}
	app, ok := domain.LookupApplication(e.Application)
	if !ok {
		return BucketRange{}, fmt.Errorf("unknown application %q", e.Application)
	}
	name := NamespaceName(e)
	key := domain.NamespaceKey{Name: name, Application: e.Application}
	fail := func(err error) (BucketRange, error) {
		return BucketRange{}, &domain.NamespaceAllocationError{Namespace: name, Err: err}
	}

	if current, ok := tx.FindBucketRange(e.ID); ok {
		if group, ok := tx.FindIsolationGroup(current.IsolationGroupID); ok &&
			group.Key() == key && current.Count == domain.BucketCount(group.Total, e.PopulationPercent) {
			return current, nil
		}
		if err := tx.DeleteBucketRange(current.ID); err != nil {
			return fail(err)
		}
	}

	groups := tx.ListIsolationGroups(key)
	for i := len(groups) - 1; i >= 0; i-- {
		group := groups[i]
		count := domain.BucketCount(group.Total, e.PopulationPercent)
		start := occupied(tx.ListBucketRanges(group.ID))
		if group.Total-start < count {
			continue
		}
		created, err := tx.CreateBucketRange(BucketRange{IsolationGroupID: group.ID, ExperimentID: e.ID, Start: start, Count: count})
		if err != nil {
			return fail(err)
		}
		return created, nil
	}

	instance := 1
	if n := len(groups); n > 0 {
		instance = groups[n-1].Instance + 1
	}
	group, err := tx.CreateIsolationGroup(IsolationGroup{
		Name:              name,
		Application:       e.Application,
		Instance:          instance,
		Total:             s.bucketTotal,
		RandomizationUnit: app.RandomizationUnit,
	})
	if err != nil {
		return fail(err)
	}
	created, err := tx.CreateBucketRange(BucketRange{
		IsolationGroupID: group.ID,
		ExperimentID:     e.ID,
		Start:            0,
		Count:            domain.BucketCount(group.Total, e.PopulationPercent),
	})
	if err != nil {
		return fail(err)
	}
	return created, nil
}

// AllocateBucketRange (re)allocates the experiment's bucket range without a
// status change. Experiments with a pending review are refused, and the
// rollout-dirty flag is left for the reviewed update to clear.
func (s *Service) AllocateBucketRange(ctx context.Context, id, actor string) (BucketRange, error) {
	var allocated BucketRange
	err := s.run(ctx, OpAllocateBucket, actor, id, func(ctx context.Context) error {
		_, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			e, ok := tx.FindExperiment(id)
			if !ok {
				return domain.ErrNotFound{Entity: domain.EntityExperiment, ID: id}
			}
			if e.IsArchived {
				return fmt.Errorf("allocate %s: %w", e.Slug, domain.ErrArchived)
			}
			if e.PublishStatus != domain.PublishStatusIdle {
				return &domain.StateMismatchError{
					Operation: OpAllocateBucket,
					Required:  domain.Guard{PublishStatus: idle},
					Actual:    e.State(),
				}
			}
			before, hadRange := tx.FindBucketRange(id)
			r, err := s.allocate(tx, e)
			if err != nil {
				return err
			}
			allocated = r
			if hadRange && before.ID == r.ID {
				return nil
			}
			entry := domain.NewChangeLog(OpAllocateBucket, actor, "Allocated bucket range", e, e)
			entry.ChangedValues = map[string]any{
				"namespace":    NamespaceName(e),
				"bucket_start": r.Start,
				"bucket_count": r.Count,
			}
			if _, err := tx.AppendChangeLog(entry); err != nil {
				return &domain.ChangeLogWriteError{ExperimentID: id, Err: err}
			}
			return nil
		})
		return err
	})
	if err != nil {
		return BucketRange{}, err
	}
	return allocated, nil
}

// BucketAllocation is a range together with the group instance it lives in.
type BucketAllocation struct {
	Range BucketRange    `json:"range"`
	Group IsolationGroup `json:"group"`
}

// GetBucketAllocation returns the experiment's current allocation, if any.
func (s *Service) GetBucketAllocation(ctx context.Context, id string) (BucketAllocation, bool, error) {
	var (
		out   BucketAllocation
		found bool
	)
	err := s.store.View(ctx, func(v TransactionView) error {
		if _, ok := v.FindExperiment(id); !ok {
			return domain.ErrNotFound{Entity: domain.EntityExperiment, ID: id}
		}
		r, ok := v.FindBucketRange(id)
		if !ok {
			return nil
		}
		g, ok := v.FindIsolationGroup(r.IsolationGroupID)
		if !ok {
			return fmt.Errorf("bucket range %s references missing isolation group %s", r.ID, r.IsolationGroupID)
		}
		out, found = BucketAllocation{Range: r, Group: g}, true
		return nil
	})
	return out, found, err
}
