package core

import (
	"context"
	"fmt"
	"sort"

	"nimbus/pkg/domain"
)

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(LifecycleStateRule())
	engine.Register(BucketIsolationRule())
	engine.Register(ChangeLogOrderRule())
	return engine
}

// LifecycleStateRule blocks experiment tuples no operation can produce and
// any exit from the complete status.
func LifecycleStateRule() domain.Rule {
	return lifecycleStateRule{}
}

type lifecycleStateRule struct{}

func (lifecycleStateRule) Name() string { return "lifecycle_state" }

func (r lifecycleStateRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityExperiment {
			continue
		}
		after, ok := change.After.(Experiment)
		if !ok {
			continue
		}
		problem := invalidState(after)
		if problem == "" {
			if before, ok := change.Before.(Experiment); ok &&
				before.Status == domain.StatusComplete && after.Status != domain.StatusComplete {
				problem = "complete experiments cannot change status"
			}
		}
		if problem == "" {
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     r.Name(),
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf("experiment %s %s: %s", after.Slug, after.State(), problem),
			Entity:   domain.EntityExperiment,
			EntityID: after.ID,
		})
	}
	return res, nil
}

func invalidState(e Experiment) string {
	switch e.Status {
	case domain.StatusDraft, domain.StatusPreview, domain.StatusLive, domain.StatusComplete:
	default:
		return fmt.Sprintf("unknown status %q", e.Status)
	}
	switch e.StatusNext {
	case domain.StatusNextNone, domain.StatusNextLive, domain.StatusNextComplete:
	default:
		return fmt.Sprintf("unknown status_next %q", e.StatusNext)
	}
	switch e.PublishStatus {
	case domain.PublishStatusIdle:
		if e.StatusNext != domain.StatusNextNone {
			return "an idle experiment cannot have a pending status"
		}
	case domain.PublishStatusReview, domain.PublishStatusApproved, domain.PublishStatusWaiting:
		if e.StatusNext == domain.StatusNextNone {
			return "a pending publish requires status_next"
		}
	default:
		return fmt.Sprintf("unknown publish_status %q", e.PublishStatus)
	}
	if (e.Status == domain.StatusPreview || e.Status == domain.StatusComplete) && e.PublishStatus != domain.PublishStatusIdle {
		return "preview and complete experiments cannot be under review"
	}
	if e.Status == domain.StatusDraft && len(e.PublishedDTO) > 0 {
		return "draft experiments cannot carry a published recipe"
	}
	if e.IsRolloutDirty && !e.IsRollout {
		return "only rollouts can be dirty"
	}
	return ""
}

// BucketIsolationRule blocks overlapping ranges inside one isolation group
// instance and ranges that run past the instance total.
func BucketIsolationRule() domain.Rule {
	return bucketIsolationRule{}
}

type bucketIsolationRule struct{}

func (bucketIsolationRule) Name() string { return "bucket_isolation" }

func (r bucketIsolationRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	touched := false
	for _, change := range changes {
		if change.Entity == domain.EntityBucketRange {
			touched = true
			break
		}
	}
	if !touched {
		return res, nil
	}
	byGroup := make(map[string][]BucketRange)
	for _, br := range view.ListBucketRanges() {
		byGroup[br.IsolationGroupID] = append(byGroup[br.IsolationGroupID], br)
	}
	for groupID, ranges := range byGroup {
		group, ok := view.FindIsolationGroup(groupID)
		if !ok {
			res.Violations = append(res.Violations, r.violation(groupID, fmt.Sprintf("isolation group %s does not exist", groupID)))
			continue
		}
		sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
		for i, br := range ranges {
			if br.Start+br.Count > group.Total {
				res.Violations = append(res.Violations, r.violation(group.ID,
					fmt.Sprintf("range [%d, %d] exceeds %s instance %d total %d", br.Start, br.End(), group.Name, group.Instance, group.Total)))
			}
			if i > 0 && ranges[i-1].Overlaps(br) {
				res.Violations = append(res.Violations, r.violation(group.ID,
					fmt.Sprintf("ranges of experiments %s and %s overlap in %s instance %d", ranges[i-1].ExperimentID, br.ExperimentID, group.Name, group.Instance)))
			}
		}
	}
	return res, nil
}

func (r bucketIsolationRule) violation(groupID, msg string) domain.Violation {
	return domain.Violation{
		Rule:     r.Name(),
		Severity: domain.SeverityBlock,
		Message:  msg,
		Entity:   domain.EntityIsolationGroup,
		EntityID: groupID,
	}
}

// ChangeLogOrderRule blocks history entries that would sort before an
// earlier entry of the same experiment.
func ChangeLogOrderRule() domain.Rule {
	return changeLogOrderRule{}
}

type changeLogOrderRule struct{}

func (changeLogOrderRule) Name() string { return "changelog_order" }

func (r changeLogOrderRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	checked := make(map[string]bool)
	for _, change := range changes {
		if change.Entity != domain.EntityChangeLog {
			continue
		}
		entry, ok := change.After.(ChangeLog)
		if !ok || checked[entry.ExperimentID] {
			continue
		}
		checked[entry.ExperimentID] = true
		history := view.ListChangeLogs(entry.ExperimentID)
		for i := 1; i < len(history); i++ {
			if history[i].ChangedOn.Before(history[i-1].ChangedOn) {
				res.Violations = append(res.Violations, domain.Violation{
					Rule:     r.Name(),
					Severity: domain.SeverityBlock,
					Message:  fmt.Sprintf("changelog %s of experiment %s is older than its predecessor", history[i].ID, entry.ExperimentID),
					Entity:   domain.EntityChangeLog,
					EntityID: history[i].ID,
				})
				break
			}
		}
	}
	return res, nil
}
