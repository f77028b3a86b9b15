package core

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"nimbus/internal/dispatch"
	"nimbus/pkg/domain"
)

var slugSeparators = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives the immutable slug of an experiment from its name.
func Slugify(name string) string {
	return strings.Trim(slugSeparators.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

// CreateExperiment stores a new draft. The slug is derived from the name and
// lifecycle fields are reset to the initial tuple.
func (s *Service) CreateExperiment(ctx context.Context, actor string, e Experiment) (Experiment, error) {
	var created Experiment
	err := s.run(ctx, OpCreate, actor, "", func(ctx context.Context) error {
		prepared, err := s.prepareNew(e)
		if err != nil {
			return err
		}
		_, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
			var err error
			created, err = s.insert(tx, prepared, actor, OpCreate, "Created Experiment")
			return err
		})
		return err
	})
	return created, err
}

func (s *Service) prepareNew(e Experiment) (Experiment, error) {
	e.Name = strings.TrimSpace(e.Name)
	e.Slug = Slugify(e.Name)
	if e.Slug == "" {
		return Experiment{}, fmt.Errorf("experiment name %q does not produce a slug", e.Name)
	}
	if err := domain.ValidateTarget(e.Application, e.Channel); err != nil {
		return Experiment{}, err
	}
	if e.PopulationPercent != 0 {
		e.PopulationPercent = domain.RoundPopulationPercent(e.PopulationPercent)
		if err := domain.ValidatePopulationPercent(e.PopulationPercent, s.minPopulationPercent); err != nil {
			return Experiment{}, err
		}
	}
	if err := s.validateTargetingConfig(e); err != nil {
		return Experiment{}, err
	}
	state := domain.InitialState()
	e.ID = ""
	e.Status, e.StatusNext, e.PublishStatus, e.IsPaused = state.Status, state.StatusNext, state.PublishStatus, state.IsPaused
	e.IsArchived = false
	e.IsRolloutDirty = false
	e.PublishedDTO = nil
	return e, nil
}

func (s *Service) validateTargetingConfig(e Experiment) error {
	if e.TargetingConfigSlug == "" || s.targeting == nil {
		return nil
	}
	cfg, ok := s.targeting.Lookup(e.TargetingConfigSlug)
	if !ok {
		return fmt.Errorf("unknown targeting config %q", e.TargetingConfigSlug)
	}
	if !cfg.SupportsApplication(e.Application) {
		return fmt.Errorf("targeting config %s is not available for %s", cfg.Slug, e.Application)
	}
	return nil
}

func (s *Service) insert(tx Transaction, e Experiment, actor, operation, message string) (Experiment, error) {
	created, err := tx.CreateExperiment(e)
	if err != nil {
		return Experiment{}, err
	}
	entry := domain.NewChangeLog(operation, actor, message, Experiment{}, created)
	if _, err := tx.AppendChangeLog(entry); err != nil {
		return Experiment{}, &domain.ChangeLogWriteError{ExperimentID: created.ID, Err: err}
	}
	return created, nil
}

// ExperimentUpdate lists the editable fields of an experiment. Nil fields are kept.
type ExperimentUpdate struct {
	Name                *string          `json:"name,omitempty"`
	Owner               *string          `json:"owner,omitempty"`
	Channel             *domain.Channel  `json:"channel,omitempty"`
	PopulationPercent   *float64         `json:"population_percent,omitempty"`
	IsRollout           *bool            `json:"is_rollout,omitempty"`
	FeatureConfigs      *[]string        `json:"feature_configs,omitempty"`
	TargetingConfigSlug *string          `json:"targeting_config_slug,omitempty"`
	FirefoxMinVersion   *string          `json:"firefox_min_version,omitempty"`
	FirefoxMaxVersion   *string          `json:"firefox_max_version,omitempty"`
	Locales             *[]string        `json:"locales,omitempty"`
	Languages           *[]string        `json:"languages,omitempty"`
	Countries           *[]string        `json:"countries,omitempty"`
	IsSticky            *bool            `json:"is_sticky,omitempty"`
	IsFirstRun          *bool            `json:"is_first_run,omitempty"`
	ExcludedExperiments *[]string        `json:"excluded_experiments,omitempty"`
	RequiredExperiments *[]string        `json:"required_experiments,omitempty"`
	ProposedDuration    *int             `json:"proposed_duration,omitempty"`
	ProposedEnrollment  *int             `json:"proposed_enrollment,omitempty"`
	ReferenceBranch     *domain.Branch   `json:"reference_branch,omitempty"`
	TreatmentBranches   *[]domain.Branch `json:"treatment_branches,omitempty"`
	// RequestReview submits a live rollout's population change for review in
	// the same transaction, so the rollout is not marked dirty.
	RequestReview bool   `json:"request_review,omitempty"`
	Message       string `json:"message,omitempty"`
}

func (u ExperimentUpdate) onlyPopulation() bool {
	probe := u
	probe.PopulationPercent = nil
	probe.RequestReview = false
	probe.Message = ""
	return reflect.ValueOf(probe).IsZero()
}

func (u ExperimentUpdate) apply(e *Experiment) {
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	setList := func(dst *[]string, v *[]string) {
		if v != nil {
			*dst = append([]string(nil), (*v)...)
		}
	}
	set(&e.Name, u.Name)
	set(&e.Owner, u.Owner)
	set(&e.TargetingConfigSlug, u.TargetingConfigSlug)
	set(&e.FirefoxMinVersion, u.FirefoxMinVersion)
	set(&e.FirefoxMaxVersion, u.FirefoxMaxVersion)
	setList(&e.FeatureConfigs, u.FeatureConfigs)
	setList(&e.Locales, u.Locales)
	setList(&e.Languages, u.Languages)
	setList(&e.Countries, u.Countries)
	setList(&e.ExcludedExperiments, u.ExcludedExperiments)
	setList(&e.RequiredExperiments, u.RequiredExperiments)
	if u.Channel != nil {
		e.Channel = *u.Channel
	}
	if u.PopulationPercent != nil {
		e.PopulationPercent = domain.RoundPopulationPercent(*u.PopulationPercent)
	}
	if u.IsRollout != nil {
		e.IsRollout = *u.IsRollout
	}
	if u.IsSticky != nil {
		e.IsSticky = *u.IsSticky
	}
	if u.IsFirstRun != nil {
		e.IsFirstRun = *u.IsFirstRun
	}
	if u.ProposedDuration != nil {
		e.ProposedDuration = *u.ProposedDuration
	}
	if u.ProposedEnrollment != nil {
		e.ProposedEnrollment = *u.ProposedEnrollment
	}
	if u.ReferenceBranch != nil {
		ref := *u.ReferenceBranch
		e.ReferenceBranch = &ref
	}
	if u.TreatmentBranches != nil {
		e.TreatmentBranches = append([]domain.Branch(nil), (*u.TreatmentBranches)...)
	}
}

var editableGuard = domain.Guard{Status: draft, PublishStatus: idle}

// UpdateExperiment edits the non-lifecycle fields of an idle draft. A live,
// idle rollout with no pending status accepts population edits only; such an
// edit marks the rollout dirty unless it is submitted for review with it.
func (s *Service) UpdateExperiment(ctx context.Context, id, actor string, u ExperimentUpdate) (Experiment, error) {
	var (
		updated Experiment
		tasks   []dispatch.Task
	)
	err := s.run(ctx, OpUpdate, actor, id, func(ctx context.Context) error {
		if u.PopulationPercent != nil {
			p := domain.RoundPopulationPercent(*u.PopulationPercent)
			if err := domain.ValidatePopulationPercent(p, s.minPopulationPercent); err != nil {
				return err
			}
		}
		_, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			current, ok := tx.FindExperiment(id)
			if !ok {
				return domain.ErrNotFound{Entity: domain.EntityExperiment, ID: id}
			}
			if current.IsArchived {
				return fmt.Errorf("update %s: %w", current.Slug, domain.ErrArchived)
			}
			liveRollout := current.IsRollout && current.Status == domain.StatusLive &&
				current.StatusNext == domain.StatusNextNone && current.PublishStatus == domain.PublishStatusIdle
			switch {
			case editableGuard.Matches(current.State()):
				if u.RequestReview {
					return fmt.Errorf("update %s: review requests on drafts use %s", current.Slug, OpDraftToReview)
				}
			case liveRollout:
				if !u.onlyPopulation() {
					return fmt.Errorf("update %s: only the population of a live rollout can change", current.Slug)
				}
			default:
				return &domain.StateMismatchError{Operation: OpUpdate, Required: editableGuard, Actual: current.State()}
			}

			next, err := tx.UpdateExperiment(id, func(e *Experiment) error {
				u.apply(e)
				if liveRollout && e.PopulationPercent != current.PopulationPercent && !u.RequestReview {
					e.IsRolloutDirty = true
				}
				return domain.ValidateTarget(e.Application, e.Channel)
			})
			if err != nil {
				return err
			}
			if err := s.validateTargetingConfig(next); err != nil {
				return err
			}
			diff := changedValues(current, next)
			if len(diff) > 0 {
				message := strings.TrimSpace(u.Message)
				if message == "" {
					message = "Updated Experiment"
				}
				entry := domain.NewChangeLog(OpUpdate, actor, message, current, next)
				entry.ChangedValues = diff
				if _, err := tx.AppendChangeLog(entry); err != nil {
					return &domain.ChangeLogWriteError{ExperimentID: id, Err: err}
				}
			}
			updated = next
			if liveRollout && u.RequestReview {
				op, _ := lookupOperation(OpLiveToUpdateRollout)
				updated, tasks, err = s.transition(tx, op, id, actor, op.message)
				return err
			}
			return nil
		})
		return err
	})
	if err != nil {
		return Experiment{}, err
	}
	s.dispatch(ctx, tasks)
	return updated, nil
}

// changedValues diffs the non-lifecycle fields of two experiment versions.
func changedValues(before, after Experiment) map[string]any {
	diff := make(map[string]any)
	add := func(field string, old, updated any) {
		if !reflect.DeepEqual(old, updated) {
			diff[field] = map[string]any{"old": old, "new": updated}
		}
	}
	add("name", before.Name, after.Name)
	add("owner", before.Owner, after.Owner)
	add("channel", before.Channel, after.Channel)
	add("population_percent", before.PopulationPercent, after.PopulationPercent)
	add("is_rollout", before.IsRollout, after.IsRollout)
	add("is_rollout_dirty", before.IsRolloutDirty, after.IsRolloutDirty)
	add("is_archived", before.IsArchived, after.IsArchived)
	add("feature_configs", before.FeatureConfigs, after.FeatureConfigs)
	add("targeting_config_slug", before.TargetingConfigSlug, after.TargetingConfigSlug)
	add("firefox_min_version", before.FirefoxMinVersion, after.FirefoxMinVersion)
	add("firefox_max_version", before.FirefoxMaxVersion, after.FirefoxMaxVersion)
	add("locales", before.Locales, after.Locales)
	add("languages", before.Languages, after.Languages)
	add("countries", before.Countries, after.Countries)
	add("is_sticky", before.IsSticky, after.IsSticky)
	add("is_first_run", before.IsFirstRun, after.IsFirstRun)
	add("excluded_experiments", before.ExcludedExperiments, after.ExcludedExperiments)
	add("required_experiments", before.RequiredExperiments, after.RequiredExperiments)
	add("proposed_duration", before.ProposedDuration, after.ProposedDuration)
	add("proposed_enrollment", before.ProposedEnrollment, after.ProposedEnrollment)
	add("reference_branch", before.ReferenceBranch, after.ReferenceBranch)
	add("treatment_branches", before.TreatmentBranches, after.TreatmentBranches)
	return diff
}

// CloneExperiment creates a fresh draft named name from the static
// configuration of id. Allocation, published recipe and history are not copied.
func (s *Service) CloneExperiment(ctx context.Context, id, actor, name string) (Experiment, error) {
	var created Experiment
	err := s.run(ctx, OpClone, actor, id, func(ctx context.Context) error {
		_, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			parent, ok := tx.FindExperiment(id)
			if !ok {
				return domain.ErrNotFound{Entity: domain.EntityExperiment, ID: id}
			}
			clone := parent
			clone.Base = domain.Base{}
			clone.Name = name
			clone.Owner = actor
			clone.IsRolloutDirty = false
			clone.Metadata = nil
			from := parent.ID
			clone.ClonedFrom = &from
			prepared, err := s.prepareNew(clone)
			if err != nil {
				return err
			}
			created, err = s.insert(tx, prepared, actor, OpClone, "Cloned from "+parent.Slug)
			return err
		})
		return err
	})
	return created, err
}

// ArchiveExperiment archives or restores an idle draft or complete experiment.
func (s *Service) ArchiveExperiment(ctx context.Context, id, actor string, archived bool) (Experiment, error) {
	opName, message := OpArchive, "Archived Experiment"
	if !archived {
		opName, message = OpUnarchive, "Unarchived Experiment"
	}
	var updated Experiment
	err := s.run(ctx, opName, actor, id, func(ctx context.Context) error {
		_, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			current, ok := tx.FindExperiment(id)
			if !ok {
				return domain.ErrNotFound{Entity: domain.EntityExperiment, ID: id}
			}
			state := current.State()
			if (state.Status != domain.StatusDraft && state.Status != domain.StatusComplete) ||
				state.PublishStatus != domain.PublishStatusIdle {
				return &domain.StateMismatchError{Operation: opName, Required: editableGuard, Actual: state}
			}
			if current.IsArchived == archived {
				updated = current
				return nil
			}
			next, err := tx.UpdateExperiment(id, func(e *Experiment) error {
				e.IsArchived = archived
				return nil
			})
			if err != nil {
				return err
			}
			entry := domain.NewChangeLog(opName, actor, message, current, next)
			entry.ChangedValues = changedValues(current, next)
			if _, err := tx.AppendChangeLog(entry); err != nil {
				return &domain.ChangeLogWriteError{ExperimentID: id, Err: err}
			}
			updated = next
			return nil
		})
		return err
	})
	return updated, err
}

// GetExperiment returns one experiment.
func (s *Service) GetExperiment(ctx context.Context, id string) (Experiment, error) {
	var out Experiment
	err := s.store.View(ctx, func(v TransactionView) error {
		e, ok := v.FindExperiment(id)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityExperiment, ID: id}
		}
		out = e
		return nil
	})
	return out, err
}

// FindExperimentBySlug resolves a slug to its experiment.
func (s *Service) FindExperimentBySlug(ctx context.Context, slug string) (Experiment, error) {
	var out Experiment
	err := s.store.View(ctx, func(v TransactionView) error {
		for _, e := range v.ListExperiments() {
			if e.Slug == slug {
				out = e
				return nil
			}
		}
		return domain.ErrNotFound{Entity: domain.EntityExperiment, ID: slug}
	})
	return out, err
}

// ListExperiments returns experiments in creation order. Archived experiments
// are included only when includeArchived is set.
func (s *Service) ListExperiments(ctx context.Context, includeArchived bool) ([]Experiment, error) {
	var out []Experiment
	err := s.store.View(ctx, func(v TransactionView) error {
		for _, e := range v.ListExperiments() {
			if e.IsArchived && !includeArchived {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}
