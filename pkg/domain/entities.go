// Package domain defines the core persistent entities, value types, and
// rule evaluation primitives used by the nimbus experiment control plane.
package domain

import (
	"encoding/json"
	"math"
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityExperiment identifies an experiment record.
	EntityExperiment EntityType = "experiment"
	// EntityChangeLog identifies an experiment changelog entry.
	EntityChangeLog EntityType = "changelog"
	// EntityIsolationGroup identifies an isolation group instance.
	EntityIsolationGroup EntityType = "isolation_group"
	// EntityBucketRange identifies an allocated bucket range.
	EntityBucketRange EntityType = "bucket_range"
)

// Status is the primary lifecycle dimension of an experiment.
type Status string

// Canonical experiment statuses.
const (
	StatusDraft    Status = "draft"
	StatusPreview  Status = "preview"
	StatusLive     Status = "live"
	StatusComplete Status = "complete"
)

// StatusNext records the status an experiment moves to once the pending review completes.
// The zero value means no status change is pending.
type StatusNext string

// Pending status targets.
const (
	StatusNextNone     StatusNext = ""
	StatusNextLive     StatusNext = "live"
	StatusNextComplete StatusNext = "complete"
)

// PublishStatus tracks review and approval of a pending lifecycle change.
type PublishStatus string

// Canonical publish statuses (RFC: review -> approved -> waiting on remote store -> idle).
const (
	PublishStatusIdle     PublishStatus = "idle"
	PublishStatusReview   PublishStatus = "review"
	PublishStatusApproved PublishStatus = "approved"
	PublishStatusWaiting  PublishStatus = "waiting"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// DefaultBucketTotal is the hash-space resolution of one isolation group instance.
const DefaultBucketTotal = 10000

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Branch is one arm of an experiment.
type Branch struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Ratio       int    `json:"ratio"`
}

// Experiment is the central aggregate of the control plane. Lifecycle fields
// (Status, StatusNext, PublishStatus, IsPaused) are only mutated through
// lifecycle operations.
type Experiment struct {
	Base
	Slug                string            `json:"slug"`
	Name                string            `json:"name"`
	Owner               string            `json:"owner"`
	Application         Application       `json:"application"`
	Channel             Channel           `json:"channel"`
	Status              Status            `json:"status"`
	StatusNext          StatusNext        `json:"status_next"`
	PublishStatus       PublishStatus     `json:"publish_status"`
	IsPaused            bool              `json:"is_paused"`
	IsArchived          bool              `json:"is_archived"`
	IsRollout           bool              `json:"is_rollout"`
	IsRolloutDirty      bool              `json:"is_rollout_dirty"`
	PopulationPercent   float64           `json:"population_percent"`
	FeatureConfigs      []string          `json:"feature_configs"`
	TargetingConfigSlug string            `json:"targeting_config_slug"`
	FirefoxMinVersion   string            `json:"firefox_min_version,omitempty"`
	FirefoxMaxVersion   string            `json:"firefox_max_version,omitempty"`
	Locales             []string          `json:"locales"`
	Languages           []string          `json:"languages"`
	Countries           []string          `json:"countries"`
	IsSticky            bool              `json:"is_sticky"`
	IsFirstRun          bool              `json:"is_first_run"`
	ExcludedExperiments []string          `json:"excluded_experiments"`
	RequiredExperiments []string          `json:"required_experiments"`
	ProposedDuration    int               `json:"proposed_duration"`
	ProposedEnrollment  int               `json:"proposed_enrollment"`
	ReferenceBranch     *Branch           `json:"reference_branch"`
	TreatmentBranches   []Branch          `json:"treatment_branches"`
	PublishedDTO        json.RawMessage   `json:"published_dto,omitempty"`
	ClonedFrom          *string           `json:"cloned_from"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// State returns the lifecycle tuple of the experiment.
func (e Experiment) State() State {
	return State{
		Status:        e.Status,
		StatusNext:    e.StatusNext,
		PublishStatus: e.PublishStatus,
		IsPaused:      e.IsPaused,
	}
}

// Branches returns the reference branch followed by the treatment branches.
func (e Experiment) Branches() []Branch {
	out := make([]Branch, 0, len(e.TreatmentBranches)+1)
	if e.ReferenceBranch != nil {
		out = append(out, *e.ReferenceBranch)
	}
	return append(out, e.TreatmentBranches...)
}

// IsReviewable reports whether the experiment has a pending change awaiting a reviewer.
func (e Experiment) IsReviewable() bool {
	return e.PublishStatus == PublishStatusReview
}

// State is the lifecycle tuple (status, status_next, publish_status, is_paused).
type State struct {
	Status        Status        `json:"status"`
	StatusNext    StatusNext    `json:"status_next"`
	PublishStatus PublishStatus `json:"publish_status"`
	IsPaused      bool          `json:"is_paused"`
}

// InitialState is the tuple every new experiment starts in.
func InitialState() State {
	return State{Status: StatusDraft, StatusNext: StatusNextNone, PublishStatus: PublishStatusIdle}
}

// ChangeLog is an immutable audit entry recording one lifecycle or field mutation.
type ChangeLog struct {
	ID               string         `json:"id"`
	ExperimentID     string         `json:"experiment_id"`
	Operation        string         `json:"operation"`
	ChangedBy        string         `json:"changed_by"`
	ChangedOn        time.Time      `json:"changed_on"`
	OldStatus        Status         `json:"old_status"`
	NewStatus        Status         `json:"new_status"`
	OldStatusNext    StatusNext     `json:"old_status_next"`
	NewStatusNext    StatusNext     `json:"new_status_next"`
	OldPublishStatus PublishStatus  `json:"old_publish_status"`
	NewPublishStatus PublishStatus  `json:"new_publish_status"`
	OldIsPaused      bool           `json:"old_is_paused"`
	NewIsPaused      bool           `json:"new_is_paused"`
	Message          string         `json:"message,omitempty"`
	ChangedValues    map[string]any `json:"changed_values,omitempty"`
}

// NewChangeLog builds an entry describing the move from before to after.
// ChangedOn and ID are assigned by the store on append.
func NewChangeLog(operation, actor, message string, before, after Experiment) ChangeLog {
	return ChangeLog{
		ExperimentID:     after.ID,
		Operation:        operation,
		ChangedBy:        actor,
		OldStatus:        before.Status,
		NewStatus:        after.Status,
		OldStatusNext:    before.StatusNext,
		NewStatusNext:    after.StatusNext,
		OldPublishStatus: before.PublishStatus,
		NewPublishStatus: after.PublishStatus,
		OldIsPaused:      before.IsPaused,
		NewIsPaused:      after.IsPaused,
		Message:          message,
	}
}

// IsolationGroup is one instance of a named randomization namespace.
type IsolationGroup struct {
	Base
	Name              string            `json:"name"`
	Application       Application       `json:"application"`
	Instance          int               `json:"instance"`
	Total             int               `json:"total"`
	RandomizationUnit RandomizationUnit `json:"randomization_unit"`
}

// Key returns the namespace key shared by all instances of the group.
func (g IsolationGroup) Key() NamespaceKey {
	return NamespaceKey{Name: g.Name, Application: g.Application}
}

// NamespaceKey identifies a randomization namespace across its instances.
type NamespaceKey struct {
	Name        string      `json:"name"`
	Application Application `json:"application"`
}

// BucketRange is a contiguous slice of one isolation group instance owned by an experiment.
type BucketRange struct {
	Base
	IsolationGroupID string `json:"isolation_group_id"`
	ExperimentID     string `json:"experiment_id"`
	Start            int    `json:"start"`
	Count            int    `json:"count"`
}

// End returns the last bucket in the range (inclusive).
func (b BucketRange) End() int {
	return b.Start + b.Count - 1
}

// Overlaps reports whether two ranges share at least one bucket.
func (b BucketRange) Overlaps(other BucketRange) bool {
	if b.Count <= 0 || other.Count <= 0 {
		return false
	}
	return b.Start <= other.End() && other.Start <= b.End()
}

// RoundPopulationPercent normalises a population percentage to four decimal places.
func RoundPopulationPercent(p float64) float64 {
	return math.Round(p*10000) / 10000
}

// BucketCount converts a population percentage into a bucket count for a group of size total.
func BucketCount(total int, populationPercent float64) int {
	count := int(math.Round(float64(total) * populationPercent / 100))
	if count > total {
		count = total
	}
	if count < 0 {
		count = 0
	}
	return count
}

// Change describes a mutation applied to an entity within a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations captured in audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock && v.Message != "" {
			return "transaction blocked by rules: " + v.Message
		}
	}
	return "transaction blocked by rules"
}
