package core

import (
	"sort"

	"nimbus/pkg/domain"
)

// Lifecycle operation names accepted by ApplyTransition.
const (
	OpDraftToPreview         = "draft_to_preview"
	OpDraftToReview          = "draft_to_review"
	OpPreviewToReview        = "preview_to_review"
	OpPreviewToDraft         = "preview_to_draft"
	OpReviewToDraft          = "review_to_draft"
	OpReviewToApprove        = "review_to_approve"
	OpLiveToEndEnrollment    = "live_to_end_enrollment"
	OpApproveEndEnrollment   = "approve_end_enrollment"
	OpCancelEndEnrollment    = "cancel_end_enrollment"
	OpLiveToComplete         = "live_to_complete"
	OpApproveEndExperiment   = "approve_end_experiment"
	OpCancelEndExperiment    = "cancel_end_experiment"
	OpLiveToUpdateRollout    = "live_to_update_rollout"
	OpApproveUpdateRollout   = "approve_update_rollout"
	OpCancelUpdateRollout    = "cancel_update_rollout"
	OpApprovedToWaiting      = "approved_to_waiting"
	OpLaunchConfirmed        = "launch_confirmed"
	OpEndEnrollmentConfirmed = "end_enrollment_confirmed"
	OpCompleteConfirmed      = "complete_confirmed"
	OpRolloutUpdateConfirmed = "rollout_update_confirmed"
	OpLaunchRejected         = "launch_rejected"
	OpEndEnrollmentRejected  = "end_enrollment_rejected"
	OpCompleteRejected       = "complete_rejected"
	OpRolloutUpdateRejected  = "rollout_update_rejected"
	OpReviewTimedOut         = "review_timed_out"
)

// Non-transition history entries.
const (
	OpCreate         = "create"
	OpUpdate         = "update"
	OpClone          = "clone"
	OpArchive        = "archive"
	OpUnarchive      = "unarchive"
	OpAllocateBucket = "allocate_bucket_range"
)

type postCommit uint8

const (
	actionAllocate postCommit = 1 << iota
	actionPreviewSync
	actionPush
	actionNotify
)

// effect lists the lifecycle values an operation writes. Nil fields are kept.
type effect struct {
	status        *domain.Status
	statusNext    *domain.StatusNext
	publishStatus *domain.PublishStatus
	isPaused      *bool
}

func (f effect) apply(e *Experiment) {
	if f.status != nil {
		e.Status = *f.status
	}
	if f.statusNext != nil {
		e.StatusNext = *f.statusNext
	}
	if f.publishStatus != nil {
		e.PublishStatus = *f.publishStatus
	}
	if f.isPaused != nil {
		e.IsPaused = *f.isPaused
	}
}

type operation struct {
	name    string
	guard   domain.Guard
	effect  effect
	message string
	actions postCommit
	// requiresMessage marks rejections and cancellations.
	requiresMessage bool
	// confirms marks remote-store acknowledgements; their return to idle is
	// never a rejection.
	confirms     bool
	storesRecipe bool
	clearsDirty  bool
}

func (op operation) has(a postCommit) bool { return op.actions&a != 0 }

func ptr[T any](v T) *T { return &v }

var (
	draft    = ptr(domain.StatusDraft)
	preview  = ptr(domain.StatusPreview)
	live     = ptr(domain.StatusLive)
	complete = ptr(domain.StatusComplete)

	nextNone     = ptr(domain.StatusNextNone)
	nextLive     = ptr(domain.StatusNextLive)
	nextComplete = ptr(domain.StatusNextComplete)

	idle     = ptr(domain.PublishStatusIdle)
	review   = ptr(domain.PublishStatusReview)
	approved = ptr(domain.PublishStatusApproved)
	waiting  = ptr(domain.PublishStatusWaiting)

	paused   = ptr(true)
	unpaused = ptr(false)
)

func guard(status *domain.Status, next *domain.StatusNext, publish *domain.PublishStatus, isPaused *bool) domain.Guard {
	return domain.Guard{Status: status, StatusNext: next, PublishStatus: publish, IsPaused: isPaused}
}

func to(status *domain.Status, next *domain.StatusNext, publish *domain.PublishStatus, isPaused *bool) effect {
	return effect{status: status, statusNext: next, publishStatus: publish, isPaused: isPaused}
}

var operationTable = []operation{
	{
		name:    OpDraftToPreview,
		guard:   guard(draft, nextNone, idle, unpaused),
		effect:  to(preview, nextNone, idle, unpaused),
		message: "Launched to Preview",
		actions: actionAllocate | actionPreviewSync,
	},
	{
		name:    OpDraftToReview,
		guard:   guard(draft, nextNone, idle, unpaused),
		effect:  to(draft, nextLive, review, unpaused),
		message: "Requested launch",
		actions: actionNotify,
	},
	{
		name:    OpPreviewToReview,
		guard:   guard(preview, nextNone, idle, unpaused),
		effect:  to(draft, nextLive, review, unpaused),
		message: "Requested launch from Preview",
		actions: actionNotify | actionPreviewSync,
	},
	{
		name:    OpPreviewToDraft,
		guard:   guard(preview, nextNone, idle, unpaused),
		effect:  to(draft, nextNone, idle, unpaused),
		message: "Moved back to Draft",
		actions: actionPreviewSync,
	},
	{
		name:            OpReviewToDraft,
		guard:           guard(draft, nextLive, review, unpaused),
		effect:          to(draft, nextNone, idle, unpaused),
		message:         "Rejected launch",
		requiresMessage: true,
	},
	{
		name:    OpReviewToApprove,
		guard:   guard(draft, nextLive, review, unpaused),
		effect:  to(draft, nextLive, approved, unpaused),
		message: "Approved launch",
		actions: actionAllocate | actionPush,
	},
	{
		name:    OpLiveToEndEnrollment,
		guard:   guard(live, nextNone, idle, unpaused),
		effect:  to(live, nextLive, review, paused),
		message: "Requested end enrollment",
		actions: actionNotify,
	},
	{
		name:    OpApproveEndEnrollment,
		guard:   guard(live, nextLive, review, paused),
		effect:  to(live, nextLive, approved, paused),
		message: "Approved end enrollment",
		actions: actionPush,
	},
	{
		name:            OpCancelEndEnrollment,
		guard:           guard(live, nextLive, review, paused),
		effect:          to(live, nextNone, idle, unpaused),
		message:         "Rejected end enrollment",
		requiresMessage: true,
	},
	{
		// A paused experiment must still be able to end.
		name:    OpLiveToComplete,
		guard:   guard(live, nextNone, idle, nil),
		effect:  to(live, nextComplete, review, nil),
		message: "Requested end experiment",
		actions: actionNotify,
	},
	{
		name:    OpApproveEndExperiment,
		guard:   guard(live, nextComplete, review, nil),
		effect:  to(live, nextComplete, approved, paused),
		message: "Approved end experiment",
		actions: actionPush,
	},
	{
		name:            OpCancelEndExperiment,
		guard:           guard(live, nextComplete, review, nil),
		effect:          to(live, nextNone, idle, nil),
		message:         "Rejected end experiment",
		requiresMessage: true,
	},
	{
		name:    OpLiveToUpdateRollout,
		guard:   guard(live, nextNone, idle, unpaused),
		effect:  to(live, nextLive, review, unpaused),
		message: "Requested rollout update",
		actions: actionNotify,
	},
	{
		name:        OpApproveUpdateRollout,
		guard:       guard(live, nextLive, review, unpaused),
		effect:      to(live, nextLive, approved, unpaused),
		message:     "Approved rollout update",
		actions:     actionAllocate | actionPreviewSync | actionPush,
		clearsDirty: true,
	},
	{
		name:            OpCancelUpdateRollout,
		guard:           guard(live, nextLive, review, unpaused),
		effect:          to(live, nextNone, idle, unpaused),
		message:         "Rejected rollout update",
		requiresMessage: true,
	},
	{
		name:    OpApprovedToWaiting,
		guard:   guard(nil, nil, approved, nil),
		effect:  to(nil, nil, waiting, nil),
		message: "Pushed to remote settings, waiting for review",
	},
	{
		name:         OpLaunchConfirmed,
		guard:        guard(draft, nextLive, waiting, unpaused),
		effect:       to(live, nextNone, idle, unpaused),
		message:      "Launched",
		actions:      actionPreviewSync,
		confirms:     true,
		storesRecipe: true,
	},
	{
		name:         OpEndEnrollmentConfirmed,
		guard:        guard(live, nextLive, waiting, paused),
		effect:       to(live, nextNone, idle, paused),
		message:      "Enrollment ended",
		confirms:     true,
		storesRecipe: true,
	},
	{
		// The bucket range is retained for audit.
		name:     OpCompleteConfirmed,
		guard:    guard(live, nextComplete, waiting, nil),
		effect:   to(complete, nextNone, idle, nil),
		message:  "Experiment ended",
		actions:  actionPush,
		confirms: true,
	},
	{
		name:         OpRolloutUpdateConfirmed,
		guard:        guard(live, nextLive, waiting, unpaused),
		effect:       to(live, nextNone, idle, unpaused),
		message:      "Rollout updated",
		confirms:     true,
		storesRecipe: true,
		clearsDirty:  true,
	},
	{
		name:            OpLaunchRejected,
		guard:           guard(draft, nextLive, waiting, unpaused),
		effect:          to(draft, nextNone, idle, unpaused),
		message:         "Remote settings rejected launch",
		requiresMessage: true,
	},
	{
		name:            OpEndEnrollmentRejected,
		guard:           guard(live, nextLive, waiting, paused),
		effect:          to(live, nextNone, idle, unpaused),
		message:         "Remote settings rejected end enrollment",
		requiresMessage: true,
	},
	{
		name:            OpCompleteRejected,
		guard:           guard(live, nextComplete, waiting, nil),
		effect:          to(live, nextNone, idle, nil),
		message:         "Remote settings rejected end experiment",
		requiresMessage: true,
	},
	{
		name:            OpRolloutUpdateRejected,
		guard:           guard(live, nextLive, waiting, unpaused),
		effect:          to(live, nextNone, idle, unpaused),
		message:         "Remote settings rejected rollout update",
		requiresMessage: true,
	},
	{
		name:    OpReviewTimedOut,
		guard:   guard(nil, nil, waiting, nil),
		effect:  to(nil, nil, review, nil),
		message: "Review timed out in remote settings",
		actions: actionNotify,
	},
}

var operationsByName = func() map[string]operation {
	out := make(map[string]operation, len(operationTable))
	for _, op := range operationTable {
		out[op.name] = op
	}
	return out
}()

func lookupOperation(name string) (operation, bool) {
	op, ok := operationsByName[name]
	return op, ok
}

// OperationInfo describes a registered lifecycle operation.
type OperationInfo struct {
	Name            string       `json:"name"`
	Guard           domain.Guard `json:"-"`
	Requires        string       `json:"requires"`
	Message         string       `json:"message"`
	RequiresMessage bool         `json:"requires_message"`
	Allocates       bool         `json:"allocates"`
	Pushes          bool         `json:"pushes"`
	SyncsPreview    bool         `json:"syncs_preview"`
	Notifies        bool         `json:"notifies"`
}

// Operations lists every lifecycle operation sorted by name.
func Operations() []OperationInfo {
	out := make([]OperationInfo, 0, len(operationTable))
	for _, op := range operationTable {
		out = append(out, OperationInfo{
			Name:            op.name,
			Guard:           op.guard,
			Requires:        op.guard.String(),
			Message:         op.message,
			RequiresMessage: op.requiresMessage,
			Allocates:       op.has(actionAllocate),
			Pushes:          op.has(actionPush),
			SyncsPreview:    op.has(actionPreviewSync),
			Notifies:        op.has(actionNotify),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AvailableOperations returns the operations whose guard matches the state.
func AvailableOperations(state domain.State) []string {
	var out []string
	for _, op := range operationTable {
		if op.guard.Matches(state) {
			out = append(out, op.name)
		}
	}
	sort.Strings(out)
	return out
}
