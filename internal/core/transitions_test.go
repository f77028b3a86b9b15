package core

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"nimbus/internal/dispatch"
	"nimbus/pkg/domain"
)

func TestOperationTable(t *testing.T) {
	ops := Operations()
	if len(ops) != 25 {
		t.Fatalf("expected 25 lifecycle operations, got %d", len(ops))
	}
	seen := make(map[string]bool)
	for i, op := range ops {
		if seen[op.Name] {
			t.Fatalf("duplicate operation %s", op.Name)
		}
		seen[op.Name] = true
		if i > 0 && ops[i-1].Name > op.Name {
			t.Fatalf("operations not sorted at %s", op.Name)
		}
		if op.Message == "" {
			t.Fatalf("operation %s has no default message", op.Name)
		}
	}
	for _, name := range []string{OpReviewToDraft, OpCancelEndEnrollment, OpCancelEndExperiment, OpCancelUpdateRollout, OpLaunchRejected, OpCompleteRejected} {
		if op, _ := lookupOperation(name); !op.requiresMessage {
			t.Fatalf("%s must require a message", name)
		}
	}
	for _, name := range []string{OpDraftToPreview, OpReviewToApprove, OpApproveUpdateRollout} {
		if op, _ := lookupOperation(name); !op.has(actionAllocate) {
			t.Fatalf("%s must allocate", name)
		}
	}
}

func TestAvailableOperations(t *testing.T) {
	cases := []struct {
		state domain.State
		want  []string
	}{
		{domain.InitialState(), []string{OpDraftToPreview, OpDraftToReview}},
		{domain.State{Status: domain.StatusDraft, StatusNext: domain.StatusNextLive, PublishStatus: domain.PublishStatusReview}, []string{OpReviewToApprove, OpReviewToDraft}},
		{domain.State{Status: domain.StatusLive, PublishStatus: domain.PublishStatusIdle}, []string{OpLiveToComplete, OpLiveToEndEnrollment, OpLiveToUpdateRollout}},
		{domain.State{Status: domain.StatusLive, PublishStatus: domain.PublishStatusIdle, IsPaused: true}, []string{OpLiveToComplete}},
		{domain.State{Status: domain.StatusLive, StatusNext: domain.StatusNextComplete, PublishStatus: domain.PublishStatusWaiting, IsPaused: true}, []string{OpCompleteConfirmed, OpCompleteRejected, OpReviewTimedOut}},
	}
	for _, tc := range cases {
		if got := AvailableOperations(tc.state); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("state %s: got %v want %v", tc.state, got, tc.want)
		}
	}
}

func TestHistoryClassification(t *testing.T) {
	entry := func(op string, from, to domain.PublishStatus) ChangeLog {
		return ChangeLog{ID: op, Operation: op, OldPublishStatus: from, NewPublishStatus: to}
	}
	idle, review, approved, waiting := domain.PublishStatusIdle, domain.PublishStatusReview, domain.PublishStatusApproved, domain.PublishStatusWaiting

	history := []ChangeLog{
		entry(OpCreate, "", idle),
		entry(OpDraftToReview, idle, review),
		entry(OpReviewToApprove, review, approved),
		entry(OpApprovedToWaiting, approved, waiting),
		entry(OpLaunchRejected, waiting, idle),
	}
	if got, ok := latestRejection(history); !ok || got.Operation != OpLaunchRejected {
		t.Fatalf("expected remote rejection, got %+v", got)
	}
	if got, ok := latestReviewRequest(history); !ok || got.Operation != OpDraftToReview {
		t.Fatalf("a rejection keeps the request it answered, got %+v", got)
	}

	rejected := []ChangeLog{
		entry(OpCreate, "", idle),
		entry(OpDraftToReview, idle, review),
		entry(OpReviewToDraft, review, idle),
	}
	if got, ok := latestReviewRequest(rejected); !ok || got.Operation != OpDraftToReview {
		t.Fatalf("expected the rejected request, got %+v", got)
	}
	if got, ok := latestRejection(rejected); !ok || got.Operation != OpReviewToDraft {
		t.Fatalf("expected review_to_draft rejection, got %+v", got)
	}

	confirmed := append(history[:4:4], entry(OpLaunchConfirmed, waiting, idle))
	if _, ok := latestRejection(confirmed); ok {
		t.Fatalf("confirmations are not rejections")
	}
	if _, ok := latestReviewRequest(confirmed); ok {
		t.Fatalf("a confirmed launch settles the request")
	}

	cancelled := append(confirmed[:5:5],
		entry(OpLiveToEndEnrollment, idle, review),
		entry(OpCancelEndEnrollment, review, idle),
	)
	if got, ok := latestReviewRequest(cancelled); !ok || got.Operation != OpLiveToEndEnrollment {
		t.Fatalf("a cancelled request is still the latest one, got %+v", got)
	}
	if got, ok := latestRejection(cancelled); !ok || got.Operation != OpCancelEndEnrollment {
		t.Fatalf("expected the cancel to read as a rejection, got %+v", got)
	}

	timedOut := append(history[:4:4], entry(OpReviewTimedOut, waiting, review), entry(OpReviewToApprove, review, approved))
	if got, ok := latestTimeout(timedOut); !ok || got.Operation != OpReviewTimedOut {
		t.Fatalf("expected timeout in the current cycle, got %+v", got)
	}
	if got, ok := latestReviewRequest(timedOut); !ok || got.Operation != OpReviewTimedOut {
		t.Fatalf("a timeout reopens the review, got %+v", got)
	}
	if got, _ := latestChange(timedOut); got.Operation != OpReviewToApprove {
		t.Fatalf("unexpected latest change %+v", got)
	}
	if _, ok := latestChange(nil); ok {
		t.Fatalf("empty history has no latest change")
	}
}

func TestShouldTimeoutPolicy(t *testing.T) {
	requested := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	history := []ChangeLog{{Operation: OpDraftToReview, OldPublishStatus: domain.PublishStatusIdle, NewPublishStatus: domain.PublishStatusReview, ChangedOn: requested}}
	waitingExp := Experiment{Status: domain.StatusDraft, StatusNext: domain.StatusNextLive, PublishStatus: domain.PublishStatusWaiting}

	if ShouldTimeout(waitingExp, history, requested.Add(59*time.Minute), time.Hour) {
		t.Fatalf("must not time out before the window")
	}
	if !ShouldTimeout(waitingExp, history, requested.Add(time.Hour), time.Hour) {
		t.Fatalf("must time out at the window boundary")
	}
	if ShouldTimeout(waitingExp, nil, requested.Add(24*time.Hour), time.Hour) {
		t.Fatalf("no review request means no timeout")
	}
	approvedExp := waitingExp
	approvedExp.PublishStatus = domain.PublishStatusApproved
	if ShouldTimeout(approvedExp, history, requested.Add(24*time.Hour), time.Hour) {
		t.Fatalf("only waiting experiments time out")
	}
}

func TestPreviewRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.create(t, desktopExperiment("Previewed", "feature-p", 10))

	env.apply(t, e.ID, OpDraftToPreview)
	env.tasks.Reset()
	back := env.apply(t, e.ID, OpPreviewToDraft)
	if back.State() != domain.InitialState() {
		t.Fatalf("unexpected state %s", back.State())
	}
	syncs := env.tasks.Tasks(dispatch.KindPreviewSync)
	if len(syncs) != 1 || syncs[0].Payload != nil {
		t.Fatalf("leaving preview must retract the preview recipe, got %+v", syncs)
	}
	if _, ok, _ := env.svc.GetBucketAllocation(ctx, e.ID); !ok {
		t.Fatalf("the allocation survives a return to draft")
	}

	env.apply(t, e.ID, OpDraftToPreview)
	env.tasks.Reset()
	requested := env.apply(t, e.ID, OpPreviewToReview)
	if requested.Status != domain.StatusDraft || requested.PublishStatus != domain.PublishStatusReview {
		t.Fatalf("unexpected state %s", requested.State())
	}
	if len(env.tasks.Tasks(dispatch.KindNotify)) != 1 || len(env.tasks.Tasks(dispatch.KindPreviewSync)) != 1 {
		t.Fatalf("expected notify and preview retraction, got %+v", env.tasks.Tasks())
	}
}

func TestRemoteRejectionReturnsToIdle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.create(t, desktopExperiment("Remote Reject", "feature-rr", 10))
	env.apply(t, e.ID, OpDraftToReview, OpReviewToApprove, OpApprovedToWaiting)

	rejected, err := env.svc.ApplyTransition(ctx, e.ID, OpLaunchRejected, "remote-settings", "collection review rejected")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.State() != domain.InitialState() || rejected.PublishedDTO != nil {
		t.Fatalf("unexpected state %s", rejected.State())
	}
	rejection, ok, _ := env.svc.LatestRejection(ctx, e.ID)
	if !ok || rejection.ChangedBy != "remote-settings" || rejection.OldPublishStatus != domain.PublishStatusWaiting {
		t.Fatalf("unexpected rejection %+v", rejection)
	}
}

func TestAllocateBucketRangeRefusals(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.create(t, desktopExperiment("Refused", "feature-ref", 10))
	env.apply(t, e.ID, OpDraftToReview)

	_, err := env.svc.AllocateBucketRange(ctx, e.ID, testActor)
	var mismatch *domain.StateMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected mismatch while under review, got %v", err)
	}

	other := env.create(t, desktopExperiment("Shelved", "feature-shelf", 10))
	if _, err := env.svc.ArchiveExperiment(ctx, other.ID, testActor, true); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := env.svc.AllocateBucketRange(ctx, other.ID, testActor); !errors.Is(err, domain.ErrArchived) {
		t.Fatalf("expected archived refusal, got %v", err)
	}
	if _, err := env.svc.UpdateExperiment(ctx, other.ID, testActor, ExperimentUpdate{Name: ptr("x")}); !errors.Is(err, domain.ErrArchived) {
		t.Fatalf("expected archived edit refusal, got %v", err)
	}
}
