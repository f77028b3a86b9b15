package core

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"nimbus/internal/dispatch"
	"nimbus/pkg/domain"
)

func TestCreateExperimentStartsInDraft(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.create(t, domain.Experiment{
		Name:              "  My Big Test! ",
		Application:       domain.ApplicationFenix,
		PopulationPercent: 33.333333,
		Status:            domain.StatusLive,
		PublishStatus:     domain.PublishStatusWaiting,
		PublishedDTO:      json.RawMessage(`{}`),
	})
	if e.Slug != "my-big-test" || e.Name != "My Big Test!" {
		t.Fatalf("unexpected identity %s / %s", e.Slug, e.Name)
	}
	if e.State() != domain.InitialState() || e.PublishedDTO != nil {
		t.Fatalf("expected initial state, got %s", e.State())
	}
	if e.PopulationPercent != 33.3333 {
		t.Fatalf("expected population rounded to four decimals, got %v", e.PopulationPercent)
	}
	history, err := env.svc.GetHistory(ctx, e.ID)
	if err != nil || len(history) != 1 || history[0].Operation != OpCreate || history[0].NewStatus != domain.StatusDraft {
		t.Fatalf("unexpected creation history %+v %v", history, err)
	}

	if _, err := env.svc.CreateExperiment(ctx, testActor, domain.Experiment{Name: "my big test", Application: domain.ApplicationFenix}); err == nil {
		t.Fatalf("expected duplicate slug to be rejected")
	}
	if _, err := env.svc.CreateExperiment(ctx, testActor, domain.Experiment{Name: "!!!", Application: domain.ApplicationFenix}); err == nil {
		t.Fatalf("expected empty slug to be rejected")
	}
	if _, err := env.svc.CreateExperiment(ctx, testActor, domain.Experiment{Name: "ESR on mobile", Application: domain.ApplicationFenix, Channel: domain.ChannelESR}); err == nil {
		t.Fatalf("expected unsupported channel to be rejected")
	}
	if _, err := env.svc.CreateExperiment(ctx, testActor, domain.Experiment{Name: "Wrong targeting", Application: domain.ApplicationFenix, TargetingConfigSlug: "first_run"}); err == nil {
		t.Fatalf("expected desktop targeting config to be rejected for fenix")
	}
	var invalid *domain.InvalidPopulationPercentError
	if _, err := env.svc.CreateExperiment(ctx, testActor, desktopExperiment("Not a number", "feature-nan", math.NaN())); !errors.As(err, &invalid) {
		t.Fatalf("expected NaN population to be rejected, got %v", err)
	}
}

func TestFullLaunchAndCompletionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.create(t, desktopExperiment("Full Cycle", "feature-f", 20))

	requested := env.apply(t, e.ID, OpDraftToReview)
	if requested.State() != (domain.State{Status: domain.StatusDraft, StatusNext: domain.StatusNextLive, PublishStatus: domain.PublishStatusReview}) {
		t.Fatalf("unexpected review state %s", requested.State())
	}
	if notes := env.tasks.Tasks(dispatch.KindNotify); len(notes) != 1 || notes[0].Operation != OpDraftToReview {
		t.Fatalf("expected reviewer notification, got %+v", notes)
	}

	env.apply(t, e.ID, OpReviewToApprove)
	pushes := env.tasks.Tasks(dispatch.KindPush)
	if len(pushes) != 1 || len(pushes[0].Payload) == 0 {
		t.Fatalf("expected push with recipe, got %+v", pushes)
	}
	if alloc := env.allocation(t, e.ID); alloc.Range.Count != 2000 {
		t.Fatalf("expected approval to allocate 2000 buckets, got %+v", alloc.Range)
	}

	env.apply(t, e.ID, OpApprovedToWaiting)
	launched := env.apply(t, e.ID, OpLaunchConfirmed)
	if launched.State() != (domain.State{Status: domain.StatusLive, StatusNext: domain.StatusNextNone, PublishStatus: domain.PublishStatusIdle}) {
		t.Fatalf("unexpected live state %s", launched.State())
	}
	var published Recipe
	if err := json.Unmarshal(launched.PublishedDTO, &published); err != nil || published.Slug != "full-cycle" || published.IsEnrollmentPaused {
		t.Fatalf("expected published recipe snapshot, got %s %v", launched.PublishedDTO, err)
	}
	if syncs := env.tasks.Tasks(dispatch.KindPreviewSync); len(syncs) != 1 || syncs[0].Payload != nil {
		t.Fatalf("expected preview retraction on launch, got %+v", syncs)
	}

	paused := env.apply(t, e.ID, OpLiveToEndEnrollment, OpApproveEndEnrollment, OpApprovedToWaiting, OpEndEnrollmentConfirmed)
	if !paused.IsPaused || paused.PublishStatus != domain.PublishStatusIdle {
		t.Fatalf("expected paused idle experiment, got %s", paused.State())
	}
	if err := json.Unmarshal(paused.PublishedDTO, &published); err != nil || !published.IsEnrollmentPaused {
		t.Fatalf("expected paused recipe snapshot, got %s", paused.PublishedDTO)
	}

	// A paused experiment can still be ended.
	ending := env.apply(t, e.ID, OpLiveToComplete)
	if ending.State() != (domain.State{Status: domain.StatusLive, StatusNext: domain.StatusNextComplete, PublishStatus: domain.PublishStatusReview, IsPaused: true}) {
		t.Fatalf("unexpected end request state %s", ending.State())
	}
	env.tasks.Reset()
	done := env.apply(t, e.ID, OpApproveEndExperiment, OpApprovedToWaiting, OpCompleteConfirmed)
	if done.Status != domain.StatusComplete || done.PublishStatus != domain.PublishStatusIdle || done.StatusNext != domain.StatusNextNone {
		t.Fatalf("unexpected complete state %s", done.State())
	}
	pushes = env.tasks.Tasks(dispatch.KindPush)
	if len(pushes) != 2 || len(pushes[0].Payload) == 0 || pushes[1].Payload != nil || pushes[1].Operation != OpCompleteConfirmed {
		t.Fatalf("expected paused push then retraction, got %+v", pushes)
	}
	if _, ok, _ := env.svc.GetBucketAllocation(ctx, e.ID); !ok {
		t.Fatalf("completed experiments keep their range for audit")
	}
	if _, ok, _ := env.svc.LatestRejection(ctx, e.ID); ok {
		t.Fatalf("confirmations must not count as rejections")
	}
	if ops := AvailableOperations(done.State()); len(ops) != 0 {
		t.Fatalf("complete experiments accept no transitions, got %v", ops)
	}
}

func TestTransitionGuardRejectsMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.create(t, desktopExperiment("Guarded", "feature-g", 10))
	live := env.launch(t, e.ID)
	before, _ := env.svc.GetHistory(ctx, e.ID)

	_, err := env.svc.ApplyTransition(ctx, e.ID, OpApproveEndEnrollment, testActor, "")
	var mismatch *domain.StateMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected state mismatch, got %v", err)
	}
	if mismatch.Operation != OpApproveEndEnrollment || mismatch.Actual != live.State() {
		t.Fatalf("unexpected mismatch detail %+v", mismatch)
	}
	if mismatch.Required.String() != "(live, live, review, true)" {
		t.Fatalf("unexpected required tuple %s", mismatch.Required)
	}
	got, _ := env.svc.GetExperiment(ctx, e.ID)
	after, _ := env.svc.GetHistory(ctx, e.ID)
	if got.State() != live.State() || len(after) != len(before) {
		t.Fatalf("failed transition changed state or history")
	}

	if _, err := env.svc.ApplyTransition(ctx, e.ID, "launch_to_mars", testActor, ""); !errors.Is(err, domain.ErrUnknownOperation) {
		t.Fatalf("expected unknown operation, got %v", err)
	}
	if _, err := env.svc.ApplyTransition(ctx, "missing", OpDraftToReview, testActor, ""); !errors.As(err, new(domain.ErrNotFound)) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRejectionRequiresMessageAndGoesStale(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.create(t, desktopExperiment("Rejected", "feature-r", 10))
	env.apply(t, e.ID, OpDraftToReview)

	if _, err := env.svc.ApplyTransition(ctx, e.ID, OpReviewToDraft, testActor, "   "); !errors.Is(err, domain.ErrMessageRequired) {
		t.Fatalf("expected message requirement, got %v", err)
	}
	rejected, err := env.svc.ApplyTransition(ctx, e.ID, OpReviewToDraft, testActor, "targeting is too broad")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.State() != domain.InitialState() {
		t.Fatalf("unexpected state after rejection %s", rejected.State())
	}
	rejection, ok, err := env.svc.LatestRejection(ctx, e.ID)
	if err != nil || !ok || rejection.Message != "targeting is too broad" || rejection.ChangedBy != testActor {
		t.Fatalf("unexpected rejection %+v %v", rejection, err)
	}
	first, ok, _ := env.svc.LatestReviewRequest(ctx, e.ID)
	if !ok || first.Operation != OpDraftToReview {
		t.Fatalf("a rejection keeps its review request, got %+v", first)
	}

	env.apply(t, e.ID, OpDraftToReview)
	if _, ok, _ := env.svc.LatestRejection(ctx, e.ID); ok {
		t.Fatalf("a new review cycle must hide the old rejection")
	}
	request, ok, _ := env.svc.LatestReviewRequest(ctx, e.ID)
	latest, _, _ := env.svc.LatestChange(ctx, e.ID)
	if !ok || request.ID != latest.ID || request.ID == first.ID {
		t.Fatalf("expected the new request to be the latest change")
	}
}

func TestReviewTimeoutScenario(t *testing.T) {
	env := newTestEnv(t, WithReviewTimeout(time.Hour))
	ctx := context.Background()
	e := env.create(t, desktopExperiment("Slow Review", "feature-t", 10))

	env.apply(t, e.ID, OpDraftToReview)
	request, _, _ := env.svc.LatestReviewRequest(ctx, e.ID)
	env.clock.Advance(time.Minute)
	env.apply(t, e.ID, OpReviewToApprove)
	env.clock.Advance(time.Minute)
	env.apply(t, e.ID, OpApprovedToWaiting)

	due, err := env.svc.ShouldTimeout(ctx, e.ID, request.ChangedOn.Add(30*time.Minute))
	if err != nil || due {
		t.Fatalf("expected no timeout inside the window, got %v %v", due, err)
	}
	env.clock.Advance(2 * time.Hour)
	if due, _ := env.svc.ShouldTimeout(ctx, e.ID, env.clock.Now()); !due {
		t.Fatalf("expected timeout after the window")
	}

	env.tasks.Reset()
	ids, err := env.svc.SweepTimeouts(ctx, "scheduler")
	if err != nil || len(ids) != 1 || ids[0] != e.ID {
		t.Fatalf("unexpected sweep result %v %v", ids, err)
	}
	got, _ := env.svc.GetExperiment(ctx, e.ID)
	if got.PublishStatus != domain.PublishStatusReview || got.StatusNext != domain.StatusNextLive {
		t.Fatalf("timeout should return the change to review, got %s", got.State())
	}
	timeout, ok, _ := env.svc.LatestTimeout(ctx, e.ID)
	latest, _, _ := env.svc.LatestChange(ctx, e.ID)
	if !ok || timeout.ID != latest.ID || timeout.ChangedBy != "scheduler" {
		t.Fatalf("expected the timeout entry to be the latest change, got %+v", timeout)
	}
	if notes := env.tasks.Tasks(dispatch.KindNotify); len(notes) != 1 {
		t.Fatalf("expected reviewers to be notified again, got %+v", notes)
	}
	if due, _ := env.svc.ShouldTimeout(ctx, e.ID, env.clock.Now().Add(24*time.Hour)); due {
		t.Fatalf("experiments back in review never time out")
	}

	ids, err = env.svc.SweepTimeouts(ctx, "scheduler")
	if err != nil || len(ids) != 0 {
		t.Fatalf("second sweep should be a no-op, got %v %v", ids, err)
	}

	env.apply(t, e.ID, OpReviewToApprove)
	if _, ok, _ := env.svc.LatestTimeout(ctx, e.ID); !ok {
		t.Fatalf("approval keeps the cycle's timeout visible")
	}
	if _, err := env.svc.ApplyTransition(ctx, e.ID, OpCancelUpdateRollout, testActor, "wrong"); err == nil {
		t.Fatalf("expected mismatch for unrelated cancel")
	}
}

func TestChangeLogTimestampsNeverDecrease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.create(t, desktopExperiment("Clock Skew", "feature-s", 10))
	env.clock.Advance(-time.Hour)
	env.apply(t, e.ID, OpDraftToReview)
	env.clock.Advance(-time.Hour)
	env.apply(t, e.ID, OpReviewToApprove)
	env.clock.Advance(3 * time.Hour)
	env.apply(t, e.ID, OpApprovedToWaiting)

	history, _ := env.svc.GetHistory(ctx, e.ID)
	if len(history) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].ChangedOn.Before(history[i-1].ChangedOn) {
			t.Fatalf("entry %d goes back in time: %v < %v", i, history[i].ChangedOn, history[i-1].ChangedOn)
		}
	}
}

func TestConcurrentConflictingTransitions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.create(t, desktopExperiment("Race", "feature-race", 10))
	env.apply(t, e.ID, OpDraftToReview)

	type outcome struct {
		op  string
		err error
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for _, op := range []string{OpReviewToApprove, OpReviewToDraft} {
		wg.Add(1)
		go func(op string) {
			defer wg.Done()
			_, err := env.svc.ApplyTransition(ctx, e.ID, op, testActor, "conflict")
			results <- outcome{op: op, err: err}
		}(op)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for r := range results {
		var mismatch *domain.StateMismatchError
		switch {
		case r.err == nil:
			succeeded++
		case errors.As(r.err, &mismatch):
		default:
			t.Fatalf("unexpected error from %s: %v", r.op, r.err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one winner, got %d", succeeded)
	}
	history, _ := env.svc.GetHistory(ctx, e.ID)
	if len(history) != 3 {
		t.Fatalf("expected create, request and one decision, got %d entries", len(history))
	}
}

func TestRolloutDirtyRule(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	draft := desktopExperiment("Rollout", "feature-roll", 10)
	draft.IsRollout = true
	draft.TreatmentBranches = nil
	e := env.create(t, draft)
	env.launch(t, e.ID)
	if alloc := env.allocation(t, e.ID); alloc.Group.Name != "firefox-desktop-feature-roll-release-rollout" {
		t.Fatalf("unexpected rollout namespace %s", alloc.Group.Name)
	}

	dirty, err := env.svc.UpdateExperiment(ctx, e.ID, testActor, ExperimentUpdate{PopulationPercent: ptr(25.0)})
	if err != nil {
		t.Fatalf("edit live rollout: %v", err)
	}
	if !dirty.IsRolloutDirty || dirty.PublishStatus != domain.PublishStatusIdle {
		t.Fatalf("expected dirty idle rollout, got %+v", dirty.State())
	}
	if _, err := env.svc.UpdateExperiment(ctx, e.ID, testActor, ExperimentUpdate{Name: ptr("Renamed")}); err == nil {
		t.Fatalf("expected non-population edit of a live rollout to be refused")
	}

	env.apply(t, e.ID, OpLiveToUpdateRollout)
	env.tasks.Reset()
	approved := env.apply(t, e.ID, OpApproveUpdateRollout)
	if approved.IsRolloutDirty {
		t.Fatalf("reallocating approval must clear the dirty flag")
	}
	if alloc := env.allocation(t, e.ID); alloc.Range.Count != 2500 {
		t.Fatalf("expected reallocation to 2500 buckets, got %d", alloc.Range.Count)
	}
	if len(env.tasks.Tasks(dispatch.KindPush)) != 1 || len(env.tasks.Tasks(dispatch.KindPreviewSync)) != 1 {
		t.Fatalf("expected push and preview sync, got %+v", env.tasks.Tasks())
	}
	env.apply(t, e.ID, OpApprovedToWaiting, OpRolloutUpdateConfirmed)

	reviewed, err := env.svc.UpdateExperiment(ctx, e.ID, testActor, ExperimentUpdate{PopulationPercent: ptr(50.0), RequestReview: true})
	if err != nil {
		t.Fatalf("edit with review: %v", err)
	}
	if reviewed.IsRolloutDirty || reviewed.PublishStatus != domain.PublishStatusReview || reviewed.StatusNext != domain.StatusNextLive {
		t.Fatalf("expected clean rollout under review, got %+v dirty=%v", reviewed.State(), reviewed.IsRolloutDirty)
	}
	history, _ := env.svc.GetHistory(ctx, e.ID)
	last := history[len(history)-2:]
	if last[0].Operation != OpUpdate || last[1].Operation != OpLiveToUpdateRollout {
		t.Fatalf("expected edit then review request, got %s, %s", last[0].Operation, last[1].Operation)
	}
	if _, ok := last[0].ChangedValues["population_percent"]; !ok {
		t.Fatalf("expected population diff in %+v", last[0].ChangedValues)
	}
	if _, err := env.svc.ApplyTransition(ctx, e.ID, OpCancelUpdateRollout, testActor, ""); !errors.Is(err, domain.ErrMessageRequired) {
		t.Fatalf("expected message requirement on cancel, got %v", err)
	}
}

func TestDispatchFailureDoesNotRollBack(t *testing.T) {
	boom := errors.New("queue down")
	metrics := &captureMetrics{}
	tasks := &dispatch.Recorder{Err: boom}
	env := newTestEnv(t, WithDispatcher(tasks), WithMetricsRecorder(metrics))
	e := env.create(t, desktopExperiment("Queue Down", "feature-q", 10))

	preview, err := env.svc.ApplyTransition(context.Background(), e.ID, OpDraftToPreview, testActor, "")
	if err != nil {
		t.Fatalf("dispatch failures must not fail the transition: %v", err)
	}
	if preview.Status != domain.StatusPreview {
		t.Fatalf("expected committed preview state")
	}
	if len(tasks.Tasks()) != 1 || metrics.dispatchFailures["preview_sync"] != 1 {
		t.Fatalf("expected one counted dispatch failure, got %v", metrics.dispatchFailures)
	}
}

func TestCloneAndArchive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	parent := env.create(t, desktopExperiment("Parent", "feature-clone", 30))
	env.launch(t, parent.ID)

	clone, err := env.svc.CloneExperiment(ctx, parent.ID, "cloner@example.com", "Parent Copy")
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if clone.Slug != "parent-copy" || clone.ClonedFrom == nil || *clone.ClonedFrom != parent.ID {
		t.Fatalf("unexpected clone identity %+v", clone)
	}
	if clone.State() != domain.InitialState() || clone.PublishedDTO != nil || clone.PopulationPercent != 30 || clone.FeatureConfigs[0] != "feature-clone" {
		t.Fatalf("clone must copy configuration only, got %+v", clone)
	}
	if _, ok, _ := env.svc.GetBucketAllocation(ctx, clone.ID); ok {
		t.Fatalf("clone must not copy the allocation")
	}
	if history, _ := env.svc.GetHistory(ctx, clone.ID); len(history) != 1 || history[0].Operation != OpClone {
		t.Fatalf("clone must start a fresh history, got %+v", history)
	}

	if _, err := env.svc.ArchiveExperiment(ctx, parent.ID, testActor, true); !errors.As(err, new(*domain.StateMismatchError)) {
		t.Fatalf("live experiments cannot be archived, got %v", err)
	}
	archived, err := env.svc.ArchiveExperiment(ctx, clone.ID, testActor, true)
	if err != nil || !archived.IsArchived {
		t.Fatalf("archive draft: %v", err)
	}
	if _, err := env.svc.ApplyTransition(ctx, clone.ID, OpDraftToReview, testActor, ""); !errors.Is(err, domain.ErrArchived) {
		t.Fatalf("archived experiments cannot transition, got %v", err)
	}
	visible, _ := env.svc.ListExperiments(ctx, false)
	all, _ := env.svc.ListExperiments(ctx, true)
	if len(visible) != 1 || len(all) != 2 {
		t.Fatalf("unexpected listing %d/%d", len(visible), len(all))
	}
	restored, err := env.svc.ArchiveExperiment(ctx, clone.ID, testActor, false)
	if err != nil || restored.IsArchived {
		t.Fatalf("unarchive: %v", err)
	}
	bySlug, err := env.svc.FindExperimentBySlug(ctx, "parent-copy")
	if err != nil || bySlug.ID != clone.ID {
		t.Fatalf("lookup by slug: %v", err)
	}
}

func TestServiceObservability(t *testing.T) {
	metrics := &captureMetrics{}
	tracer := &captureTracer{}
	audit := &captureAudit{}
	env := newTestEnv(t, WithMetricsRecorder(metrics), WithTracer(tracer), WithAuditRecorder(audit), WithLogger(nil))
	ctx := context.Background()
	e := env.create(t, desktopExperiment("Observed", "feature-o", 10))
	env.apply(t, e.ID, OpDraftToReview)
	_, _ = env.svc.ApplyTransition(ctx, e.ID, OpDraftToReview, testActor, "")

	if !metrics.has(OpCreate, true) || !metrics.has(OpDraftToReview, true) || !metrics.has(OpDraftToReview, false) {
		t.Fatalf("missing metrics observations %+v", metrics.calls)
	}
	if len(tracer.started) != len(tracer.ended) || !tracer.ended[len(tracer.ended)-1].failed {
		t.Fatalf("expected every span ended and the last one failed: %+v", tracer.ended)
	}
	last := audit.entries[len(audit.entries)-1]
	if last.Operation != OpDraftToReview || last.Status != AuditStatusError || last.EntityID != e.ID || last.Actor != testActor {
		t.Fatalf("unexpected audit entry %+v", last)
	}
}

type metricsCall struct {
	op      string
	success bool
}

type captureMetrics struct {
	mu               sync.Mutex
	calls            []metricsCall
	dispatchFailures map[string]int
}

func (c *captureMetrics) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, metricsCall{op: op, success: success})
}

func (c *captureMetrics) DispatchFailed(_ context.Context, kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dispatchFailures == nil {
		c.dispatchFailures = make(map[string]int)
	}
	c.dispatchFailures[kind]++
}

func (c *captureMetrics) has(op string, success bool) bool {
	for _, call := range c.calls {
		if call.op == op && call.success == success {
			return true
		}
	}
	return false
}

type spanRecord struct {
	op     string
	failed bool
}

type captureTracer struct {
	started []string
	ended   []spanRecord
}

func (c *captureTracer) Start(ctx context.Context, op string) (context.Context, TraceSpan) {
	c.started = append(c.started, op)
	return ctx, &captureSpan{tracer: c, op: op}
}

type captureSpan struct {
	tracer *captureTracer
	op     string
}

func (s *captureSpan) End(err error) {
	s.tracer.ended = append(s.tracer.ended, spanRecord{op: s.op, failed: err != nil})
}

type captureAudit struct {
	entries []AuditEntry
}

func (c *captureAudit) Record(_ context.Context, entry AuditEntry) {
	c.entries = append(c.entries, entry)
}
