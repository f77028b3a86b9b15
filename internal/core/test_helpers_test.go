package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"nimbus/internal/dispatch"
	"nimbus/internal/infra/persistence/memory"
	"nimbus/pkg/domain"
)

const testActor = "reviewer@example.com"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	svc   *Service
	tasks *dispatch.Recorder
	clock *fakeClock
}

func newTestEnv(t *testing.T, opts ...Option) testEnv {
	t.Helper()
	env := testEnv{tasks: &dispatch.Recorder{}, clock: newFakeClock()}
	base := []Option{WithDispatcher(env.tasks), WithClock(env.clock)}
	env.svc = NewInMemoryService(NewDefaultRulesEngine(), append(base, opts...)...)
	return env
}

func desktopExperiment(name, feature string, population float64) domain.Experiment {
	return domain.Experiment{
		Name:              name,
		Owner:             "owner@example.com",
		Application:       domain.ApplicationDesktop,
		Channel:           domain.ChannelRelease,
		PopulationPercent: population,
		FeatureConfigs:    []string{feature},
		ReferenceBranch:   &domain.Branch{Slug: "control", Name: "Control", Ratio: 1},
		TreatmentBranches: []domain.Branch{{Slug: "treatment", Name: "Treatment", Ratio: 1}},
	}
}

func (env testEnv) create(t *testing.T, e domain.Experiment) domain.Experiment {
	t.Helper()
	created, err := env.svc.CreateExperiment(context.Background(), "owner@example.com", e)
	if err != nil {
		t.Fatalf("create experiment %s: %v", e.Name, err)
	}
	return created
}

func (env testEnv) apply(t *testing.T, id string, ops ...string) domain.Experiment {
	t.Helper()
	var out domain.Experiment
	for _, op := range ops {
		var err error
		out, err = env.svc.ApplyTransition(context.Background(), id, op, testActor, "")
		if err != nil {
			t.Fatalf("apply %s: %v", op, err)
		}
	}
	return out
}

// launch drives a draft through review and the remote store confirmation.
func (env testEnv) launch(t *testing.T, id string) domain.Experiment {
	t.Helper()
	return env.apply(t, id, OpDraftToReview, OpReviewToApprove, OpApprovedToWaiting, OpLaunchConfirmed)
}

func (env testEnv) allocation(t *testing.T, id string) BucketAllocation {
	t.Helper()
	alloc, ok, err := env.svc.GetBucketAllocation(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("expected allocation for %s: %v", id, err)
	}
	return alloc
}

// faultyStore injects storage failures into transactions.
type faultyStore struct {
	*memory.Store
	failRange  error
	failAppend error
}

func (f *faultyStore) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	return f.Store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return fn(faultyTx{Transaction: tx, store: f})
	})
}

type faultyTx struct {
	domain.Transaction
	store *faultyStore
}

func (t faultyTx) CreateBucketRange(r domain.BucketRange) (domain.BucketRange, error) {
	if t.store.failRange != nil {
		return domain.BucketRange{}, t.store.failRange
	}
	return t.Transaction.CreateBucketRange(r)
}

func (t faultyTx) AppendChangeLog(c domain.ChangeLog) (domain.ChangeLog, error) {
	if t.store.failAppend != nil {
		return domain.ChangeLog{}, t.store.failAppend
	}
	return t.Transaction.AppendChangeLog(c)
}
