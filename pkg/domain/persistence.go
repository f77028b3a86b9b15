package domain

import (
	"context"
	"time"
)

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	Now() time.Time
	FindExperiment(id string) (Experiment, bool)
	CreateExperiment(Experiment) (Experiment, error)
	UpdateExperiment(id string, mutator func(*Experiment) error) (Experiment, error)
	AppendChangeLog(ChangeLog) (ChangeLog, error)
	ListChangeLogs(experimentID string) []ChangeLog
	ListIsolationGroups(key NamespaceKey) []IsolationGroup
	CreateIsolationGroup(IsolationGroup) (IsolationGroup, error)
	FindIsolationGroup(id string) (IsolationGroup, bool)
	ListBucketRanges(isolationGroupID string) []BucketRange
	FindBucketRange(experimentID string) (BucketRange, bool)
	CreateBucketRange(BucketRange) (BucketRange, error)
	// DeleteBucketRange removes the range and, when it was the last one in its
	// isolation group instance, the instance too.
	DeleteBucketRange(id string) error
}

// TransactionView provides read-only access to snapshot data for rules.
type TransactionView interface {
	ListExperiments() []Experiment
	FindExperiment(id string) (Experiment, bool)
	ListChangeLogs(experimentID string) []ChangeLog
	ListIsolationGroups() []IsolationGroup
	FindIsolationGroup(id string) (IsolationGroup, bool)
	ListBucketRanges() []BucketRange
	FindBucketRange(experimentID string) (BucketRange, bool)
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetExperiment(id string) (Experiment, bool)
	ListExperiments() []Experiment
	ListChangeLogs(experimentID string) []ChangeLog
	ListIsolationGroups() []IsolationGroup
	ListBucketRanges() []BucketRange
}
