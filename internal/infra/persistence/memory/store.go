// Package memory provides an in-memory implementation of the core persistence
// store used for tests and ephemeral environments. The SQLite and Postgres
// stores embed it and snapshot its state on every commit.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"nimbus/pkg/domain"

	"github.com/google/uuid"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Experiment aliases domain.Experiment for in-memory persistence operations.
	Experiment = domain.Experiment
	// ChangeLog aliases domain.ChangeLog.
	ChangeLog = domain.ChangeLog
	// IsolationGroup aliases domain.IsolationGroup.
	IsolationGroup = domain.IsolationGroup
	// BucketRange aliases domain.BucketRange.
	BucketRange = domain.BucketRange
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

type memoryState struct {
	experiments map[string]Experiment
	changelogs  map[string][]ChangeLog
	groups      map[string]IsolationGroup
	ranges      map[string]BucketRange
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Experiments     map[string]Experiment     `json:"experiments"`
	ChangeLogs      map[string][]ChangeLog    `json:"changelogs"`
	IsolationGroups map[string]IsolationGroup `json:"isolation_groups"`
	BucketRanges    map[string]BucketRange    `json:"bucket_ranges"`
}

func newMemoryState() memoryState {
	return memoryState{
		experiments: make(map[string]Experiment),
		changelogs:  make(map[string][]ChangeLog),
		groups:      make(map[string]IsolationGroup),
		ranges:      make(map[string]BucketRange),
	}
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	cloned := state.clone()
	return Snapshot{
		Experiments:     cloned.experiments,
		ChangeLogs:      cloned.changelogs,
		IsolationGroups: cloned.groups,
		BucketRanges:    cloned.ranges,
	}
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := memoryState{
		experiments: s.Experiments,
		changelogs:  s.ChangeLogs,
		groups:      s.IsolationGroups,
		ranges:      s.BucketRanges,
	}
	if state.experiments == nil {
		state.experiments = map[string]Experiment{}
	}
	if state.changelogs == nil {
		state.changelogs = map[string][]ChangeLog{}
	}
	if state.groups == nil {
		state.groups = map[string]IsolationGroup{}
	}
	if state.ranges == nil {
		state.ranges = map[string]BucketRange{}
	}
	return state.clone()
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	for k, v := range s.experiments {
		cloned.experiments[k] = cloneExperiment(v)
	}
	for k, v := range s.changelogs {
		entries := make([]ChangeLog, len(v))
		for i, entry := range v {
			entries[i] = cloneChangeLog(entry)
		}
		cloned.changelogs[k] = entries
	}
	for k, v := range s.groups {
		cloned.groups[k] = v
	}
	for k, v := range s.ranges {
		cloned.ranges[k] = v
	}
	return cloned
}

func cloneStrings(values []string) []string {
	if values == nil {
		return nil
	}
	return append([]string(nil), values...)
}

func cloneExperiment(e Experiment) Experiment {
	cp := e
	cp.FeatureConfigs = cloneStrings(e.FeatureConfigs)
	cp.Locales = cloneStrings(e.Locales)
	cp.Languages = cloneStrings(e.Languages)
	cp.Countries = cloneStrings(e.Countries)
	cp.ExcludedExperiments = cloneStrings(e.ExcludedExperiments)
	cp.RequiredExperiments = cloneStrings(e.RequiredExperiments)
	if e.ReferenceBranch != nil {
		ref := *e.ReferenceBranch
		cp.ReferenceBranch = &ref
	}
	if e.TreatmentBranches != nil {
		cp.TreatmentBranches = append([]domain.Branch(nil), e.TreatmentBranches...)
	}
	if e.PublishedDTO != nil {
		cp.PublishedDTO = append([]byte(nil), e.PublishedDTO...)
	}
	if e.ClonedFrom != nil {
		from := *e.ClonedFrom
		cp.ClonedFrom = &from
	}
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

func cloneChangeLog(c ChangeLog) ChangeLog {
	cp := c
	if c.ChangedValues != nil {
		cp.ChangedValues = make(map[string]any, len(c.ChangedValues))
		for k, v := range c.ChangedValues {
			cp.ChangedValues[k] = v
		}
	}
	return cp
}

// CommitHook is invoked with the post-transaction state before it becomes
// visible. Returning an error aborts the commit.
type CommitHook func(ctx context.Context, snapshot Snapshot) error

// Option configures a Store.
type Option func(*Store)

// WithNow overrides the time source used to stamp records.
func WithNow(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.nowFn = fn
		}
	}
}

// WithCommitHook registers a durable-write hook executed inside the commit critical section.
func WithCommitHook(hook CommitHook) Option {
	return func(s *Store) {
		s.commit = hook
	}
}

// Store provides an in-memory transactional store for the core domain.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
	commit CommitHook
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) newID() string {
	return uuid.NewString()
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

type transaction struct {
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

func sortedExperiments(state *memoryState) []Experiment {
	out := make([]Experiment, 0, len(state.experiments))
	for _, e := range state.experiments {
		out = append(out, cloneExperiment(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func changeLogsFor(state *memoryState, experimentID string) []ChangeLog {
	entries := state.changelogs[experimentID]
	out := make([]ChangeLog, len(entries))
	for i, entry := range entries {
		out[i] = cloneChangeLog(entry)
	}
	return out
}

func sortedGroups(state *memoryState) []IsolationGroup {
	out := make([]IsolationGroup, 0, len(state.groups))
	for _, g := range state.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		if out[i].Application != out[j].Application {
			return out[i].Application < out[j].Application
		}
		return out[i].Instance < out[j].Instance
	})
	return out
}

func sortedRanges(state *memoryState, keep func(BucketRange) bool) []BucketRange {
	out := make([]BucketRange, 0, len(state.ranges))
	for _, r := range state.ranges {
		if keep == nil || keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsolationGroupID != out[j].IsolationGroupID {
			return out[i].IsolationGroupID < out[j].IsolationGroupID
		}
		return out[i].Start < out[j].Start
	})
	return out
}

func bucketRangeFor(state *memoryState, experimentID string) (BucketRange, bool) {
	for _, r := range state.ranges {
		if r.ExperimentID == experimentID {
			return r, true
		}
	}
	return BucketRange{}, false
}

// ListExperiments returns all experiments within the transaction snapshot.
func (v transactionView) ListExperiments() []Experiment { return sortedExperiments(v.state) }

// FindExperiment retrieves an experiment by ID from the snapshot.
func (v transactionView) FindExperiment(id string) (Experiment, bool) {
	e, ok := v.state.experiments[id]
	if !ok {
		return Experiment{}, false
	}
	return cloneExperiment(e), true
}

// ListChangeLogs returns the experiment's history in insertion order.
func (v transactionView) ListChangeLogs(experimentID string) []ChangeLog {
	return changeLogsFor(v.state, experimentID)
}

// ListIsolationGroups returns every isolation group instance.
func (v transactionView) ListIsolationGroups() []IsolationGroup { return sortedGroups(v.state) }

// FindIsolationGroup retrieves an isolation group instance by ID.
func (v transactionView) FindIsolationGroup(id string) (IsolationGroup, bool) {
	g, ok := v.state.groups[id]
	return g, ok
}

// ListBucketRanges returns every allocated range.
func (v transactionView) ListBucketRanges() []BucketRange { return sortedRanges(v.state, nil) }

// FindBucketRange returns the range owned by an experiment.
func (v transactionView) FindBucketRange(experimentID string) (BucketRange, bool) {
	return bucketRangeFor(v.state, experimentID)
}

// RunInTransaction executes fn within a transactional copy of the store state.
// Rules and the commit hook run before the copy replaces the live state, so a
// failure at any step leaves readers observing the previous state.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	if s.commit != nil {
		if err := s.commit(ctx, snapshotFromMemoryState(tx.state)); err != nil {
			return result, err
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	view := newTransactionView(&snapshot)
	return fn(view)
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// Now returns the timestamp shared by every write in this transaction.
func (tx *transaction) Now() time.Time {
	return tx.now
}

// FindExperiment retrieves an experiment from the transactional state.
func (tx *transaction) FindExperiment(id string) (Experiment, bool) {
	e, ok := tx.state.experiments[id]
	if !ok {
		return Experiment{}, false
	}
	return cloneExperiment(e), true
}

// CreateExperiment stores a new experiment within the transaction.
func (tx *transaction) CreateExperiment(e Experiment) (Experiment, error) {
	if e.ID == "" {
		e.ID = tx.store.newID()
	}
	if _, exists := tx.state.experiments[e.ID]; exists {
		return Experiment{}, fmt.Errorf("experiment %q already exists", e.ID)
	}
	for _, existing := range tx.state.experiments {
		if existing.Slug == e.Slug {
			return Experiment{}, fmt.Errorf("experiment slug %q already in use", e.Slug)
		}
	}
	e.CreatedAt = tx.now
	e.UpdatedAt = tx.now
	tx.state.experiments[e.ID] = cloneExperiment(e)
	tx.recordChange(Change{Entity: domain.EntityExperiment, Action: domain.ActionCreate, After: cloneExperiment(e)})
	return cloneExperiment(e), nil
}

// UpdateExperiment mutates an experiment using the provided mutator function.
// ID, slug, and creation time are immutable.
func (tx *transaction) UpdateExperiment(id string, mutator func(*Experiment) error) (Experiment, error) {
	current, ok := tx.state.experiments[id]
	if !ok {
		return Experiment{}, domain.ErrNotFound{Entity: domain.EntityExperiment, ID: id}
	}
	before := cloneExperiment(current)
	working := cloneExperiment(current)
	if err := mutator(&working); err != nil {
		return Experiment{}, err
	}
	working.ID = id
	working.Slug = before.Slug
	working.CreatedAt = before.CreatedAt
	working.UpdatedAt = tx.now
	tx.state.experiments[id] = cloneExperiment(working)
	tx.recordChange(Change{Entity: domain.EntityExperiment, Action: domain.ActionUpdate, Before: before, After: cloneExperiment(working)})
	return cloneExperiment(working), nil
}

// AppendChangeLog records a history entry stamped with the transaction time.
func (tx *transaction) AppendChangeLog(entry ChangeLog) (ChangeLog, error) {
	if _, ok := tx.state.experiments[entry.ExperimentID]; !ok {
		return ChangeLog{}, domain.ErrNotFound{Entity: domain.EntityExperiment, ID: entry.ExperimentID}
	}
	entry.ID = tx.store.newID()
	entry.ChangedOn = tx.now
	history := tx.state.changelogs[entry.ExperimentID]
	if n := len(history); n > 0 && entry.ChangedOn.Before(history[n-1].ChangedOn) {
		// Clock skew between processes must not reorder history.
		entry.ChangedOn = history[n-1].ChangedOn
	}
	tx.state.changelogs[entry.ExperimentID] = append(history, cloneChangeLog(entry))
	tx.recordChange(Change{Entity: domain.EntityChangeLog, Action: domain.ActionCreate, After: cloneChangeLog(entry)})
	return cloneChangeLog(entry), nil
}

// ListChangeLogs returns the experiment's history in insertion order.
func (tx *transaction) ListChangeLogs(experimentID string) []ChangeLog {
	return changeLogsFor(&tx.state, experimentID)
}

// ListIsolationGroups returns the instances of one namespace ordered by instance number.
func (tx *transaction) ListIsolationGroups(key domain.NamespaceKey) []IsolationGroup {
	var out []IsolationGroup
	for _, g := range sortedGroups(&tx.state) {
		if g.Key() == key {
			out = append(out, g)
		}
	}
	return out
}

// CreateIsolationGroup stores a new namespace instance.
func (tx *transaction) CreateIsolationGroup(g IsolationGroup) (IsolationGroup, error) {
	if g.ID == "" {
		g.ID = tx.store.newID()
	}
	if g.Instance <= 0 {
		return IsolationGroup{}, fmt.Errorf("isolation group instance must be positive, got %d", g.Instance)
	}
	if g.Total <= 0 {
		return IsolationGroup{}, fmt.Errorf("isolation group total must be positive, got %d", g.Total)
	}
	for _, existing := range tx.state.groups {
		if existing.ID == g.ID || (existing.Key() == g.Key() && existing.Instance == g.Instance) {
			return IsolationGroup{}, fmt.Errorf("isolation group %s/%s instance %d already exists", g.Name, g.Application, g.Instance)
		}
	}
	g.CreatedAt = tx.now
	g.UpdatedAt = tx.now
	tx.state.groups[g.ID] = g
	tx.recordChange(Change{Entity: domain.EntityIsolationGroup, Action: domain.ActionCreate, After: g})
	return g, nil
}

// FindIsolationGroup retrieves an isolation group instance by ID.
func (tx *transaction) FindIsolationGroup(id string) (IsolationGroup, bool) {
	g, ok := tx.state.groups[id]
	return g, ok
}

// ListBucketRanges returns the ranges allocated inside one group instance ordered by start.
func (tx *transaction) ListBucketRanges(isolationGroupID string) []BucketRange {
	return sortedRanges(&tx.state, func(r BucketRange) bool { return r.IsolationGroupID == isolationGroupID })
}

// FindBucketRange returns the range owned by an experiment.
func (tx *transaction) FindBucketRange(experimentID string) (BucketRange, bool) {
	return bucketRangeFor(&tx.state, experimentID)
}

// CreateBucketRange stores a new allocation. An experiment owns at most one range.
func (tx *transaction) CreateBucketRange(r BucketRange) (BucketRange, error) {
	if r.ID == "" {
		r.ID = tx.store.newID()
	}
	if _, ok := tx.state.groups[r.IsolationGroupID]; !ok {
		return BucketRange{}, domain.ErrNotFound{Entity: domain.EntityIsolationGroup, ID: r.IsolationGroupID}
	}
	if _, ok := tx.state.experiments[r.ExperimentID]; !ok {
		return BucketRange{}, domain.ErrNotFound{Entity: domain.EntityExperiment, ID: r.ExperimentID}
	}
	if existing, ok := bucketRangeFor(&tx.state, r.ExperimentID); ok {
		return BucketRange{}, fmt.Errorf("experiment %s already owns bucket range %s", r.ExperimentID, existing.ID)
	}
	if r.Start < 0 || r.Count < 0 {
		return BucketRange{}, fmt.Errorf("bucket range start and count must not be negative")
	}
	r.CreatedAt = tx.now
	r.UpdatedAt = tx.now
	tx.state.ranges[r.ID] = r
	tx.recordChange(Change{Entity: domain.EntityBucketRange, Action: domain.ActionCreate, After: r})
	return r, nil
}

// DeleteBucketRange removes a range and garbage-collects its group instance once empty.
func (tx *transaction) DeleteBucketRange(id string) error {
	current, ok := tx.state.ranges[id]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityBucketRange, ID: id}
	}
	delete(tx.state.ranges, id)
	tx.recordChange(Change{Entity: domain.EntityBucketRange, Action: domain.ActionDelete, Before: current})

	for _, r := range tx.state.ranges {
		if r.IsolationGroupID == current.IsolationGroupID {
			return nil
		}
	}
	if group, ok := tx.state.groups[current.IsolationGroupID]; ok {
		delete(tx.state.groups, group.ID)
		tx.recordChange(Change{Entity: domain.EntityIsolationGroup, Action: domain.ActionDelete, Before: group})
	}
	return nil
}

// Read helpers ---------------------------------------------------------------

// GetExperiment retrieves an experiment by ID from committed state.
func (s *Store) GetExperiment(id string) (Experiment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.state.experiments[id]
	if !ok {
		return Experiment{}, false
	}
	return cloneExperiment(e), true
}

// ListExperiments returns all experiments from committed state.
func (s *Store) ListExperiments() []Experiment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedExperiments(&s.state)
}

// ListChangeLogs returns an experiment's committed history in order.
func (s *Store) ListChangeLogs(experimentID string) []ChangeLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return changeLogsFor(&s.state, experimentID)
}

// ListIsolationGroups returns all committed isolation group instances.
func (s *Store) ListIsolationGroups() []IsolationGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedGroups(&s.state)
}

// ListBucketRanges returns all committed bucket ranges.
func (s *Store) ListBucketRanges() []BucketRange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedRanges(&s.state, nil)
}
