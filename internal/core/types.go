// Package core implements the experiment lifecycle service: the transition
// table, the bucket allocator, changelog queries and the review timeout policy.
package core

import "nimbus/pkg/domain"

type (
	Experiment      = domain.Experiment
	ChangeLog       = domain.ChangeLog
	IsolationGroup  = domain.IsolationGroup
	BucketRange     = domain.BucketRange
	Result          = domain.Result
	RulesEngine     = domain.RulesEngine
	Transaction     = domain.Transaction
	TransactionView = domain.TransactionView
	PersistentStore = domain.PersistentStore
)
