package domain

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrStaleRead is returned when the backing store detects that another writer
// committed between the read and the write of a transaction. Callers may retry once.
var ErrStaleRead = errors.New("stale read: concurrent write detected")

// ErrUnknownOperation is returned for lifecycle operation names that are not registered.
var ErrUnknownOperation = errors.New("unknown lifecycle operation")

// ErrMessageRequired is returned when a rejecting operation is applied without a reason.
var ErrMessageRequired = errors.New("a message is required for this operation")

// ErrArchived is returned when an archived experiment is edited or transitioned.
var ErrArchived = errors.New("experiment is archived")

// ErrNotFound is returned when a referenced record does not exist.
type ErrNotFound struct {
	Entity EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// Guard is the lifecycle precondition of an operation. Nil fields are not checked.
type Guard struct {
	Status        *Status
	StatusNext    *StatusNext
	PublishStatus *PublishStatus
	IsPaused      *bool
}

// Matches reports whether the state satisfies every non-nil field of the guard.
func (g Guard) Matches(s State) bool {
	if g.Status != nil && *g.Status != s.Status {
		return false
	}
	if g.StatusNext != nil && *g.StatusNext != s.StatusNext {
		return false
	}
	if g.PublishStatus != nil && *g.PublishStatus != s.PublishStatus {
		return false
	}
	if g.IsPaused != nil && *g.IsPaused != s.IsPaused {
		return false
	}
	return true
}

func (g Guard) String() string {
	status, next, publish, paused := "*", "*", "*", "*"
	if g.Status != nil {
		status = string(*g.Status)
	}
	if g.StatusNext != nil {
		next = statusNextLabel(*g.StatusNext)
	}
	if g.PublishStatus != nil {
		publish = string(*g.PublishStatus)
	}
	if g.IsPaused != nil {
		paused = strconv.FormatBool(*g.IsPaused)
	}
	return "(" + status + ", " + next + ", " + publish + ", " + paused + ")"
}

func (s State) String() string {
	return fmt.Sprintf("(%s, %s, %s, %t)", s.Status, statusNextLabel(s.StatusNext), s.PublishStatus, s.IsPaused)
}

func statusNextLabel(n StatusNext) string {
	if n == StatusNextNone {
		return "none"
	}
	return string(n)
}

// StateMismatchError reports that a lifecycle operation's precondition does not hold.
type StateMismatchError struct {
	Operation string
	Required  Guard
	Actual    State
}

func (e *StateMismatchError) Error() string {
	return fmt.Sprintf("%s requires state %s, experiment is %s", e.Operation, e.Required, e.Actual)
}

// InvalidPopulationPercentError reports a population percentage outside (0, 100] or below the minimum.
type InvalidPopulationPercentError struct {
	Value float64
	Min   float64
}

func (e *InvalidPopulationPercentError) Error() string {
	if e.Min > 0 && e.Value > 0 && e.Value < e.Min {
		return fmt.Sprintf("population percent %v is below the minimum %v", e.Value, e.Min)
	}
	return fmt.Sprintf("population percent %v must be greater than 0 and at most 100", e.Value)
}

// ValidatePopulationPercent checks p against (0, 100] and an optional lower bound.
func ValidatePopulationPercent(p, minimum float64) error {
	if math.IsNaN(p) || p <= 0 || p > 100 || (minimum > 0 && p < minimum) {
		return &InvalidPopulationPercentError{Value: p, Min: minimum}
	}
	return nil
}

// NamespaceAllocationError wraps a storage failure raised while allocating buckets.
type NamespaceAllocationError struct {
	Namespace string
	Err       error
}

func (e *NamespaceAllocationError) Error() string {
	return fmt.Sprintf("allocate namespace %s: %v", e.Namespace, e.Err)
}

func (e *NamespaceAllocationError) Unwrap() error { return e.Err }

// ChangeLogWriteError wraps a storage failure raised while appending history.
type ChangeLogWriteError struct {
	ExperimentID string
	Err          error
}

func (e *ChangeLogWriteError) Error() string {
	return fmt.Sprintf("append changelog for experiment %s: %v", e.ExperimentID, e.Err)
}

func (e *ChangeLogWriteError) Unwrap() error { return e.Err }
