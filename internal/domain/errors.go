package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidID          = errors.New("invalid id")
	ErrInvalidName        = errors.New("invalid name")
	ErrInvalidStatus      = errors.New("invalid status")
	ErrInvalidPriority    = errors.New("invalid priority")
	ErrInvalidProgress    = errors.New("invalid progress")
	ErrInvalidDateRange   = errors.New("invalid date range")
	ErrInvalidKPITarget   = errors.New("invalid kpi target")
	ErrInvalidKPICurrent  = errors.New("invalid kpi current")
	ErrInvalidTrend       = errors.New("invalid kpi trend")
	ErrInvalidEditor      = errors.New("invalid editor identity")
	ErrInvalidChangeKind  = errors.New("invalid change event kind")
	ErrDuplicateOrder     = errors.New("duplicate milestone order")
	ErrDuplicateID        = errors.New("duplicate id")
	ErrUnknownMilestone   = errors.New("unknown milestone")
	ErrMilestoneHasTasks  = errors.New("milestone still owns tasks")
	ErrLeaseRequired      = errors.New("edit lease required")
	ErrLeaseContention    = errors.New("edit lease held by another editor")
	ErrDanglingDependency = errors.New("dangling milestone dependency")
	ErrCyclicDependency   = errors.New("cyclic milestone dependency")
	ErrDeserialization    = errors.New("snapshot deserialization failed")
	ErrPersistence        = errors.New("persistence failure")
)

// LeaseContentionError reports an acquire attempt against another editor's valid lease.
type LeaseContentionError struct {
	HolderID   string
	HolderName string
}

// Error returns the error message.
func (e *LeaseContentionError) Error() string {
	return fmt.Sprintf("%s: %q", ErrLeaseContention, e.HolderName)
}

// Is reports whether target matches ErrLeaseContention.
func (e *LeaseContentionError) Is(target error) bool {
	return target == ErrLeaseContention
}

// DanglingDependencyError reports a dependency on a milestone that does not exist.
type DanglingDependencyError struct {
	MilestoneID  string
	DependencyID string
}

// Error returns the error message.
func (e *DanglingDependencyError) Error() string {
	return fmt.Sprintf("%s: milestone %q depends on %q", ErrDanglingDependency, e.MilestoneID, e.DependencyID)
}

// Is reports whether target matches ErrDanglingDependency.
func (e *DanglingDependencyError) Is(target error) bool {
	return target == ErrDanglingDependency
}

// CyclicDependencyError reports a dependency cycle. Path starts and ends on the same id.
type CyclicDependencyError struct {
	Path []string
}

// Error returns the error message.
func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCyclicDependency, strings.Join(e.Path, " -> "))
}

// Is reports whether target matches ErrCyclicDependency.
func (e *CyclicDependencyError) Is(target error) bool {
	return target == ErrCyclicDependency
}

// DeserializationError reports a snapshot payload that could not be decoded.
type DeserializationError struct {
	Field string
	Err   error
}

// Error returns the error message.
func (e *DeserializationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", ErrDeserialization, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", ErrDeserialization, e.Field, e.Err)
}

// Is reports whether target matches ErrDeserialization.
func (e *DeserializationError) Is(target error) bool {
	return target == ErrDeserialization
}

// Unwrap returns the decode cause.
func (e *DeserializationError) Unwrap() error {
	return e.Err
}

// PersistenceError reports a failed gateway call.
type PersistenceError struct {
	Op  string
	Err error
}

// Error returns the error message.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrPersistence, e.Op, e.Err)
}

// Is reports whether target matches ErrPersistence.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// Unwrap returns the gateway cause.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}
