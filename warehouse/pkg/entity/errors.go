package entity

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownEntity = errors.New("unknown entity type")

	// ErrInvariantViolation marks batch-level breaches that must halt a batch. They are never
	// recovered locally.
	ErrInvariantViolation = errors.New("invariant violation")
)

type InvariantKind string

const (
	InvariantDuplicateCurrent      InvariantKind = "duplicate_current_version"
	InvariantAmbiguousResolution   InvariantKind = "ambiguous_temporal_resolution"
	InvariantDuplicateKeyInBatch   InvariantKind = "duplicate_natural_key_in_batch"
	InvariantStaleCurrent          InvariantKind = "stale_current_version"
	InvariantNonMonotonicTimestamp InvariantKind = "non_monotonic_batch_timestamp"
)

type InvariantError struct {
	Kind       InvariantKind
	Entity     Type
	NaturalKey string
	Detail     string
}

func NewInvariantError(kind InvariantKind, t Type, naturalKey string, format string, args ...any) *InvariantError {
	return &InvariantError{
		Kind:       kind,
		Entity:     t,
		NaturalKey: naturalKey,
		Detail:     fmt.Sprintf(format, args...),
	}
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation (%s) on %s %q: %s", e.Kind, e.Entity, e.NaturalKey, e.Detail)
}

func (e *InvariantError) Is(target error) bool {
	return target == ErrInvariantViolation
}
