package store

import "errors"

// Sentinel errors shared by every store implementation. Callers match them
// with errors.Is; the wrapped message carries the entity detail.
var (
	// ErrNotFound reports that a referenced entity does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateVersion reports a version label collision within an agent.
	ErrDuplicateVersion = errors.New("store: duplicate version label")

	// ErrDuplicateFixture reports that a message already backs a test case.
	ErrDuplicateFixture = errors.New("store: duplicate fixture")

	// ErrImmutableVersion reports an update to an instruction version that is
	// already referenced by a message or a test case run.
	ErrImmutableVersion = errors.New("store: instruction version is immutable")

	// ErrReferencedEntity reports a delete blocked by dependent history rows.
	ErrReferencedEntity = errors.New("store: entity referenced by history")

	// ErrConsistency reports a chain or pointer invariant violation. It is a
	// caller bug and is never retried.
	ErrConsistency = errors.New("store: chain consistency violation")

	// ErrInvalidSource reports a fixture capture from a non-player message.
	ErrInvalidSource = errors.New("store: fixture source is not player-authored")
)
