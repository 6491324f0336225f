// Package outboxerr groups the sentinel errors shared across the
// connection-context runtime, mutex abstractions, outbox repositories, relay
// runners and the AMQP layer. Components wrap these with fmt.Errorf("...:
// %w", ...) rather than inventing ad hoc error strings, matching the
// sentinel-error idiom the teacher uses in its domain package.
package outboxerr

import "errors"

// Lock contention.
var ErrLockTimeout = errors.New("outboxcore: lock acquisition timed out")

// Context violations — programmer errors; never retried.
var (
	ErrAlreadyInTransaction   = errors.New("outboxcore: already in a transaction")
	ErrNoActiveTransaction    = errors.New("outboxcore: no active transaction")
	ErrTransactionMismatch    = errors.New("outboxcore: transaction identity mismatch")
	ErrDanglingTransaction    = errors.New("outboxcore: cannot flush context with an open transaction")
	ErrManualReleaseAttempted = errors.New("outboxcore: manual connection release is not permitted")
)

// Resource exhaustion.
var (
	ErrUnableToClaim   = errors.New("outboxcore: unable to claim a connection")
	ErrUnableToRelease = errors.New("outboxcore: unable to release a connection")
	ErrTimeout         = errors.New("outboxcore: timed out waiting for a resource")
)

// AMQP / dispatch.
var (
	ErrUnableToDispatchMessages = errors.New("outboxcore: unable to dispatch messages")
	ErrChannelNotLeased         = errors.New("outboxcore: channel was not leased from this pool")
)

// Runner lifecycle.
var (
	ErrAlreadyStarted = errors.New("outboxcore: runner already started")
)
