// Package crawlerr defines the closed set of error kinds that the core
// orchestration layer distinguishes between. Everything else is treated as
// an opaque, transient failure.
package crawlerr

import "errors"

var (
	// ErrAlreadyExists is returned by the lease gateway's Create when the
	// key is already present.
	ErrAlreadyExists = errors.New("crawlerr: already exists")

	// ErrSequenceMismatch is returned by the lease gateway's Update when the
	// current revision does not match the expected one.
	ErrSequenceMismatch = errors.New("crawlerr: sequence mismatch")

	// ErrNotFound is returned by the lease gateway's Update when the key is
	// absent.
	ErrNotFound = errors.New("crawlerr: not found")

	// ErrLeaseBusy names the lease-busy kind. The lease manager's Acquire
	// does not return it: a session already held by someone else is
	// reported as (false, nil).
	ErrLeaseBusy = errors.New("crawlerr: lease busy")

	// ErrTimeout is returned when a scoped session acquisition exceeds its
	// deadline without finding a free session.
	ErrTimeout = errors.New("crawlerr: timeout waiting for free session")

	// ErrRateLimited names the rate-limited kind. The chat client reports
	// rate limits as *chatclient.ErrFloodWait, which the executor passes on
	// as is; nothing returns this sentinel.
	ErrRateLimited = errors.New("crawlerr: rate limited")

	// ErrInvalidProxy is returned by proxy URL parsing for an unsupported
	// scheme.
	ErrInvalidProxy = errors.New("crawlerr: invalid proxy")

	// ErrUnknownEntityType is returned when the chat client resolves a URL
	// to something other than a channel, chat, or user.
	ErrUnknownEntityType = errors.New("crawlerr: unknown entity type")

	// ErrEntityNotFound names the entity-not-found kind. The incremental
	// path does not return it: a task for an unknown external ID is acked
	// without an error.
	ErrEntityNotFound = errors.New("crawlerr: entity not found")

	// ErrSessionVanished is returned when a selected session ID is no
	// longer present in the session directory.
	ErrSessionVanished = errors.New("crawlerr: session vanished")

	// ErrGatewayTransient wraps any KV, bus, or SQL error that isn't one of
	// the declared kinds above.
	ErrGatewayTransient = errors.New("crawlerr: gateway transient error")
)
