// Package cluster implements collective operations (broadcast, scatter,
// gather, abort) for a fixed-size process group with rank 0 as root.
//
// Every collective blocks until all participants complete it or the group
// aborts. There is no partial delivery and no per-rank cancellation: Abort
// on any rank fails every pending and future collective on every rank with
// ErrGroupAborted.
//
// Two transports are provided:
//   - LocalGroup: ranks are goroutines in one process, linked by channels.
//   - TCP: ranks are separate OS processes; the root accepts one connection
//     per peer and payloads travel as zstd-compressed frames.
package cluster

import (
	"errors"
	"fmt"
)

// Errors returned by collectives.
var (
	// ErrGroupAborted is returned by every collective after any rank aborts.
	ErrGroupAborted = errors.New("cluster: process group aborted")

	// ErrInvalidGroup is returned for bad sizes, ranks and part counts.
	ErrInvalidGroup = errors.New("cluster: invalid group parameters")
)

// Root is the rank that originates broadcasts and scatters and receives
// gathers.
const Root = 0

// abortError wraps the abort cause so both ErrGroupAborted and the cause
// match with errors.Is.
func abortError(cause error) error {
	if cause == nil {
		return ErrGroupAborted
	}
	if errors.Is(cause, ErrGroupAborted) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrGroupAborted, cause)
}

// checkGroup validates a rank against a group size.
func checkGroup(rank, size int) error {
	if size < 1 {
		return fmt.Errorf("%w: size %d", ErrInvalidGroup, size)
	}
	if rank < 0 || rank >= size {
		return fmt.Errorf("%w: rank %d not in [0,%d)", ErrInvalidGroup, rank, size)
	}
	return nil
}

// clone copies a payload so sender and receiver never alias memory.
func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
