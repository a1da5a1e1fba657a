// Package fabric is the one-sided remote-memory substrate the AMQ is built
// on. spec.md §1 and §4.B name get/put/fetch_and_op/window-locking as
// external collaborators assumed to exist; this package is dartq's own
// implementation of that contract, since a PGAS runtime built purely in Go
// has no MPI one-sided window to lean on.
//
// Two implementations are provided: Local (internal/fabric/local.go)
// simulates a team of units inside a single process with goroutines and
// mutexes, and is what the test suite and spec.md §8 scenarios run against.
// TCP (internal/fabric/tcp.go) is a small real network transport for
// running units as separate processes, grounded on the teacher's
// length-prefixed socket framing.
package fabric

import (
	"context"

	"github.com/dart-go/dartq/internal/team"
)

// Op names the atomic operation performed by FetchAndOp, mirroring
// MPI_SUM/MPI_REPLACE from the original's MPI_Fetch_and_op calls.
type Op int

const (
	// OpSum adds operand to the remote value and returns the pre-add
	// value ("fetch and add").
	OpSum Op = iota
	// OpReplace stores operand into the remote value and returns the
	// pre-store value.
	OpReplace
)

// Window identifies which of the queue's two exposed regions an operation
// addresses: the 8-byte tail counter or the capacity_bytes ring.
type Window int

const (
	TailWindow Window = iota
	RingWindow
)

// Fabric is the one-sided RMA contract used by the AMQ's sender and
// drainer. Every method addresses a *target* unit by its runtime-wide
// global ID; a unit may target itself, which is exactly what the drainer
// does.
//
// All methods may block on network progress (spec.md §5); none of them are
// cancellable mid-flight beyond normal context cancellation propagating to
// the next blocking point.
type Fabric interface {
	// OpenQueue collectively allocates the tail and ring windows for
	// queueID on t, sized capacity bytes, and returns once every member
	// of t has completed allocation. It also allocates the local,
	// non-exposed scratch buffer used by Process.
	OpenQueue(ctx context.Context, t *team.Team, queueID string, capacity uint64) error

	// CloseQueue collectively frees the windows and scratch buffer for
	// queueID. It does not guarantee delivery of in-flight messages.
	CloseQueue(ctx context.Context, t *team.Team, queueID string) error

	// Lock acquires an exclusive lock on target's window for queueID.
	Lock(ctx context.Context, target uint32, queueID string, win Window) error
	// Unlock releases a lock acquired with Lock, making any Put under it
	// visible to subsequent remote accesses.
	Unlock(ctx context.Context, target uint32, queueID string, win Window) error

	// FetchAndOp atomically applies op with operand to target's tail
	// counter and returns the value the counter held immediately before
	// the operation. Only valid against TailWindow.
	FetchAndOp(ctx context.Context, target uint32, queueID string, op Op, operand uint64) (uint64, error)

	// Put writes data into target's window for queueID starting at
	// offset. Visible remotely no later than the window is unlocked.
	Put(ctx context.Context, target uint32, queueID string, win Window, offset uint64, data []byte) error
	// Get reads n bytes from target's window for queueID starting at
	// offset.
	Get(ctx context.Context, target uint32, queueID string, win Window, offset uint64, n int) ([]byte, error)

	// Scratch returns the local, non-exposed buffer allocated by
	// OpenQueue for self's copy of queueID, used by Process to snapshot
	// the ring before decoding it.
	Scratch(self uint32, queueID string) ([]byte, error)

	// Barrier blocks until every member of t has called Barrier for the
	// same round.
	Barrier(ctx context.Context, t *team.Team) error

	// AllGather exchanges one uint64 per member of t and returns the
	// result indexed by team-relative ID, identically on every member.
	AllGather(ctx context.Context, t *team.Team, local uint64) ([]uint64, error)
}
