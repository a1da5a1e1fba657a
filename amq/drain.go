package amq

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/dart-go/dartq/internal/fabric"
	"github.com/dart-go/dartq/internal/registry"
	"github.com/dart-go/dartq/internal/wire"
)

// Process implements spec.md §4.E: it non-blockingly claims the drain
// guard, snapshots the caller's own ring under the tail lock, resets the
// tail to zero, and dispatches every framed record in the snapshot to its
// registered handler.
//
// It returns nil once every decodable record has been dispatched
// (including the empty case, tail == 0), an error wrapping ErrAgain if
// another goroutine is already draining this Queue, and an error wrapping
// ErrInval if the snapshot does not decode cleanly — spec.md treats that as
// a corrupted queue, not a crash.
func (q *Queue) Process(ctx context.Context) error {
	if !q.drainMu.TryLock() {
		return fmt.Errorf("amq: process: %w", ErrAgain)
	}
	defer q.drainMu.Unlock()

	self := q.team.MyGlobalID()

	// The tail lock is held across the entire snapshot-plus-reset window
	// (spec.md §9, open question "tail-reset vs in-flight reservations",
	// option (a)): TrySend also acquires this lock before its atomic add,
	// so no sender's reservation can be silently erased by the reset below.
	if err := q.fabric.Lock(ctx, self, q.id, fabric.TailWindow); err != nil {
		return fmt.Errorf("amq: process: acquiring tail lock: %w", err)
	}

	tailBytes, err := q.fabric.Get(ctx, self, q.id, fabric.TailWindow, 0, 8)
	if err != nil {
		_ = q.fabric.Unlock(ctx, self, q.id, fabric.TailWindow)
		return fmt.Errorf("amq: process: reading tail: %w", err)
	}
	tail := binary.LittleEndian.Uint64(tailBytes)

	if tail == 0 {
		if err := q.fabric.Unlock(ctx, self, q.id, fabric.TailWindow); err != nil {
			return fmt.Errorf("amq: process: releasing tail lock: %w", err)
		}
		return nil
	}

	if err := q.fabric.Lock(ctx, self, q.id, fabric.RingWindow); err != nil {
		_ = q.fabric.Unlock(ctx, self, q.id, fabric.TailWindow)
		return fmt.Errorf("amq: process: acquiring ring lock: %w", err)
	}

	raw, err := q.fabric.Get(ctx, self, q.id, fabric.RingWindow, 0, int(tail))
	if err != nil {
		_ = q.fabric.Unlock(ctx, self, q.id, fabric.RingWindow)
		_ = q.fabric.Unlock(ctx, self, q.id, fabric.TailWindow)
		return fmt.Errorf("amq: process: snapshotting ring: %w", err)
	}

	scratch, err := q.fabric.Scratch(self, q.id)
	if err != nil {
		_ = q.fabric.Unlock(ctx, self, q.id, fabric.RingWindow)
		_ = q.fabric.Unlock(ctx, self, q.id, fabric.TailWindow)
		return fmt.Errorf("amq: process: %w", err)
	}
	n := copy(scratch, raw)
	snapshot := scratch[:n]

	if err := q.fabric.Unlock(ctx, self, q.id, fabric.RingWindow); err != nil {
		_ = q.fabric.Unlock(ctx, self, q.id, fabric.TailWindow)
		return fmt.Errorf("amq: process: releasing ring lock: %w", err)
	}

	var zero [8]byte
	if err := q.fabric.Put(ctx, self, q.id, fabric.TailWindow, 0, zero[:]); err != nil {
		_ = q.fabric.Unlock(ctx, self, q.id, fabric.TailWindow)
		return fmt.Errorf("amq: process: resetting tail: %w", err)
	}

	if err := q.fabric.Unlock(ctx, self, q.id, fabric.TailWindow); err != nil {
		return fmt.Errorf("amq: process: releasing tail lock: %w", err)
	}

	return q.dispatch(snapshot)
}

// dispatch decodes every complete record in snapshot and invokes its
// handler synchronously, in order (spec.md §4.E step 10). Handlers run
// with no window lock held — they may call TrySend on this or any other
// queue — but the drain guard is still held, so calling Process on this
// same queue returns ErrAgain rather than recursing.
func (q *Queue) dispatch(snapshot []byte) error {
	records, decodeErr := wire.DecodeAll(snapshot)

	for _, rec := range records {
		if ok := q.registry.Invoke(registry.ID(rec.FnIndex), rec.Data); !ok {
			q.log.Errorw("amq: drain: record references unknown handler",
				"queue", q.id, "fn_index", rec.FnIndex, "sender_rel_id", rec.SenderID)
		}
	}

	if decodeErr != nil {
		q.log.Errorw("amq: drain: corrupted snapshot", "queue", q.id, "error", decodeErr)
		return fmt.Errorf("amq: process: %w: %v", ErrInval, decodeErr)
	}
	return nil
}

// Sync implements spec.md §4.G: a collective barrier on the queue's team
// followed by a local Process, so that by the time Sync returns, every
// record any team member sent before the barrier has been delivered to its
// target (testable scenario S5).
func (q *Queue) Sync(ctx context.Context) error {
	if err := q.fabric.Barrier(ctx, q.team); err != nil {
		return fmt.Errorf("amq: sync: barrier: %w", err)
	}
	if err := q.Process(ctx); err != nil {
		return fmt.Errorf("amq: sync: %w", err)
	}
	return nil
}
