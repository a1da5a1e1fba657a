package amq

import (
	"context"
	"fmt"

	"github.com/dart-go/dartq/internal/fabric"
	"github.com/dart-go/dartq/internal/registry"
	"github.com/dart-go/dartq/internal/wire"
)

// TrySend implements spec.md §4.D: it reserves space at targetRelative's
// tail, translates handler through the queue's Runtime, and deposits a
// framed record into targetRelative's ring.
//
// It returns nil on success, an error wrapping ErrAgain if targetRelative's
// queue cannot currently accept a record of this size, an error wrapping
// ErrInval for a bad argument, and otherwise propagates the fabric's error,
// wrapped with %w and a description of the failed step.
func (q *Queue) TrySend(ctx context.Context, targetRelative uint32, handler registry.ID, data []byte) error {
	targetGlobal, err := q.team.GlobalID(targetRelative)
	if err != nil {
		return fmt.Errorf("amq: trysend: %w: %v", ErrInval, err)
	}

	fnIndex := uint32(handler)
	if !q.rt.Translation().Uniform() {
		fnIndex, err = q.rt.Translation().Translate(uint32(handler), targetRelative)
		if err != nil {
			return fmt.Errorf("amq: trysend: %w: %v", ErrInval, err)
		}
	}

	recLen := wire.Len(len(data))
	if recLen > q.capacityBytes {
		return fmt.Errorf("amq: trysend: %w: record of %d bytes exceeds capacity %d", ErrInval, recLen, q.capacityBytes)
	}

	if err := q.fabric.Lock(ctx, targetGlobal, q.id, fabric.TailWindow); err != nil {
		return fmt.Errorf("amq: trysend: acquiring tail lock on unit %d: %w", targetGlobal, err)
	}

	prevTail, err := q.fabric.FetchAndOp(ctx, targetGlobal, q.id, fabric.OpSum, recLen)
	if err != nil {
		_ = q.fabric.Unlock(ctx, targetGlobal, q.id, fabric.TailWindow)
		return fmt.Errorf("amq: trysend: reserving space on unit %d: %w", targetGlobal, err)
	}

	// Capacity check (spec.md §4.D step 5). Overflow reverts the tail and
	// releases the lock without ever touching the ring.
	if prevTail+recLen > q.capacityBytes {
		if _, err := q.fabric.FetchAndOp(ctx, targetGlobal, q.id, fabric.OpReplace, prevTail); err != nil {
			_ = q.fabric.Unlock(ctx, targetGlobal, q.id, fabric.TailWindow)
			return fmt.Errorf("amq: trysend: reverting overflowed reservation on unit %d: %w", targetGlobal, err)
		}
		if err := q.fabric.Unlock(ctx, targetGlobal, q.id, fabric.TailWindow); err != nil {
			return fmt.Errorf("amq: trysend: releasing tail lock after overflow on unit %d: %w", targetGlobal, err)
		}
		return fmt.Errorf("amq: trysend: %w", ErrAgain)
	}

	// Acquire the ring lock before releasing the tail lock: a concurrent
	// drainer that takes the tail lock next must still block on the ring
	// lock until this deposit finishes, so it never observes a tail that
	// includes our reservation while our bytes are unwritten (spec.md §5).
	if err := q.fabric.Lock(ctx, targetGlobal, q.id, fabric.RingWindow); err != nil {
		_ = q.fabric.Unlock(ctx, targetGlobal, q.id, fabric.TailWindow)
		return fmt.Errorf("amq: trysend: acquiring ring lock on unit %d: %w", targetGlobal, err)
	}

	if err := q.fabric.Unlock(ctx, targetGlobal, q.id, fabric.TailWindow); err != nil {
		_ = q.fabric.Unlock(ctx, targetGlobal, q.id, fabric.RingWindow)
		return fmt.Errorf("amq: trysend: releasing tail lock on unit %d: %w", targetGlobal, err)
	}

	frame := wire.Encode(nil, q.team.MyRelativeID(), fnIndex, data)
	if err := q.fabric.Put(ctx, targetGlobal, q.id, fabric.RingWindow, prevTail, frame); err != nil {
		_ = q.fabric.Unlock(ctx, targetGlobal, q.id, fabric.RingWindow)
		return fmt.Errorf("amq: trysend: writing record to unit %d: %w", targetGlobal, err)
	}

	if err := q.fabric.Unlock(ctx, targetGlobal, q.id, fabric.RingWindow); err != nil {
		return fmt.Errorf("amq: trysend: releasing ring lock on unit %d: %w", targetGlobal, err)
	}

	return nil
}
