// Package xlate implements the AMQ's address-translation table, component C
// of spec.md §4. The original dart_active_messages.c translates a local
// function pointer into the target process's address space by adding a
// pre-computed per-peer offset, to work around position-independent
// executables landing the same function at different addresses in every
// rank. Go has no portable cross-process function pointer to translate in
// the first place; spec.md §9 blesses the alternative this package
// implements instead — every unit keeps a local handler registry
// (internal/registry) built in whatever order it happens to register
// handlers, and a sender translates its own local handler index into the
// index that means the same handler on the target unit.
//
// The table is built once, collectively, from an all-gather of every unit's
// registry length at the moment translation is requested; that length
// stands in for the original's "reference address". Units that built their
// registries in the same order end up with identical lengths and the table
// degrades to the identity translation.
package xlate

import (
	"context"
	"fmt"
	"sync"

	"github.com/dart-go/dartq/internal/fabric"
	"github.com/dart-go/dartq/internal/team"
)

// Table translates a local handler index into the index a specific peer
// would use to mean the same handler. It is built once and is immutable,
// and therefore safe for concurrent use by every sender goroutine, once
// built.
type Table struct {
	once sync.Once
	err  error

	uniform bool
	offsets []int64 // by relative ID: peer's reference index minus ours
}

// New returns an unbuilt table. Build must be called, collectively by every
// member of t, before Translate is used.
func New() *Table {
	return &Table{}
}

// Build runs the collective once: every member contributes
// selfReferenceIndex (its registry length) via an all-gather over f, and
// the resulting vector becomes the per-peer offset table. Calling Build
// again on the same Table is a no-op that returns the first call's result,
// matching spec.md §4.C's "idempotent, collective, run at most once per
// process" requirement for initialization.
func (tb *Table) Build(ctx context.Context, t *team.Team, selfReferenceIndex uint64, f fabric.Fabric) error {
	tb.once.Do(func() {
		values, err := f.AllGather(ctx, t, selfReferenceIndex)
		if err != nil {
			tb.err = fmt.Errorf("xlate: all-gather of reference indices: %w", err)
			return
		}
		if len(values) != t.Size() {
			tb.err = fmt.Errorf("xlate: all-gather returned %d values for a team of size %d", len(values), t.Size())
			return
		}

		offsets := make([]int64, len(values))
		uniform := true
		for i, v := range values {
			offsets[i] = int64(v) - int64(selfReferenceIndex)
			if offsets[i] != 0 {
				uniform = false
			}
		}

		tb.offsets = offsets
		tb.uniform = uniform
	})
	return tb.err
}

// Translate maps localIndex, a handler index in the caller's own registry,
// into the index that means the same handler in targetRelative's registry.
// When every unit's registry is the same size (the common case, since
// spec.md's Non-goals exclude heterogeneous deployments), Translate is the
// identity function.
func (tb *Table) Translate(localIndex uint32, targetRelative uint32) (uint32, error) {
	if tb.offsets == nil {
		return 0, fmt.Errorf("xlate: table not built")
	}
	if tb.uniform {
		return localIndex, nil
	}
	if int(targetRelative) >= len(tb.offsets) {
		return 0, fmt.Errorf("xlate: relative id %d out of range for team of size %d", targetRelative, len(tb.offsets))
	}

	remote := int64(localIndex) + tb.offsets[targetRelative]
	if remote < 0 {
		return 0, fmt.Errorf("xlate: translated index %d is negative for relative id %d", remote, targetRelative)
	}
	return uint32(remote), nil
}

// Uniform reports whether every unit in the team reported the same
// reference index, meaning translation is the identity function.
func (tb *Table) Uniform() bool {
	return tb.uniform
}
