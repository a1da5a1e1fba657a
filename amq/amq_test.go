package amq_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dart-go/dartq/amq"
	"github.com/dart-go/dartq/internal/fabric"
	"github.com/dart-go/dartq/internal/registry"
	"github.com/dart-go/dartq/internal/team"
)

// testUnit bundles one simulated unit's team membership, handler registry
// and open queue, all sharing a single in-process fabric.Local.
type testUnit struct {
	team  *team.Team
	reg   *registry.Registry
	rt    *amq.Runtime
	queue *amq.Queue
}

// openRing sets up size units on a shared ring team (global ID == relative
// ID) and a queue named "q" with the given capacity, all via l. register is
// invoked once per unit, before Init, to build that unit's handler table;
// it returns the ID TrySend should target on every unit (the harness
// assumes every unit registers its handlers in the same order, which is
// what produces a uniform translation table in the common case).
func openRing(t *testing.T, ctx context.Context, l *fabric.Local, size int, capacityBytes uint64, register func(reg *registry.Registry) registry.ID) []*testUnit {
	t.Helper()

	globalIDs := make([]uint32, size)
	for i := range globalIDs {
		globalIDs[i] = uint32(i)
	}

	units := make([]*testUnit, size)
	relIDs := make([]uint32, size)
	for i := range relIDs {
		relIDs[i] = uint32(i)
	}

	// Opening a queue is a collective call: every unit's setup must be
	// reported, not just the first one to fail, so this uses
	// fabric.Collective rather than an errgroup.
	err := fabric.Collective(relIDs, func(i uint32) error {
		tm, err := team.New("ring", globalIDs, i)
		if err != nil {
			return err
		}

		reg := registry.New()
		register(reg)

		rt := amq.NewRuntime()
		if err := rt.Init(ctx, tm, reg, l); err != nil {
			return err
		}

		q, err := rt.Open(ctx, tm, "q", capacityBytes, l, reg)
		if err != nil {
			return err
		}

		units[i] = &testUnit{team: tm, reg: reg, rt: rt, queue: q}
		return nil
	})
	require.NoError(t, err)
	return units
}

func withTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// S1: 2 units, no contention.
func TestScenario1_NoContention(t *testing.T) {
	ctx := withTimeout(t)
	l := fabric.NewLocal()

	var mu sync.Mutex
	var received []byte
	var calls int

	units := openRing(t, ctx, l, 2, 1024, func(reg *registry.Registry) registry.ID {
		return reg.MustRegister("H", func(data []byte) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			received = append([]byte(nil), data...)
		})
	})

	handler, ok := units[1].reg.ByName("H")
	require.True(t, ok)

	payload := make([]byte, 16)
	for i := range payload {
		payload[i] = byte(i)
	}

	require.NoError(t, units[0].queue.TrySend(ctx, 1, handler, payload))
	require.NoError(t, units[1].queue.Process(ctx))

	require.Equal(t, 1, calls)
	require.Equal(t, payload, received)

	tailWindow, err := l.Get(ctx, 1, "q", fabric.TailWindow, 0, 8)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0}, tailWindow)
}

// S2 and S3: overflow then drain recovery.
func TestScenario2And3_OverflowThenDrainRecovers(t *testing.T) {
	ctx := withTimeout(t)
	l := fabric.NewLocal()

	var mu sync.Mutex
	var calls int

	units := openRing(t, ctx, l, 2, 64, func(reg *registry.Registry) registry.ID {
		return reg.MustRegister("H", func(data []byte) {
			mu.Lock()
			defer mu.Unlock()
			calls++
		})
	})
	handler, _ := units[1].reg.ByName("H")
	payload := make([]byte, 32) // 32 + 16-byte header = 48-byte frame

	require.NoError(t, units[0].queue.TrySend(ctx, 1, handler, payload))

	err := units[0].queue.TrySend(ctx, 1, handler, payload)
	require.ErrorIs(t, err, amq.ErrAgain)

	tailBytes, err := l.Get(ctx, 1, "q", fabric.TailWindow, 0, 8)
	require.NoError(t, err)
	require.Equal(t, uint64(48), leU64(tailBytes))

	require.NoError(t, units[1].queue.Process(ctx))
	require.Equal(t, 1, calls)

	tailBytes, err = l.Get(ctx, 1, "q", fabric.TailWindow, 0, 8)
	require.NoError(t, err)
	require.Equal(t, uint64(0), leU64(tailBytes))

	require.NoError(t, units[0].queue.TrySend(ctx, 1, handler, payload), "capacity freed by the drain must allow a new 48-byte send")
}

// S4: three units send concurrently to a fourth.
func TestScenario4_ConcurrentSenders(t *testing.T) {
	ctx := withTimeout(t)
	l := fabric.NewLocal()

	var mu sync.Mutex
	var payloads [][]byte

	units := openRing(t, ctx, l, 4, 1024, func(reg *registry.Registry) registry.ID {
		return reg.MustRegister("H", func(data []byte) {
			mu.Lock()
			defer mu.Unlock()
			payloads = append(payloads, append([]byte(nil), data...))
		})
	})
	handler, _ := units[1].reg.ByName("H")

	senders := []int{0, 2, 3}
	var g errgroup.Group
	for _, s := range senders {
		s := s
		g.Go(func() error {
			payload := []byte{byte(s), byte(s), byte(s)}
			payload = append(payload, make([]byte, 17)...) // pad to 20 bytes
			return units[s].queue.TrySend(ctx, 1, handler, payload)
		})
	}
	require.NoError(t, g.Wait())

	require.NoError(t, units[1].queue.Process(ctx))
	require.Len(t, payloads, 3)
	for _, p := range payloads {
		require.Len(t, p, 20)
	}
}

// S5: a ring of four units each sending to their successor, synchronized
// with Sync.
func TestScenario5_SyncDeliversAroundTheRing(t *testing.T) {
	ctx := withTimeout(t)
	l := fabric.NewLocal()

	const size = 4
	var mu sync.Mutex
	delivered := make(map[uint32]int)

	units := openRing(t, ctx, l, size, 256, func(reg *registry.Registry) registry.ID {
		return reg.MustRegister("H", func(data []byte) {
			mu.Lock()
			defer mu.Unlock()
			delivered[uint32(data[0])]++
		})
	})
	handler, _ := units[0].reg.ByName("H")

	var g errgroup.Group
	for i := 0; i < size; i++ {
		i := i
		g.Go(func() error {
			target := uint32((i + 1) % size)
			return units[i].queue.TrySend(ctx, target, handler, []byte{byte(i)})
		})
	}
	require.NoError(t, g.Wait())

	g = errgroup.Group{}
	for i := 0; i < size; i++ {
		i := i
		g.Go(func() error { return units[i].queue.Sync(ctx) })
	}
	require.NoError(t, g.Wait())

	require.Len(t, delivered, size)
	for i := 0; i < size; i++ {
		require.Equal(t, 1, delivered[uint32(i)])
	}
}

// S6: two concurrent Process calls on the same queue; exactly one must
// observe contention. The handler blocks until released so the first
// Process call is guaranteed to still hold the drain guard when the second
// one is attempted.
func TestScenario6_DrainContention(t *testing.T) {
	ctx := withTimeout(t)
	l := fabric.NewLocal()

	started := make(chan struct{})
	release := make(chan struct{})

	units := openRing(t, ctx, l, 2, 256, func(reg *registry.Registry) registry.ID {
		return reg.MustRegister("H", func(data []byte) {
			close(started)
			<-release
		})
	})
	handler, _ := units[1].reg.ByName("H")
	require.NoError(t, units[0].queue.TrySend(ctx, 1, handler, []byte("x")))

	firstDone := make(chan error, 1)
	go func() { firstDone <- units[1].queue.Process(ctx) }()

	<-started
	err := units[1].queue.Process(ctx)
	require.ErrorIs(t, err, amq.ErrAgain)

	close(release)
	require.NoError(t, <-firstDone)
}

// Property: Init is idempotent and the translation table is built once.
func TestInitIsIdempotent(t *testing.T) {
	ctx := withTimeout(t)
	l := fabric.NewLocal()

	globalIDs := []uint32{0, 1}
	var g errgroup.Group
	for i := 0; i < 2; i++ {
		i := i
		g.Go(func() error {
			tm, err := team.New("pair", globalIDs, uint32(i))
			if err != nil {
				return err
			}
			reg := registry.New()
			reg.MustRegister("H", func([]byte) {})

			rt := amq.NewRuntime()
			if err := rt.Init(ctx, tm, reg, l); err != nil {
				return err
			}
			return rt.Init(ctx, tm, reg, l) // second call must be a cheap no-op
		})
	}
	require.NoError(t, g.Wait())
}

// Property: TrySend rejects a record that can never fit, regardless of
// current occupancy.
func TestTrySendRejectsOversizeRecord(t *testing.T) {
	ctx := withTimeout(t)
	l := fabric.NewLocal()

	units := openRing(t, ctx, l, 2, 32, func(reg *registry.Registry) registry.ID {
		return reg.MustRegister("H", func([]byte) {})
	})
	handler, _ := units[1].reg.ByName("H")

	err := units[0].queue.TrySend(ctx, 1, handler, make([]byte, 64))
	require.ErrorIs(t, err, amq.ErrInval)
}

func leU64(b []byte) uint64 {
	var v uint64
	for i, byt := range b {
		v |= uint64(byt) << (8 * i)
	}
	return v
}
