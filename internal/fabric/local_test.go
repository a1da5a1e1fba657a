package fabric

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dart-go/dartq/internal/team"
)

func twoUnitTeams(t *testing.T) (*team.Team, *team.Team) {
	t.Helper()
	a, err := team.New("pair", []uint32{0, 1}, 0)
	require.NoError(t, err)
	b, err := team.New("pair", []uint32{0, 1}, 1)
	require.NoError(t, err)
	return a, b
}

func TestLocalOpenQueueBlocksUntilAllMembersJoin(t *testing.T) {
	l := NewLocal()
	a, b := twoUnitTeams(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error { return l.OpenQueue(ctx, a, "q", 64) })
	g.Go(func() error { return l.OpenQueue(ctx, b, "q", 64) })
	require.NoError(t, g.Wait())

	scratch, err := l.Scratch(0, "q")
	require.NoError(t, err)
	require.Len(t, scratch, 64)
}

func TestLocalFetchAndOpSumAndReplace(t *testing.T) {
	l := NewLocal()
	a, b := twoUnitTeams(t)
	ctx := context.Background()

	var g errgroup.Group
	g.Go(func() error { return l.OpenQueue(ctx, a, "q", 128) })
	g.Go(func() error { return l.OpenQueue(ctx, b, "q", 128) })
	require.NoError(t, g.Wait())

	prev, err := l.FetchAndOp(ctx, 1, "q", OpSum, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(0), prev)

	prev, err = l.FetchAndOp(ctx, 1, "q", OpSum, 5)
	require.NoError(t, err)
	require.Equal(t, uint64(10), prev)

	prev, err = l.FetchAndOp(ctx, 1, "q", OpReplace, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(15), prev)

	tailBytes, err := l.Get(ctx, 1, "q", TailWindow, 0, 8)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0}, tailBytes)
}

func TestLocalPutGetRingWindow(t *testing.T) {
	l := NewLocal()
	a, b := twoUnitTeams(t)
	ctx := context.Background()

	var g errgroup.Group
	g.Go(func() error { return l.OpenQueue(ctx, a, "q", 32) })
	g.Go(func() error { return l.OpenQueue(ctx, b, "q", 32) })
	require.NoError(t, g.Wait())

	require.NoError(t, l.Put(ctx, 1, "q", RingWindow, 4, []byte("abcd")))
	got, err := l.Get(ctx, 1, "q", RingWindow, 4, 4)
	require.NoError(t, err)
	require.Equal(t, []byte("abcd"), got)

	_, err = l.Get(ctx, 1, "q", RingWindow, 30, 10)
	require.Error(t, err, "reads past the window must fail rather than silently truncate")
}

func TestLocalLockSerializesConcurrentAccess(t *testing.T) {
	l := NewLocal()
	a, b := twoUnitTeams(t)
	ctx := context.Background()

	var g errgroup.Group
	g.Go(func() error { return l.OpenQueue(ctx, a, "q", 16) })
	g.Go(func() error { return l.OpenQueue(ctx, b, "q", 16) })
	require.NoError(t, g.Wait())

	const rounds = 200
	var wg sync.WaitGroup
	for i := 0; i < rounds; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.Lock(ctx, 1, "q", TailWindow))
			defer func() { require.NoError(t, l.Unlock(ctx, 1, "q", TailWindow)) }()
			_, err := l.FetchAndOp(ctx, 1, "q", OpSum, 1)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	tailBytes, err := l.Get(ctx, 1, "q", TailWindow, 0, 8)
	require.NoError(t, err)
	var total uint64
	for i, b := range tailBytes {
		total |= uint64(b) << (8 * i)
	}
	require.Equal(t, uint64(rounds), total)
}

func TestLocalBarrierAndAllGather(t *testing.T) {
	l := NewLocal()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	const size = 4
	teams := make([]*team.Team, size)
	for i := 0; i < size; i++ {
		globalIDs := []uint32{0, 1, 2, 3}
		tm, err := team.New("ring", globalIDs, uint32(i))
		require.NoError(t, err)
		teams[i] = tm
	}

	var g errgroup.Group
	results := make([][]uint64, size)
	for i := 0; i < size; i++ {
		i := i
		g.Go(func() error {
			if err := l.Barrier(ctx, teams[i]); err != nil {
				return err
			}
			values, err := l.AllGather(ctx, teams[i], uint64(i*10))
			results[i] = values
			return err
		})
	}
	require.NoError(t, g.Wait())

	want := []uint64{0, 10, 20, 30}
	for i := 0; i < size; i++ {
		require.Equal(t, want, results[i])
	}
}
