package fabric

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRendezvousJoinGathersAllValues(t *testing.T) {
	rv := newRendezvous(3)

	var wg sync.WaitGroup
	results := make([][]uint64, 3)
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = rv.join(i, uint64(i*100))
		}()
	}
	wg.Wait()

	want := []uint64{0, 100, 200}
	for i := 0; i < 3; i++ {
		require.Equal(t, want, results[i])
	}
}

func TestRendezvousIsReusableAcrossRounds(t *testing.T) {
	rv := newRendezvous(2)

	var wg sync.WaitGroup
	for round := 0; round < 5; round++ {
		round := round
		wg.Add(2)
		go func() {
			defer wg.Done()
			values := rv.join(0, uint64(round))
			require.Equal(t, uint64(round), values[0])
		}()
		go func() {
			defer wg.Done()
			values := rv.join(1, uint64(round+1))
			require.Equal(t, uint64(round+1), values[1])
		}()
		wg.Wait()
	}
}
