package fabric

import (
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Collective runs fn once per unit, concurrently, and waits for every call
// to finish. Unlike errgroup.Group — which reports only the first error and
// cancels the rest — Collective reports every participant's failure: in a
// real collective operation every unit's outcome matters, since a silent
// majority-success doesn't tell a caller which unit left the operation in
// an inconsistent state.
func Collective[T any](units []T, fn func(T) error) error {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		result *multierror.Error
	)

	for _, u := range units {
		u := u
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(u); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return result.ErrorOrNil()
}
