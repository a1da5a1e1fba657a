package fabric

import "sync"

// rendezvous is a reusable, cyclic barrier that doubles as an all-gather:
// every participant contributes one uint64 and all of them observe the full
// vector once the last participant arrives. It underlies Local's Barrier
// and AllGather (a barrier is an all-gather whose result is discarded).
type rendezvous struct {
	mu     sync.Mutex
	cond   *sync.Cond
	size   int
	count  int
	gen    uint64
	values []uint64
	result []uint64
}

func newRendezvous(size int) *rendezvous {
	r := &rendezvous{
		size:   size,
		values: make([]uint64, size),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// join contributes local at position idx and returns the full vector once
// every one of size participants has joined the same round.
func (r *rendezvous) join(idx int, local uint64) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	myGen := r.gen
	r.values[idx] = local
	r.count++

	if r.count == r.size {
		r.result = append([]uint64(nil), r.values...)
		r.count = 0
		r.gen++
		r.cond.Broadcast()
		return append([]uint64(nil), r.result...)
	}

	for r.gen == myGen {
		r.cond.Wait()
	}
	return append([]uint64(nil), r.result...)
}
