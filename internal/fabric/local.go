package fabric

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dart-go/dartq/internal/team"
)

// unitMemory is one unit's exposed state for a single queue: the 8-byte
// tail window, the capacity-byte ring window, and the local, non-exposed
// scratch buffer Process snapshots into.
type unitMemory struct {
	tailMu sync.Mutex
	ringMu sync.Mutex

	tail    uint64
	ring    []byte
	scratch []byte
}

func (u *unitMemory) get(win Window, offset uint64, n int) ([]byte, error) {
	switch win {
	case TailWindow:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], u.tail)
		if offset+uint64(n) > 8 {
			return nil, fmt.Errorf("fabric: tail window get out of range: offset=%d n=%d", offset, n)
		}
		out := make([]byte, n)
		copy(out, buf[offset:offset+uint64(n)])
		return out, nil
	case RingWindow:
		if offset+uint64(n) > uint64(len(u.ring)) {
			return nil, fmt.Errorf("fabric: ring window get out of range: offset=%d n=%d capacity=%d", offset, n, len(u.ring))
		}
		out := make([]byte, n)
		copy(out, u.ring[offset:offset+uint64(n)])
		return out, nil
	default:
		return nil, fmt.Errorf("fabric: unknown window %d", win)
	}
}

func (u *unitMemory) put(win Window, offset uint64, data []byte) error {
	switch win {
	case TailWindow:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], u.tail)
		if offset+uint64(len(data)) > 8 {
			return fmt.Errorf("fabric: tail window put out of range: offset=%d n=%d", offset, len(data))
		}
		copy(buf[offset:], data)
		u.tail = binary.LittleEndian.Uint64(buf[:])
		return nil
	case RingWindow:
		if offset+uint64(len(data)) > uint64(len(u.ring)) {
			return fmt.Errorf("fabric: ring window put out of range: offset=%d n=%d capacity=%d", offset, len(data), len(u.ring))
		}
		copy(u.ring[offset:], data)
		return nil
	default:
		return fmt.Errorf("fabric: unknown window %d", win)
	}
}

func (u *unitMemory) fetchAndOp(op Op, operand uint64) (uint64, error) {
	prev := u.tail
	switch op {
	case OpSum:
		u.tail = prev + operand
	case OpReplace:
		u.tail = operand
	default:
		return 0, fmt.Errorf("fabric: unknown op %d", op)
	}
	return prev, nil
}

type queueUnitKey struct {
	queueID string
	unit    uint32
}

// Local simulates the one-sided RMA fabric for a team of units that all
// live inside a single process, addressed by their global unit ID. It is
// what dartq's test suite and spec.md §8 scenarios run against: goroutines
// stand in for units, and Lock/Unlock are real mutexes rather than network
// round-trips.
//
// A single Local instance may back multiple independent teams and queues at
// once; collective operations (OpenQueue, CloseQueue, Barrier, AllGather)
// are keyed by team name / queue ID so unrelated collectives never
// rendezvous with each other.
type Local struct {
	mu  sync.Mutex
	log *zap.SugaredLogger

	memories map[queueUnitKey]*unitMemory

	teamBarrier   map[string]*rendezvous
	teamAllGather map[string]*rendezvous
	openRV        map[string]*rendezvous
	closeRV       map[string]*rendezvous
}

// LocalOption configures a Local fabric.
type LocalOption func(*Local)

// WithLog sets the logger used for diagnostic messages.
func WithLog(log *zap.SugaredLogger) LocalOption {
	return func(l *Local) {
		l.log = log
	}
}

// NewLocal creates an empty in-process fabric.
func NewLocal(opts ...LocalOption) *Local {
	l := &Local{
		log:           zap.NewNop().Sugar(),
		memories:      make(map[queueUnitKey]*unitMemory),
		teamBarrier:   make(map[string]*rendezvous),
		teamAllGather: make(map[string]*rendezvous),
		openRV:        make(map[string]*rendezvous),
		closeRV:       make(map[string]*rendezvous),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func rendezvousFor(mu *sync.Mutex, m map[string]*rendezvous, key string, size int) *rendezvous {
	mu.Lock()
	defer mu.Unlock()

	rv, ok := m[key]
	if !ok {
		rv = newRendezvous(size)
		m[key] = rv
	}
	return rv
}

func (l *Local) memoryFor(queueID string, unit uint32) (*unitMemory, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	mem, ok := l.memories[queueUnitKey{queueID: queueID, unit: unit}]
	return mem, ok
}

// OpenQueue allocates t's caller's window for queueID and blocks until
// every member of t has done the same.
func (l *Local) OpenQueue(ctx context.Context, t *team.Team, queueID string, capacity uint64) error {
	mem := &unitMemory{
		ring:    make([]byte, capacity),
		scratch: make([]byte, capacity),
	}

	l.mu.Lock()
	l.memories[queueUnitKey{queueID: queueID, unit: t.MyGlobalID()}] = mem
	l.mu.Unlock()

	rv := rendezvousFor(&l.mu, l.openRV, queueID, t.Size())

	done := make(chan struct{})
	go func() {
		rv.join(int(t.MyRelativeID()), 1)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseQueue blocks until every member of t has called CloseQueue for
// queueID, then frees the caller's window and scratch buffer.
func (l *Local) CloseQueue(ctx context.Context, t *team.Team, queueID string) error {
	rv := rendezvousFor(&l.mu, l.closeRV, queueID, t.Size())

	done := make(chan struct{})
	go func() {
		rv.join(int(t.MyRelativeID()), 1)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	l.mu.Lock()
	delete(l.memories, queueUnitKey{queueID: queueID, unit: t.MyGlobalID()})
	l.mu.Unlock()

	return nil
}

func (l *Local) Lock(ctx context.Context, target uint32, queueID string, win Window) error {
	mem, ok := l.memoryFor(queueID, target)
	if !ok {
		return fmt.Errorf("fabric: no window for queue %q on unit %d", queueID, target)
	}

	mu := l.windowMutex(mem, win)
	lockCh := make(chan struct{})
	go func() {
		mu.Lock()
		close(lockCh)
	}()

	select {
	case <-lockCh:
		return nil
	case <-ctx.Done():
		// The lock will still be acquired eventually by the goroutine
		// above and leak held; callers are expected to use Lock only
		// with contexts they intend to honor for the queue's lifetime.
		return ctx.Err()
	}
}

func (l *Local) Unlock(ctx context.Context, target uint32, queueID string, win Window) error {
	mem, ok := l.memoryFor(queueID, target)
	if !ok {
		return fmt.Errorf("fabric: no window for queue %q on unit %d", queueID, target)
	}

	l.windowMutex(mem, win).Unlock()
	return nil
}

func (l *Local) windowMutex(mem *unitMemory, win Window) *sync.Mutex {
	if win == TailWindow {
		return &mem.tailMu
	}
	return &mem.ringMu
}

func (l *Local) FetchAndOp(ctx context.Context, target uint32, queueID string, op Op, operand uint64) (uint64, error) {
	mem, ok := l.memoryFor(queueID, target)
	if !ok {
		return 0, fmt.Errorf("fabric: no window for queue %q on unit %d", queueID, target)
	}
	return mem.fetchAndOp(op, operand)
}

func (l *Local) Put(ctx context.Context, target uint32, queueID string, win Window, offset uint64, data []byte) error {
	mem, ok := l.memoryFor(queueID, target)
	if !ok {
		return fmt.Errorf("fabric: no window for queue %q on unit %d", queueID, target)
	}
	return mem.put(win, offset, data)
}

func (l *Local) Get(ctx context.Context, target uint32, queueID string, win Window, offset uint64, n int) ([]byte, error) {
	mem, ok := l.memoryFor(queueID, target)
	if !ok {
		return nil, fmt.Errorf("fabric: no window for queue %q on unit %d", queueID, target)
	}
	return mem.get(win, offset, n)
}

func (l *Local) Scratch(self uint32, queueID string) ([]byte, error) {
	mem, ok := l.memoryFor(queueID, self)
	if !ok {
		return nil, fmt.Errorf("fabric: no window for queue %q on unit %d", queueID, self)
	}
	return mem.scratch, nil
}

func (l *Local) Barrier(ctx context.Context, t *team.Team) error {
	rv := rendezvousFor(&l.mu, l.teamBarrier, t.Name(), t.Size())

	done := make(chan struct{})
	go func() {
		rv.join(int(t.MyRelativeID()), 0)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Local) AllGather(ctx context.Context, t *team.Team, local uint64) ([]uint64, error) {
	rv := rendezvousFor(&l.mu, l.teamAllGather, t.Name(), t.Size())

	type result struct {
		values []uint64
	}
	resCh := make(chan result, 1)
	go func() {
		resCh <- result{values: rv.join(int(t.MyRelativeID()), local)}
	}()

	select {
	case res := <-resCh:
		return res.values, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
