// TCP implements Fabric over a real network, for running a PGAS team as
// separate OS processes instead of Local's single-process simulation.
//
// Each unit owns and serves its own exposed windows; a peer addresses
// another unit's window by dialing it directly, writing one length-prefixed
// request frame, and reading one length-prefixed response frame back
// (tests/functional/framework/socket_client.go's framing, adapted from
// packet injection to RMA commands). A window lock is a mutex inside the
// serving unit that a Lock request acquires and a later Unlock request —
// arriving on an unrelated connection — releases; Go's sync.Mutex permits
// that by design, so this maps cleanly onto spec.md's two-phase locking
// without needing a persistent connection per lock.
//
// Collectives (Barrier, AllGather, and the barriers behind OpenQueue and
// CloseQueue) are coordinated by the team's relative-ID-0 member, reusing
// the same rendezvous primitive Local uses — the only difference is that
// participants reach it over a dialed connection instead of a direct call.
package fabric

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/dart-go/dartq/internal/team"
)

// TCPPeer maps a unit's global ID to the address it serves its fabric on.
type TCPPeer struct {
	GlobalID uint32
	Addr     string
}

// TCPConfig configures a TCP fabric endpoint.
type TCPConfig struct {
	// Self is this process's own global unit ID.
	Self uint32
	// Listen is the local address to accept fabric connections on.
	Listen string
	// Peers lists every unit's global ID and address, including Self.
	Peers []TCPPeer

	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration
	// DialRetries bounds the number of dial attempts before giving up.
	DialRetries uint
}

func (c TCPConfig) withDefaults() TCPConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.DialRetries == 0 {
		c.DialRetries = 5
	}
	return c
}

// TCP is a Fabric backed by real TCP connections between unit processes.
type TCP struct {
	cfg      TCPConfig
	log      *zap.SugaredLogger
	peerAddr map[uint32]string

	mu       sync.Mutex
	memories map[string]*unitMemory // own queues, keyed by queueID

	rvMu          sync.Mutex
	teamBarrier   map[string]*rendezvous
	teamAllGather map[string]*rendezvous

	listener net.Listener
}

// TCPOption configures a TCP fabric.
type TCPOption func(*TCP)

// WithTCPLog sets the logger used for diagnostic messages.
func WithTCPLog(log *zap.SugaredLogger) TCPOption {
	return func(t *TCP) {
		t.log = log
	}
}

// NewTCP creates a TCP fabric endpoint for cfg.Self. Call Serve to start
// accepting connections from peers before issuing any collective call.
func NewTCP(cfg TCPConfig, opts ...TCPOption) (*TCP, error) {
	cfg = cfg.withDefaults()

	peerAddr := make(map[uint32]string, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peerAddr[p.GlobalID] = p.Addr
	}
	if _, ok := peerAddr[cfg.Self]; !ok {
		return nil, fmt.Errorf("fabric: self unit %d missing from peer list", cfg.Self)
	}

	t := &TCP{
		cfg:           cfg,
		log:           zap.NewNop().Sugar(),
		peerAddr:      peerAddr,
		memories:      make(map[string]*unitMemory),
		teamBarrier:   make(map[string]*rendezvous),
		teamAllGather: make(map[string]*rendezvous),
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Serve accepts fabric connections until ctx is canceled or Close is
// called.
func (t *TCP) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", t.cfg.Listen)
	if err != nil {
		return fmt.Errorf("fabric: listening on %s: %w", t.cfg.Listen, err)
	}
	t.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("fabric: accept: %w", err)
			}
		}
		go t.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (t *TCP) Close() error {
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

func (t *TCP) memoryFor(queueID string) (*unitMemory, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	mem, ok := t.memories[queueID]
	return mem, ok
}

func (t *TCP) rendezvousFor(m map[string]*rendezvous, key string, size int) *rendezvous {
	t.rvMu.Lock()
	defer t.rvMu.Unlock()

	rv, ok := m[key]
	if !ok {
		rv = newRendezvous(size)
		m[key] = rv
	}
	return rv
}

// handleConn serves exactly one request frame and replies with exactly one
// response frame, then closes the connection.
func (t *TCP) handleConn(conn net.Conn) {
	defer conn.Close()

	req, err := readFrame(bufio.NewReader(conn))
	if err != nil {
		t.log.Debugw("failed to read fabric request", "error", err)
		return
	}
	if len(req) == 0 {
		return
	}

	op := opcode(req[0])
	body := bytes.NewReader(req[1:])

	if err := t.dispatch(conn, op, body); err != nil {
		t.log.Warnw("fabric request failed", "opcode", op, "error", err)
	}
}

func (t *TCP) dispatch(conn net.Conn, op opcode, body *bytes.Reader) error {
	switch op {
	case opLock, opUnlock:
		queueID, err := getString(body)
		if err != nil {
			return writeErrorResponse(conn, err)
		}
		winByte, err := body.ReadByte()
		if err != nil {
			return writeErrorResponse(conn, err)
		}
		win := Window(winByte)

		mem, ok := t.memoryFor(queueID)
		if !ok {
			return writeErrorResponse(conn, fmt.Errorf("no window for queue %q", queueID))
		}
		mu := t.windowMutexOf(mem, win)
		if op == opLock {
			mu.Lock()
		} else {
			mu.Unlock()
		}
		return writeOKResponse(conn, nil)

	case opFetchAndOp:
		queueID, err := getString(body)
		if err != nil {
			return writeErrorResponse(conn, err)
		}
		opByte, err := body.ReadByte()
		if err != nil {
			return writeErrorResponse(conn, err)
		}
		operand, err := getUint64(body)
		if err != nil {
			return writeErrorResponse(conn, err)
		}

		mem, ok := t.memoryFor(queueID)
		if !ok {
			return writeErrorResponse(conn, fmt.Errorf("no window for queue %q", queueID))
		}
		prev, err := mem.fetchAndOp(Op(opByte), operand)
		if err != nil {
			return writeErrorResponse(conn, err)
		}
		var resp bytes.Buffer
		putUint64(&resp, prev)
		return writeOKResponse(conn, resp.Bytes())

	case opPut:
		queueID, err := getString(body)
		if err != nil {
			return writeErrorResponse(conn, err)
		}
		winByte, err := body.ReadByte()
		if err != nil {
			return writeErrorResponse(conn, err)
		}
		offset, err := getUint64(body)
		if err != nil {
			return writeErrorResponse(conn, err)
		}
		data, err := getBytes32(body)
		if err != nil {
			return writeErrorResponse(conn, err)
		}

		mem, ok := t.memoryFor(queueID)
		if !ok {
			return writeErrorResponse(conn, fmt.Errorf("no window for queue %q", queueID))
		}
		if err := mem.put(Window(winByte), offset, data); err != nil {
			return writeErrorResponse(conn, err)
		}
		return writeOKResponse(conn, nil)

	case opGet:
		queueID, err := getString(body)
		if err != nil {
			return writeErrorResponse(conn, err)
		}
		winByte, err := body.ReadByte()
		if err != nil {
			return writeErrorResponse(conn, err)
		}
		offset, err := getUint64(body)
		if err != nil {
			return writeErrorResponse(conn, err)
		}
		n, err := getUint32(body)
		if err != nil {
			return writeErrorResponse(conn, err)
		}

		mem, ok := t.memoryFor(queueID)
		if !ok {
			return writeErrorResponse(conn, fmt.Errorf("no window for queue %q", queueID))
		}
		data, err := mem.get(Window(winByte), offset, int(n))
		if err != nil {
			return writeErrorResponse(conn, err)
		}
		var resp bytes.Buffer
		putBytes32(&resp, data)
		return writeOKResponse(conn, resp.Bytes())

	case opCollective:
		teamName, err := getString(body)
		if err != nil {
			return writeErrorResponse(conn, err)
		}
		relID, err := getUint32(body)
		if err != nil {
			return writeErrorResponse(conn, err)
		}
		size, err := getUint32(body)
		if err != nil {
			return writeErrorResponse(conn, err)
		}
		value, err := getUint64(body)
		if err != nil {
			return writeErrorResponse(conn, err)
		}

		rv := t.rendezvousFor(t.teamAllGather, teamName, int(size))
		values := rv.join(int(relID), value)

		var resp bytes.Buffer
		putUint32(&resp, uint32(len(values)))
		for _, v := range values {
			putUint64(&resp, v)
		}
		return writeOKResponse(conn, resp.Bytes())

	default:
		return writeErrorResponse(conn, fmt.Errorf("unknown opcode %d", op))
	}
}

func (t *TCP) windowMutexOf(mem *unitMemory, win Window) *sync.Mutex {
	if win == TailWindow {
		return &mem.tailMu
	}
	return &mem.ringMu
}

// dialPeer dials target's address with exponential backoff, grounded in
// tests/functional/framework/socket_client.go's retry-on-connect loop but
// using the teacher's actual declared backoff dependency in place of a
// hand-rolled sleep loop.
func (t *TCP) dialPeer(ctx context.Context, target uint32) (net.Conn, error) {
	addr, ok := t.peerAddr[target]
	if !ok {
		return nil, fmt.Errorf("fabric: unknown peer %d", target)
	}

	op := func(_ context.Context) (net.Conn, error) {
		conn, err := net.DialTimeout("tcp", addr, t.cfg.DialTimeout)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(t.cfg.DialRetries),
	)
}

// call dials target, sends one request frame, and returns the checked
// response body (status byte stripped).
func (t *TCP) call(ctx context.Context, target uint32, req []byte) ([]byte, error) {
	conn, err := t.dialPeer(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("fabric: dialing unit %d: %w", target, err)
	}
	defer conn.Close()

	type callResult struct {
		body []byte
		err  error
	}
	resCh := make(chan callResult, 1)

	go func() {
		if err := writeFrame(conn, req); err != nil {
			resCh <- callResult{err: err}
			return
		}
		resp, err := readFrame(bufio.NewReader(conn))
		if err != nil {
			resCh <- callResult{err: err}
			return
		}
		body, err := checkStatus(resp)
		resCh <- callResult{body: body, err: err}
	}()

	select {
	case res := <-resCh:
		return res.body, res.err
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	}
}

func (t *TCP) OpenQueue(ctx context.Context, tm *team.Team, queueID string, capacity uint64) error {
	mem := &unitMemory{
		ring:    make([]byte, capacity),
		scratch: make([]byte, capacity),
	}

	t.mu.Lock()
	t.memories[queueID] = mem
	t.mu.Unlock()

	return t.Barrier(ctx, tm)
}

func (t *TCP) CloseQueue(ctx context.Context, tm *team.Team, queueID string) error {
	if err := t.Barrier(ctx, tm); err != nil {
		return err
	}

	t.mu.Lock()
	delete(t.memories, queueID)
	t.mu.Unlock()

	return nil
}

func (t *TCP) Lock(ctx context.Context, target uint32, queueID string, win Window) error {
	if target == t.cfg.Self {
		mem, ok := t.memoryFor(queueID)
		if !ok {
			return fmt.Errorf("fabric: no window for queue %q", queueID)
		}
		t.windowMutexOf(mem, win).Lock()
		return nil
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(opLock))
	putString(&buf, queueID)
	buf.WriteByte(byte(win))
	_, err := t.call(ctx, target, buf.Bytes())
	return err
}

func (t *TCP) Unlock(ctx context.Context, target uint32, queueID string, win Window) error {
	if target == t.cfg.Self {
		mem, ok := t.memoryFor(queueID)
		if !ok {
			return fmt.Errorf("fabric: no window for queue %q", queueID)
		}
		t.windowMutexOf(mem, win).Unlock()
		return nil
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(opUnlock))
	putString(&buf, queueID)
	buf.WriteByte(byte(win))
	_, err := t.call(ctx, target, buf.Bytes())
	return err
}

func (t *TCP) FetchAndOp(ctx context.Context, target uint32, queueID string, op Op, operand uint64) (uint64, error) {
	if target == t.cfg.Self {
		mem, ok := t.memoryFor(queueID)
		if !ok {
			return 0, fmt.Errorf("fabric: no window for queue %q", queueID)
		}
		return mem.fetchAndOp(op, operand)
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(opFetchAndOp))
	putString(&buf, queueID)
	buf.WriteByte(byte(op))
	putUint64(&buf, operand)

	resp, err := t.call(ctx, target, buf.Bytes())
	if err != nil {
		return 0, err
	}
	return getUint64(bytes.NewReader(resp))
}

func (t *TCP) Put(ctx context.Context, target uint32, queueID string, win Window, offset uint64, data []byte) error {
	if target == t.cfg.Self {
		mem, ok := t.memoryFor(queueID)
		if !ok {
			return fmt.Errorf("fabric: no window for queue %q", queueID)
		}
		return mem.put(win, offset, data)
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(opPut))
	putString(&buf, queueID)
	buf.WriteByte(byte(win))
	putUint64(&buf, offset)
	putBytes32(&buf, data)

	_, err := t.call(ctx, target, buf.Bytes())
	return err
}

func (t *TCP) Get(ctx context.Context, target uint32, queueID string, win Window, offset uint64, n int) ([]byte, error) {
	if target == t.cfg.Self {
		mem, ok := t.memoryFor(queueID)
		if !ok {
			return nil, fmt.Errorf("fabric: no window for queue %q", queueID)
		}
		return mem.get(win, offset, n)
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(opGet))
	putString(&buf, queueID)
	buf.WriteByte(byte(win))
	putUint64(&buf, offset)
	putUint32(&buf, uint32(n))

	resp, err := t.call(ctx, target, buf.Bytes())
	if err != nil {
		return nil, err
	}
	return getBytes32(bytes.NewReader(resp))
}

func (t *TCP) Scratch(self uint32, queueID string) ([]byte, error) {
	if self != t.cfg.Self {
		return nil, fmt.Errorf("fabric: scratch is only available for the local unit (%d), not %d", t.cfg.Self, self)
	}
	mem, ok := t.memoryFor(queueID)
	if !ok {
		return nil, fmt.Errorf("fabric: no window for queue %q", queueID)
	}
	return mem.scratch, nil
}

// coordinator returns the unit that coordinates collectives for tm: its
// relative-ID-0 member.
func (t *TCP) coordinator(tm *team.Team) uint32 {
	return tm.GlobalIDs()[0]
}

func (t *TCP) Barrier(ctx context.Context, tm *team.Team) error {
	_, err := t.allGather(ctx, tm, 0)
	return err
}

func (t *TCP) AllGather(ctx context.Context, tm *team.Team, local uint64) ([]uint64, error) {
	return t.allGather(ctx, tm, local)
}

func (t *TCP) allGather(ctx context.Context, tm *team.Team, local uint64) ([]uint64, error) {
	coord := t.coordinator(tm)

	if coord == t.cfg.Self {
		rv := t.rendezvousFor(t.teamAllGather, tm.Name(), tm.Size())

		done := make(chan []uint64, 1)
		go func() {
			done <- rv.join(int(tm.MyRelativeID()), local)
		}()

		select {
		case values := <-done:
			return values, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(opCollective))
	putString(&buf, tm.Name())
	putUint32(&buf, tm.MyRelativeID())
	putUint32(&buf, uint32(tm.Size()))
	putUint64(&buf, local)

	resp, err := t.call(ctx, coord, buf.Bytes())
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(resp)
	count, err := getUint32(r)
	if err != nil {
		return nil, err
	}
	values := make([]uint64, count)
	for i := range values {
		values[i], err = getUint64(r)
		if err != nil {
			return nil, err
		}
	}
	return values, nil
}
