// Package dbpool provides the bounded database connection pool every request
// handler goes through. It owns connection lifecycle (dial, idle reaping,
// lifetime retirement, teardown on poisoning), enforces acquire and statement
// timeouts, and publishes every state transition on an event channel that the
// metrics collector subscribes to.
package dbpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/forgebench/forgebench/pkg/config"
	"github.com/forgebench/forgebench/pkg/errors"
)

// Conn is the narrow connection surface the pool manages. Production code
// wraps *pgx.Conn (see Dial); tests substitute fakes.
type Conn interface {
	// Query runs a query and materializes all rows as column-name maps
	Query(ctx context.Context, sql string, args ...any) ([]map[string]any, error)
	// Exec runs a statement and returns the number of rows affected
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	// Ping verifies the connection is alive
	Ping(ctx context.Context) error
	// Close tears the connection down
	Close(ctx context.Context) error
}

// Connector dials a new database connection.
type Connector func(ctx context.Context) (Conn, error)

// PooledConn is a pool-owned connection checked out by exactly one caller at
// a time. Callers must Release it on every exit path; Release is idempotent.
type PooledConn struct {
	conn      Conn
	createdAt time.Time
	idleSince time.Time

	// released is guarded by the pool mutex
	released bool

	// broken marks the connection for teardown on release. Written by the
	// exclusive holder, read under the pool mutex.
	broken      bool
	brokenClass errors.ErrorType
}

// markBroken flags the connection so Release destroys it instead of
// returning it to the idle set.
func (pc *PooledConn) markBroken(class errors.ErrorType) {
	pc.broken = true
	pc.brokenClass = class
}

type waiter struct {
	ch     chan *PooledConn
	queued time.Time
}

// Stats is a point-in-time snapshot of pool state. Each call produces a new
// value; snapshots are never mutated after creation.
//
// TotalConnections counts connections whose dial is still in flight, which
// keeps the MaxSize bound airtight; a snapshot taken mid-dial may therefore
// show IdleConnections+ActiveConnections briefly below TotalConnections.
type Stats struct {
	TotalConnections  int
	IdleConnections   int
	ActiveConnections int
	WaitingRequests   int
	Created           uint64
	Removed           uint64
	DroppedEvents     uint64
	Errors            map[errors.ErrorType]uint64
	Timestamp         time.Time
}

// Pool is a bounded database connection pool. Invariants:
// idle + active == total <= MaxSize, and total counts dials in flight so the
// bound holds while connections are being established.
type Pool struct {
	cfg       config.PoolConfig
	connector Connector
	logger    *zap.Logger

	mu        sync.Mutex
	idle      []*PooledConn
	waiters   []*waiter
	total     int
	active    int
	closed    bool
	created   uint64
	removed   uint64
	errCounts map[errors.ErrorType]uint64

	events  chan Event
	dropped uint64 // atomic

	stopCh chan struct{}
	wg     sync.WaitGroup
}

const eventBuffer = 256

// New creates a pool and warms it to MinSize in the background. The reaper
// goroutine runs until Close.
func New(cfg config.PoolConfig, connector Connector, logger *zap.Logger) *Pool {
	p := &Pool{
		cfg:       cfg,
		connector: connector,
		logger:    logger.With(zap.String("component", "dbpool")),
		errCounts: make(map[errors.ErrorType]uint64),
		events:    make(chan Event, eventBuffer),
		stopCh:    make(chan struct{}),
	}

	p.mu.Lock()
	p.replenishLocked()
	p.mu.Unlock()

	p.wg.Add(1)
	go p.reapLoop()

	return p
}

// Events returns the lifecycle event channel. There is a single logical
// subscriber, the metrics collector.
func (p *Pool) Events() <-chan Event {
	return p.events
}

// Acquire checks out a connection, waiting FIFO behind earlier callers when
// the pool is saturated. It fails with an acquire_timeout error when neither
// a free slot nor a new connection materializes within AcquireTimeout, or
// when ctx is done first.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New(errors.ErrorTypePoolClosed, "pool is closed")
	}

	if pc := p.popIdleLocked(); pc != nil {
		pc.released = false
		p.active++
		p.emitLocked(Event{Kind: EventAcquire, Wait: time.Since(start), At: time.Now()})
		p.mu.Unlock()
		return pc, nil
	}

	if p.total < p.cfg.MaxSize {
		p.total++
		p.mu.Unlock()
		return p.dialForCaller(ctx, start)
	}

	w := &waiter{ch: make(chan *PooledConn, 1), queued: start}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case pc := <-w.ch:
		p.mu.Lock()
		p.emitLocked(Event{Kind: EventAcquire, Wait: time.Since(start), At: time.Now()})
		p.mu.Unlock()
		return pc, nil

	case <-ctx.Done():
		p.abandonWaiter(w)
		p.noteError(errors.ErrorTypeAcquireTimeout)
		return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeAcquireTimeout,
			"request cancelled while waiting for a connection")

	case <-timer.C:
		p.abandonWaiter(w)
		p.noteError(errors.ErrorTypeAcquireTimeout)
		return nil, errors.New(errors.ErrorTypeAcquireTimeout,
			"no connection became available").
			WithDetail("acquire_timeout", p.cfg.AcquireTimeout.String())
	}
}

// Release returns a connection to the pool. Safe to call more than once and
// from any exit path; only the first call per Acquire has an effect. Broken
// connections are torn down and transparently replaced instead of re-idled.
func (p *Pool) Release(pc *PooledConn) {
	if pc == nil {
		return
	}

	p.mu.Lock()
	if pc.released {
		p.mu.Unlock()
		return
	}
	pc.released = true
	p.active--

	if pc.broken || p.closed {
		p.destroyLocked(pc)
		p.maybeDialForWaiterLocked()
		if !p.closed {
			p.replenishLocked()
		}
		p.mu.Unlock()
		return
	}

	// Direct hand-off to the longest-waiting caller keeps the queue FIFO.
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		pc.released = false
		p.active++
		p.emitLocked(Event{Kind: EventRelease, At: time.Now()})
		w.ch <- pc
		p.mu.Unlock()
		return
	}

	pc.idleSince = time.Now()
	p.idle = append(p.idle, pc)
	p.emitLocked(Event{Kind: EventRelease, At: time.Now()})
	p.mu.Unlock()
}

// Execute runs a query on a held connection under StatementTimeout. A query
// that runs past the timeout is cancelled, reported as statement_timeout, and
// the connection is marked for teardown: it is never silently reused.
func (p *Pool) Execute(ctx context.Context, pc *PooledConn, sql string, args ...any) ([]map[string]any, error) {
	qctx, cancel := context.WithTimeout(ctx, p.cfg.StatementTimeout)
	defer cancel()

	rows, err := pc.conn.Query(qctx, sql, args...)
	if err != nil {
		return nil, p.executeError(qctx, pc, err)
	}
	return rows, nil
}

// ExecuteExec runs a mutation on a held connection under StatementTimeout and
// returns the number of rows affected. Same poisoning rules as Execute.
func (p *Pool) ExecuteExec(ctx context.Context, pc *PooledConn, sql string, args ...any) (int64, error) {
	qctx, cancel := context.WithTimeout(ctx, p.cfg.StatementTimeout)
	defer cancel()

	affected, err := pc.conn.Exec(qctx, sql, args...)
	if err != nil {
		return 0, p.executeError(qctx, pc, err)
	}
	return affected, nil
}

// Ping verifies database reachability using a pooled connection.
func (p *Pool) Ping(ctx context.Context) error {
	pc, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(pc)

	if err := pc.conn.Ping(ctx); err != nil {
		pc.markBroken(errors.ErrorTypeConnection)
		p.noteError(errors.ErrorTypeConnection)
		return errors.Wrap(err, errors.ErrorTypeConnection, "database ping failed")
	}
	return nil
}

// Stats returns a fresh snapshot of pool state, consistent with the pool's
// internal counters at observation time.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	errs := make(map[errors.ErrorType]uint64, len(p.errCounts))
	for k, v := range p.errCounts {
		errs[k] = v
	}

	return Stats{
		TotalConnections:  p.total,
		IdleConnections:   len(p.idle),
		ActiveConnections: p.active,
		WaitingRequests:   len(p.waiters),
		Created:           p.created,
		Removed:           p.removed,
		DroppedEvents:     atomic.LoadUint64(&p.dropped),
		Errors:            errs,
		Timestamp:         time.Now(),
	}
}

// Close shuts the pool down. Idle connections are torn down immediately;
// connections still held are torn down as their holders release them.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	for range idle {
		p.total--
		p.removed++
		p.emitLocked(Event{Kind: EventRemove, At: time.Now()})
	}
	p.mu.Unlock()

	close(p.stopCh)

	for _, pc := range idle {
		if err := pc.conn.Close(ctx); err != nil {
			p.logger.Debug("error closing idle connection", zap.Error(err))
		}
	}

	p.wg.Wait()
	p.logger.Info("connection pool closed")
}

// executeError classifies a failed query, counts it, and poisons the
// connection for timeout and network faults. Plain query errors (bad SQL,
// constraint violations) leave the connection healthy.
func (p *Pool) executeError(qctx context.Context, pc *PooledConn, err error) error {
	class := classifyExecError(qctx, err)
	p.noteError(class)

	switch class {
	case errors.ErrorTypeStatementTimeout:
		pc.markBroken(class)
		p.logger.Warn("statement timeout, connection will be replaced",
			zap.Duration("statement_timeout", p.cfg.StatementTimeout))
		return errors.Wrap(err, class, "query exceeded statement timeout")
	case errors.ErrorTypeConnection:
		pc.markBroken(class)
		return errors.Wrap(err, class, "connection fault during query")
	default:
		return errors.Wrap(err, class, "query failed")
	}
}

// dialForCaller establishes a connection on behalf of a blocked Acquire.
// The caller has already reserved a slot in p.total.
func (p *Pool) dialForCaller(ctx context.Context, start time.Time) (*PooledConn, error) {
	dctx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	conn, err := p.connector(dctx)
	if err != nil {
		class := classifyDialError(dctx, err)
		p.mu.Lock()
		p.total--
		p.errCounts[class]++
		p.emitLocked(Event{Kind: EventError, ErrClass: class, At: time.Now()})
		p.maybeDialForWaiterLocked()
		p.mu.Unlock()
		return nil, errors.Wrap(err, class, "failed to establish connection")
	}

	pc := &PooledConn{conn: conn, createdAt: time.Now()}

	p.mu.Lock()
	if p.closed {
		p.total--
		p.mu.Unlock()
		_ = conn.Close(context.Background())
		return nil, errors.New(errors.ErrorTypePoolClosed, "pool is closed")
	}
	p.created++
	p.active++
	p.emitLocked(Event{Kind: EventConnect, At: time.Now()})
	p.emitLocked(Event{Kind: EventAcquire, Wait: time.Since(start), At: time.Now()})
	p.mu.Unlock()

	return pc, nil
}

// dialBackground establishes a connection for the idle set or a queued
// waiter. The slot in p.total is already reserved. No retry loop here: a
// failed dial gives the slot back and the next reap tick tries again.
func (p *Pool) dialBackground() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AcquireTimeout)
	defer cancel()

	conn, err := p.connector(ctx)
	if err != nil {
		class := classifyDialError(ctx, err)
		p.mu.Lock()
		p.total--
		p.errCounts[class]++
		p.emitLocked(Event{Kind: EventError, ErrClass: class, At: time.Now()})
		p.mu.Unlock()
		p.logger.Warn("background dial failed", zap.Error(err))
		return
	}

	pc := &PooledConn{conn: conn, createdAt: time.Now(), released: true}

	p.mu.Lock()
	if p.closed {
		p.total--
		p.mu.Unlock()
		_ = conn.Close(context.Background())
		return
	}
	p.created++
	p.emitLocked(Event{Kind: EventConnect, At: time.Now()})

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		pc.released = false
		p.active++
		w.ch <- pc
		p.mu.Unlock()
		return
	}

	pc.idleSince = time.Now()
	p.idle = append(p.idle, pc)
	p.mu.Unlock()
}

// abandonWaiter removes a timed-out waiter from the queue. When removal
// loses the race with a hand-off (delivery happens under the pool mutex, so
// absence from the queue means the connection is already in the channel),
// the delivered connection is put back.
func (p *Pool) abandonWaiter(w *waiter) {
	p.mu.Lock()
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	pc := <-w.ch
	p.Release(pc)
}

func (p *Pool) popIdleLocked() *PooledConn {
	n := len(p.idle)
	if n == 0 {
		return nil
	}
	// LIFO reuse keeps the working set warm and lets the idle tail age out.
	pc := p.idle[n-1]
	p.idle = p.idle[:n-1]
	return pc
}

// destroyLocked removes a connection from the pool's accounting and closes
// it asynchronously.
func (p *Pool) destroyLocked(pc *PooledConn) {
	p.total--
	p.removed++
	p.emitLocked(Event{Kind: EventRemove, At: time.Now()})

	conn := pc.conn
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(ctx)
	}()
}

// replenishLocked reserves slots and dials until total reaches MinSize.
func (p *Pool) replenishLocked() {
	for p.total < p.cfg.MinSize && !p.closed {
		p.total++
		go p.dialBackground()
	}
}

// maybeDialForWaiterLocked dials on behalf of a queued waiter after a
// teardown freed capacity, so waiters are not stranded behind a dead slot.
func (p *Pool) maybeDialForWaiterLocked() {
	if p.closed {
		return
	}
	if len(p.waiters) > 0 && p.total < p.cfg.MaxSize {
		p.total++
		go p.dialBackground()
	}
}

func (p *Pool) noteError(class errors.ErrorType) {
	p.mu.Lock()
	p.errCounts[class]++
	p.emitLocked(Event{Kind: EventError, ErrClass: class, At: time.Now()})
	p.mu.Unlock()
}

// emitLocked publishes an event without ever blocking pool operations.
func (p *Pool) emitLocked(ev Event) {
	select {
	case p.events <- ev:
	default:
		atomic.AddUint64(&p.dropped, 1)
	}
}

func (p *Pool) reapLoop() {
	defer p.wg.Done()

	interval := p.cfg.IdleTimeout / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.reap()
		case <-p.stopCh:
			return
		}
	}
}

// reap retires idle connections past IdleTimeout (down to MinSize) and any
// connection past MaxConnLifetime, then refills to MinSize.
func (p *Pool) reap() {
	p.mu.Lock()
	now := time.Now()
	kept := p.idle[:0]
	for _, pc := range p.idle {
		expired := p.cfg.MaxConnLifetime > 0 && now.Sub(pc.createdAt) > p.cfg.MaxConnLifetime
		idle := now.Sub(pc.idleSince) > p.cfg.IdleTimeout && p.total > p.cfg.MinSize
		if expired || idle {
			p.destroyLocked(pc)
			continue
		}
		kept = append(kept, pc)
	}
	p.idle = kept
	p.replenishLocked()
	p.mu.Unlock()
}
