// Package pool manages the bounded set of renderer sessions.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/WarriorSushi/Speedstein-sub004/internal/render"
)

// Sentinel errors for pool operations.
var (
	ErrPoolExhausted       = errors.New("render pool exhausted")
	ErrRendererStartFailed = errors.New("renderer start failed")
	ErrPoolClosed          = errors.New("render pool closed")
	ErrPoolHalted          = errors.New("render pool halted after invariant violation")
	ErrLeaseReclaimed      = errors.New("lease reclaimed")
)

// StartFunc launches a new renderer session.
type StartFunc func(ctx context.Context) (render.Session, error)

// Config controls pool sizing and lifecycle timeouts.
type Config struct {
	MinIdle             int
	MaxSessions         int
	AcquireTimeout      time.Duration
	IdleTimeout         time.Duration
	LeaseTimeout        time.Duration
	MaintenanceInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 4
	}
	if c.MinIdle < 0 {
		c.MinIdle = 0
	}
	if c.MinIdle > c.MaxSessions {
		c.MinIdle = c.MaxSessions
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 2 * time.Minute
	}
	return c
}

type entry struct {
	id        uint64
	sess      render.Session
	idleSince time.Time
	leasedAt  time.Time
}

// Lease is an opaque token granting exclusive use of one session. Raw
// session references never escape the pool.
type Lease struct {
	p  *Pool
	id uint64
}

// Pool owns all renderer sessions. Sessions are created lazily on acquire,
// destroyed on failed health checks, idle timeout, or lease reclaim.
type Pool struct {
	cfg    Config
	start  StartFunc
	clock  render.Clock
	logger *zap.Logger

	mu       sync.Mutex
	idle     []*entry
	leased   map[uint64]*entry
	starting int
	probing  int
	nextID   uint64
	waiters  []chan *Lease
	halted   bool
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Pool. The maintenance loop starts only when
// MaintenanceInterval is positive; tests drive maintenance manually.
func New(cfg Config, start StartFunc, clock render.Clock, logger *zap.Logger) *Pool {
	p := &Pool{
		cfg:    cfg.withDefaults(),
		start:  start,
		clock:  clock,
		logger: logger,
		leased: make(map[uint64]*entry),
		done:   make(chan struct{}),
	}
	if p.cfg.MaintenanceInterval > 0 {
		p.wg.Add(1)
		go p.maintenanceLoop()
	}
	return p
}

// Acquire blocks until a session is idle or capacity allows creating one.
// It fails ErrPoolExhausted once the acquire timeout elapses and
// ErrRendererStartFailed when a launch fails.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	for {
		p.mu.Lock()
		if err := p.usableLocked(); err != nil {
			p.mu.Unlock()
			return nil, err
		}
		if n := len(p.idle); n > 0 {
			e := p.idle[n-1]
			p.idle = p.idle[:n-1]
			lease := p.leaseLocked(e)
			p.mu.Unlock()
			return lease, nil
		}
		if p.totalLocked() < p.cfg.MaxSessions {
			p.starting++
			p.mu.Unlock()

			e, err := p.startSession(ctx)

			p.mu.Lock()
			p.starting--
			if err != nil {
				p.signalCapacityLocked()
				p.mu.Unlock()
				return nil, fmt.Errorf("%w: %v", ErrRendererStartFailed, err)
			}
			if p.closed {
				p.mu.Unlock()
				p.destroy(e)
				return nil, ErrPoolClosed
			}
			lease := p.leaseLocked(e)
			p.mu.Unlock()
			return lease, nil
		}

		ch := make(chan *Lease, 1)
		p.waiters = append(p.waiters, ch)
		p.mu.Unlock()

		select {
		case lease, ok := <-ch:
			if !ok {
				return nil, ErrPoolClosed
			}
			if lease == nil {
				// Capacity freed without a reusable session; retry.
				continue
			}
			return lease, nil
		case <-ctx.Done():
			p.abandonWaiter(ch)
			return nil, ErrPoolExhausted
		}
	}
}

// Release returns a leased session. Healthy sessions go back to the idle
// set (or straight to a waiter); unhealthy ones are destroyed and replaced
// if the pool is below minIdle. Releasing a reclaimed lease is a no-op.
func (p *Pool) Release(l *Lease, healthy bool) {
	if l == nil {
		return
	}
	p.mu.Lock()
	e, ok := p.leased[l.id]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.leased, l.id)
	if p.closed {
		p.mu.Unlock()
		p.destroy(e)
		return
	}
	if healthy {
		p.handOffOrParkLocked(e)
		p.mu.Unlock()
		return
	}
	p.signalCapacityLocked()
	p.mu.Unlock()

	p.destroy(e)
	p.replenish()
}

// HealthCheck probes all idle sessions and destroys the ones that fail.
// Unhealthy sessions are never returned to the idle set.
func (p *Pool) HealthCheck(ctx context.Context) {
	p.mu.Lock()
	candidates := p.idle
	p.idle = nil
	p.probing += len(candidates)
	p.mu.Unlock()

	for _, e := range candidates {
		err := e.sess.Ping(ctx)

		p.mu.Lock()
		p.probing--
		if err != nil {
			p.logger.Warn("idle session failed health check",
				zap.Uint64("session_id", e.id),
				zap.Error(err),
			)
			p.signalCapacityLocked()
			p.mu.Unlock()
			p.destroy(e)
			continue
		}
		if p.closed {
			p.mu.Unlock()
			p.destroy(e)
			continue
		}
		p.handOffOrParkLocked(e)
		p.mu.Unlock()
	}
	p.replenish()
}

// ReclaimExpiredLeases force-destroys sessions whose lease has been held
// past the lease timeout. The holder is treated as faulted; its later
// Release becomes a no-op.
func (p *Pool) ReclaimExpiredLeases() {
	now := p.clock.Now()
	var expired []*entry

	p.mu.Lock()
	for id, e := range p.leased {
		if now.Sub(e.leasedAt) >= p.cfg.LeaseTimeout {
			delete(p.leased, id)
			expired = append(expired, e)
		}
	}
	for range expired {
		p.signalCapacityLocked()
	}
	p.mu.Unlock()

	for _, e := range expired {
		p.logger.Warn("lease held past timeout, reclaiming session",
			zap.Uint64("session_id", e.id),
			zap.Duration("lease_timeout", p.cfg.LeaseTimeout),
		)
		p.destroy(e)
	}
	if len(expired) > 0 {
		p.replenish()
	}
}

// ReapIdle closes idle sessions beyond minIdle that have been idle longer
// than the idle timeout.
func (p *Pool) ReapIdle() {
	now := p.clock.Now()
	var reaped []*entry

	p.mu.Lock()
	for len(p.idle) > p.cfg.MinIdle {
		oldest := p.idle[0]
		if now.Sub(oldest.idleSince) < p.cfg.IdleTimeout {
			break
		}
		p.idle = p.idle[1:]
		reaped = append(reaped, oldest)
	}
	for range reaped {
		p.signalCapacityLocked()
	}
	p.mu.Unlock()

	for _, e := range reaped {
		p.destroy(e)
	}
}

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Idle     int
	Leased   int
	Starting int
	Max      int
	Halted   bool
}

// Snapshot reports current occupancy for metrics and readiness.
func (p *Pool) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:     len(p.idle),
		Leased:   len(p.leased),
		Starting: p.starting + p.probing,
		Max:      p.cfg.MaxSessions,
		Halted:   p.halted,
	}
}

// Close destroys all idle sessions and stops maintenance. Leased sessions
// are destroyed as they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	close(p.done)
	for _, ch := range waiters {
		close(ch)
	}
	var errs []error
	for _, e := range idle {
		if err := e.sess.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.wg.Wait()
	return errors.Join(errs...)
}

// Render executes one render on the leased session. It fails
// ErrLeaseReclaimed when the pool already took the session back.
func (l *Lease) Render(ctx context.Context, html string, opts render.Options) (render.RenderResult, error) {
	l.p.mu.Lock()
	e, ok := l.p.leased[l.id]
	if !ok {
		l.p.mu.Unlock()
		return render.RenderResult{}, ErrLeaseReclaimed
	}
	sess := e.sess
	l.p.mu.Unlock()

	res, err := sess.Render(ctx, html, opts)
	if err != nil {
		return render.RenderResult{}, fmt.Errorf("session render: %w", err)
	}
	return res, nil
}

func (p *Pool) usableLocked() error {
	if p.closed {
		return ErrPoolClosed
	}
	if p.halted {
		return ErrPoolHalted
	}
	return nil
}

func (p *Pool) totalLocked() int {
	return len(p.idle) + len(p.leased) + p.starting + p.probing
}

func (p *Pool) leaseLocked(e *entry) *Lease {
	e.leasedAt = p.clock.Now()
	p.leased[e.id] = e
	p.checkInvariantLocked()
	return &Lease{p: p, id: e.id}
}

// handOffOrParkLocked leases the session to the oldest waiter, or parks it
// in the idle set. Handing off a ready lease keeps the session counted at
// every instant.
func (p *Pool) handOffOrParkLocked(e *entry) {
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		ch <- p.leaseLocked(e)
		return
	}
	e.idleSince = p.clock.Now()
	p.idle = append(p.idle, e)
	p.checkInvariantLocked()
}

// signalCapacityLocked wakes one waiter after capacity is freed so it can
// attempt a fresh session start.
func (p *Pool) signalCapacityLocked() {
	if len(p.waiters) == 0 {
		return
	}
	ch := p.waiters[0]
	p.waiters = p.waiters[1:]
	ch <- nil
}

func (p *Pool) abandonWaiter(ch chan *Lease) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	// A handoff raced with the timeout; give the session back.
	select {
	case lease := <-ch:
		if lease != nil {
			p.Release(lease, true)
		}
	default:
	}
}

func (p *Pool) startSession(ctx context.Context) (*entry, error) {
	sess, err := p.start(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.mu.Unlock()
	return &entry{id: id, sess: sess}, nil
}

func (p *Pool) destroy(e *entry) {
	if err := e.sess.Close(); err != nil {
		p.logger.Warn("session close failed",
			zap.Uint64("session_id", e.id),
			zap.Error(err),
		)
	}
}

// replenish starts replacement sessions in the background until the pool
// holds minIdle sessions again.
func (p *Pool) replenish() {
	for {
		p.mu.Lock()
		if p.closed || p.halted ||
			len(p.idle)+p.starting >= p.cfg.MinIdle ||
			p.totalLocked() >= p.cfg.MaxSessions {
			p.mu.Unlock()
			return
		}
		p.starting++
		p.mu.Unlock()

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AcquireTimeout)
			defer cancel()
			e, err := p.startSession(ctx)

			p.mu.Lock()
			p.starting--
			if err != nil {
				p.mu.Unlock()
				p.logger.Warn("replacement session start failed", zap.Error(err))
				return
			}
			if p.closed {
				p.mu.Unlock()
				p.destroy(e)
				return
			}
			p.handOffOrParkLocked(e)
			p.mu.Unlock()
		}()
	}
}

// checkInvariantLocked halts new leasing when bookkeeping ever exceeds
// maxSessions; an inconsistent count is worse than refusing work.
func (p *Pool) checkInvariantLocked() {
	if p.totalLocked() > p.cfg.MaxSessions && !p.halted {
		p.halted = true
		p.logger.Error("pool invariant violated, halting leasing",
			zap.Int("idle", len(p.idle)),
			zap.Int("leased", len(p.leased)),
			zap.Int("starting", p.starting+p.probing),
			zap.Int("max_sessions", p.cfg.MaxSessions),
		)
	}
}

func (p *Pool) maintenanceLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.ReclaimExpiredLeases()
			p.ReapIdle()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			p.HealthCheck(ctx)
			cancel()
		}
	}
}
