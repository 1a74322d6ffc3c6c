// Copyright 2025 The Poolhouse Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connpool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/poolhouse/poolhouse/go/tools/ctxutil"
	"github.com/poolhouse/poolhouse/go/tools/list"
	"github.com/poolhouse/poolhouse/go/tools/timer"
)

// Config holds configuration for the pool.
type Config struct {
	// Name identifies the pool in logs and metrics.
	Name string

	// Size is the number of base workers. If 0, defaults to 10.
	Size int

	// MaxOverflow is how many transient workers may exist beyond Size
	// under load. Overflow workers are destroyed at checkin instead of
	// going idle.
	MaxOverflow int

	// Lazy delays connection opening until a worker is first checked
	// out. If false, Open connects all base workers eagerly and fails if
	// any connect fails.
	Lazy bool

	// ConnectTimeout bounds a single connection-open attempt.
	// If 0, defaults to 5s.
	ConnectTimeout time.Duration

	// IdleTimeout is how long a connection may sit unused before the
	// reaper closes it. The worker stays in the pool and reconnects on
	// demand. If 0, idle connections are never closed.
	IdleTimeout time.Duration

	// ReapInterval is the idle-reaper cadence. Only meaningful when
	// IdleTimeout > 0. If 0, defaults to 1m.
	ReapInterval time.Duration

	// WaitPolicy selects the waiter wake-up strategy, fixed at
	// construction. Defaults to WaitFIFO.
	WaitPolicy WaitPolicy

	// Logger receives pool lifecycle events. If nil, slog.Default().
	Logger *slog.Logger

	// Metrics receives pool instruments. Optional.
	Metrics *Metrics
}

// Pool is a fixed-size (plus bounded overflow) collection of workers. It
// bounds concurrency on physical connections: at most Size+MaxOverflow
// workers are checked out at once, and every successful checkout is
// matched by exactly one checkin.
type Pool[C Conn] struct {
	name      string
	connector Connector[C]
	cfg       Config
	logger    *slog.Logger
	metrics   *Metrics

	mu       sync.Mutex
	idle     []*Worker[C]
	open     int
	borrowed int
	overflow int
	closed   bool

	closeCh chan struct{}
	waiters waitlist[C]
	reaper  *timer.PeriodicRunner
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Open     int // workers in existence (base + overflow)
	Idle     int // workers available for checkout
	Borrowed int // workers currently checked out
	Overflow int // transient workers beyond Size
	Waiting  int // checkout requests queued on the waitlist
}

// source of an acquired worker, used for metric accounting.
type acquireSource int

const (
	sourceIdle acquireSource = iota
	sourceNew
	sourceHandoff
)

// Open creates the pool and its Size base workers. Unless cfg.Lazy, all
// base connections are opened concurrently before Open returns, and a
// single failure closes everything and fails the call.
func Open[C Conn](ctx context.Context, connector Connector[C], cfg Config) (*Pool[C], error) {
	if connector == nil {
		return nil, errors.New("connpool: nil connector")
	}
	if cfg.Size <= 0 {
		cfg.Size = 10
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Minute
	}
	if cfg.Name == "" {
		cfg.Name = "pool"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("pool", cfg.Name)

	p := &Pool[C]{
		name:      cfg.Name,
		connector: connector,
		cfg:       cfg,
		logger:    logger,
		metrics:   cfg.Metrics,
		closeCh:   make(chan struct{}),
	}
	p.waiters.init(cfg.WaitPolicy)

	workers := make([]*Worker[C], cfg.Size)
	for i := range workers {
		workers[i] = newWorker(p, false)
	}
	p.idle = workers
	p.open = cfg.Size

	if !cfg.Lazy {
		g, gctx := errgroup.WithContext(ctx)
		for _, w := range workers {
			g.Go(func() error {
				return w.connect(gctx)
			})
		}
		if err := g.Wait(); err != nil {
			for _, w := range workers {
				w.Break()
			}
			return nil, err
		}
		p.metrics.addConn(ctx, int64(cfg.Size), p.name, connStateIdle)
	}

	if cfg.IdleTimeout > 0 {
		p.reaper = timer.NewPeriodicRunner(ctxutil.Detach(ctx), cfg.ReapInterval)
		p.reaper.Start(p.reap)
	}

	logger.Info("pool opened",
		"size", cfg.Size,
		"max_overflow", cfg.MaxOverflow,
		"lazy", cfg.Lazy,
	)
	return p, nil
}

// Name returns the pool's configured name.
func (p *Pool[C]) Name() string {
	return p.name
}

// Get checks out a worker, blocking cooperatively on the waitlist until
// one frees up or ctx expires. On success the returned Checkout carries
// the live connection and the time the request queued (zero when a worker
// was immediately available). Checkout timeouts surface as ErrTimeout and
// never leak a worker; a closed pool surfaces as ErrPoolClosed.
func (p *Pool[C]) Get(ctx context.Context) (*Checkout[C], error) {
	w, waited, src, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}

	hadConn := w.Connected()
	hadSession := w.hasSession()
	if _, err := w.checkout(ctx); err != nil {
		// Connect failed: the worker goes back (disconnected) so another
		// caller can retry; connect errors are never retried here.
		p.put(ctx, w)
		return nil, err
	}

	switch {
	case src == sourceIdle && hadSession:
		// An attached session counted as idle even if it died while
		// parked; either way it is retired or promoted to used here.
		p.metrics.addConn(ctx, -1, p.name, connStateIdle)
		p.metrics.addConn(ctx, 1, p.name, connStateUsed)
	case src == sourceHandoff && hadConn:
		// Direct handoff: the connection never left the used state.
	default:
		p.metrics.addConn(ctx, 1, p.name, connStateUsed)
	}
	p.metrics.recordWait(ctx, p.name, waited)

	return &Checkout[C]{
		pool:      p,
		worker:    w,
		queueTime: waited,
		done:      make(chan struct{}),
	}, nil
}

// acquire obtains worker ownership: from the idle stack, by creating a
// worker under the Size+MaxOverflow bound, or by queueing on the
// waitlist. Enqueueing happens under the pool mutex so a concurrent
// release either sees the waiter or the waiter saw the idle worker; no
// wakeup is lost.
func (p *Pool[C]) acquire(ctx context.Context) (*Worker[C], time.Duration, acquireSource, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, 0, 0, ErrPoolClosed
	}

	if n := len(p.idle); n > 0 {
		w := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.borrowed++
		p.mu.Unlock()
		return w, 0, sourceIdle, nil
	}

	if p.open < p.cfg.Size+p.cfg.MaxOverflow {
		w := newWorker(p, true)
		p.open++
		p.overflow++
		p.borrowed++
		p.mu.Unlock()
		return w, 0, sourceNew, nil
	}

	elem := p.waiters.enqueue()
	p.mu.Unlock()

	start := time.Now()
	w, err := p.waiters.wait(ctx, elem, p.closeCh)
	if err != nil {
		if w != nil {
			// We lost the removal race: a handoff completed after our
			// deadline. Hand the worker straight back so an expired
			// checkout never owns one.
			p.put(ctxutil.Detach(ctx), w)
		}
		return nil, 0, 0, err
	}
	return w, time.Since(start), sourceHandoff, nil
}

// put returns worker ownership to the pool: directly to the next waiter
// when one is queued, to the idle stack otherwise. Overflow workers are
// destroyed instead of idling. Exactly one put matches each acquire.
func (p *Pool[C]) put(ctx context.Context, w *Worker[C]) {
	hadConn, kept := w.checkin()
	if hadConn && !kept {
		p.metrics.addConn(ctx, -1, p.name, connStateUsed)
	}

	p.mu.Lock()
	if p.closed {
		p.open--
		p.borrowed--
		if w.overflow {
			p.overflow--
		}
		p.mu.Unlock()
		if kept {
			w.Break()
			p.metrics.addConn(ctx, -1, p.name, connStateUsed)
		}
		return
	}

	if elem := p.waiters.popWaiter(); elem != nil {
		p.mu.Unlock()
		// Ownership (and the borrowed slot) transfers with the send. The
		// receiver is guaranteed to take it, even if its wait expired.
		elem.Value.worker <- w
		return
	}

	p.borrowed--
	if w.overflow {
		p.open--
		p.overflow--
		p.mu.Unlock()
		if kept {
			w.Break()
			p.metrics.addConn(ctx, -1, p.name, connStateUsed)
		}
		return
	}

	p.idle = append(p.idle, w)
	p.mu.Unlock()

	if kept {
		p.metrics.addConn(ctx, -1, p.name, connStateUsed)
		p.metrics.addConn(ctx, 1, p.name, connStateIdle)
	}
}

// Close shuts the pool down: idle connections are closed, queued waiters
// fail with ErrPoolClosed, and outstanding checkouts observe ErrPoolClosed
// on their next operation (their connections are closed when released).
// Close is idempotent.
func (p *Pool[C]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	close(p.closeCh)
	p.mu.Unlock()

	if p.reaper != nil {
		p.reaper.Stop()
	}

	ctx := context.Background()
	for _, w := range idle {
		if w.Break() {
			p.metrics.addConn(ctx, -1, p.name, connStateIdle)
		}
	}

	p.logger.Info("pool closed")
}

func (p *Pool[C]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Open:     p.open,
		Idle:     len(p.idle),
		Borrowed: p.borrowed,
		Overflow: p.overflow,
		Waiting:  p.waiters.waiting(),
	}
}

// reap closes connections that idled past IdleTimeout. Victims are pulled
// off the idle stack first so no caller can check them out mid-close,
// then returned, disconnected, afterwards.
func (p *Pool[C]) reap(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var keep, victims []*Worker[C]
	for _, w := range p.idle {
		if w.idleExpired(p.cfg.IdleTimeout) {
			victims = append(victims, w)
		} else {
			keep = append(keep, w)
		}
	}
	if len(victims) == 0 {
		p.mu.Unlock()
		return
	}
	p.idle = keep
	p.mu.Unlock()

	for _, w := range victims {
		if w.Break() {
			p.metrics.addConn(ctx, -1, p.name, connStateIdle)
		}
	}
	p.logger.Debug("reaped idle connections", "count", len(victims))

	p.mu.Lock()
	if p.closed {
		p.open -= len(victims)
		p.mu.Unlock()
		return
	}

	// Victims go back through the same handoff path put uses: a caller
	// that parked while the victims were off the idle stack is woken now
	// rather than starving until its deadline.
	var handoffs []*list.Element[waiter[C]]
	for len(handoffs) < len(victims) {
		elem := p.waiters.popWaiter()
		if elem == nil {
			break
		}
		p.borrowed++
		handoffs = append(handoffs, elem)
	}
	p.idle = append(p.idle, victims[len(handoffs):]...)
	p.mu.Unlock()

	for i, elem := range handoffs {
		// The receiver is guaranteed to take the worker, even if its
		// wait expired.
		elem.Value.worker <- victims[i]
	}
}
