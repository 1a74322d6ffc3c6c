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
	"sync/atomic"
	"time"
)

// Checkout is exclusive ownership of one worker, handed out by Pool.Get
// and surrendered by Release. Exactly one Release matches each successful
// Get; extra Releases are no-ops. A Checkout is owned by one goroutine
// and is not safe for concurrent use, except for Release and WatchOwner.
type Checkout[C Conn] struct {
	pool      *Pool[C]
	worker    *Worker[C]
	queueTime time.Duration

	released atomic.Bool
	done     chan struct{}
}

// Conn returns the checked-out connection. After Release, or if the
// connection has been broken, it returns ErrNoConn. Once the pool has
// been closed it returns ErrPoolClosed, even while the checkout is
// still outstanding.
func (c *Checkout[C]) Conn() (C, error) {
	if c.released.Load() {
		var zero C
		return zero, ErrNoConn
	}
	if c.pool.isClosed() {
		var zero C
		return zero, ErrPoolClosed
	}
	return c.worker.Conn()
}

// QueueTime reports how long the checkout request waited for a worker.
// Zero means a worker was immediately available.
func (c *Checkout[C]) QueueTime() time.Duration {
	return c.queueTime
}

// Mode reports the mode of the checked-out connection.
func (c *Checkout[C]) Mode() Mode {
	return c.worker.Mode()
}

// SetMode switches the checked-out connection between raw and sandbox
// mode. See Worker.SetMode for the error contract. Returns ErrPoolClosed
// once the pool has been closed.
func (c *Checkout[C]) SetMode(ctx context.Context, mode Mode) error {
	if c.released.Load() {
		return ErrNoConn
	}
	if c.pool.isClosed() {
		return ErrPoolClosed
	}
	return c.worker.SetMode(ctx, mode)
}

// BreakConn closes the physical connection immediately while keeping the
// checkout. Subsequent Conn calls return ErrNoConn; the worker reconnects
// for its next owner.
func (c *Checkout[C]) BreakConn(ctx context.Context) {
	if c.released.Load() {
		return
	}
	if c.worker.Break() {
		c.pool.metrics.addConn(ctx, -1, c.pool.name, connStateUsed)
	}
}

// ResetSandbox discards everything executed in the current sandbox and
// starts a fresh one, keeping the connection in sandbox mode. A no-op
// outside sandbox mode.
func (c *Checkout[C]) ResetSandbox(ctx context.Context) error {
	if c.released.Load() {
		return ErrNoConn
	}
	if c.pool.isClosed() {
		return ErrPoolClosed
	}
	return c.worker.resetSandbox(ctx)
}

// MarkBroken flags the connection as unusable without closing it yet; it
// is closed when the checkout is released.
func (c *Checkout[C]) MarkBroken() {
	if c.released.Load() {
		return
	}
	c.worker.markBroken()
}

// Release returns the worker to the pool. Idempotent: only the first call
// has an effect.
func (c *Checkout[C]) Release(ctx context.Context) {
	if !c.released.CompareAndSwap(false, true) {
		return
	}
	close(c.done)
	c.pool.put(ctx, c.worker)
}

// WatchOwner reclaims the checkout when the owning caller dies without
// releasing it: when owner is closed before Release is called, the worker
// is checked back in. A raw-mode connection is broken first, since the
// dying owner may have left it mid-transaction; a sandboxed connection
// survives, its uncommitted work rolled back by a sandbox reset. Call at
// most once per checkout.
func (c *Checkout[C]) WatchOwner(owner <-chan struct{}) {
	go func() {
		select {
		case <-c.done:
		case <-owner:
			ctx := context.Background()
			if c.released.Load() {
				return
			}
			if c.worker.Mode() == ModeSandbox {
				if err := c.worker.resetSandbox(ctx); err != nil {
					c.worker.markBroken()
				}
			} else {
				c.worker.markBroken()
			}
			c.Release(ctx)
			c.pool.logger.Warn("reclaimed checkout from dead owner",
				"worker", c.worker.ID(),
			)
		}
	}()
}
