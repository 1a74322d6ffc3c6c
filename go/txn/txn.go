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

// Package txn implements nested-transaction semantics on top of a
// connection pool.
//
// A Coordinator is bound to one pool. The outermost Transaction call on a
// given context checks out a worker; nested Transaction calls made through
// the context the body received reuse that worker, bumping only a depth
// counter. The worker is checked back in when the outermost call returns,
// on every exit path including panic. Two concurrent callers always get
// independent transaction contexts and, in general, independent workers.
//
// Connections run in one of two modes. Raw is an ordinary connection:
// transactions commit normally, and a connection that witnessed a failure
// (Disconnect, Fuse) is physically broken so it is never silently reused.
// Sandbox wraps the connection in a transaction that is never committed,
// for test isolation. In sandbox mode Disconnect is suppressed outright:
// the transaction context keeps its live connection and nothing is
// broken. This asymmetry is deliberate and easy to miss. The sandboxed
// connection must survive caller failures so the wrapping rollback still
// discards everything the caller did; strict crash isolation is traded
// away for test-rollback semantics.
package txn

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/poolhouse/poolhouse/go/pools/connpool"
	"github.com/poolhouse/poolhouse/go/tools/ctxutil"
)

// Config holds configuration for a Coordinator.
type Config struct {
	// Mode is applied to the connection at the start of every outermost
	// transaction. Defaults to ModeRaw.
	Mode connpool.Mode

	// Logger receives coordinator events. If nil, the pool's logger is
	// not consulted; slog.Default() is used.
	Logger *slog.Logger
}

// Coordinator hands out pooled connections with nested-transaction
// semantics. One Coordinator serves one pool; create it once and share it
// across callers.
type Coordinator[C connpool.Conn] struct {
	pool   *connpool.Pool[C]
	mode   connpool.Mode
	logger *slog.Logger

	// key addresses this coordinator's transaction context inside a
	// context.Context. Unique per coordinator, so coordinators on
	// different pools never observe each other's state.
	key *ctxKey
}

type ctxKey struct{}

// txState is the per-caller transaction context: the held checkout, the
// current nesting depth, and whether the context was disconnected. It is
// owned by a single caller and never shared across goroutines.
type txState[C connpool.Conn] struct {
	co           *connpool.Checkout[C]
	depth        int
	disconnected bool
}

// NewCoordinator creates a Coordinator for pool.
func NewCoordinator[C connpool.Conn](pool *connpool.Pool[C], cfg Config) *Coordinator[C] {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator[C]{
		pool:   pool,
		mode:   cfg.Mode,
		logger: logger.With("pool", pool.Name()),
		key:    &ctxKey{},
	}
}

// Mode returns the mode applied to outermost transactions.
func (c *Coordinator[C]) Mode() connpool.Mode {
	return c.mode
}

func (c *Coordinator[C]) stateFrom(ctx context.Context) *txState[C] {
	st, _ := ctx.Value(c.key).(*txState[C])
	return st
}

// Transaction runs fn with a checked-out connection.
//
// The outermost call (no transaction context on ctx) checks out a worker,
// applies the coordinator's mode, and injects the transaction context into
// the ctx passed to fn; the worker is checked back in when Transaction
// returns, even if fn panics, and the panic propagates after cleanup.
// Nested calls made with fn's ctx reuse the held connection, incrementing
// only the depth; their Tx reports queue time as absent. A nested call
// after the context was disconnected returns ErrNoConn without running fn,
// so a failure inside an outer transaction propagates to all nested
// attempts.
//
// Checkout expiry surfaces as ErrTimeout and pool shutdown as
// ErrPoolClosed. Errors returned by fn are returned unchanged.
func (c *Coordinator[C]) Transaction(ctx context.Context, fn func(ctx context.Context, tx *Tx[C]) error) error {
	if st := c.stateFrom(ctx); st != nil {
		if st.disconnected {
			return connpool.ErrNoConn
		}
		st.depth++
		defer func() { st.depth-- }()
		return fn(ctx, &Tx[C]{co: c, st: st, depth: st.depth})
	}

	co, err := c.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer func() {
		cleanupCtx := ctxutil.Detach(ctx)
		// A sandboxed transaction's work is discarded before the
		// connection goes back, so the next caller starts clean.
		if co.Mode() == connpool.ModeSandbox {
			if rerr := co.ResetSandbox(cleanupCtx); rerr != nil && !errors.Is(rerr, connpool.ErrNoConn) {
				co.MarkBroken()
			}
		}
		co.Release(cleanupCtx)
	}()

	if err := c.applyMode(ctx, co); err != nil {
		return err
	}

	st := &txState[C]{co: co}
	return fn(context.WithValue(ctx, c.key, st), &Tx[C]{co: c, st: st})
}

// applyMode moves the fresh checkout into the coordinator's mode. The
// connection may come back from the pool in either mode (a sandboxed
// connection keeps its sandbox across checkins), so already-there is
// expected and benign. A failed switch leaves a suspect connection; it is
// flagged broken so the pool replaces it.
func (c *Coordinator[C]) applyMode(ctx context.Context, co *connpool.Checkout[C]) error {
	err := co.SetMode(ctx, c.mode)
	switch {
	case err == nil, errors.Is(err, connpool.ErrAlreadyMode):
		return nil
	case errors.Is(err, connpool.ErrSandboxUnsupported):
		return err
	default:
		co.MarkBroken()
		return err
	}
}

// Tx is a handle on the caller's transaction context, issued to each
// Transaction body. It is valid only until that body returns and must not
// be used from other goroutines.
type Tx[C connpool.Conn] struct {
	co    *Coordinator[C]
	st    *txState[C]
	depth int
}

// Conn returns the held connection, or ErrNoConn after the context was
// disconnected.
func (t *Tx[C]) Conn() (C, error) {
	if t.st.disconnected {
		var zero C
		return zero, connpool.ErrNoConn
	}
	return t.st.co.Conn()
}

// Depth is the transaction nesting depth of this handle. The outermost
// transaction is depth 0.
func (t *Tx[C]) Depth() int {
	return t.depth
}

// Mode reports the mode of the held connection.
func (t *Tx[C]) Mode() connpool.Mode {
	return t.st.co.Mode()
}

// QueueTime reports how long the checkout behind this transaction queued
// for a worker. Nested handles reused an already-held connection and
// report the queue time as absent (queued is false).
func (t *Tx[C]) QueueTime() (wait time.Duration, queued bool) {
	if t.depth > 0 {
		return 0, false
	}
	return t.st.co.QueueTime(), true
}

// Disconnect drops the connection from the transaction context: every
// later Conn call and nested Transaction on this context reports
// ErrNoConn, and the physical connection is broken, so a connection that
// witnessed a failure is never reused. Idempotent.
//
// In sandbox mode Disconnect is suppressed entirely: the context keeps
// its live connection and nothing is broken, preserving the enclosing
// test rollback (see the package documentation).
func (t *Tx[C]) Disconnect(ctx context.Context) {
	if t.st.disconnected {
		return
	}
	if t.st.co.Mode() == connpool.ModeSandbox {
		return
	}
	t.st.disconnected = true
	t.st.co.BreakConn(ctx)
	t.co.logger.Debug("transaction disconnected", "depth", t.depth)
}

// Fuse runs fn and disconnects the transaction if fn fails, by error or
// panic, before propagating the failure unchanged. Sandbox mode suppresses
// the physical break per the Disconnect rules.
func (t *Tx[C]) Fuse(ctx context.Context, fn func(ctx context.Context) error) error {
	defer func() {
		if r := recover(); r != nil {
			t.Disconnect(ctxutil.Detach(ctx))
			panic(r)
		}
	}()

	if err := fn(ctx); err != nil {
		t.Disconnect(ctxutil.Detach(ctx))
		return err
	}
	return nil
}

// SetMode switches the whole nested stack between raw and sandbox mode.
// Requesting the current mode returns ErrAlreadyMode with no side
// effects. A connectivity failure while switching downgrades the context
// to disconnected and returns that error.
func (t *Tx[C]) SetMode(ctx context.Context, mode connpool.Mode) error {
	if t.st.disconnected {
		return connpool.ErrNoConn
	}
	err := t.st.co.SetMode(ctx, mode)
	switch {
	case err == nil, errors.Is(err, connpool.ErrAlreadyMode), errors.Is(err, connpool.ErrSandboxUnsupported):
		return err
	default:
		t.st.disconnected = true
		t.st.co.BreakConn(ctxutil.Detach(ctx))
		return err
	}
}
