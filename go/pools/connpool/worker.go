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
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/poolhouse/poolhouse/go/tools/ctxutil"
)

type workerState int

const (
	stateDisconnected workerState = iota
	stateConnecting
	stateConnected
)

// Worker owns a single physical connection slot and mediates its
// open/close/break transitions. A worker holds at most one live connection
// at a time; a broken one is closed at checkin and the worker reverts to
// disconnected, reconnecting lazily on its next checkout.
type Worker[C Conn] struct {
	pool     *Pool[C]
	id       uuid.UUID
	overflow bool

	mu       sync.Mutex
	state    workerState
	conn     C
	broken   bool
	mode     Mode
	lastUsed time.Time
}

func newWorker[C Conn](p *Pool[C], overflow bool) *Worker[C] {
	return &Worker[C]{pool: p, id: uuid.New(), overflow: overflow}
}

// ID identifies the worker in logs and stats.
func (w *Worker[C]) ID() uuid.UUID {
	return w.id
}

// connect opens the physical connection if the worker is disconnected.
// A connection whose session died while idle is dropped first (implicit
// break). Connect failures are returned, never retried here: retry policy
// belongs to the caller.
func (w *Worker[C]) connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connectLocked(ctx)
}

func (w *Worker[C]) connectLocked(ctx context.Context) error {
	if w.state == stateConnected {
		if !w.conn.IsClosed() {
			return nil
		}
		w.dropConnLocked()
	}

	w.state = stateConnecting
	ctx, cancel := ctxutil.WithTimeoutCause(ctx, w.pool.cfg.ConnectTimeout, ErrTimeout)
	defer cancel()

	conn, err := w.pool.connector(ctx)
	if err != nil {
		w.state = stateDisconnected
		return fmt.Errorf("worker %s: connect: %w", w.id, err)
	}

	w.conn = conn
	w.state = stateConnected
	w.broken = false
	w.mode = ModeRaw
	w.lastUsed = time.Now()
	return nil
}

// checkout hands the live connection to the checking-out caller,
// connecting first if needed.
func (w *Worker[C]) checkout(ctx context.Context) (C, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.connectLocked(ctx); err != nil {
		var zero C
		return zero, err
	}
	return w.conn, nil
}

// checkin returns the worker to idle duty. The connection is kept warm for
// reuse unless it is broken or its session died, in which case it is
// closed and the worker reverts to disconnected. hadConn reports whether a
// live connection was attached at checkin; kept reports whether it survived.
func (w *Worker[C]) checkin() (hadConn, kept bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != stateConnected {
		return false, false
	}
	if w.broken || w.conn.IsClosed() {
		w.dropConnLocked()
		return true, false
	}
	w.lastUsed = time.Now()
	return true, true
}

// Break forcibly closes the live connection and marks the worker
// disconnected. Breaking a disconnected worker is a no-op. Reports whether
// a connection was dropped.
func (w *Worker[C]) Break() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != stateConnected {
		return false
	}
	w.dropConnLocked()
	return true
}

// markBroken flags the live connection so the next checkin closes it.
func (w *Worker[C]) markBroken() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == stateConnected {
		w.broken = true
	}
}

// dropConnLocked closes the connection (if still open) and resets the slot.
func (w *Worker[C]) dropConnLocked() {
	if w.state == stateConnected && !w.conn.IsClosed() {
		_ = w.conn.Close()
	}
	var zero C
	w.conn = zero
	w.state = stateDisconnected
	w.broken = false
	w.mode = ModeRaw
}

// SetMode switches the live connection between raw and sandbox mode.
// Requesting the current mode returns ErrAlreadyMode; a disconnected
// worker returns ErrNoConn. Errors from the underlying sandbox operation
// are returned as-is so the caller can decide whether the connection is
// still usable.
func (w *Worker[C]) SetMode(ctx context.Context, mode Mode) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != stateConnected || w.conn.IsClosed() {
		return ErrNoConn
	}
	if w.mode == mode {
		return ErrAlreadyMode
	}

	sb, ok := any(w.conn).(Sandboxer)
	if !ok {
		return ErrSandboxUnsupported
	}

	var err error
	switch mode {
	case ModeSandbox:
		err = sb.StartSandbox(ctx)
	default:
		err = sb.ResetSandbox(ctx)
	}
	if err != nil {
		return err
	}

	w.mode = mode
	return nil
}

// resetSandbox discards everything executed in the current sandbox and
// starts a fresh one, keeping the worker in sandbox mode. A no-op outside
// sandbox mode; ErrNoConn when disconnected.
func (w *Worker[C]) resetSandbox(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != stateConnected || w.conn.IsClosed() {
		return ErrNoConn
	}
	if w.mode != ModeSandbox {
		return nil
	}
	sb := any(w.conn).(Sandboxer)
	if err := sb.ResetSandbox(ctx); err != nil {
		return err
	}
	return sb.StartSandbox(ctx)
}

// Mode reports the mode of the live connection. Disconnected workers
// report ModeRaw.
func (w *Worker[C]) Mode() Mode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

// Conn returns the live connection, or ErrNoConn when disconnected.
func (w *Worker[C]) Conn() (C, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != stateConnected {
		var zero C
		return zero, ErrNoConn
	}
	return w.conn, nil
}

// Connected reports whether the worker currently holds a live connection.
func (w *Worker[C]) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == stateConnected && !w.conn.IsClosed()
}

// hasSession reports whether a connection is attached at all, live or
// dead. A session that died while parked has not been dropped yet, so
// it still counts as idle until the next checkout retires it.
func (w *Worker[C]) hasSession() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == stateConnected
}

// idleExpired reports whether the connection has sat unused for longer
// than maxIdle. The reaper uses this to pick victims; the actual Break
// happens outside the pool lock.
func (w *Worker[C]) idleExpired(maxIdle time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == stateConnected && time.Since(w.lastUsed) > maxIdle
}
