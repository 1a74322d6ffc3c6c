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

// Package timer provides PeriodicRunner for running callbacks at regular
// intervals.
package timer

import (
	"context"
	"sync"
	"time"
)

// PeriodicRunner runs a callback at regular intervals with lifecycle
// management.
//
// Key behaviors:
//   - Callback receives a context derived from the parent context
//   - Stop() cancels the context and waits for in-flight callbacks
//   - Next callback scheduled only after current completes (backpressure)
//   - Supports Start/Stop/Start cycles (reopening)
type PeriodicRunner struct {
	parentCtx context.Context
	interval  time.Duration

	mu       sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	timer    *time.Timer
	wg       sync.WaitGroup
	callback func(ctx context.Context)
}

// NewPeriodicRunner creates a PeriodicRunner with the given parent context
// and interval. Callers should typically pass a detached context (e.g.
// ctxutil.Detach()) so the runner is not cancelled when request contexts
// complete.
func NewPeriodicRunner(ctx context.Context, interval time.Duration) *PeriodicRunner {
	return &PeriodicRunner{
		parentCtx: ctx,
		interval:  interval,
	}
}

// Start begins running the callback at regular intervals. The callback
// receives a context that is cancelled when Stop() is called. Returns true
// if the runner was started, false if it was already running.
func (r *PeriodicRunner) Start(callback func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return false
	}

	r.running = true
	r.callback = callback
	r.ctx, r.cancel = context.WithCancel(r.parentCtx)

	r.scheduleNext()
	return true
}

// Stop cancels the context and waits for any in-flight callback to
// complete. After Stop returns, no more callbacks will run. Stop is
// idempotent; the runner can be restarted with Start().
func (r *PeriodicRunner) Stop() {
	r.mu.Lock()

	if !r.running {
		r.mu.Unlock()
		return
	}

	r.running = false

	if r.cancel != nil {
		r.cancel()
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}

	r.ctx = nil
	r.cancel = nil
	r.callback = nil

	r.mu.Unlock()

	r.wg.Wait()
}

// Running returns true if the runner is currently running.
func (r *PeriodicRunner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// scheduleNext schedules the next callback execution.
// Must be called while holding r.mu.
func (r *PeriodicRunner) scheduleNext() {
	r.timer = time.AfterFunc(r.interval, r.execute)
}

// execute runs the callback and schedules the next execution.
func (r *PeriodicRunner) execute() {
	r.mu.Lock()

	if !r.running || r.ctx == nil {
		r.mu.Unlock()
		return
	}

	r.wg.Add(1)
	defer r.wg.Done()

	callback := r.callback
	ctx := r.ctx

	// Release lock during callback execution to avoid blocking Stop()
	r.mu.Unlock()

	callback(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}

	r.scheduleNext()
}
