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

// Package retry implements exponential backoff with full jitter for
// retry loops, in the iterator style:
//
//	r := retry.New(100*time.Millisecond, 30*time.Second)
//	for {
//	    if err := r.StartAttempt(ctx); err != nil {
//	        return err
//	    }
//	    if err := dial(); err == nil {
//	        return nil
//	    }
//	}
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Retry manages backoff state across attempts of a single retry loop.
// It is not safe for concurrent use by multiple goroutines.
type Retry struct {
	backoff      *fullJitterBackoff
	initialDelay bool
	attempt      int
	timer        Timer
}

// Option configures a Retry.
type Option func(*Retry)

// WithInitialDelay makes the first StartAttempt wait before returning.
// Use this when the caller has already tried once before entering the
// retry loop.
func WithInitialDelay() Option {
	return func(r *Retry) { r.initialDelay = true }
}

// New creates a Retry whose delays grow as baseDelay * 2^attempt, capped
// at maxDelay, with full jitter applied. Panics on invalid parameters.
func New(baseDelay, maxDelay time.Duration, opts ...Option) *Retry {
	if baseDelay <= 0 {
		panic("retry: baseDelay must be positive")
	}
	if maxDelay < baseDelay {
		panic("retry: maxDelay must be at least baseDelay")
	}
	r := &Retry{
		backoff: newFullJitterBackoff(baseDelay, maxDelay),
		timer:   realTimer{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StartAttempt waits for the backoff delay before the next attempt. The
// first call returns immediately unless WithInitialDelay was set. It
// returns ctx.Err() if the context expires during the wait.
func (r *Retry) StartAttempt(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if r.attempt > 0 || r.initialDelay {
		select {
		case <-r.timer.After(r.backoff.nextDelay()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.attempt++
	return nil
}

// Attempt returns the number of StartAttempt calls that have succeeded.
// The counter increments monotonically and is not affected by Reset.
func (r *Retry) Attempt() int {
	return r.attempt
}

// Reset restarts the backoff calculation from the base delay. Call this
// after the system has been healthy long enough that a future failure
// should not inherit an accumulated backoff.
func (r *Retry) Reset() {
	r.backoff.reset()
}

// Attempts returns an iterator for range-based retry loops. Each
// iteration yields the attempt number and a nil error, or a non-nil
// error when the context expires.
func (r *Retry) Attempts(ctx context.Context) func(yield func(int, error) bool) {
	return func(yield func(int, error) bool) {
		for {
			err := r.StartAttempt(ctx)
			if !yield(r.attempt, err) {
				return
			}
		}
	}
}

// Timer abstracts time.After so tests can run without real delays.
type Timer interface {
	After(d time.Duration) <-chan time.Time
}

type realTimer struct{}

func (realTimer) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// fullJitterBackoff computes sleep = random_between(0, min(cap, base * 2^attempt)),
// the "Full Jitter" scheme, which spreads synchronized retries apart.
//
// reset may be called from a different goroutine than nextDelay, so
// state is guarded by a mutex.
type fullJitterBackoff struct {
	baseDelay     time.Duration
	maxDelay      time.Duration
	rng           *rand.Rand
	disableJitter bool

	mu      sync.Mutex
	attempt int
}

func newFullJitterBackoff(baseDelay, maxDelay time.Duration) *fullJitterBackoff {
	return &fullJitterBackoff{
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

func (b *fullJitterBackoff) nextDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Shifting past 62 bits would overflow int64.
	attempt := min(b.attempt, 62)

	multiplier := int64(1) << attempt
	base := int64(b.baseDelay)

	delay := b.maxDelay
	if base <= math.MaxInt64/multiplier {
		if d := time.Duration(base * multiplier); d < delay {
			delay = d
		}
	}

	if !b.disableJitter {
		// rng is not thread-safe; called under mu.
		delay = time.Duration(float64(delay) * b.rng.Float64())
	}

	b.attempt++
	return delay
}

func (b *fullJitterBackoff) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}
