// Copyright 2025 The Poolhouse Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ctxutil provides small context helpers shared by the pool and
// transaction packages.
package ctxutil

import (
	"context"
	"time"
)

// WithTimeoutCause bounds ctx by d and attaches cause as the cancellation
// cause, so callers can classify the expiry with errors.Is. A
// non-positive d applies no additional bound.
func WithTimeoutCause(ctx context.Context, d time.Duration, cause error) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeoutCause(ctx, d, cause)
}

// Detach returns a context that preserves the values of parent but is not
// cancelled when parent is. Background maintenance that must outlive the
// initiating call (connection close sweeps, shutdown sequences) runs on a
// detached context.
func Detach(parent context.Context) context.Context {
	return context.WithoutCancel(parent)
}
