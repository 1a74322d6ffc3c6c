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

package txn

import (
	"context"
	"errors"
	"time"

	"github.com/poolhouse/poolhouse/go/pools/connpool"
	"github.com/poolhouse/poolhouse/go/tools/ctxutil"
)

// Run gives fn a connection for one shot, without transaction semantics:
// checkout, apply the coordinator's mode, run, guaranteed checkin,
// including when fn panics. A sandboxed connection is reset before the
// checkin so the next caller starts clean.
//
// Called inside an active transaction context for the same coordinator,
// Run reuses the held connection and reports the queue time as absent
// (queued is false), like a nested transaction, except Run does not
// increment the transaction depth. A disconnected context yields
// ErrNoConn without running fn.
func (c *Coordinator[C]) Run(ctx context.Context, fn func(ctx context.Context, conn C, queueTime time.Duration, queued bool) error) error {
	if st := c.stateFrom(ctx); st != nil {
		if st.disconnected {
			return connpool.ErrNoConn
		}
		conn, err := st.co.Conn()
		if err != nil {
			return err
		}
		return fn(ctx, conn, 0, false)
	}

	co, err := c.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer func() {
		cleanupCtx := ctxutil.Detach(ctx)
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

	conn, err := co.Conn()
	if err != nil {
		return err
	}
	return fn(ctx, conn, co.QueueTime(), true)
}
