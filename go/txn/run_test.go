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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolhouse/poolhouse/go/pools/connpool"
)

func TestRunOneShot(t *testing.T) {
	co, _ := newTestCoordinator(t, connpool.Config{Size: 1}, Config{})
	ctx := context.Background()

	var ran bool
	err := co.Run(ctx, func(ctx context.Context, conn *mockConn, queueTime time.Duration, queued bool) error {
		ran = true
		require.NotNil(t, conn)
		assert.True(t, queued)
		assert.GreaterOrEqual(t, queueTime, time.Duration(0))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestRunReturnsBodyError(t *testing.T) {
	co, _ := newTestCoordinator(t, connpool.Config{Size: 1}, Config{})

	bodyErr := errors.New("query failed")
	err := co.Run(context.Background(), func(ctx context.Context, conn *mockConn, queueTime time.Duration, queued bool) error {
		return bodyErr
	})
	assert.ErrorIs(t, err, bodyErr)

	// The body's failure does not cost the connection.
	err = co.Run(context.Background(), func(ctx context.Context, conn *mockConn, queueTime time.Duration, queued bool) error {
		assert.False(t, conn.IsClosed())
		return nil
	})
	require.NoError(t, err)
}

func TestRunInsideTransaction(t *testing.T) {
	co, connector := newTestCoordinator(t, connpool.Config{Size: 2}, Config{})
	ctx := context.Background()

	err := co.Transaction(ctx, func(ctx context.Context, tx *Tx[*mockConn]) error {
		txConn, err := tx.Conn()
		require.NoError(t, err)

		runErr := co.Run(ctx, func(ctx context.Context, conn *mockConn, queueTime time.Duration, queued bool) error {
			// Reuses the transaction's connection, queue time absent.
			assert.Same(t, txConn, conn)
			assert.False(t, queued)
			return nil
		})
		require.NoError(t, runErr)

		// Run is depth-transparent: a nested transaction afterwards
		// still sees depth 1.
		return co.Transaction(ctx, func(ctx context.Context, inner *Tx[*mockConn]) error {
			assert.Equal(t, 1, inner.Depth())
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), connector.opened.Load(), "run inside a transaction must not check out")
}

func TestRunAfterDisconnect(t *testing.T) {
	co, _ := newTestCoordinator(t, connpool.Config{Size: 1}, Config{})
	ctx := context.Background()

	err := co.Transaction(ctx, func(ctx context.Context, tx *Tx[*mockConn]) error {
		tx.Disconnect(ctx)
		runErr := co.Run(ctx, func(ctx context.Context, conn *mockConn, queueTime time.Duration, queued bool) error {
			t.Error("body must not run after disconnect")
			return nil
		})
		assert.ErrorIs(t, runErr, connpool.ErrNoConn)
		return nil
	})
	require.NoError(t, err)
}

func TestRunCleanupOnPanic(t *testing.T) {
	co, _ := newTestCoordinator(t, connpool.Config{Size: 1}, Config{})
	ctx := context.Background()

	assert.PanicsWithValue(t, "boom", func() {
		_ = co.Run(ctx, func(ctx context.Context, conn *mockConn, queueTime time.Duration, queued bool) error {
			panic("boom")
		})
	})

	// The worker went back despite the panic.
	err := co.Run(ctx, func(ctx context.Context, conn *mockConn, queueTime time.Duration, queued bool) error {
		return nil
	})
	require.NoError(t, err)
}

func TestRunSandboxAppliesAndResets(t *testing.T) {
	co, _ := newTestCoordinator(t, connpool.Config{Size: 1}, Config{Mode: connpool.ModeSandbox})
	ctx := context.Background()

	var seen *mockConn
	err := co.Run(ctx, func(ctx context.Context, conn *mockConn, queueTime time.Duration, queued bool) error {
		seen = conn
		assert.True(t, conn.inSandbox.Load(), "mode should be applied before the body runs")
		return nil
	})
	require.NoError(t, err)

	assert.EqualValues(t, 1, seen.resets.Load(), "sandbox should be reset at checkin")
	assert.EqualValues(t, 2, seen.starts.Load(), "a fresh sandbox should be started for the next caller")
	assert.False(t, seen.IsClosed())
}

func TestRunPoolClosed(t *testing.T) {
	connector := &mockConnector{}
	pool, err := connpool.Open(context.Background(), connector.connect, connpool.Config{Name: "test", Size: 1})
	require.NoError(t, err)
	co := NewCoordinator(pool, Config{})

	pool.Close()
	err = co.Run(context.Background(), func(ctx context.Context, conn *mockConn, queueTime time.Duration, queued bool) error {
		t.Error("body must not run against a closed pool")
		return nil
	})
	assert.ErrorIs(t, err, connpool.ErrPoolClosed)
}
