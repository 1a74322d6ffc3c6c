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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/poolhouse/poolhouse/go/pools/connpool"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockConn implements connpool.Conn and connpool.Sandboxer.
type mockConn struct {
	closed    atomic.Bool
	inSandbox atomic.Bool
	starts    atomic.Int32
	resets    atomic.Int32
}

func (m *mockConn) IsClosed() bool { return m.closed.Load() }

func (m *mockConn) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *mockConn) StartSandbox(ctx context.Context) error {
	m.inSandbox.Store(true)
	m.starts.Add(1)
	return nil
}

func (m *mockConn) ResetSandbox(ctx context.Context) error {
	m.inSandbox.Store(false)
	m.resets.Add(1)
	return nil
}

// rawOnlyConn implements connpool.Conn but not connpool.Sandboxer.
type rawOnlyConn struct {
	closed atomic.Bool
}

func (m *rawOnlyConn) IsClosed() bool { return m.closed.Load() }

func (m *rawOnlyConn) Close() error {
	m.closed.Store(true)
	return nil
}

type mockConnector struct {
	opened atomic.Int32
}

func (c *mockConnector) connect(ctx context.Context) (*mockConn, error) {
	c.opened.Add(1)
	return &mockConn{}, nil
}

func newTestCoordinator(t *testing.T, poolCfg connpool.Config, cfg Config) (*Coordinator[*mockConn], *mockConnector) {
	t.Helper()
	connector := &mockConnector{}
	if poolCfg.Name == "" {
		poolCfg.Name = "test"
	}
	pool, err := connpool.Open(context.Background(), connector.connect, poolCfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return NewCoordinator(pool, cfg), connector
}

func TestTransactionOutermost(t *testing.T) {
	co, _ := newTestCoordinator(t, connpool.Config{Size: 1}, Config{})
	ctx := context.Background()

	var ran bool
	err := co.Transaction(ctx, func(ctx context.Context, tx *Tx[*mockConn]) error {
		ran = true
		assert.Equal(t, 0, tx.Depth())
		assert.Equal(t, connpool.ModeRaw, tx.Mode())

		conn, err := tx.Conn()
		require.NoError(t, err)
		require.NotNil(t, conn)

		wait, queued := tx.QueueTime()
		assert.True(t, queued)
		assert.GreaterOrEqual(t, wait, time.Duration(0))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestTransactionReturnsBodyError(t *testing.T) {
	co, _ := newTestCoordinator(t, connpool.Config{Size: 1}, Config{})

	bodyErr := errors.New("body failed")
	err := co.Transaction(context.Background(), func(ctx context.Context, tx *Tx[*mockConn]) error {
		return bodyErr
	})
	assert.ErrorIs(t, err, bodyErr)
}

func TestTransactionNestedSingleCheckout(t *testing.T) {
	co, connector := newTestCoordinator(t, connpool.Config{Size: 2}, Config{})
	ctx := context.Background()

	err := co.Transaction(ctx, func(ctx context.Context, outer *Tx[*mockConn]) error {
		outerConn, err := outer.Conn()
		require.NoError(t, err)

		return co.Transaction(ctx, func(ctx context.Context, inner *Tx[*mockConn]) error {
			assert.Equal(t, 1, inner.Depth())

			// Nested calls reuse the held connection.
			innerConn, err := inner.Conn()
			require.NoError(t, err)
			assert.Same(t, outerConn, innerConn)

			// And report queue time as absent.
			_, queued := inner.QueueTime()
			assert.False(t, queued)

			return co.Transaction(ctx, func(ctx context.Context, third *Tx[*mockConn]) error {
				assert.Equal(t, 2, third.Depth())
				return nil
			})
		})
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), connector.opened.Load(), "nesting must not check out a second worker")
}

func TestTransactionDisconnectRaw(t *testing.T) {
	co, _ := newTestCoordinator(t, connpool.Config{Size: 1}, Config{})
	ctx := context.Background()

	var conn *mockConn
	err := co.Transaction(ctx, func(ctx context.Context, tx *Tx[*mockConn]) error {
		conn, _ = tx.Conn()
		tx.Disconnect(ctx)

		// The context lost its connection.
		_, err := tx.Conn()
		assert.ErrorIs(t, err, connpool.ErrNoConn)

		// Nested attempts fail without running their body.
		nestedErr := co.Transaction(ctx, func(ctx context.Context, inner *Tx[*mockConn]) error {
			t.Error("nested body must not run after disconnect")
			return nil
		})
		assert.ErrorIs(t, nestedErr, connpool.ErrNoConn)

		tx.Disconnect(ctx) // idempotent
		return nil
	})
	require.NoError(t, err)

	// The physical connection witnessed a failure and was broken.
	assert.True(t, conn.IsClosed())
}

func TestTransactionDisconnectSandboxSuppressed(t *testing.T) {
	co, _ := newTestCoordinator(t, connpool.Config{Size: 1}, Config{Mode: connpool.ModeSandbox})
	ctx := context.Background()

	var conn *mockConn
	err := co.Transaction(ctx, func(ctx context.Context, tx *Tx[*mockConn]) error {
		conn, _ = tx.Conn()
		tx.Disconnect(ctx)

		// Sandbox mode suppresses the disconnect outright: the context
		// keeps a live connection.
		got, err := tx.Conn()
		require.NoError(t, err)
		assert.Same(t, conn, got)
		return nil
	})
	require.NoError(t, err)
	assert.False(t, conn.IsClosed())

	// The same physical connection serves the next transaction.
	err = co.Transaction(ctx, func(ctx context.Context, tx *Tx[*mockConn]) error {
		got, err := tx.Conn()
		require.NoError(t, err)
		assert.Same(t, conn, got)
		return nil
	})
	require.NoError(t, err)
}

func TestTransactionSandboxResetBetweenTransactions(t *testing.T) {
	co, _ := newTestCoordinator(t, connpool.Config{Size: 1}, Config{Mode: connpool.ModeSandbox})
	ctx := context.Background()

	var conn *mockConn
	err := co.Transaction(ctx, func(ctx context.Context, tx *Tx[*mockConn]) error {
		conn, _ = tx.Conn()
		assert.Equal(t, connpool.ModeSandbox, tx.Mode())
		assert.True(t, conn.inSandbox.Load())
		return nil
	})
	require.NoError(t, err)

	// The sandbox was rolled back and restarted on the way out, so the
	// next transaction starts clean on the same connection.
	assert.Equal(t, int32(1), conn.resets.Load())
	assert.Equal(t, int32(2), conn.starts.Load())
	assert.True(t, conn.inSandbox.Load())
}

func TestTransactionCleanupOnPanic(t *testing.T) {
	co, connector := newTestCoordinator(t, connpool.Config{Size: 1}, Config{})
	ctx := context.Background()

	assert.PanicsWithValue(t, "boom", func() {
		_ = co.Transaction(ctx, func(ctx context.Context, tx *Tx[*mockConn]) error {
			panic("boom")
		})
	})

	// The worker went back despite the panic: the next transaction
	// succeeds immediately on the same warm connection.
	err := co.Transaction(ctx, func(ctx context.Context, tx *Tx[*mockConn]) error {
		_, queued := tx.QueueTime()
		assert.True(t, queued)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), connector.opened.Load())
}

func TestTransactionDeadConnReplaced(t *testing.T) {
	co, _ := newTestCoordinator(t, connpool.Config{Size: 1}, Config{})
	ctx := context.Background()

	// The connection dies inside the body.
	var conn1 *mockConn
	err := co.Transaction(ctx, func(ctx context.Context, tx *Tx[*mockConn]) error {
		conn1, _ = tx.Conn()
		return conn1.Close()
	})
	require.NoError(t, err)

	// The next transaction on the same pool succeeds with a different
	// physical connection; the old one stays dead.
	err = co.Transaction(ctx, func(ctx context.Context, tx *Tx[*mockConn]) error {
		conn2, err := tx.Conn()
		require.NoError(t, err)
		assert.NotSame(t, conn1, conn2)
		assert.False(t, conn2.IsClosed())
		return nil
	})
	require.NoError(t, err)
	assert.True(t, conn1.IsClosed())
}

func TestTransactionPoolClosed(t *testing.T) {
	connector := &mockConnector{}
	pool, err := connpool.Open(context.Background(), connector.connect, connpool.Config{Name: "test", Size: 1})
	require.NoError(t, err)
	co := NewCoordinator(pool, Config{})

	pool.Close()
	err = co.Transaction(context.Background(), func(ctx context.Context, tx *Tx[*mockConn]) error {
		t.Error("body must not run against a closed pool")
		return nil
	})
	assert.ErrorIs(t, err, connpool.ErrPoolClosed)
}

func TestTransactionCheckoutTimeout(t *testing.T) {
	co, _ := newTestCoordinator(t, connpool.Config{Size: 1}, Config{})
	ctx := context.Background()

	err := co.Transaction(ctx, func(ctx context.Context, tx *Tx[*mockConn]) error {
		// The only worker is held; a second caller with a fresh context
		// times out without leaking anything.
		shortCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		return co.Transaction(shortCtx, func(ctx context.Context, tx *Tx[*mockConn]) error {
			t.Error("body must not run on timeout")
			return nil
		})
	})
	assert.ErrorIs(t, err, connpool.ErrTimeout)
}

func TestTransactionSecondCallerQueues(t *testing.T) {
	co, _ := newTestCoordinator(t, connpool.Config{Size: 1}, Config{})
	ctx := context.Background()

	release := make(chan struct{})
	firstHolds := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- co.Transaction(ctx, func(ctx context.Context, tx *Tx[*mockConn]) error {
			close(firstHolds)
			<-release
			return nil
		})
	}()
	<-firstHolds

	var wait time.Duration
	secondDone := make(chan error, 1)
	go func() {
		secondDone <- co.Transaction(ctx, func(ctx context.Context, tx *Tx[*mockConn]) error {
			wait, _ = tx.QueueTime()
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	require.NoError(t, <-done)
	require.NoError(t, <-secondDone)

	// The second caller's queue time reflects the wait for the first.
	assert.Greater(t, wait, time.Duration(0))
}

func TestConcurrentCallersGetIndependentConnections(t *testing.T) {
	co, _ := newTestCoordinator(t, connpool.Config{Size: 2}, Config{})
	ctx := context.Background()

	inBody := make(chan *mockConn, 2)
	proceed := make(chan struct{})
	errs := make(chan error, 2)
	for range 2 {
		go func() {
			errs <- co.Transaction(ctx, func(ctx context.Context, tx *Tx[*mockConn]) error {
				conn, err := tx.Conn()
				if err != nil {
					return err
				}
				inBody <- conn
				<-proceed
				return nil
			})
		}()
	}

	conn1 := <-inBody
	conn2 := <-inBody
	close(proceed)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	assert.NotSame(t, conn1, conn2, "concurrent callers must not share a connection")
}

func TestFuseDisconnectsOnError(t *testing.T) {
	co, _ := newTestCoordinator(t, connpool.Config{Size: 1}, Config{})
	ctx := context.Background()

	bodyErr := errors.New("query failed")
	err := co.Transaction(ctx, func(ctx context.Context, tx *Tx[*mockConn]) error {
		conn, _ := tx.Conn()

		err := tx.Fuse(ctx, func(ctx context.Context) error {
			return bodyErr
		})
		assert.ErrorIs(t, err, bodyErr, "fuse must propagate the original error unchanged")

		_, connErr := tx.Conn()
		assert.ErrorIs(t, connErr, connpool.ErrNoConn)
		assert.True(t, conn.IsClosed())
		return nil
	})
	require.NoError(t, err)
}

func TestFuseKeepsConnectionOnSuccess(t *testing.T) {
	co, _ := newTestCoordinator(t, connpool.Config{Size: 1}, Config{})
	ctx := context.Background()

	err := co.Transaction(ctx, func(ctx context.Context, tx *Tx[*mockConn]) error {
		require.NoError(t, tx.Fuse(ctx, func(ctx context.Context) error {
			return nil
		}))
		_, err := tx.Conn()
		assert.NoError(t, err)
		return nil
	})
	require.NoError(t, err)
}

func TestFuseDisconnectsOnPanic(t *testing.T) {
	co, _ := newTestCoordinator(t, connpool.Config{Size: 1}, Config{})
	ctx := context.Background()

	err := co.Transaction(ctx, func(ctx context.Context, tx *Tx[*mockConn]) error {
		conn, _ := tx.Conn()

		assert.PanicsWithValue(t, "boom", func() {
			_ = tx.Fuse(ctx, func(ctx context.Context) error {
				panic("boom")
			})
		})

		_, connErr := tx.Conn()
		assert.ErrorIs(t, connErr, connpool.ErrNoConn)
		assert.True(t, conn.IsClosed())
		return nil
	})
	require.NoError(t, err)
}

func TestFuseSandboxKeepsConnection(t *testing.T) {
	co, _ := newTestCoordinator(t, connpool.Config{Size: 1}, Config{Mode: connpool.ModeSandbox})
	ctx := context.Background()

	bodyErr := errors.New("query failed")
	err := co.Transaction(ctx, func(ctx context.Context, tx *Tx[*mockConn]) error {
		conn, _ := tx.Conn()

		err := tx.Fuse(ctx, func(ctx context.Context) error {
			return bodyErr
		})
		assert.ErrorIs(t, err, bodyErr)

		// Sandbox mode trades crash isolation for rollback semantics:
		// the connection is still there.
		got, connErr := tx.Conn()
		require.NoError(t, connErr)
		assert.Same(t, conn, got)
		assert.False(t, conn.IsClosed())
		return nil
	})
	require.NoError(t, err)
}

func TestSetModeIdempotent(t *testing.T) {
	co, _ := newTestCoordinator(t, connpool.Config{Size: 1}, Config{Mode: connpool.ModeSandbox})
	ctx := context.Background()

	err := co.Transaction(ctx, func(ctx context.Context, tx *Tx[*mockConn]) error {
		conn, _ := tx.Conn()
		startsBefore := conn.starts.Load()

		err := tx.SetMode(ctx, connpool.ModeSandbox)
		assert.ErrorIs(t, err, connpool.ErrAlreadyMode)
		assert.Equal(t, startsBefore, conn.starts.Load(), "already-in-mode must have no side effects")
		return nil
	})
	require.NoError(t, err)
}

func TestSetModeAppliesToNestedStack(t *testing.T) {
	co, _ := newTestCoordinator(t, connpool.Config{Size: 1}, Config{})
	ctx := context.Background()

	err := co.Transaction(ctx, func(ctx context.Context, outer *Tx[*mockConn]) error {
		require.NoError(t, outer.SetMode(ctx, connpool.ModeSandbox))
		assert.Equal(t, connpool.ModeSandbox, outer.Mode())

		return co.Transaction(ctx, func(ctx context.Context, inner *Tx[*mockConn]) error {
			assert.Equal(t, connpool.ModeSandbox, inner.Mode())
			return nil
		})
	})
	require.NoError(t, err)
}

func TestSetModeConnectivityFailureDisconnects(t *testing.T) {
	co, _ := newTestCoordinator(t, connpool.Config{Size: 1}, Config{})
	ctx := context.Background()

	err := co.Transaction(ctx, func(ctx context.Context, tx *Tx[*mockConn]) error {
		conn, _ := tx.Conn()

		// The session dies before the mode switch.
		require.NoError(t, conn.Close())
		err := tx.SetMode(ctx, connpool.ModeSandbox)
		require.ErrorIs(t, err, connpool.ErrNoConn)

		// The context was downgraded to disconnected.
		_, connErr := tx.Conn()
		assert.ErrorIs(t, connErr, connpool.ErrNoConn)
		return nil
	})
	require.NoError(t, err)
}

func TestSandboxUnsupportedConnection(t *testing.T) {
	connector := func(ctx context.Context) (*rawOnlyConn, error) {
		return &rawOnlyConn{}, nil
	}
	pool, err := connpool.Open(context.Background(), connector, connpool.Config{Name: "test", Size: 1})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	co := NewCoordinator(pool, Config{Mode: connpool.ModeSandbox})
	err = co.Transaction(context.Background(), func(ctx context.Context, tx *Tx[*rawOnlyConn]) error {
		t.Error("body must not run when the mode cannot be applied")
		return nil
	})
	assert.ErrorIs(t, err, connpool.ErrSandboxUnsupported)
	assert.Equal(t, 1, pool.Stats().Idle, "worker must go back after the failed mode switch")
}
