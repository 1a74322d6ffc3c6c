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

// Package pq adapts lib/pq sessions, via database/sql, to the pool's
// connection contract. Each pooled connection wraps one dedicated
// *sql.Conn, so sandbox transactions and session state stay pinned to a
// single Postgres backend.
package pq

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lib/pq"

	"github.com/poolhouse/poolhouse/go/pools/connpool"
)

// Driver holds the shared database handle that dedicated connections are
// drawn from. Close it after the pool that uses it has been closed.
type Driver struct {
	db *sql.DB
}

// Open validates dsn and prepares a Driver. No connection is made until
// the pool asks for one.
func Open(dsn string) (*Driver, error) {
	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(connector)
	// The pool above does its own limiting; database/sql only needs to
	// hand out dedicated conns, not cache idle ones.
	db.SetMaxIdleConns(0)
	return &Driver{db: db}, nil
}

// Connector returns the connect function to hand to connpool.Config.
func (d *Driver) Connector() connpool.Connector[*Conn] {
	return func(ctx context.Context) (*Conn, error) {
		sc, err := d.db.Conn(ctx)
		if err != nil {
			return nil, err
		}
		if err := sc.PingContext(ctx); err != nil {
			sc.Close()
			return nil, err
		}
		return &Conn{conn: sc}, nil
	}
}

// Close releases the shared handle.
func (d *Driver) Close() error {
	return d.db.Close()
}

// Conn is one dedicated Postgres session. The pool guarantees a single
// owner at a time; the internal mutex only orders sandbox transitions
// against queries from that owner.
type Conn struct {
	conn   *sql.Conn
	closed atomic.Bool

	mu sync.Mutex
	tx *sql.Tx
}

var _ connpool.Conn = (*Conn)(nil)
var _ connpool.Sandboxer = (*Conn)(nil)

// IsClosed reports whether the session has been closed or observed dead.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Close tears down the session. A live sandbox transaction is rolled
// back implicitly by the server when the session ends.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	c.tx = nil
	c.mu.Unlock()
	return c.conn.Close()
}

// StartSandbox opens the wrapping transaction. Work executed through
// Exec and Query afterwards joins it and is discarded on ResetSandbox.
func (c *Conn) StartSandbox(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx != nil {
		return nil
	}
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		c.noteErr(err)
		return err
	}
	c.tx = tx
	return nil
}

// ResetSandbox rolls the wrapping transaction back. The connection is
// left outside any transaction; callers wanting a fresh sandbox start
// one again.
func (c *Conn) ResetSandbox(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		return nil
	}
	err := c.tx.Rollback()
	c.tx = nil
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		c.noteErr(err)
		return err
	}
	return nil
}

// Exec runs a statement on the session, inside the sandbox transaction
// when one is active.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.mu.Lock()
	tx := c.tx
	c.mu.Unlock()

	var res sql.Result
	var err error
	if tx != nil {
		res, err = tx.ExecContext(ctx, query, args...)
	} else {
		res, err = c.conn.ExecContext(ctx, query, args...)
	}
	c.noteErr(err)
	return res, err
}

// Query runs a query on the session, inside the sandbox transaction when
// one is active.
func (c *Conn) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	c.mu.Lock()
	tx := c.tx
	c.mu.Unlock()

	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.QueryContext(ctx, query, args...)
	} else {
		rows, err = c.conn.QueryContext(ctx, query, args...)
	}
	c.noteErr(err)
	return rows, err
}

// QueryRow runs a single-row query on the session.
func (c *Conn) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	c.mu.Lock()
	tx := c.tx
	c.mu.Unlock()

	if tx != nil {
		return tx.QueryRowContext(ctx, query, args...)
	}
	return c.conn.QueryRowContext(ctx, query, args...)
}

// noteErr marks the session closed when an error indicates the backend
// is gone, so the pool replaces it instead of handing it out again.
func (c *Conn) noteErr(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		c.closed.Store(true)
	}
}
