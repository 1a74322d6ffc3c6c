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

// Package pgxconn adapts pgx v5 sessions to the pool's connection
// contract. Unlike the database/sql path, pgx exposes the session
// directly, so liveness comes from the driver rather than a local flag.
package pgxconn

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/poolhouse/poolhouse/go/pools/connpool"
	"github.com/poolhouse/poolhouse/go/tools/ctxutil"
)

// Connector returns a connect function for connString, suitable for
// connpool.Config. The string accepts both URL and DSN keyword forms.
func Connector(connString string) (connpool.Connector[*Conn], error) {
	cfg, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (*Conn, error) {
		pc, err := pgx.ConnectConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Conn{conn: pc}, nil
	}, nil
}

// Conn is one pgx session. The pool guarantees exclusive ownership while
// checked out.
type Conn struct {
	conn *pgx.Conn
	tx   pgx.Tx
}

var _ connpool.Conn = (*Conn)(nil)
var _ connpool.Sandboxer = (*Conn)(nil)

// IsClosed reports whether the underlying session is gone.
func (c *Conn) IsClosed() bool {
	return c.conn.IsClosed()
}

// Close tears down the session. The server discards any open sandbox
// transaction with it.
func (c *Conn) Close() error {
	c.tx = nil
	return c.conn.Close(ctxutil.Detach(context.Background()))
}

// StartSandbox opens the wrapping transaction.
func (c *Conn) StartSandbox(ctx context.Context) error {
	if c.tx != nil {
		return nil
	}
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

// ResetSandbox rolls the wrapping transaction back.
func (c *Conn) ResetSandbox(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	err := c.tx.Rollback(ctx)
	c.tx = nil
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

// Exec runs a statement, inside the sandbox transaction when one is
// active.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	if c.tx != nil {
		return c.tx.Exec(ctx, query, args...)
	}
	return c.conn.Exec(ctx, query, args...)
}

// Query runs a query, inside the sandbox transaction when one is active.
func (c *Conn) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	if c.tx != nil {
		return c.tx.Query(ctx, query, args...)
	}
	return c.conn.Query(ctx, query, args...)
}

// QueryRow runs a single-row query.
func (c *Conn) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	if c.tx != nil {
		return c.tx.QueryRow(ctx, query, args...)
	}
	return c.conn.QueryRow(ctx, query, args...)
}
