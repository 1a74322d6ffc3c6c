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

// Package connpool implements a bounded pool of connection-owning workers.
//
// A Worker owns at most one physical connection and tracks its lifecycle
// (disconnected, connected, broken). The Pool hands workers out to callers
// through Checkout handles and reclaims them on release, queueing callers
// on a waitlist when all workers are busy. Connections are opened by an
// adapter-supplied Connector; the pool never interprets connection options
// itself.
package connpool

import "context"

// Conn is the capability contract an adapter supplies for one physical
// database session. Implementations must be safe for use by a single
// checked-out caller at a time; the pool guarantees exclusive ownership.
type Conn interface {
	// IsClosed returns true if the connection has been closed, either by
	// Close or because the underlying session died.
	IsClosed() bool

	// Close closes the connection and releases associated resources.
	Close() error
}

// Sandboxer is an optional capability of a Conn. A connection that
// implements it can enter sandbox mode: a wrapping transaction that is
// never committed, so that everything executed on the connection rolls
// back when the sandbox is reset. Connections that do not implement
// Sandboxer reject ModeSandbox with ErrSandboxUnsupported.
type Sandboxer interface {
	// StartSandbox begins the wrapping transaction.
	StartSandbox(ctx context.Context) error

	// ResetSandbox rolls the wrapping transaction back, discarding
	// everything executed since StartSandbox.
	ResetSandbox(ctx context.Context) error
}

// Connector opens one physical connection. It is called by workers when
// they connect lazily or eagerly at pool start; connect failures are
// returned to the checking-out caller, never retried by the worker.
type Connector[C Conn] func(ctx context.Context) (C, error)

// Mode selects the transaction mode applied to a checked-out connection.
type Mode int

const (
	// ModeRaw is an ordinary connection: transactions commit normally.
	ModeRaw Mode = iota

	// ModeSandbox wraps the connection in a transaction that is never
	// committed, so test suites roll back automatically.
	ModeSandbox
)

func (m Mode) String() string {
	switch m {
	case ModeRaw:
		return "raw"
	case ModeSandbox:
		return "sandbox"
	default:
		return "unknown"
	}
}
