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

import "errors"

var (
	// ErrPoolClosed is returned when operating on a pool that is not
	// running. Unrecoverable for the current call; the caller must obtain
	// a fresh pool.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrNoConn is returned when no usable connection exists for the
	// current context, for example after an explicit disconnect.
	// Recoverable by starting a fresh outer transaction.
	ErrNoConn = errors.New("no connection available")

	// ErrAlreadyMode is returned by SetMode when the connection is
	// already in the requested mode. Benign and informational.
	ErrAlreadyMode = errors.New("connection already in requested mode")

	// ErrTimeout is returned when a checkout did not complete in the
	// allotted time. The pool guarantees no worker is leaked: timeout
	// implies no ownership was transferred.
	ErrTimeout = errors.New("timeout waiting for connection")

	// ErrSandboxUnsupported is returned when ModeSandbox is requested on
	// a connection that does not implement Sandboxer.
	ErrSandboxUnsupported = errors.New("connection does not support sandbox mode")
)
