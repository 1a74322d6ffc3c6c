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

package command

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/poolhouse/poolhouse/go/adapters/pq"
	"github.com/poolhouse/poolhouse/go/txn"
)

func (pc *PoolCommand) pingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check connectivity through the pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pc.ping(cmd.Context(), cmd)
		},
	}
}

func (pc *PoolCommand) ping(ctx context.Context, cmd *cobra.Command) error {
	mode, err := parseMode(pc.mode.Get())
	if err != nil {
		return err
	}

	pool, cleanup, err := pc.openPool(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	co := txn.NewCoordinator(pool, txn.Config{Mode: mode, Logger: pc.se.GetLogger()})

	start := time.Now()
	var version string
	err = co.Run(ctx, func(ctx context.Context, conn *pq.Conn, _ time.Duration, _ bool) error {
		return conn.QueryRow(ctx, "SELECT version()").Scan(&version)
	})
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "ok: %s (%s)\n", version, time.Since(start).Round(time.Microsecond))
	return nil
}
