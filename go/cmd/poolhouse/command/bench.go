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
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/poolhouse/poolhouse/go/adapters/pq"
	"github.com/poolhouse/poolhouse/go/txn"
)

func (pc *PoolCommand) benchCommand() *cobra.Command {
	var (
		workers  int
		duration time.Duration
		query    string
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark checkout and query latency through the pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pc.bench(cmd.Context(), cmd, workers, duration, query)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 8, "Concurrent workers issuing queries.")
	cmd.Flags().DurationVar(&duration, "duration", 10*time.Second, "How long to run.")
	cmd.Flags().StringVar(&query, "query", "SELECT 1", "Query each worker issues per checkout.")
	return cmd
}

func (pc *PoolCommand) bench(ctx context.Context, cmd *cobra.Command, workers int, duration time.Duration, query string) error {
	if workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", workers)
	}

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

	var ops, queuedOps, queueNanos, failures atomic.Int64

	runCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	start := time.Now()
	g, gctx := errgroup.WithContext(runCtx)
	for range workers {
		g.Go(func() error {
			for {
				err := co.Run(gctx, func(ctx context.Context, conn *pq.Conn, queueTime time.Duration, _ bool) error {
					if queueTime > 0 {
						queuedOps.Add(1)
						queueNanos.Add(int64(queueTime))
					}
					rows, err := conn.Query(ctx, query)
					if err != nil {
						return err
					}
					rows.Close()
					return rows.Err()
				})
				switch {
				case err == nil:
					ops.Add(1)
				case gctx.Err() != nil:
					return nil
				case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
					return nil
				default:
					failures.Add(1)
					pc.se.GetLogger().Warn("bench query failed", "err", err)
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	total := ops.Load()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "workers:    %d\n", workers)
	fmt.Fprintf(out, "elapsed:    %s\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "ops:        %d (%.0f/s)\n", total, float64(total)/elapsed.Seconds())
	fmt.Fprintf(out, "failures:   %d\n", failures.Load())
	if queued := queuedOps.Load(); queued > 0 {
		avg := time.Duration(queueNanos.Load() / queued)
		fmt.Fprintf(out, "queued:     %d (avg wait %s)\n", queued, avg.Round(time.Microsecond))
	} else {
		fmt.Fprintf(out, "queued:     0\n")
	}

	st := pool.Stats()
	fmt.Fprintf(out, "pool:       open=%d idle=%d borrowed=%d\n", st.Open, st.Idle, st.Borrowed)
	return nil
}
