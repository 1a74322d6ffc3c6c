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
	"github.com/poolhouse/poolhouse/go/pools/connpool"
	"github.com/poolhouse/poolhouse/go/servenv"
	"github.com/poolhouse/poolhouse/go/tools/retry"
	"github.com/poolhouse/poolhouse/go/viperutil"
)

// PoolCommand holds the configuration shared by all poolhouse
// subcommands.
type PoolCommand struct {
	se *servenv.ServEnv

	dsn            viperutil.Value[string]
	poolSize       viperutil.Value[int]
	maxOverflow    viperutil.Value[int]
	connectTimeout viperutil.Value[time.Duration]
	idleTimeout    viperutil.Value[time.Duration]
	mode           viperutil.Value[string]
}

// GetRootCommand creates and returns the root command for poolhouse with
// all subcommands.
func GetRootCommand() (*cobra.Command, *PoolCommand) {
	se := servenv.New()
	reg := se.Registry()
	pc := &PoolCommand{
		se: se,
		dsn: viperutil.Configure(reg, "dsn", viperutil.Options[string]{
			Default:  "host=localhost port=5432 user=postgres sslmode=disable",
			EnvVars:  []string{"POOLHOUSE_DSN"},
			FlagName: "dsn",
		}),
		poolSize: viperutil.Configure(reg, "pool.size", viperutil.Options[int]{
			Default:  10,
			FlagName: "pool-size",
		}),
		maxOverflow: viperutil.Configure(reg, "pool.max-overflow", viperutil.Options[int]{
			Default:  0,
			FlagName: "max-overflow",
		}),
		connectTimeout: viperutil.Configure(reg, "pool.connect-timeout", viperutil.Options[time.Duration]{
			Default:  5 * time.Second,
			FlagName: "connect-timeout",
		}),
		idleTimeout: viperutil.Configure(reg, "pool.idle-timeout", viperutil.Options[time.Duration]{
			Default:  0,
			FlagName: "idle-timeout",
		}),
		mode: viperutil.Configure(reg, "pool.mode", viperutil.Options[string]{
			Default:  "raw",
			FlagName: "mode",
		}),
	}

	root := &cobra.Command{
		Use:               "poolhouse",
		Short:             "Connection pool tooling for Postgres",
		Long:              "poolhouse checks connectivity and benchmarks checkout behavior against a Postgres server through a bounded connection pool.",
		Args:              cobra.NoArgs,
		PersistentPreRunE: se.CobraPreRunE,
	}

	fs := root.PersistentFlags()
	se.RegisterFlags(fs)
	fs.String("dsn", pc.dsn.Default(), "Postgres connection string (lib/pq keyword form).")
	fs.Int("pool-size", pc.poolSize.Default(), "Number of pooled connections.")
	fs.Int("max-overflow", pc.maxOverflow.Default(), "Extra connections allowed beyond pool-size under load, closed on release.")
	fs.Duration("connect-timeout", pc.connectTimeout.Default(), "Per-connection connect timeout.")
	fs.Duration("idle-timeout", pc.idleTimeout.Default(), "Close connections idle longer than this (0 disables reaping).")
	fs.String("mode", pc.mode.Default(), "Connection mode: raw or sandbox.")
	viperutil.BindFlags(fs, pc.dsn, pc.poolSize, pc.maxOverflow, pc.connectTimeout, pc.idleTimeout, pc.mode)

	root.AddCommand(pc.pingCommand())
	root.AddCommand(pc.benchCommand())

	return root, pc
}

func parseMode(s string) (connpool.Mode, error) {
	switch s {
	case "raw":
		return connpool.ModeRaw, nil
	case "sandbox":
		return connpool.ModeSandbox, nil
	default:
		return connpool.ModeRaw, fmt.Errorf("unknown mode %q (want raw or sandbox)", s)
	}
}

// openPool dials Postgres, retrying transient connect failures, and
// builds the pool. The returned cleanup closes the pool and the driver.
func (pc *PoolCommand) openPool(ctx context.Context) (*connpool.Pool[*pq.Conn], func(), error) {
	driver, err := pq.Open(pc.dsn.Get())
	if err != nil {
		return nil, nil, fmt.Errorf("invalid dsn: %w", err)
	}

	cfg := connpool.Config{
		Name:           "poolhouse",
		Size:           pc.poolSize.Get(),
		MaxOverflow:    pc.maxOverflow.Get(),
		ConnectTimeout: pc.connectTimeout.Get(),
		IdleTimeout:    pc.idleTimeout.Get(),
		Logger:         pc.se.GetLogger(),
	}

	r := retry.New(100*time.Millisecond, 2*time.Second)
	var pool *connpool.Pool[*pq.Conn]
	for {
		if rerr := r.StartAttempt(ctx); rerr != nil {
			driver.Close()
			if err != nil {
				return nil, nil, fmt.Errorf("connect cancelled: %w (last error: %v)", rerr, err)
			}
			return nil, nil, rerr
		}
		pool, err = connpool.Open(ctx, driver.Connector(), cfg)
		if err == nil {
			break
		}
		if r.Attempt() >= 5 {
			driver.Close()
			return nil, nil, fmt.Errorf("connect failed after %d attempts: %w", r.Attempt(), err)
		}
		pc.se.GetLogger().Warn("connect attempt failed, retrying", "attempt", r.Attempt(), "err", err)
	}

	cleanup := func() {
		pool.Close()
		driver.Close()
	}
	return pool, cleanup, nil
}
