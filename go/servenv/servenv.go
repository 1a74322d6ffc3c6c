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

// Package servenv carries the shared plumbing for poolhouse commands:
// configuration loading, logging setup, and lifecycle hooks around a
// long-running process.
package servenv

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/poolhouse/poolhouse/go/tools/event"
	"github.com/poolhouse/poolhouse/go/viperutil"
)

// ServEnv ties together the configuration registry, logging, and
// process lifecycle hooks for a single command.
type ServEnv struct {
	reg *viperutil.Registry
	vc  *viperutil.ViperConfig
	lg  *Logger

	onInitHooks  event.Hooks
	onRunHooks   event.Hooks
	onCloseHooks event.Hooks
}

// New returns a ServEnv with a fresh configuration registry.
func New() *ServEnv {
	reg := viperutil.NewRegistry()
	return &ServEnv{
		reg: reg,
		vc:  viperutil.NewViperConfig(reg),
		lg:  NewLogger(reg),
	}
}

// Registry returns the configuration registry so callers can declare
// their own values on it.
func (se *ServEnv) Registry() *viperutil.Registry {
	return se.reg
}

// GetLogger returns the process logger. Before Init it falls back to
// slog.Default().
func (se *ServEnv) GetLogger() *slog.Logger {
	return se.lg.GetLogger()
}

// OnInit registers f to run during Init, after configuration and
// logging are set up.
func (se *ServEnv) OnInit(f func()) {
	se.onInitHooks.Add(f)
}

// OnRun registers f to run when RunDefault starts serving.
func (se *ServEnv) OnRun(f func()) {
	se.onRunHooks.Add(f)
}

// OnClose registers f to run when the process is shutting down.
func (se *ServEnv) OnClose(f func()) {
	se.onCloseHooks.Add(f)
}

// RegisterFlags registers the config and logging flags on fs.
func (se *ServEnv) RegisterFlags(fs *pflag.FlagSet) {
	se.vc.RegisterFlags(fs)
	se.lg.RegisterFlags(fs)
}

// Init loads configuration, sets up logging, and fires the init hooks.
func (se *ServEnv) Init() error {
	if err := se.vc.LoadConfig(se.reg); err != nil {
		return err
	}
	se.lg.SetupLogging()
	se.onInitHooks.Fire()
	return nil
}

// CobraPreRunE is suitable as a cobra PersistentPreRunE and just runs
// Init. Flag binding happens at RegisterFlags time.
func (se *ServEnv) CobraPreRunE(*cobra.Command, []string) error {
	return se.Init()
}

// RunDefault fires the run hooks, blocks until ctx is done or the
// process receives SIGTERM or SIGINT, then fires the close hooks.
func (se *ServEnv) RunDefault(ctx context.Context) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT, os.Interrupt)
	defer stop()

	se.onRunHooks.Fire()
	se.GetLogger().Info("serving")

	<-ctx.Done()

	se.GetLogger().Info("shutting down")
	se.onCloseHooks.Fire()
}
