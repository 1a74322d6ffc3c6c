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

// Package viperutil binds configuration values to viper with defaults,
// environment variables, and pflag integration.
//
// Each value is declared once with Configure against a Registry and read
// through its typed Get method. Precedence follows viper: flag over
// environment variable over config file over default.
package viperutil

import (
	"fmt"
	"log/slog"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Registry is an isolated viper instance holding a set of configured
// values. Each command or service creates its own registry, so tests and
// embedded uses never share global state.
type Registry struct {
	v *viper.Viper
}

// NewRegistry creates an empty configuration registry.
func NewRegistry() *Registry {
	return &Registry{v: viper.New()}
}

// Viper exposes the underlying viper instance, for config-file loading
// and debug surfaces.
func (reg *Registry) Viper() *viper.Viper {
	return reg.v
}

// Options configures a Value at declaration time.
type Options[T any] struct {
	// Default is the value returned when no flag, env var, or config
	// entry provides one.
	Default T

	// EnvVars are environment variables bound to this value, in
	// precedence order.
	EnvVars []string

	// FlagName is the pflag this value binds to via BindFlags. Empty
	// means no flag.
	FlagName string

	// GetFunc overrides how the value is read from viper. When nil, the
	// value is unmarshalled with the standard decode hooks.
	GetFunc func(v *viper.Viper) func(key string) T
}

// Value is a typed handle on one configured key.
type Value[T any] interface {
	// Key returns the viper key this value is registered under.
	Key() string
	// Get returns the current value.
	Get() T
	// Default returns the declared default.
	Default() T
	// Flag returns the bound flag name, or "".
	Flag() string

	bindFlag(fs *pflag.FlagSet)
}

type val[T any] struct {
	key  string
	opts Options[T]
	reg  *Registry
	get  func(key string) T
}

// Configure declares a value on reg and returns its typed handle.
func Configure[T any](reg *Registry, key string, opts Options[T]) Value[T] {
	reg.v.SetDefault(key, opts.Default)
	for _, env := range opts.EnvVars {
		_ = reg.v.BindEnv(append([]string{key}, env)...)
	}

	get := getValue[T](reg.v)
	if opts.GetFunc != nil {
		get = opts.GetFunc(reg.v)
	}
	return &val[T]{key: key, opts: opts, reg: reg, get: get}
}

func (v *val[T]) Key() string  { return v.key }
func (v *val[T]) Get() T       { return v.get(v.key) }
func (v *val[T]) Default() T   { return v.opts.Default }
func (v *val[T]) Flag() string { return v.opts.FlagName }

func (v *val[T]) bindFlag(fs *pflag.FlagSet) {
	if v.opts.FlagName == "" {
		return
	}
	if flag := fs.Lookup(v.opts.FlagName); flag != nil {
		_ = v.reg.v.BindPFlag(v.key, flag)
	}
}

// Bindable is the erased form of Value[T] accepted by BindFlags.
type Bindable interface {
	Key() string
	Flag() string

	bindFlag(fs *pflag.FlagSet)
}

// BindFlags binds each value's declared flag on fs to its key. The flags
// themselves must already be defined on fs; values without a flag are
// skipped.
func BindFlags(fs *pflag.FlagSet, values ...Bindable) {
	for _, v := range values {
		v.bindFlag(fs)
	}
}

// getValue unmarshals the key with the standard decode hooks, so strings
// from config files decode into durations and slices.
func getValue[T any](v *viper.Viper) func(key string) T {
	return func(key string) (t T) {
		err := v.UnmarshalKey(key, &t, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)))
		if err != nil {
			slog.Warn(fmt.Sprintf("failed to unmarshal %s: %s; using zero value", key, err))
		}
		return t
	}
}
