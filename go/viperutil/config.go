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

package viperutil

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ViperConfig carries the values that control config-file loading itself:
// where to look for a file, what it is called, and what to do when none
// is found.
type ViperConfig struct {
	configPaths                Value[[]string]
	configType                 Value[string]
	configName                 Value[string]
	configFile                 Value[string]
	configFileNotFoundHandling Value[ConfigFileNotFoundHandling]
}

// NewViperConfig declares the config-loading values on reg.
func NewViperConfig(reg *Registry) *ViperConfig {
	return &ViperConfig{
		configPaths: Configure(reg, "config.paths", Options[[]string]{
			Default:  []string{"."},
			EnvVars:  []string{"POOLHOUSE_CONFIG_PATH"},
			FlagName: "config-path",
		}),
		configType: Configure(reg, "config.type", Options[string]{
			EnvVars:  []string{"POOLHOUSE_CONFIG_TYPE"},
			FlagName: "config-type",
		}),
		configName: Configure(reg, "config.name", Options[string]{
			Default:  "poolhouse",
			EnvVars:  []string{"POOLHOUSE_CONFIG_NAME"},
			FlagName: "config-name",
		}),
		configFile: Configure(reg, "config.file", Options[string]{
			EnvVars:  []string{"POOLHOUSE_CONFIG_FILE"},
			FlagName: "config-file",
		}),
		configFileNotFoundHandling: Configure(reg, "config.notfound.handling", Options[ConfigFileNotFoundHandling]{
			Default:  WarnOnConfigFileNotFound,
			GetFunc:  getHandlingValue,
			FlagName: "config-file-not-found-handling",
		}),
	}
}

// RegisterFlags installs the flags that control config loading. Called
// before flag parsing for every binary.
func (vc *ViperConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringSlice("config-path", vc.configPaths.Default(), "Paths to search for config files in.")
	fs.String("config-type", vc.configType.Default(), "Config file type (omit to infer from the file extension).")
	fs.String("config-name", vc.configName.Default(), "Name of the config file (without extension) to search for.")
	fs.String("config-file", vc.configFile.Default(), "Full path of the config file (with extension) to use. If set, --config-path, --config-type, and --config-name are ignored.")

	h := vc.configFileNotFoundHandling.Default()
	fs.Var(&h, "config-file-not-found-handling", fmt.Sprintf("Behavior when a config file is not found. (Options: %s)", strings.Join(handlingNames, ", ")))

	BindFlags(fs, vc.configPaths, vc.configType, vc.configName, vc.configFile, vc.configFileNotFoundHandling)
}

// LoadConfig finds and loads a config file into reg, following viper's
// search behavior: --config-file (full path) wins outright; otherwise
// --config-name is searched for under each --config-path. A missing file
// is handled per --config-file-not-found-handling.
func (vc *ViperConfig) LoadConfig(reg *Registry) error {
	var err error
	switch file := vc.configFile.Get(); file {
	case "":
		if name := vc.configName.Get(); name != "" {
			reg.v.SetConfigName(name)
			for _, path := range vc.configPaths.Get() {
				reg.v.AddConfigPath(path)
			}
			if cfgType := vc.configType.Get(); cfgType != "" {
				reg.v.SetConfigType(cfgType)
			}
			err = reg.v.ReadInConfig()
		}
	default:
		reg.v.SetConfigFile(file)
		err = reg.v.ReadInConfig()
	}

	if err != nil && isConfigFileNotFoundError(err) {
		switch vc.configFileNotFoundHandling.Get() {
		case IgnoreConfigFileNotFound:
			return nil
		case WarnOnConfigFileNotFound:
			slog.Warn("no config file found; using defaults, flags, and environment variables", "err", err)
			return nil
		}
	}
	return err
}

func isConfigFileNotFoundError(err error) bool {
	if errors.As(err, &viper.ConfigFileNotFoundError{}) {
		return true
	}
	return errors.Is(err, os.ErrNotExist)
}

// ConfigFileNotFoundHandling controls how LoadConfig treats a missing
// config file.
type ConfigFileNotFoundHandling int

const (
	// IgnoreConfigFileNotFound proceeds silently without a config file.
	IgnoreConfigFileNotFound ConfigFileNotFoundHandling = iota
	// WarnOnConfigFileNotFound logs a warning and proceeds with values
	// from defaults, environment variables, and flags only.
	WarnOnConfigFileNotFound
	// ErrorOnConfigFileNotFound returns the lookup error to the caller.
	ErrorOnConfigFileNotFound
)

var (
	handlingNames         = []string{"error", "ignore", "warn"}
	handlingNamesToValues = map[string]ConfigFileNotFoundHandling{
		"ignore": IgnoreConfigFileNotFound,
		"warn":   WarnOnConfigFileNotFound,
		"error":  ErrorOnConfigFileNotFound,
	}
	handlingValuesToNames = map[ConfigFileNotFoundHandling]string{
		IgnoreConfigFileNotFound:  "ignore",
		WarnOnConfigFileNotFound:  "warn",
		ErrorOnConfigFileNotFound: "error",
	}
)

func getHandlingValue(v *viper.Viper) func(key string) ConfigFileNotFoundHandling {
	return func(key string) ConfigFileNotFoundHandling {
		var h ConfigFileNotFoundHandling
		switch raw := v.Get(key).(type) {
		case ConfigFileNotFoundHandling:
			h = raw
		case int:
			h = ConfigFileNotFoundHandling(raw)
		case string:
			if err := h.Set(raw); err != nil {
				h = WarnOnConfigFileNotFound
				slog.Warn(fmt.Sprintf("invalid %s value %q; defaulting to %s", key, raw, h.String()))
			}
		case *ConfigFileNotFoundHandling:
			h = *raw
		}
		return h
	}
}

// Set implements pflag.Value.
func (h *ConfigFileNotFoundHandling) Set(arg string) error {
	if v, ok := handlingNamesToValues[strings.ToLower(arg)]; ok {
		*h = v
		return nil
	}
	return fmt.Errorf("unknown handling name %s", arg)
}

// String implements pflag.Value.
func (h *ConfigFileNotFoundHandling) String() string {
	if name, ok := handlingValuesToNames[*h]; ok {
		return name
	}
	return "<UNKNOWN>"
}

// Type implements pflag.Value.
func (h *ConfigFileNotFoundHandling) Type() string { return "ConfigFileNotFoundHandling" }
