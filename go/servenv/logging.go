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

package servenv

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/pflag"

	"github.com/poolhouse/poolhouse/go/viperutil"
)

// Logger builds the process slog.Logger from viper-backed configuration:
// level, format, and output destination.
type Logger struct {
	logLevel  viperutil.Value[string]
	logFormat viperutil.Value[string]
	logOutput viperutil.Value[string]

	loggerOnce sync.Once
	loggerMu   sync.Mutex
	logger     *slog.Logger
}

// NewLogger declares the logging values on reg.
func NewLogger(reg *viperutil.Registry) *Logger {
	return &Logger{
		logLevel: viperutil.Configure(reg, "log-level", viperutil.Options[string]{
			Default:  "info",
			FlagName: "log-level",
		}),
		logFormat: viperutil.Configure(reg, "log-format", viperutil.Options[string]{
			Default:  "json",
			FlagName: "log-format",
		}),
		logOutput: viperutil.Configure(reg, "log-output", viperutil.Options[string]{
			Default:  "stderr",
			FlagName: "log-output",
		}),
	}
}

// RegisterFlags registers logging-related command line flags. This must
// be called before flag parsing if using the logging system.
func (lg *Logger) RegisterFlags(fs *pflag.FlagSet) {
	fs.String("log-level", lg.logLevel.Default(), "Log level (debug, info, warn, error)")
	fs.String("log-format", lg.logFormat.Default(), "Log format (json, text)")
	fs.String("log-output", lg.logOutput.Default(), "Log output (stdout, stderr, or file path)")
	viperutil.BindFlags(fs, lg.logLevel, lg.logFormat, lg.logOutput)
}

// SetupLogging initializes the logger based on the configured values and
// installs it as the slog default. Call after flags are parsed; only the
// first call has an effect.
func (lg *Logger) SetupLogging() {
	lg.loggerOnce.Do(func() {
		level := parseLevel(lg.logLevel.Get())
		output := openOutput(lg.logOutput.Get())

		var handler slog.Handler
		switch strings.ToLower(lg.logFormat.Get()) {
		case "text":
			handler = slog.NewTextHandler(output, &slog.HandlerOptions{Level: level})
		default:
			handler = slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level})
		}

		newLogger := slog.New(handler)
		slog.SetDefault(newLogger)

		lg.loggerMu.Lock()
		lg.logger = newLogger
		lg.loggerMu.Unlock()

		newLogger.Debug("logging initialized",
			"level", lg.logLevel.Get(),
			"format", lg.logFormat.Get(),
			"output", lg.logOutput.Get(),
		)
	})
}

// GetLogger returns the configured logger, or slog.Default() before
// SetupLogging has run.
func (lg *Logger) GetLogger() *slog.Logger {
	lg.loggerMu.Lock()
	defer lg.loggerMu.Unlock()
	if lg.logger == nil {
		return slog.Default()
	}
	return lg.logger
}

func parseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openOutput(outputStr string) io.Writer {
	switch strings.ToLower(outputStr) {
	case "stdout":
		return os.Stdout
	case "", "stderr":
		return os.Stderr
	default:
		file, err := os.OpenFile(outputStr, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			// Fall back to stderr rather than failing startup.
			return os.Stderr
		}
		return file
	}
}
