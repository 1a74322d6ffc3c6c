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

// poolhouse is a command line tool for exercising a Postgres connection
// pool: checking connectivity and benchmarking checkout behavior.
package main

import (
	"log/slog"
	"os"

	"github.com/poolhouse/poolhouse/go/cmd/poolhouse/command"
)

func main() {
	root, _ := command.GetRootCommand()
	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}
