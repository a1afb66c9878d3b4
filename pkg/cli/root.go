// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli implements the commands for the iac-ci CLI.
package cli

import (
	"context"

	"github.com/abcxyz/iac-ci/pkg/version"
	"github.com/abcxyz/pkg/cli"
)

var rootCmd = func() cli.Command {
	return &cli.RootCommand{
		Name:    "iac-ci",
		Version: version.HumanVersion,
		Commands: map[string]cli.CommandFactory{
			"initiator": func() cli.Command {
				return &cli.RootCommand{
					Name:        "initiator",
					Description: "Accept and repackage job submissions",
					Commands: map[string]cli.CommandFactory{
						"server": func() cli.Command {
							return &InitiatorServerCommand{}
						},
						"submit": func() cli.Command {
							return &InitiatorSubmitCommand{}
						},
					},
				}
			},
			"controller": func() cli.Command {
				return &cli.RootCommand{
					Name:        "controller",
					Description: "Run lock-mediated controller passes",
					Commands: map[string]cli.CommandFactory{
						"server": func() cli.Command {
							return &ControllerServerCommand{}
						},
						"run": func() cli.Command {
							return &ControllerRunCommand{}
						},
					},
				}
			},
			"watchdog": func() cli.Command {
				return &cli.RootCommand{
					Name:        "watchdog",
					Description: "Perform per-order timeout checks",
					Commands: map[string]cli.CommandFactory{
						"check": func() cli.Command {
							return &WatchdogCheckCommand{}
						},
					},
				}
			},
			"worker": func() cli.Command {
				return &cli.RootCommand{
					Name:        "worker",
					Description: "Execute a single order",
					Commands: map[string]cli.CommandFactory{
						"run": func() cli.Command {
							return &WorkerRunCommand{}
						},
					},
				}
			},
		},
	}
}

// Run executes the CLI.
func Run(ctx context.Context, args []string) error {
	return rootCmd().Run(ctx, args) //nolint:wrapcheck // Want passthrough
}
