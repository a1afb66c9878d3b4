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

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/abcxyz/iac-ci/pkg/controller"
	"github.com/abcxyz/iac-ci/pkg/version"
	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
	"github.com/abcxyz/pkg/serving"
)

var _ cli.Command = (*ControllerServerCommand)(nil)

// ControllerServerCommand starts the trigger HTTP server.
type ControllerServerCommand struct {
	cli.BaseCommand

	cfg *controller.Config

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option

	// testRunner is only used for testing.
	testRunner controller.Runner
}

func (c *ControllerServerCommand) Desc() string {
	return `Start the controller trigger server`
}

func (c *ControllerServerCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]
  Start the controller trigger server.
`
}

func (c *ControllerServerCommand) Flags() *cli.FlagSet {
	c.cfg = &controller.Config{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	return c.cfg.ToFlags(set)
}

func (c *ControllerServerCommand) Run(ctx context.Context, args []string) error {
	server, mux, err := c.RunUnstarted(ctx, args)
	if err != nil {
		return err
	}

	return server.StartHTTPHandler(ctx, mux)
}

func (c *ControllerServerCommand) RunUnstarted(ctx context.Context, args []string) (*serving.Server, http.Handler, error) {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return nil, nil, fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return nil, nil, fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)
	logger.DebugContext(ctx, "server starting",
		"name", version.Name,
		"commit", version.Commit,
		"version", version.Version)

	h, err := renderer.New(ctx, nil,
		renderer.WithOnError(func(err error) {
			logger.ErrorContext(ctx, "failed to render", "error", err)
		}))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create renderer: %w", err)
	}

	if err := c.cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger.DebugContext(ctx, "loaded configuration", "config", c.cfg)

	var srv *controller.Server
	if c.testRunner != nil {
		srv = controller.NewServerWithRunner(c.testRunner, h)
	} else {
		if srv, err = controller.NewServer(ctx, c.cfg, h); err != nil {
			return nil, nil, fmt.Errorf("failed to create server: %w", err)
		}
	}

	mux := srv.Routes(ctx)

	server, err := serving.New(c.cfg.Port)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create serving infrastructure: %w", err)
	}

	return server, mux, nil
}

var _ cli.Command = (*ControllerRunCommand)(nil)

// ControllerRunCommand executes one controller pass for a run id and
// prints the outcome JSON.
type ControllerRunCommand struct {
	cli.BaseCommand

	cfg *controller.Config

	flagRunID string

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option

	// testRunner is only used for testing.
	testRunner controller.Runner
}

func (c *ControllerRunCommand) Desc() string {
	return `Run one controller pass for a run`
}

func (c *ControllerRunCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options] -run-id <id>
  Run one lock-mediated controller pass and print the outcome JSON.
`
}

func (c *ControllerRunCommand) Flags() *cli.FlagSet {
	c.cfg = &controller.Config{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	set = c.cfg.ToFlags(set)

	f := set.NewSection("RUN OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:   "run-id",
		Target: &c.flagRunID,
		Usage:  `The run to process.`,
	})

	return set
}

func (c *ControllerRunCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %q", args)
	}

	if c.flagRunID == "" {
		return fmt.Errorf("-run-id is required")
	}
	if err := c.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	runner := c.testRunner
	if runner == nil {
		ctrl, err := controller.NewFromConfig(ctx, c.cfg)
		if err != nil {
			return fmt.Errorf("failed to create controller: %w", err)
		}
		runner = ctrl
	}

	outcome, err := runner.Execute(ctx, c.flagRunID)
	if err != nil {
		return fmt.Errorf("failed to process run: %w", err)
	}

	out, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}
	c.Outf("%s", out)
	return nil
}
