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

	"github.com/abcxyz/iac-ci/pkg/initiator"
	"github.com/abcxyz/iac-ci/pkg/version"
	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
	"github.com/abcxyz/pkg/serving"
)

var _ cli.Command = (*InitiatorServerCommand)(nil)

// InitiatorServerCommand starts the submission HTTP server.
type InitiatorServerCommand struct {
	cli.BaseCommand

	cfg *initiator.Config

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option

	// testSubmitter is only used for testing.
	testSubmitter initiator.Submitter
}

func (c *InitiatorServerCommand) Desc() string {
	return `Start the job submission server`
}

func (c *InitiatorServerCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]
  Start the job submission server.
`
}

func (c *InitiatorServerCommand) Flags() *cli.FlagSet {
	c.cfg = &initiator.Config{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	return c.cfg.ToFlags(set)
}

func (c *InitiatorServerCommand) Run(ctx context.Context, args []string) error {
	server, mux, err := c.RunUnstarted(ctx, args)
	if err != nil {
		return err
	}

	return server.StartHTTPHandler(ctx, mux)
}

func (c *InitiatorServerCommand) RunUnstarted(ctx context.Context, args []string) (*serving.Server, http.Handler, error) {
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

	var srv *initiator.Server
	if c.testSubmitter != nil {
		srv = initiator.NewServerWithSubmitter(c.testSubmitter, h)
	} else {
		if srv, err = initiator.NewServer(ctx, c.cfg, h); err != nil {
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

var _ cli.Command = (*InitiatorSubmitCommand)(nil)

// InitiatorSubmitCommand submits one job from the command line and prints
// the receipt JSON.
type InitiatorSubmitCommand struct {
	cli.BaseCommand

	cfg *initiator.Config

	flagJobB64  string
	flagTraceID string
	flagRunID   string

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option

	// testSubmitter is only used for testing.
	testSubmitter initiator.Submitter
}

func (c *InitiatorSubmitCommand) Desc() string {
	return `Submit a job and print the receipt`
}

func (c *InitiatorSubmitCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options] -job-b64 <payload>
  Submit a base64-encoded job and print the receipt JSON.
`
}

func (c *InitiatorSubmitCommand) Flags() *cli.FlagSet {
	c.cfg = &initiator.Config{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	set = c.cfg.ToFlags(set)

	f := set.NewSection("SUBMIT OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:   "job-b64",
		Target: &c.flagJobB64,
		Usage:  `The base64-encoded job payload.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "trace-id",
		Target: &c.flagTraceID,
		Usage:  `Optional pinned trace id.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "run-id",
		Target: &c.flagRunID,
		Usage:  `Optional pinned run id.`,
	})

	return set
}

func (c *InitiatorSubmitCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %q", args)
	}

	if c.flagJobB64 == "" {
		return fmt.Errorf("-job-b64 is required")
	}
	if err := c.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	submitter := c.testSubmitter
	if submitter == nil {
		init, err := initiator.NewFromConfig(ctx, c.cfg)
		if err != nil {
			return fmt.Errorf("failed to create initiator: %w", err)
		}
		submitter = init
	}

	res, err := submitter.Submit(ctx, &initiator.SubmitRequest{
		JobB64:  c.flagJobB64,
		TraceID: c.flagTraceID,
		RunID:   c.flagRunID,
	})
	if err != nil {
		return fmt.Errorf("failed to submit job: %w", err)
	}

	out, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal receipt: %w", err)
	}
	c.Outf("%s", out)
	return nil
}
