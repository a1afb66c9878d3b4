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

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/abcxyz/iac-ci/pkg/datastore"
	"github.com/abcxyz/iac-ci/pkg/secrets"
	"github.com/abcxyz/iac-ci/pkg/storage"
	"github.com/abcxyz/iac-ci/pkg/worker"
	"github.com/abcxyz/pkg/cli"
)

var _ cli.Command = (*WorkerRunCommand)(nil)

// WorkerRunCommand executes one order from its archive and reports the
// result through the callback.
type WorkerRunCommand struct {
	cli.BaseCommand

	flagInput string

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option
}

func (c *WorkerRunCommand) Desc() string {
	return `Execute one order`
}

func (c *WorkerRunCommand) Help() string {
	return `
Usage: {{ COMMAND }} -input <json>
  Execute one order: {"archive_location": ..., "internal_bucket": ...,
  "envelope_key_ref"?: ..., "run_id": ..., "order_num": ...,
  "timeout"?: ...}. Prints the reported result JSON.
`
}

func (c *WorkerRunCommand) Flags() *cli.FlagSet {
	set := cli.NewFlagSet(c.testFlagSetOpts...)

	f := set.NewSection("RUN OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:   "input",
		Target: &c.flagInput,
		Usage:  `The JSON invocation payload.`,
	})

	return set
}

func (c *WorkerRunCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %q", args)
	}

	if c.flagInput == "" {
		return fmt.Errorf("-input is required")
	}
	var in worker.Input
	if err := json.Unmarshal([]byte(c.flagInput), &in); err != nil {
		return fmt.Errorf("failed to parse input: %w", err)
	}
	if in.ArchiveLocation == "" {
		return fmt.Errorf("input needs archive_location")
	}

	cfg, err := worker.NewConfig(ctx)
	if err != nil {
		return err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load aws config: %w", err)
	}

	store := storage.NewFromS3(s3.NewFromConfig(awsCfg), in.InternalBucket, in.InternalBucket)
	keys := secrets.New(ssm.NewFromConfig(awsCfg), secretsmanager.NewFromConfig(awsCfg), "")

	var events worker.EventSink
	if cfg.OrderEventsTable != "" {
		events = datastore.New(dynamodb.NewFromConfig(awsCfg), "", cfg.OrderEventsTable, "")
	}

	res, err := worker.New(store, keys, events).Run(ctx, &in)
	if err != nil {
		return fmt.Errorf("failed to run order: %w", err)
	}

	out, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	c.Outf("%s", out)
	return nil
}
