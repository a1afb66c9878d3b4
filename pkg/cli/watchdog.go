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
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/abcxyz/iac-ci/pkg/storage"
	"github.com/abcxyz/iac-ci/pkg/watchdog"
	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
)

var _ cli.Command = (*WatchdogCheckCommand)(nil)

// WatchdogCheckCommand performs one watchdog tick and prints whether the
// order is done.
type WatchdogCheckCommand struct {
	cli.BaseCommand

	flagInput string

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option

	// testStore is only used for testing.
	testStore watchdog.ObjectStore
}

func (c *WatchdogCheckCommand) Desc() string {
	return `Perform one watchdog tick for an order`
}

func (c *WatchdogCheckCommand) Help() string {
	return `
Usage: {{ COMMAND }} -input <json>
  Perform one watchdog tick. The input is the state-machine payload:
  {"run_id": ..., "order_num": ..., "timeout": ..., "start_time": ...,
  "internal_bucket": ...}. Prints {"done": true|false}.
`
}

func (c *WatchdogCheckCommand) Flags() *cli.FlagSet {
	set := cli.NewFlagSet(c.testFlagSetOpts...)

	f := set.NewSection("CHECK OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:   "input",
		Target: &c.flagInput,
		Usage:  `The JSON tick payload.`,
	})

	return set
}

func (c *WatchdogCheckCommand) Run(ctx context.Context, args []string) error {
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
	var in watchdog.Input
	if err := json.Unmarshal([]byte(c.flagInput), &in); err != nil {
		return fmt.Errorf("failed to parse input: %w", err)
	}
	if in.RunID == "" || in.OrderNum == "" {
		return fmt.Errorf("input needs run_id and order_num")
	}
	if in.InternalBucket == "" {
		cfg, err := watchdog.NewConfig(ctx)
		if err != nil {
			return err
		}
		in.InternalBucket = cfg.InternalBucket
	}

	logger := logging.FromContext(ctx)

	store := c.testStore
	if store == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("failed to load aws config: %w", err)
		}
		store = storage.NewFromS3(s3.NewFromConfig(awsCfg), in.InternalBucket, in.InternalBucket)
	}

	done, err := watchdog.NewChecker(store).Check(ctx, &in)
	if err != nil {
		logger.ErrorContext(ctx, "watchdog tick failed",
			"run_id", in.RunID,
			"order_num", in.OrderNum,
			"error", err)
		return fmt.Errorf("failed to check order: %w", err)
	}

	c.Outf(`{"done":%t}`, done)
	return nil
}
