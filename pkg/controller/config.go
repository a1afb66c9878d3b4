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

package controller

import (
	"errors"
	"fmt"
	"time"

	"github.com/abcxyz/pkg/cli"
)

// Config defines the set of environment variables required for running
// the controller service.
type Config struct {
	OrdersTable             string
	OrderEventsTable        string
	LocksTable              string
	InternalBucket          string
	DoneBucket              string
	WorkerFunctionName      string
	WorkerBuildProject      string
	WatchdogStateMachineARN string
	AgentDocumentName       string
	Port                    string
	LockTTL                 time.Duration
}

// Validate validates the service config after load.
func (cfg *Config) Validate() error {
	var merr error

	if cfg.OrdersTable == "" {
		merr = errors.Join(merr, fmt.Errorf("ORDERS_TABLE is required"))
	}

	if cfg.OrderEventsTable == "" {
		merr = errors.Join(merr, fmt.Errorf("ORDER_EVENTS_TABLE is required"))
	}

	if cfg.LocksTable == "" {
		merr = errors.Join(merr, fmt.Errorf("LOCKS_TABLE is required"))
	}

	if cfg.InternalBucket == "" {
		merr = errors.Join(merr, fmt.Errorf("INTERNAL_BUCKET is required"))
	}

	if cfg.DoneBucket == "" {
		merr = errors.Join(merr, fmt.Errorf("DONE_BUCKET is required"))
	}

	if cfg.WorkerFunctionName == "" {
		merr = errors.Join(merr, fmt.Errorf("WORKER_FUNCTION_NAME is required"))
	}

	if cfg.WorkerBuildProject == "" {
		merr = errors.Join(merr, fmt.Errorf("WORKER_BUILD_PROJECT is required"))
	}

	if cfg.WatchdogStateMachineARN == "" {
		merr = errors.Join(merr, fmt.Errorf("WATCHDOG_STATE_MACHINE_ARN is required"))
	}

	if cfg.AgentDocumentName == "" {
		merr = errors.Join(merr, fmt.Errorf("AGENT_DOCUMENT_NAME is required"))
	}

	if cfg.LockTTL <= 0 {
		merr = errors.Join(merr, fmt.Errorf("LOCK_TTL must be positive"))
	}

	return merr
}

// ToFlags binds the config to the given [cli.FlagSet] and returns it.
func (cfg *Config) ToFlags(set *cli.FlagSet) *cli.FlagSet {
	f := set.NewSection("COMMON OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:   "orders-table",
		Target: &cfg.OrdersTable,
		EnvVar: "ORDERS_TABLE",
		Usage:  `The table holding order records.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "order-events-table",
		Target: &cfg.OrderEventsTable,
		EnvVar: "ORDER_EVENTS_TABLE",
		Usage:  `The table holding the append-only order event log.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "locks-table",
		Target: &cfg.LocksTable,
		EnvVar: "LOCKS_TABLE",
		Usage:  `The table holding per-run controller locks.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "internal-bucket",
		Target: &cfg.InternalBucket,
		EnvVar: "INTERNAL_BUCKET",
		Usage:  `The bucket holding execution archives and callback objects.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "done-bucket",
		Target: &cfg.DoneBucket,
		EnvVar: "DONE_BUCKET",
		Usage:  `The bucket receiving terminal done artifacts.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "worker-function-name",
		Target: &cfg.WorkerFunctionName,
		EnvVar: "WORKER_FUNCTION_NAME",
		Usage:  `The serverless function running "function" orders.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "worker-build-project",
		Target: &cfg.WorkerBuildProject,
		EnvVar: "WORKER_BUILD_PROJECT",
		Usage:  `The build project running "build" orders.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "watchdog-state-machine-arn",
		Target: &cfg.WatchdogStateMachineARN,
		EnvVar: "WATCHDOG_STATE_MACHINE_ARN",
		Usage:  `The state machine driving per-order watchdog ticks.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "agent-document-name",
		Target: &cfg.AgentDocumentName,
		EnvVar: "AGENT_DOCUMENT_NAME",
		Usage:  `The default run-command document for "agent" orders.`,
	})

	f.StringVar(&cli.StringVar{
		Name:    "port",
		Target:  &cfg.Port,
		EnvVar:  "PORT",
		Default: "8080",
		Usage:   `The port the controller server listens to.`,
	})

	f.DurationVar(&cli.DurationVar{
		Name:    "lock-ttl",
		Target:  &cfg.LockTTL,
		EnvVar:  "LOCK_TTL",
		Default: 1 * time.Hour,
		Usage:   `The advisory TTL written on acquired controller locks.`,
	})

	return set
}
