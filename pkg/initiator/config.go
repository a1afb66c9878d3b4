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

package initiator

import (
	"errors"
	"fmt"

	"github.com/abcxyz/pkg/cli"
)

// Config defines the set of environment variables required for running
// the initiator service.
type Config struct {
	OrdersTable         string
	OrderEventsTable    string
	InternalBucket      string
	DoneBucket          string
	SopsKeyPrefix       string
	GitHubTokenLocation string
	Port                string
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

	if cfg.InternalBucket == "" {
		merr = errors.Join(merr, fmt.Errorf("INTERNAL_BUCKET is required"))
	}

	if cfg.DoneBucket == "" {
		merr = errors.Join(merr, fmt.Errorf("DONE_BUCKET is required"))
	}

	if cfg.SopsKeyPrefix == "" {
		merr = errors.Join(merr, fmt.Errorf("SOPS_KEY_PREFIX is required"))
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
		Name:    "sops-key-prefix",
		Target:  &cfg.SopsKeyPrefix,
		EnvVar:  "SOPS_KEY_PREFIX",
		Default: "/iac-ci",
		Usage:   `The parameter-store prefix for auto-generated envelope keys.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "github-token-location",
		Target: &cfg.GitHubTokenLocation,
		EnvVar: "GITHUB_TOKEN_LOCATION",
		Usage:  `Optional secret reference for the PR comment token.`,
	})

	f.StringVar(&cli.StringVar{
		Name:    "port",
		Target:  &cfg.Port,
		EnvVar:  "PORT",
		Default: "8080",
		Usage:   `The port the initiator server listens to.`,
	})

	return set
}
