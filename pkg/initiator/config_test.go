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
	"testing"

	"github.com/abcxyz/pkg/testutil"
)

func validConfig() *Config {
	return &Config{
		OrdersTable:      "orders",
		OrderEventsTable: "order_events",
		InternalBucket:   "internal",
		DoneBucket:       "done-bucket",
		SopsKeyPrefix:    "/iac-ci",
		Port:             "8080",
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "success",
			mutate: func(cfg *Config) {},
		},
		{
			// The comment token is optional; submissions without PR
			// metadata never need it.
			name:   "no_github_token_location",
			mutate: func(cfg *Config) { cfg.GitHubTokenLocation = "" },
		},
		{
			name:    "missing_orders_table",
			mutate:  func(cfg *Config) { cfg.OrdersTable = "" },
			wantErr: `ORDERS_TABLE is required`,
		},
		{
			name:    "missing_order_events_table",
			mutate:  func(cfg *Config) { cfg.OrderEventsTable = "" },
			wantErr: `ORDER_EVENTS_TABLE is required`,
		},
		{
			name:    "missing_internal_bucket",
			mutate:  func(cfg *Config) { cfg.InternalBucket = "" },
			wantErr: `INTERNAL_BUCKET is required`,
		},
		{
			name:    "missing_done_bucket",
			mutate:  func(cfg *Config) { cfg.DoneBucket = "" },
			wantErr: `DONE_BUCKET is required`,
		},
		{
			name:    "missing_sops_key_prefix",
			mutate:  func(cfg *Config) { cfg.SopsKeyPrefix = "" },
			wantErr: `SOPS_KEY_PREFIX is required`,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tc.mutate(cfg)

			err := cfg.Validate()
			if diff := testutil.DiffErrString(err, tc.wantErr); diff != "" {
				t.Errorf("Validate() got unexpected err: %s", diff)
			}
		})
	}
}
