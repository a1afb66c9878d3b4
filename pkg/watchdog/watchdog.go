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

// Package watchdog is the per-order timeout probe. Each tick either
// observes the callback, certifies a timeout by writing a synthetic
// callback, or asks to be rescheduled.
package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/abcxyz/pkg/logging"
)

// TimeoutMessage is the log written on a watchdog-certified timeout.
const TimeoutMessage = "Worker unresponsive, timed out by watchdog"

// ObjectStore is the callback store the watchdog consumes.
type ObjectStore interface {
	ResultExists(ctx context.Context, runID, orderNum string) (bool, error)
	WriteResult(ctx context.Context, runID, orderNum, status, log string) error
}

// Input is one tick's state, carried by the scheduling state machine.
type Input struct {
	RunID          string `json:"run_id"`
	OrderNum       string `json:"order_num"`
	Timeout        int64  `json:"timeout"`
	StartTime      int64  `json:"start_time"`
	InternalBucket string `json:"internal_bucket"`
}

// Checker performs watchdog ticks.
type Checker struct {
	store ObjectStore

	// now is swappable for tests.
	now func() time.Time
}

// NewChecker creates a watchdog checker.
func NewChecker(store ObjectStore) *Checker {
	return &Checker{store: store, now: time.Now}
}

// Check performs one tick. Returns done=true when the order has a
// callback (either the worker's or a timeout written here); done=false
// asks the caller to reschedule. The callback key is last-write-wins, so
// racing the worker is harmless.
func (c *Checker) Check(ctx context.Context, in *Input) (bool, error) {
	logger := logging.FromContext(ctx)

	exists, err := c.store.ResultExists(ctx, in.RunID, in.OrderNum)
	if err != nil {
		return false, fmt.Errorf("failed to probe callback: %w", err)
	}
	if exists {
		return true, nil
	}

	if c.now().Unix() > in.StartTime+in.Timeout {
		logger.InfoContext(ctx, "order timed out, writing synthetic callback",
			"run_id", in.RunID,
			"order_num", in.OrderNum,
			"timeout", in.Timeout)
		if err := c.store.WriteResult(ctx, in.RunID, in.OrderNum, "timed_out", TimeoutMessage); err != nil {
			return false, fmt.Errorf("failed to write timeout callback: %w", err)
		}
		return true, nil
	}

	return false, nil
}
