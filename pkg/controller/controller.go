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

// Package controller runs one lock-mediated pass over a run: absorb
// callbacks, evaluate the dependency graph, dispatch ready orders, and
// finalize when every order is terminal.
package controller

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/abcxyz/iac-ci/pkg/backend"
	"github.com/abcxyz/iac-ci/pkg/model"
	"github.com/abcxyz/pkg/logging"
)

// Controller pass outcomes.
const (
	OutcomeFinalized  = "finalized"
	OutcomeInProgress = "in_progress"
	OutcomeSkipped    = "skipped"
	OutcomeNoOrders   = "no_orders"
	OutcomeError      = "error"
)

// maxLogLen bounds the callback log persisted on an order record.
const maxLogLen = 4096

// dispatchLimit bounds the dispatcher fan-out.
const dispatchLimit = 10

// callbackPrefix is the key namespace whose creation events trigger a
// controller pass.
const callbackPrefix = "tmp/callbacks/runs/"

// Datastore is the record store the controller consumes.
type Datastore interface {
	GetAllOrders(ctx context.Context, runID string) ([]*model.OrderRecord, error)
	UpdateOrderStatus(ctx context.Context, runID, orderNum, status string, extra map[string]any) error
	PutEvent(ctx context.Context, ev *model.OrderEvent) error
	AcquireLock(ctx context.Context, runID, orchestratorID string, ttl time.Duration, flowID, traceID string) (bool, error)
	ReleaseLock(ctx context.Context, runID string) error
}

// ObjectStore is the callback and done-artifact store the controller
// consumes.
type ObjectStore interface {
	ReadResult(ctx context.Context, runID, orderNum string) (*model.Result, error)
	WriteDone(ctx context.Context, runID, status string, summary *model.JobSummary) error
}

// WatchdogStarter starts the per-order timeout watchdog.
type WatchdogStarter interface {
	Start(ctx context.Context, runID, orderNum string, timeout, startTime int64, internalBucket string) (string, error)
}

// Outcome is the result of one controller pass.
type Outcome struct {
	Status     string `json:"status"`
	Dispatched int    `json:"dispatched"`
	FailedDeps int    `json:"failed_deps"`
	Waiting    int    `json:"waiting"`
}

// Controller executes passes over runs.
type Controller struct {
	datastore      Datastore
	store          ObjectStore
	launchers      map[string]backend.Launcher
	watchdog       WatchdogStarter
	internalBucket string
	lockTTL        time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// New creates a controller. launchers maps execution targets to their
// back-ends.
func New(ds Datastore, store ObjectStore, launchers map[string]backend.Launcher, wd WatchdogStarter, internalBucket string, lockTTL time.Duration) *Controller {
	return &Controller{
		datastore:      ds,
		store:          store,
		launchers:      launchers,
		watchdog:       wd,
		internalBucket: internalBucket,
		lockTTL:        lockTTL,
		now:            time.Now,
	}
}

// ParseRunID extracts the run id from a callback-namespace object key of
// the form tmp/callbacks/runs/<run_id>/<order_num>/result.json.
func ParseRunID(key string) (string, error) {
	rest := strings.TrimPrefix(key, callbackPrefix)
	if rest == key {
		return "", fmt.Errorf("key %q is not in the callback namespace", key)
	}
	runID, _, ok := strings.Cut(rest, "/")
	if !ok || runID == "" {
		return "", fmt.Errorf("key %q has no run id", key)
	}
	return runID, nil
}

// Execute runs one controller pass over runID. Errors after lock
// acquisition release the lock before returning.
func (c *Controller) Execute(ctx context.Context, runID string) (*Outcome, error) {
	logger := logging.FromContext(ctx)

	orchestratorID := uuid.NewString()
	acquired, err := c.datastore.AcquireLock(ctx, runID, orchestratorID, c.lockTTL, "", "")
	if err != nil {
		return &Outcome{Status: OutcomeError}, err
	}
	if !acquired {
		logger.InfoContext(ctx, "lock held by another controller, skipping",
			"run_id", runID)
		return &Outcome{Status: OutcomeSkipped}, nil
	}

	outcome, err := c.execute(ctx, runID)
	if err != nil {
		if relErr := c.datastore.ReleaseLock(ctx, runID); relErr != nil {
			logger.ErrorContext(ctx, "failed to release lock after error",
				"run_id", runID,
				"error", relErr)
		}
		return &Outcome{Status: OutcomeError}, err
	}

	if outcome.Status != OutcomeFinalized {
		// Finalize releases the lock itself.
		if err := c.datastore.ReleaseLock(ctx, runID); err != nil {
			return &Outcome{Status: OutcomeError}, fmt.Errorf("failed to release lock: %w", err)
		}
	}
	return outcome, nil
}

func (c *Controller) execute(ctx context.Context, runID string) (*Outcome, error) {
	orders, err := c.datastore.GetAllOrders(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load orders: %w", err)
	}
	if len(orders) == 0 {
		return &Outcome{Status: OutcomeNoOrders}, nil
	}

	if err := c.absorbCallbacks(ctx, orders); err != nil {
		return nil, err
	}

	ev := Evaluate(orders)

	for _, o := range ev.CascadeFailed {
		if err := c.failDependency(ctx, o); err != nil {
			return nil, err
		}
	}

	dispatched := c.dispatch(ctx, ev.Ready)

	// Re-read to observe orders that went terminal since the snapshot.
	orders, err = c.datastore.GetAllOrders(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to re-read orders: %w", err)
	}
	if AllTerminal(orders) {
		if err := c.finalize(ctx, runID, orders); err != nil {
			return nil, err
		}
		return &Outcome{
			Status:     OutcomeFinalized,
			Dispatched: dispatched,
			FailedDeps: len(ev.CascadeFailed),
		}, nil
	}

	return &Outcome{
		Status:     OutcomeInProgress,
		Dispatched: dispatched,
		FailedDeps: len(ev.CascadeFailed),
		Waiting:    len(ev.Waiting),
	}, nil
}

// absorbCallbacks probes the callback object for every running order and
// folds reported results into the records, in place.
func (c *Controller) absorbCallbacks(ctx context.Context, orders []*model.OrderRecord) error {
	for _, o := range orders {
		if o.Status != model.StatusRunning {
			continue
		}
		res, err := c.store.ReadResult(ctx, o.RunID, o.OrderNum)
		if err != nil {
			return fmt.Errorf("failed to probe callback for %s: %w", o.OrderNum, err)
		}
		if res == nil || !model.IsTerminal(res.Status) {
			continue
		}

		log := res.Log
		if len(log) > maxLogLen {
			log = log[:maxLogLen]
		}
		if err := c.datastore.UpdateOrderStatus(ctx, o.RunID, o.OrderNum, res.Status, map[string]any{
			"log": log,
		}); err != nil {
			return fmt.Errorf("failed to record callback for %s: %w", o.OrderNum, err)
		}
		o.Status = res.Status
		o.Log = log

		if err := c.datastore.PutEvent(ctx, &model.OrderEvent{
			TraceID:   o.TraceID,
			OrderName: o.OrderName,
			EventType: "completed",
			Status:    res.Status,
			RunID:     o.RunID,
			FlowID:    o.FlowID,
			OrderNum:  o.OrderNum,
		}); err != nil {
			return fmt.Errorf("failed to append completed event for %s: %w", o.OrderNum, err)
		}
	}
	return nil
}

// failDependency marks one cascade-failed order, in place.
func (c *Controller) failDependency(ctx context.Context, o *model.OrderRecord) error {
	if err := c.datastore.UpdateOrderStatus(ctx, o.RunID, o.OrderNum, model.StatusFailed, map[string]any{
		"failure_reason": model.FailureReasonDependency,
	}); err != nil {
		return fmt.Errorf("failed to cascade-fail %s: %w", o.OrderNum, err)
	}
	o.Status = model.StatusFailed
	o.FailureReason = model.FailureReasonDependency

	if err := c.datastore.PutEvent(ctx, &model.OrderEvent{
		TraceID:   o.TraceID,
		OrderName: o.OrderName,
		EventType: "dependency_failed",
		Status:    model.StatusFailed,
		RunID:     o.RunID,
		FlowID:    o.FlowID,
		OrderNum:  o.OrderNum,
	}); err != nil {
		return fmt.Errorf("failed to append dependency_failed event for %s: %w", o.OrderNum, err)
	}
	return nil
}

// dispatch launches every ready order with bounded parallelism. A single
// dispatch failure is logged and leaves that order queued for the next
// pass; it never blocks the others.
func (c *Controller) dispatch(ctx context.Context, ready []*model.OrderRecord) int {
	if len(ready) == 0 {
		return 0
	}
	logger := logging.FromContext(ctx)

	limit := len(ready)
	if limit > dispatchLimit {
		limit = dispatchLimit
	}

	var dispatched atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, o := range ready {
		o := o
		g.Go(func() error {
			if err := c.dispatchOne(ctx, o); err != nil {
				logger.ErrorContext(ctx, "failed to dispatch order, leaving queued",
					"run_id", o.RunID,
					"order_num", o.OrderNum,
					"error", err)
				return nil
			}
			dispatched.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(dispatched.Load())
}

func (c *Controller) dispatchOne(ctx context.Context, o *model.OrderRecord) error {
	launcher, ok := c.launchers[o.ExecutionTarget]
	if !ok {
		return fmt.Errorf("no launcher for target %q", o.ExecutionTarget)
	}

	handle, err := launcher.Launch(ctx, &backend.Request{
		RunID:           o.RunID,
		OrderNum:        o.OrderNum,
		TraceID:         o.TraceID,
		FlowID:          o.FlowID,
		S3Location:      o.S3Location,
		InternalBucket:  c.internalBucket,
		EnvelopeKeyRef:  o.SopsKeyPath,
		Timeout:         o.Timeout,
		SSMTargets:      o.SSMTargets,
		SSMDocumentName: o.SSMDocumentName,
	})
	if err != nil {
		return err
	}

	startTime := c.now().Unix()
	wdARN, err := c.watchdog.Start(ctx, o.RunID, o.OrderNum, o.Timeout, startTime, c.internalBucket)
	if err != nil {
		return fmt.Errorf("failed to start watchdog: %w", err)
	}

	if err := c.datastore.UpdateOrderStatus(ctx, o.RunID, o.OrderNum, model.StatusRunning, map[string]any{
		"execution_url":     handle.ExecutionURL,
		"step_function_url": wdARN,
	}); err != nil {
		return fmt.Errorf("failed to mark running: %w", err)
	}
	o.Status = model.StatusRunning
	o.ExecutionURL = handle.ExecutionURL
	o.StepFunctionURL = wdARN

	if err := c.datastore.PutEvent(ctx, &model.OrderEvent{
		TraceID:      o.TraceID,
		OrderName:    o.OrderName,
		EventType:    "dispatched",
		Status:       model.StatusRunning,
		RunID:        o.RunID,
		FlowID:       o.FlowID,
		OrderNum:     o.OrderNum,
		ExecutionURL: handle.ExecutionURL,
	}); err != nil {
		return fmt.Errorf("failed to append dispatched event: %w", err)
	}
	return nil
}

// finalize emits the job_completed event, writes the done artifact, and
// releases the lock.
func (c *Controller) finalize(ctx context.Context, runID string, orders []*model.OrderRecord) error {
	status, summary := JobStatus(orders)

	traceID, flowID := orders[0].TraceID, orders[0].FlowID
	if err := c.datastore.PutEvent(ctx, &model.OrderEvent{
		TraceID:   traceID,
		OrderName: model.JobOrderName,
		EventType: "job_completed",
		Status:    status,
		RunID:     runID,
		FlowID:    flowID,
		Summary: map[string]int{
			"succeeded": summary.Succeeded,
			"failed":    summary.Failed,
			"timed_out": summary.TimedOut,
		},
	}); err != nil {
		return fmt.Errorf("failed to append job_completed event: %w", err)
	}

	if err := c.store.WriteDone(ctx, runID, status, summary); err != nil {
		return fmt.Errorf("failed to write done artifact: %w", err)
	}

	if err := c.datastore.ReleaseLock(ctx, runID); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
