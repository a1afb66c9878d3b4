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
	"github.com/abcxyz/iac-ci/pkg/model"
)

// Evaluation is the classification of a run's queued orders.
type Evaluation struct {
	Ready         []*model.OrderRecord
	CascadeFailed []*model.OrderRecord
	Waiting       []*model.OrderRecord
}

// Evaluate classifies every queued order by its dependencies' statuses.
// Unknown dependency ids are treated as queued so a malformed reference
// blocks its order rather than releasing it. The classification is
// monotonic: terminal orders are never reconsidered, and an order that is
// ready stays ready under any later evaluation.
func Evaluate(orders []*model.OrderRecord) *Evaluation {
	byQueueID := make(map[string]*model.OrderRecord, len(orders))
	for _, o := range orders {
		byQueueID[o.QueueID] = o
	}

	var ev Evaluation
	for _, o := range orders {
		if o.Status != model.StatusQueued {
			continue
		}

		anyFailed := false
		anyInFlight := false
		for _, dep := range o.Dependencies {
			status := model.StatusQueued
			if d, ok := byQueueID[dep]; ok {
				status = d.Status
			}
			switch status {
			case model.StatusFailed, model.StatusTimedOut:
				anyFailed = true
			case model.StatusQueued, model.StatusRunning:
				anyInFlight = true
			}
		}

		switch {
		case anyFailed && o.MustSucceed:
			ev.CascadeFailed = append(ev.CascadeFailed, o)
		case anyInFlight:
			ev.Waiting = append(ev.Waiting, o)
		default:
			// All dependencies terminal; failures tolerated when
			// must_succeed is false.
			ev.Ready = append(ev.Ready, o)
		}
	}
	return &ev
}

// JobStatus derives the terminal job status from a run's fully-terminal
// records: any timed_out order times out the job; a failed order fails it
// only when that order must succeed.
func JobStatus(orders []*model.OrderRecord) (status string, summary *model.JobSummary) {
	summary = &model.JobSummary{}
	status = model.StatusSucceeded

	anyFailedMust := false
	anyTimedOut := false
	for _, o := range orders {
		switch o.Status {
		case model.StatusSucceeded:
			summary.Succeeded++
		case model.StatusFailed:
			summary.Failed++
			if o.MustSucceed {
				anyFailedMust = true
			}
		case model.StatusTimedOut:
			summary.TimedOut++
			anyTimedOut = true
		}
	}

	switch {
	case anyTimedOut:
		status = model.StatusTimedOut
	case anyFailedMust:
		status = model.StatusFailed
	}
	return status, summary
}

// AllTerminal reports whether every record is in a terminal status.
func AllTerminal(orders []*model.OrderRecord) bool {
	for _, o := range orders {
		if !model.IsTerminal(o.Status) {
			return false
		}
	}
	return true
}
