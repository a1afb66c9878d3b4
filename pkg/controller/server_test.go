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
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/abcxyz/pkg/renderer"
)

type fakeRunner struct {
	gotRunID string
	outcome  *Outcome
	err      error
}

func (f *fakeRunner) Execute(ctx context.Context, runID string) (*Outcome, error) {
	f.gotRunID = runID
	if f.err != nil {
		return nil, f.err
	}
	return f.outcome, nil
}

func TestRunIDFromTrigger(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		body     string
		expRunID string
		expErr   bool
	}{
		{
			name:     "direct_run_id",
			body:     `{"run_id":"run-1"}`,
			expRunID: "run-1",
		},
		{
			name:     "object_store_record",
			body:     `{"Records":[{"s3":{"object":{"key":"tmp/callbacks/runs/run-1/0001/result.json"}}}]}`,
			expRunID: "run-1",
		},
		{
			name:     "escaped_object_key",
			body:     `{"Records":[{"s3":{"object":{"key":"tmp/callbacks/runs/run-1/0001/result%2Ejson"}}}]}`,
			expRunID: "run-1",
		},
		{
			name:   "key_outside_callback_namespace",
			body:   `{"Records":[{"s3":{"object":{"key":"tmp/exec/run-1/0001/exec.zip"}}}]}`,
			expErr: true,
		},
		{
			name:   "no_run_id_no_records",
			body:   `{}`,
			expErr: true,
		},
		{
			name:   "malformed_payload",
			body:   `{"run_id":`,
			expErr: true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := runIDFromTrigger([]byte(tc.body))
			if (err != nil) != tc.expErr {
				t.Fatalf("err got %v, want error %t", err, tc.expErr)
			}
			if got != tc.expRunID {
				t.Errorf("run id got %q, want %q", got, tc.expRunID)
			}
		})
	}
}

func TestHandleTrigger(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name          string
		method        string
		body          string
		runner        *fakeRunner
		expStatusCode int
		expBodyPart   string
		expRunID      string
	}{
		{
			name:          "wrong_method",
			method:        http.MethodGet,
			runner:        &fakeRunner{},
			expStatusCode: http.StatusMethodNotAllowed,
			expBodyPart:   "method not allowed",
		},
		{
			name:          "no_run_id",
			method:        http.MethodPost,
			body:          `{}`,
			runner:        &fakeRunner{},
			expStatusCode: http.StatusBadRequest,
			expBodyPart:   "no run id",
		},
		{
			name:          "runner_failure",
			method:        http.MethodPost,
			body:          `{"run_id":"run-1"}`,
			runner:        &fakeRunner{err: fmt.Errorf("datastore unavailable")},
			expStatusCode: http.StatusInternalServerError,
			expBodyPart:   "failed to process run",
		},
		{
			name:   "success",
			method: http.MethodPost,
			body:   `{"run_id":"run-1"}`,
			runner: &fakeRunner{outcome: &Outcome{
				Status:     OutcomeInProgress,
				Dispatched: 2,
			}},
			expStatusCode: http.StatusOK,
			expBodyPart:   `"dispatched":2`,
			expRunID:      "run-1",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			h, err := renderer.New(ctx, nil,
				renderer.WithDebug(true),
				renderer.WithOnError(func(err error) {
					t.Error(err)
				}))
			if err != nil {
				t.Fatal(err)
			}
			srv := NewServerWithRunner(tc.runner, h)

			req := httptest.NewRequest(tc.method, "/trigger", strings.NewReader(tc.body))
			resp := httptest.NewRecorder()
			srv.handleTrigger().ServeHTTP(resp, req)

			if got, want := resp.Code, tc.expStatusCode; got != want {
				t.Errorf("status got %d, want %d", got, want)
			}
			if !strings.Contains(resp.Body.String(), tc.expBodyPart) {
				t.Errorf("body %q missing %q", resp.Body.String(), tc.expBodyPart)
			}
			if got, want := tc.runner.gotRunID, tc.expRunID; got != want {
				t.Errorf("run id got %q, want %q", got, want)
			}
		})
	}
}
