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

package watchdog

import (
	"context"
	"fmt"
	"testing"
	"time"
)

type fakeStore struct {
	exists    bool
	existsErr error

	wroteStatus string
	wroteLog    string
	writeErr    error
}

func (f *fakeStore) ResultExists(ctx context.Context, runID, orderNum string) (bool, error) {
	return f.exists, f.existsErr
}

func (f *fakeStore) WriteResult(ctx context.Context, runID, orderNum, status, log string) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.wroteStatus = status
	f.wroteLog = log
	return nil
}

func TestCheck(t *testing.T) {
	t.Parallel()

	base := int64(1700000000)

	cases := []struct {
		name        string
		store       *fakeStore
		now         int64
		expDone     bool
		expErr      bool
		expWritten  string
		expWriteLog string
	}{
		{
			name:    "callback_exists",
			store:   &fakeStore{exists: true},
			now:     base + 10,
			expDone: true,
		},
		{
			name:    "pending_within_deadline",
			store:   &fakeStore{},
			now:     base + 50,
			expDone: false,
		},
		{
			name:    "at_deadline_still_pending",
			store:   &fakeStore{},
			now:     base + 60,
			expDone: false,
		},
		{
			name:        "past_deadline_writes_timeout",
			store:       &fakeStore{},
			now:         base + 61,
			expDone:     true,
			expWritten:  "timed_out",
			expWriteLog: TimeoutMessage,
		},
		{
			name:   "probe_error",
			store:  &fakeStore{existsErr: fmt.Errorf("head failed")},
			now:    base + 10,
			expErr: true,
		},
		{
			name:   "write_error",
			store:  &fakeStore{writeErr: fmt.Errorf("put failed")},
			now:    base + 120,
			expErr: true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c := NewChecker(tc.store)
			c.now = func() time.Time { return time.Unix(tc.now, 0) }

			done, err := c.Check(context.Background(), &Input{
				RunID:          "run-1",
				OrderNum:       "0001",
				Timeout:        60,
				StartTime:      base,
				InternalBucket: "internal",
			})
			if tc.expErr {
				if err == nil {
					t.Fatalf("expected error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if done != tc.expDone {
				t.Errorf("done got %t, want %t", done, tc.expDone)
			}
			if tc.store.wroteStatus != tc.expWritten {
				t.Errorf("written status got %q, want %q", tc.store.wroteStatus, tc.expWritten)
			}
			if tc.store.wroteLog != tc.expWriteLog {
				t.Errorf("written log got %q, want %q", tc.store.wroteLog, tc.expWriteLog)
			}
		})
	}
}
