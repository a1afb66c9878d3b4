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

// Package awsretry wraps durable-store calls in a bounded exponential
// backoff that retries throttling errors only. Non-throttle errors
// propagate immediately.
package awsretry

import (
	"context"
	"errors"
	"time"

	"github.com/aws/smithy-go"
	"github.com/sethvargo/go-retry"
)

const (
	baseDelay  = 500 * time.Millisecond
	maxDelay   = 16 * time.Second
	maxRetries = 4
	jitterPct  = 50
)

// throttleCodes are the service error codes treated as retryable.
var throttleCodes = map[string]struct{}{
	"ProvisionedThroughputExceededException": {},
	"ThrottlingException":                    {},
	"RequestLimitExceeded":                   {},
	"SlowDown":                               {},
	"TooManyRequestsException":               {},
}

// IsThrottle reports whether err is a throttling error from an AWS service.
func IsThrottle(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		_, ok := throttleCodes[apiErr.ErrorCode()]
		return ok
	}
	return false
}

// Do runs fn, retrying throttling errors with exponential backoff plus
// jitter (base 0.5s, cap 16s, 4 attempts).
func Do(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.NewExponential(baseDelay)
	b = retry.WithCappedDuration(maxDelay, b)
	b = retry.WithJitterPercent(jitterPct, b)
	b = retry.WithMaxRetries(maxRetries, b)

	if err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			if IsThrottle(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	}); err != nil {
		return err //nolint:wrapcheck // callers wrap with operation context
	}
	return nil
}
