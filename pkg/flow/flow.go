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

// Package flow generates and parses the correlation identifiers that span
// a run: the trace id, the flow id, and trace legs.
package flow

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NewTraceID returns a random 8-hex-char trace id. Trace ids are lowercase
// hex and therefore never contain "-", which keeps flow ids parseable.
func NewTraceID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate trace id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// NewLeg creates a trace leg string: <trace_id>:<epoch_seconds>.
func NewLeg(traceID string) string {
	return fmt.Sprintf("%s:%d", traceID, time.Now().Unix())
}

// ParseLeg splits a leg string into its trace id and epoch.
func ParseLeg(leg string) (traceID string, epoch int64, err error) {
	id, rest, ok := strings.Cut(leg, ":")
	if !ok {
		return "", 0, fmt.Errorf("malformed leg %q", leg)
	}
	e, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed leg epoch %q: %w", rest, err)
	}
	return id, e, nil
}

// NewFlowID composes a flow id: <username>:<trace_id>-<flow_label>.
func NewFlowID(username, traceID, flowLabel string) string {
	if flowLabel == "" {
		flowLabel = "exec"
	}
	return fmt.Sprintf("%s:%s-%s", username, traceID, flowLabel)
}

// ParseFlowID splits a flow id into (username, trace_id, flow_label). The
// flow label is the segment after the last "-" so trace ids must be
// hex-only.
func ParseFlowID(flowID string) (username, traceID, flowLabel string, err error) {
	username, rest, ok := strings.Cut(flowID, ":")
	if !ok {
		return "", "", "", fmt.Errorf("malformed flow id %q", flowID)
	}
	i := strings.LastIndex(rest, "-")
	if i < 0 {
		return "", "", "", fmt.Errorf("malformed flow id %q: missing flow label", flowID)
	}
	return username, rest[:i], rest[i+1:], nil
}
