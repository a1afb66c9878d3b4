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

// Package model defines the job submission payload and the durable records
// shared by the initiator, controller, watchdog, and worker.
package model

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Order statuses. Terminal statuses never transition again.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed_out"
)

// Execution targets.
const (
	TargetFunction = "function"
	TargetBuild    = "build"
	TargetAgent    = "agent"
)

// Lock statuses.
const (
	LockActive    = "active"
	LockCompleted = "completed"
)

const (
	// JobOrderName is the reserved order name that namespaces job-level
	// events. It never refers to an order record.
	JobOrderName = "_job"

	// FailureReasonDependency marks orders failed by dependency cascade.
	FailureReasonDependency = "dependency_failed"

	// RecordTTLSeconds is how long order records outlive their creation.
	RecordTTLSeconds = 86400
)

// IsTerminal reports whether a status is one of the terminal statuses.
func IsTerminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// ValidTarget reports whether s is a known execution target.
func ValidTarget(s string) bool {
	switch s {
	case TargetFunction, TargetBuild, TargetAgent:
		return true
	}
	return false
}

// SSMTargets selects the instances an agent order runs on. Either
// InstanceIDs or Tags must be non-empty.
type SSMTargets struct {
	InstanceIDs []string          `json:"instance_ids,omitempty" dynamodbav:"instance_ids,omitempty"`
	Tags        map[string]string `json:"tags,omitempty" dynamodbav:"tags,omitempty"`
}

// Order is a single unit of execution within a job submission.
type Order struct {
	Cmds               []string          `json:"cmds"`
	Timeout            int64             `json:"timeout"`
	OrderName          string            `json:"order_name,omitempty"`
	GitRepo            string            `json:"git_repo,omitempty"`
	GitFolder          string            `json:"git_folder,omitempty"`
	CommitHash         string            `json:"commit_hash,omitempty"`
	S3Location         string            `json:"s3_location,omitempty"`
	EnvVars            map[string]string `json:"env_vars,omitempty"`
	SSMPaths           []string          `json:"ssm_paths,omitempty"`
	SecretManagerPaths []string          `json:"secret_manager_paths,omitempty"`
	ExecutionTarget    string            `json:"execution_target,omitempty"`
	QueueID            string            `json:"queue_id,omitempty"`
	Dependencies       []string          `json:"dependencies,omitempty"`
	MustSucceed        bool              `json:"must_succeed"`
	SopsKey            string            `json:"sops_key,omitempty"`
	SSMTargets         *SSMTargets       `json:"ssm_targets,omitempty"`
	SSMDocumentName    string            `json:"ssm_document_name,omitempty"`

	// UseLambda is the legacy back-end discriminator. It is translated
	// into ExecutionTarget at decode time and never re-encoded;
	// ExecutionTarget wins when both are present.
	UseLambda *bool `json:"use_lambda,omitempty"`
}

// UnmarshalJSON applies the order defaults: must_succeed defaults to true,
// execution_target defaults to "build", and a legacy use_lambda flag is
// translated into an execution target.
func (o *Order) UnmarshalJSON(b []byte) error {
	type alias Order
	a := alias{MustSucceed: true}
	if err := json.Unmarshal(b, &a); err != nil {
		return fmt.Errorf("failed to unmarshal order: %w", err)
	}
	if a.ExecutionTarget == "" {
		switch {
		case a.UseLambda != nil && *a.UseLambda:
			a.ExecutionTarget = TargetFunction
		default:
			a.ExecutionTarget = TargetBuild
		}
	}
	a.UseLambda = nil
	*o = Order(a)
	return nil
}

// Job is a submission: job-level defaults plus one or more orders.
type Job struct {
	Username           string   `json:"username"`
	GitRepo            string   `json:"git_repo,omitempty"`
	GitTokenLocation   string   `json:"git_token_location,omitempty"`
	GitSSHKeyLocation  string   `json:"git_ssh_key_location,omitempty"`
	CommitHash         string   `json:"commit_hash,omitempty"`
	Orders             []*Order `json:"orders"`
	PRNumber           int      `json:"pr_number,omitempty"`
	IssueNumber        int      `json:"issue_number,omitempty"`
	FlowLabel          string   `json:"flow_label,omitempty"`
	PRCommentSearchTag string   `json:"pr_comment_search_tag,omitempty"`
	PresignExpiry      int64    `json:"presign_expiry,omitempty"`
	JobTimeout         int64    `json:"job_timeout,omitempty"`
}

// UnmarshalJSON applies the job-level defaults.
func (j *Job) UnmarshalJSON(b []byte) error {
	type alias Job
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if a.FlowLabel == "" {
		a.FlowLabel = "exec"
	}
	if a.PresignExpiry == 0 {
		a.PresignExpiry = 7200
	}
	if a.JobTimeout == 0 {
		a.JobTimeout = 3600
	}
	*j = Job(a)
	return nil
}

// ToB64 encodes the job as base64(JSON) for transport.
func (j *Job) ToB64() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// JobFromB64 decodes a base64(JSON) job payload.
func JobFromB64(s string) (*Job, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode job payload: %w", err)
	}
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// OrderNum formats the zero-based order index as the zero-padded ordinal
// used in keys and paths ("0001" ... "9999").
func OrderNum(i int) string {
	return fmt.Sprintf("%04d", i+1)
}

// OrderPK builds the composite primary key for an order record.
func OrderPK(runID, orderNum string) string {
	return runID + ":" + orderNum
}

// OrderRecord is the durable per-order row in the orders table.
type OrderRecord struct {
	PK              string            `dynamodbav:"pk"`
	RunID           string            `dynamodbav:"run_id"`
	OrderNum        string            `dynamodbav:"order_num"`
	TraceID         string            `dynamodbav:"trace_id"`
	FlowID          string            `dynamodbav:"flow_id"`
	OrderName       string            `dynamodbav:"order_name"`
	Cmds            []string          `dynamodbav:"cmds"`
	Status          string            `dynamodbav:"status"`
	QueueID         string            `dynamodbav:"queue_id"`
	S3Location      string            `dynamodbav:"s3_location"`
	CallbackURL     string            `dynamodbav:"callback_url,omitempty"`
	ExecutionTarget string            `dynamodbav:"execution_target"`
	GitB64          string            `dynamodbav:"git_b64,omitempty"`
	Dependencies    []string          `dynamodbav:"dependencies,omitempty"`
	MustSucceed     bool              `dynamodbav:"must_succeed"`
	Timeout         int64             `dynamodbav:"timeout"`
	CreatedAt       int64             `dynamodbav:"created_at"`
	LastUpdate      int64             `dynamodbav:"last_update"`
	TTL             int64             `dynamodbav:"ttl"`
	ExecutionURL    string            `dynamodbav:"execution_url,omitempty"`
	StepFunctionURL string            `dynamodbav:"step_function_url,omitempty"`
	Log             string            `dynamodbav:"log,omitempty"`
	FailureReason   string            `dynamodbav:"failure_reason,omitempty"`
	SopsKeyPath     string            `dynamodbav:"sops_key_path,omitempty"`
	EnvDict         map[string]string `dynamodbav:"env_dict,omitempty"`
	SSMTargets      *SSMTargets       `dynamodbav:"ssm_targets,omitempty"`
	SSMDocumentName string            `dynamodbav:"ssm_document_name,omitempty"`
}

// GitSource is the resolved git coordinates persisted on an order record
// as base64(JSON) so a re-dispatch can re-fetch code without the original
// submission payload.
type GitSource struct {
	Repo           string `json:"repo"`
	TokenLocation  string `json:"token_location"`
	Folder         string `json:"folder"`
	SSHKeyLocation string `json:"ssh_key_location,omitempty"`
	CommitHash     string `json:"commit_hash,omitempty"`
}

// ToB64 encodes the git source as base64(JSON).
func (g *GitSource) ToB64() (string, error) {
	b, err := json.Marshal(g)
	if err != nil {
		return "", fmt.Errorf("failed to marshal git source: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// OrderEvent is an append-only row in the order_events table. Events are
// never updated or deleted.
type OrderEvent struct {
	TraceID      string         `dynamodbav:"trace_id"`
	SK           string         `dynamodbav:"sk"`
	OrderName    string         `dynamodbav:"order_name"`
	Epoch        string         `dynamodbav:"epoch"`
	EventType    string         `dynamodbav:"event_type"`
	Status       string         `dynamodbav:"status"`
	RunID        string         `dynamodbav:"run_id,omitempty"`
	FlowID       string         `dynamodbav:"flow_id,omitempty"`
	OrderNum     string         `dynamodbav:"order_num,omitempty"`
	Message      string         `dynamodbav:"message,omitempty"`
	ExecutionURL string         `dynamodbav:"execution_url,omitempty"`
	DoneEndpt    string         `dynamodbav:"done_endpt,omitempty"`
	OrderCount   int            `dynamodbav:"order_count,omitempty"`
	Summary      map[string]int `dynamodbav:"summary,omitempty"`
}

// LockRecord is the per-run controller lock row. A run has at most one
// active lock; acquire succeeds iff no lock exists or the current lock is
// completed.
type LockRecord struct {
	PK             string `dynamodbav:"pk"`
	RunID          string `dynamodbav:"run_id"`
	OrchestratorID string `dynamodbav:"orchestrator_id"`
	Status         string `dynamodbav:"status"`
	AcquiredAt     int64  `dynamodbav:"acquired_at"`
	TTL            int64  `dynamodbav:"ttl"`
	FlowID         string `dynamodbav:"flow_id,omitempty"`
	TraceID        string `dynamodbav:"trace_id,omitempty"`
}

// LockPK builds the lock table key for a run.
func LockPK(runID string) string {
	return "lock:" + runID
}

// Result is the callback object body a worker (or the watchdog) writes to
// report an order outcome. status=init with an empty log is the
// distinguished initiator trigger at order 0000.
type Result struct {
	Status string `json:"status"`
	Log    string `json:"log"`
}

// JobSummary counts terminal orders by status for the done artifact.
type JobSummary struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	TimedOut  int `json:"timed_out"`
}
