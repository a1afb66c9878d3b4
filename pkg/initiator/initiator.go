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

// Package initiator accepts job submissions: it validates the job,
// repackages every order into an execution archive, inserts the run's
// records, and writes the init trigger that starts the first controller
// pass.
package initiator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/abcxyz/iac-ci/pkg/flow"
	"github.com/abcxyz/iac-ci/pkg/model"
	"github.com/abcxyz/iac-ci/pkg/vcs"
	"github.com/abcxyz/pkg/logging"
)

// Datastore is the record store the initiator consumes.
type Datastore interface {
	PutOrder(ctx context.Context, rec *model.OrderRecord) error
	PutEvent(ctx context.Context, ev *model.OrderEvent) error
}

// ObjectStore is the archive and trigger store the initiator consumes.
type ObjectStore interface {
	UploadExecZip(ctx context.Context, runID, orderNum, filePath string) (string, error)
	PresignCallbackURL(ctx context.Context, runID, orderNum string, expiry time.Duration) (string, error)
	WriteInitTrigger(ctx context.Context, runID string) error
	FetchObject(ctx context.Context, bucket, key, destPath string) error
}

// SecretsResolver resolves credential references and stores envelope keys.
type SecretsResolver interface {
	FetchSSMParams(ctx context.Context, paths []string) (map[string]string, error)
	FetchSecrets(ctx context.Context, paths []string) (map[string]string, error)
	StoreEnvelopeKey(ctx context.Context, runID, orderNum, privateKey string) (string, error)
	ResolveRef(ctx context.Context, ref string) (string, error)
}

// Commenter upserts the tagged PR comment.
type Commenter interface {
	Upsert(ctx context.Context, owner, repo string, number int, search, body string, tags ...string) (*vcs.Comment, error)
}

// ValidationError carries the per-order validation messages for a
// rejected submission. The run is never created.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid job: %s", strings.Join(e.Problems, "; "))
}

// SubmitRequest is one submission. TraceID and RunID are normally
// generated here; callers may pin them for replay.
type SubmitRequest struct {
	JobB64  string `json:"job_parameters_b64"`
	TraceID string `json:"trace_id,omitempty"`
	RunID   string `json:"run_id,omitempty"`
}

// SubmitResult is the submission receipt.
type SubmitResult struct {
	Status        string   `json:"status"`
	RunID         string   `json:"run_id"`
	TraceID       string   `json:"trace_id"`
	FlowID        string   `json:"flow_id"`
	DoneEndpt     string   `json:"done_endpt"`
	PRSearchTag   string   `json:"pr_search_tag,omitempty"`
	InitPRComment string   `json:"init_pr_comment,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

// Initiator processes submissions.
type Initiator struct {
	datastore  Datastore
	store      ObjectStore
	secrets    SecretsResolver
	commenter  Commenter
	doneBucket string

	// cloneFunc is swappable for tests; the default shells into git
	// through the repackager.
	cloneFunc cloneFunc

	// now is swappable for tests.
	now func() time.Time
}

// New creates an initiator. commenter may be nil when no VCS surface is
// configured.
func New(ds Datastore, store ObjectStore, sec SecretsResolver, commenter Commenter, doneBucket string) *Initiator {
	return &Initiator{
		datastore:  ds,
		store:      store,
		secrets:    sec,
		commenter:  commenter,
		doneBucket: doneBucket,
		cloneFunc:  defaultClone,
		now:        time.Now,
	}
}

// Submit processes one job submission end to end.
func (i *Initiator) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	logger := logging.FromContext(ctx)

	job, err := model.JobFromB64(req.JobB64)
	if err != nil {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("malformed payload: %v", err)}}
	}

	traceID := req.TraceID
	if traceID == "" {
		if traceID, err = flow.NewTraceID(); err != nil {
			return nil, err
		}
	}
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	flowID := flow.NewFlowID(job.Username, traceID, job.FlowLabel)
	doneEndpt := fmt.Sprintf("%s/%s/done", i.doneBucket, runID)

	if problems := validate(job); len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	descs, err := i.repackage(ctx, job, runID, traceID, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to repackage job: %w", err)
	}

	if err := i.insertRecords(ctx, job, descs, runID, traceID, flowID); err != nil {
		return nil, err
	}

	searchTag := job.PRCommentSearchTag
	if searchTag == "" {
		if searchTag, err = flow.NewTraceID(); err != nil {
			return nil, err
		}
	}

	res := &SubmitResult{
		Status:      "ok",
		RunID:       runID,
		TraceID:     traceID,
		FlowID:      flowID,
		DoneEndpt:   doneEndpt,
		PRSearchTag: searchTag,
	}

	// The comment is advisory; its failure never fails the submit.
	if comment := i.upsertComment(ctx, job, descs, runID, flowID, searchTag); comment != "" {
		res.InitPRComment = comment
	}

	if err := i.store.WriteInitTrigger(ctx, runID); err != nil {
		return nil, fmt.Errorf("failed to write init trigger: %w", err)
	}

	logger.InfoContext(ctx, "job submitted",
		"run_id", runID,
		"trace_id", traceID,
		"flow_id", flowID,
		"orders", len(descs))
	return res, nil
}

// validate checks the job fail-fast rules and returns every problem found.
func validate(job *model.Job) []string {
	var problems []string
	if len(job.Orders) == 0 {
		return []string{"job has no orders"}
	}

	for idx, o := range job.Orders {
		name := fmt.Sprintf("order %s", model.OrderNum(idx))
		if o.OrderName != "" {
			name = fmt.Sprintf("order %s (%s)", model.OrderNum(idx), o.OrderName)
		}

		if len(o.Cmds) == 0 && o.ExecutionTarget != model.TargetAgent {
			problems = append(problems, name+": cmds is required")
		}
		if o.Timeout <= 0 {
			problems = append(problems, name+": timeout must be positive")
		}
		if !model.ValidTarget(o.ExecutionTarget) {
			problems = append(problems, fmt.Sprintf("%s: unknown execution_target %q", name, o.ExecutionTarget))
		}
		if o.ExecutionTarget == model.TargetAgent {
			if len(o.Cmds) == 0 {
				problems = append(problems, name+": cmds is required")
			}
			if o.SSMTargets == nil || (len(o.SSMTargets.InstanceIDs) == 0 && len(o.SSMTargets.Tags) == 0) {
				problems = append(problems, name+": agent orders need ssm_targets with instance_ids or tags")
			}
			continue
		}

		hasGit := o.GitRepo != "" || job.GitRepo != ""
		if o.S3Location == "" && !hasGit {
			problems = append(problems, name+": no code source (s3_location or git repo)")
		}
		if o.S3Location == "" && hasGit && job.GitTokenLocation == "" {
			problems = append(problems, name+": git source needs a job-level git_token_location")
		}
	}
	return problems
}

// insertRecords writes every order record (status queued) and the
// job_started event.
func (i *Initiator) insertRecords(ctx context.Context, job *model.Job, descs []*orderDesc, runID, traceID, flowID string) error {
	now := i.now().Unix()
	for _, d := range descs {
		o := d.order
		queueID := o.QueueID
		if queueID == "" {
			queueID = d.orderNum
		}

		rec := &model.OrderRecord{
			RunID:           runID,
			OrderNum:        d.orderNum,
			TraceID:         traceID,
			FlowID:          flowID,
			OrderName:       o.OrderName,
			Cmds:            o.Cmds,
			Status:          model.StatusQueued,
			QueueID:         queueID,
			S3Location:      d.s3Location,
			CallbackURL:     d.callbackURL,
			ExecutionTarget: o.ExecutionTarget,
			GitB64:          d.gitB64,
			Dependencies:    o.Dependencies,
			MustSucceed:     o.MustSucceed,
			Timeout:         o.Timeout,
			CreatedAt:       now,
			LastUpdate:      now,
			TTL:             now + model.RecordTTLSeconds,
			SopsKeyPath:     d.sopsKeyPath,
			SSMTargets:      o.SSMTargets,
			SSMDocumentName: o.SSMDocumentName,
		}
		if o.ExecutionTarget == model.TargetAgent {
			rec.EnvDict = d.env
		}
		if err := i.datastore.PutOrder(ctx, rec); err != nil {
			return fmt.Errorf("failed to insert order %s: %w", d.orderNum, err)
		}
	}

	if err := i.datastore.PutEvent(ctx, &model.OrderEvent{
		TraceID:    traceID,
		OrderName:  model.JobOrderName,
		EventType:  "job_started",
		Status:     model.StatusRunning,
		RunID:      runID,
		FlowID:     flowID,
		DoneEndpt:  fmt.Sprintf("%s/%s/done", i.doneBucket, runID),
		OrderCount: len(descs),
	}); err != nil {
		return fmt.Errorf("failed to append job_started event: %w", err)
	}
	return nil
}

// upsertComment posts the initial order-summary comment. Returns the
// comment body on success and "" on any failure or when no PR is named.
func (i *Initiator) upsertComment(ctx context.Context, job *model.Job, descs []*orderDesc, runID, flowID, searchTag string) string {
	logger := logging.FromContext(ctx)

	number := job.PRNumber
	if number == 0 {
		number = job.IssueNumber
	}
	if i.commenter == nil || number == 0 {
		return ""
	}

	owner, repo, err := parseOwnerRepo(job.GitRepo)
	if err != nil {
		logger.ErrorContext(ctx, "failed to parse repo for pr comment", "error", err)
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Submitted run `%s` with %d orders:\n\n", runID, len(descs))
	for _, d := range descs {
		name := d.order.OrderName
		if name == "" {
			name = d.orderNum
		}
		fmt.Fprintf(&b, "- `%s` → %s\n", name, d.order.ExecutionTarget)
	}

	comment, err := i.commenter.Upsert(ctx, owner, repo, number, searchTag, b.String(), runID, flowID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to upsert pr comment",
			"run_id", runID,
			"error", err)
		return ""
	}
	return comment.Body
}

// parseOwnerRepo extracts the owner and repository from an HTTPS repo URL.
func parseOwnerRepo(repoURL string) (owner, repo string, err error) {
	trimmed := strings.TrimPrefix(repoURL, "https://")
	if trimmed == repoURL {
		return "", "", fmt.Errorf("repo %q is not an https url", repoURL)
	}
	parts := strings.Split(strings.TrimSuffix(trimmed, ".git"), "/")
	if len(parts) < 3 {
		return "", "", fmt.Errorf("repo %q has no owner/name path", repoURL)
	}
	return parts[1], parts[2], nil
}
