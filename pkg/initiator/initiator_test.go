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
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/abcxyz/iac-ci/pkg/codesource"
	"github.com/abcxyz/iac-ci/pkg/model"
	"github.com/abcxyz/iac-ci/pkg/vcs"
)

type fakeDatastore struct {
	orders []*model.OrderRecord
	events []*model.OrderEvent
}

func (f *fakeDatastore) PutOrder(ctx context.Context, rec *model.OrderRecord) error {
	f.orders = append(f.orders, rec)
	return nil
}

func (f *fakeDatastore) PutEvent(ctx context.Context, ev *model.OrderEvent) error {
	f.events = append(f.events, ev)
	return nil
}

type fakeObjectStore struct {
	uploads     []string
	initTrigger bool
	fetchedZips map[string][]byte
}

func (f *fakeObjectStore) UploadExecZip(ctx context.Context, runID, orderNum, filePath string) (string, error) {
	if _, err := os.Stat(filePath); err != nil {
		return "", fmt.Errorf("archive missing: %w", err)
	}
	f.uploads = append(f.uploads, orderNum)
	return fmt.Sprintf("s3://internal/tmp/exec/%s/%s/exec.zip", runID, orderNum), nil
}

func (f *fakeObjectStore) PresignCallbackURL(ctx context.Context, runID, orderNum string, expiry time.Duration) (string, error) {
	return fmt.Sprintf("https://s3.example.com/callback/%s/%s?sig=abc", runID, orderNum), nil
}

func (f *fakeObjectStore) WriteInitTrigger(ctx context.Context, runID string) error {
	f.initTrigger = true
	return nil
}

func (f *fakeObjectStore) FetchObject(ctx context.Context, bucket, key, destPath string) error {
	b, ok := f.fetchedZips[bucket+"/"+key]
	if !ok {
		return fmt.Errorf("no object %s/%s", bucket, key)
	}
	return os.WriteFile(destPath, b, 0o644)
}

type fakeSecrets struct {
	ssmParams map[string]string
	smSecrets map[string]string
	refs      map[string]string

	storedKeys []string
}

func (f *fakeSecrets) FetchSSMParams(ctx context.Context, paths []string) (map[string]string, error) {
	env := map[string]string{}
	for _, p := range paths {
		v, ok := f.ssmParams[p]
		if !ok {
			return nil, fmt.Errorf("no parameter %s", p)
		}
		env[strings.ToUpper(filepath.Base(p))] = v
	}
	return env, nil
}

func (f *fakeSecrets) FetchSecrets(ctx context.Context, paths []string) (map[string]string, error) {
	env := map[string]string{}
	for _, p := range paths {
		v, ok := f.smSecrets[p]
		if !ok {
			return nil, fmt.Errorf("no secret %s", p)
		}
		env[strings.ToUpper(filepath.Base(p))] = v
	}
	return env, nil
}

func (f *fakeSecrets) StoreEnvelopeKey(ctx context.Context, runID, orderNum, privateKey string) (string, error) {
	path := fmt.Sprintf("/iac-ci/sops-keys/%s/%s", runID, orderNum)
	f.storedKeys = append(f.storedKeys, path)
	return path, nil
}

func (f *fakeSecrets) ResolveRef(ctx context.Context, ref string) (string, error) {
	v, ok := f.refs[ref]
	if !ok {
		return "", fmt.Errorf("no ref %s", ref)
	}
	return v, nil
}

type fakeCommenter struct {
	upserts int
	err     error
}

func (f *fakeCommenter) Upsert(ctx context.Context, owner, repo string, number int, search, body string, tags ...string) (*vcs.Comment, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.upserts++
	return &vcs.Comment{ID: 7, Body: body + "\n\n" + vcs.FormatTags(search, tags...)}, nil
}

// seedingClone is a cloneFunc that materializes a tiny tree and counts
// invocations per source.
type seedingClone struct {
	calls map[codesource.Source]int
}

func (s *seedingClone) clone(ctx context.Context, src codesource.Source, destDir, token, sshKeyPath string) error {
	if s.calls == nil {
		s.calls = map[codesource.Source]int{}
	}
	s.calls[src]++
	for name, content := range map[string]string{
		"main.tf":           "resource {}",
		"envs/prod/main.tf": "prod",
	} {
		path := filepath.Join(destDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func b64Job(t *testing.T, job *model.Job) string {
	t.Helper()
	s, err := job.ToB64()
	if err != nil {
		t.Fatalf("failed to encode job: %v", err)
	}
	return s
}

func gitJob() *model.Job {
	return &model.Job{
		Username:         "deployer",
		GitRepo:          "https://github.com/acme/infra",
		GitTokenLocation: "acme/git-token",
		Orders: []*model.Order{
			{Cmds: []string{"terraform plan"}, Timeout: 120, OrderName: "plan", ExecutionTarget: model.TargetBuild, MustSucceed: true},
			{Cmds: []string{"terraform apply"}, Timeout: 300, OrderName: "apply", ExecutionTarget: model.TargetBuild, MustSucceed: true, Dependencies: []string{"0001"}},
		},
	}
}

func newTestInitiator(ds *fakeDatastore, store *fakeObjectStore, sec *fakeSecrets, cm Commenter, clone cloneFunc) *Initiator {
	i := New(ds, store, sec, cm, "done-bucket")
	i.cloneFunc = clone
	i.now = func() time.Time { return time.Unix(1700000000, 0) }
	return i
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		job         *model.Job
		expProblems []string
	}{
		{
			name:        "no_orders",
			job:         &model.Job{Username: "u"},
			expProblems: []string{"no orders"},
		},
		{
			name: "missing_cmds",
			job: &model.Job{
				GitRepo:          "https://github.com/acme/infra",
				GitTokenLocation: "t",
				Orders:           []*model.Order{{Timeout: 60, ExecutionTarget: model.TargetBuild}},
			},
			expProblems: []string{"cmds is required"},
		},
		{
			name: "bad_timeout",
			job: &model.Job{
				GitRepo:          "https://github.com/acme/infra",
				GitTokenLocation: "t",
				Orders:           []*model.Order{{Cmds: []string{"x"}, ExecutionTarget: model.TargetBuild}},
			},
			expProblems: []string{"timeout must be positive"},
		},
		{
			name: "unknown_target",
			job: &model.Job{
				GitRepo:          "https://github.com/acme/infra",
				GitTokenLocation: "t",
				Orders:           []*model.Order{{Cmds: []string{"x"}, Timeout: 60, ExecutionTarget: "mainframe"}},
			},
			expProblems: []string{"unknown execution_target"},
		},
		{
			name: "agent_needs_targets",
			job: &model.Job{
				Orders: []*model.Order{{Cmds: []string{"x"}, Timeout: 60, ExecutionTarget: model.TargetAgent}},
			},
			expProblems: []string{"ssm_targets"},
		},
		{
			name: "no_code_source",
			job: &model.Job{
				Orders: []*model.Order{{Cmds: []string{"x"}, Timeout: 60, ExecutionTarget: model.TargetBuild}},
			},
			expProblems: []string{"no code source"},
		},
		{
			name: "git_without_credentials",
			job: &model.Job{
				GitRepo: "https://github.com/acme/infra",
				Orders:  []*model.Order{{Cmds: []string{"x"}, Timeout: 60, ExecutionTarget: model.TargetBuild}},
			},
			expProblems: []string{"git_token_location"},
		},
		{
			// An ssh key alone is not enough; it is fallback auth, not a
			// substitute for the token reference.
			name: "git_with_only_ssh_key",
			job: &model.Job{
				GitRepo:           "https://github.com/acme/infra",
				GitSSHKeyLocation: "acme/deploy-key",
				Orders:            []*model.Order{{Cmds: []string{"x"}, Timeout: 60, ExecutionTarget: model.TargetBuild}},
			},
			expProblems: []string{"git_token_location"},
		},
		{
			name: "valid_agent_order",
			job: &model.Job{
				Orders: []*model.Order{{
					Cmds:            []string{"x"},
					Timeout:         60,
					ExecutionTarget: model.TargetAgent,
					SSMTargets:      &model.SSMTargets{InstanceIDs: []string{"i-abc"}},
				}},
			},
		},
		{
			name: "valid_s3_order",
			job: &model.Job{
				Orders: []*model.Order{{
					Cmds:            []string{"x"},
					Timeout:         60,
					ExecutionTarget: model.TargetBuild,
					S3Location:      "s3://bucket/code.zip",
				}},
			},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			problems := validate(tc.job)
			if len(tc.expProblems) == 0 {
				if len(problems) != 0 {
					t.Fatalf("expected valid, got %v", problems)
				}
				return
			}
			joined := strings.Join(problems, "; ")
			for _, want := range tc.expProblems {
				if !strings.Contains(joined, want) {
					t.Errorf("problems %q missing %q", joined, want)
				}
			}
		})
	}
}

func TestSubmit_GitJob(t *testing.T) {
	t.Parallel()

	ds := &fakeDatastore{}
	store := &fakeObjectStore{}
	sec := &fakeSecrets{refs: map[string]string{"acme/git-token": "ghp_abc"}}
	clone := &seedingClone{}

	i := newTestInitiator(ds, store, sec, nil, clone.clone)

	res, err := i.Submit(context.Background(), &SubmitRequest{
		JobB64:  b64Job(t, gitJob()),
		TraceID: "a1b2c3d4",
		RunID:   "run-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Status != "ok" {
		t.Errorf("status got %q", res.Status)
	}
	if res.FlowID != "deployer:a1b2c3d4-exec" {
		t.Errorf("flow id got %q", res.FlowID)
	}
	if res.DoneEndpt != "done-bucket/run-1/done" {
		t.Errorf("done endpoint got %q", res.DoneEndpt)
	}

	// Both orders share one source, so one clone.
	if len(clone.calls) != 1 {
		t.Errorf("expected 1 distinct clone source, got %d", len(clone.calls))
	}
	for src, n := range clone.calls {
		if n != 1 {
			t.Errorf("source %v cloned %d times, want 1", src, n)
		}
	}

	if diff := cmp.Diff([]string{"0001", "0002"}, store.uploads); diff != "" {
		t.Errorf("uploads mismatch (-want, +got):\n%s", diff)
	}
	if !store.initTrigger {
		t.Errorf("init trigger not written")
	}

	if len(ds.orders) != 2 {
		t.Fatalf("expected 2 order records, got %d", len(ds.orders))
	}
	first := ds.orders[0]
	if first.Status != model.StatusQueued {
		t.Errorf("status got %q, want queued", first.Status)
	}
	if first.QueueID != "0001" {
		t.Errorf("queue id got %q, want default 0001", first.QueueID)
	}
	if first.SopsKeyPath == "" {
		t.Errorf("expected generated envelope key path")
	}
	if first.EnvDict != nil {
		t.Errorf("non-agent orders must not persist plaintext env")
	}
	if first.TTL != 1700000000+model.RecordTTLSeconds {
		t.Errorf("ttl got %d", first.TTL)
	}

	if len(ds.events) != 1 || ds.events[0].EventType != "job_started" {
		t.Fatalf("expected single job_started event, got %+v", ds.events)
	}
	if ds.events[0].OrderCount != 2 {
		t.Errorf("order count got %d, want 2", ds.events[0].OrderCount)
	}
}

func TestSubmit_DistinctSourcesCloneSeparately(t *testing.T) {
	t.Parallel()

	job := gitJob()
	job.Orders[1].GitRepo = "https://github.com/acme/other"

	clone := &seedingClone{}
	i := newTestInitiator(&fakeDatastore{}, &fakeObjectStore{}, &fakeSecrets{
		refs: map[string]string{"acme/git-token": "ghp_abc"},
	}, nil, clone.clone)

	if _, err := i.Submit(context.Background(), &SubmitRequest{JobB64: b64Job(t, job)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(clone.calls) != 2 {
		t.Errorf("expected 2 distinct clone sources, got %d", len(clone.calls))
	}
}

func TestSubmit_S3Order(t *testing.T) {
	t.Parallel()

	zipBytes := buildZip(t, map[string]string{"main.tf": "resource {}"})
	store := &fakeObjectStore{fetchedZips: map[string][]byte{
		"user-bucket/code.zip": zipBytes,
	}}

	job := &model.Job{
		Username: "deployer",
		Orders: []*model.Order{{
			Cmds:            []string{"terraform plan"},
			Timeout:         60,
			ExecutionTarget: model.TargetBuild,
			S3Location:      "s3://user-bucket/code.zip",
			MustSucceed:     true,
		}},
	}

	clone := &seedingClone{}
	i := newTestInitiator(&fakeDatastore{}, store, &fakeSecrets{}, nil, clone.clone)

	res, err := i.Submit(context.Background(), &SubmitRequest{JobB64: b64Job(t, job)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != "ok" {
		t.Errorf("status got %q", res.Status)
	}
	if len(clone.calls) != 0 {
		t.Errorf("s3-sourced job should not clone, got %d", len(clone.calls))
	}
}

func TestSubmit_ValidationFailureCreatesNothing(t *testing.T) {
	t.Parallel()

	ds := &fakeDatastore{}
	store := &fakeObjectStore{}
	i := newTestInitiator(ds, store, &fakeSecrets{}, nil, (&seedingClone{}).clone)

	job := &model.Job{Username: "deployer"}
	_, err := i.Submit(context.Background(), &SubmitRequest{JobB64: b64Job(t, job)})

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(ds.orders) != 0 || store.initTrigger {
		t.Errorf("rejected submission must not create records or triggers")
	}
}

func TestSubmit_CommentFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	job := gitJob()
	job.PRNumber = 42

	cm := &fakeCommenter{err: fmt.Errorf("api rate limited")}
	store := &fakeObjectStore{}
	i := newTestInitiator(&fakeDatastore{}, store, &fakeSecrets{
		refs: map[string]string{"acme/git-token": "ghp_abc"},
	}, cm, (&seedingClone{}).clone)

	res, err := i.Submit(context.Background(), &SubmitRequest{JobB64: b64Job(t, job)})
	if err != nil {
		t.Fatalf("comment failure must not fail the submit: %v", err)
	}
	if res.InitPRComment != "" {
		t.Errorf("failed comment should leave receipt field empty")
	}
	if !store.initTrigger {
		t.Errorf("init trigger must still be written")
	}
}

func TestSubmit_CommentPosted(t *testing.T) {
	t.Parallel()

	job := gitJob()
	job.PRNumber = 42
	job.PRCommentSearchTag = "deadbeef"

	cm := &fakeCommenter{}
	i := newTestInitiator(&fakeDatastore{}, &fakeObjectStore{}, &fakeSecrets{
		refs: map[string]string{"acme/git-token": "ghp_abc"},
	}, cm, (&seedingClone{}).clone)

	res, err := i.Submit(context.Background(), &SubmitRequest{JobB64: b64Job(t, job)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cm.upserts != 1 {
		t.Errorf("expected 1 comment upsert, got %d", cm.upserts)
	}
	if res.PRSearchTag != "deadbeef" {
		t.Errorf("search tag got %q, want pinned tag", res.PRSearchTag)
	}
	if !strings.Contains(res.InitPRComment, "###deadbeef###") {
		t.Errorf("receipt comment missing tag block: %q", res.InitPRComment)
	}
}

func TestParseOwnerRepo(t *testing.T) {
	t.Parallel()

	owner, repo, err := parseOwnerRepo("https://github.com/acme/infra")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if owner != "acme" || repo != "infra" {
		t.Errorf("got %s/%s, want acme/infra", owner, repo)
	}

	if _, _, err := parseOwnerRepo("git@github.com:acme/infra.git"); err == nil {
		t.Errorf("non-https url should fail")
	}
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("failed to add %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("failed to finish zip: %v", err)
	}
	return buf.Bytes()
}
