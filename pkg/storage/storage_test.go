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

package storage

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/go-cmp/cmp"

	"github.com/abcxyz/iac-ci/pkg/model"
)

// fakeS3 is an in-memory object store keyed by bucket/key.
type fakeS3 struct {
	objects map[string][]byte

	putErr  error
	getErr  error
	headErr error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Bucket+"/"+*in.Key] = b
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	b, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(string(b)))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	if _, ok := f.objects[*in.Bucket+"/"+*in.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

type fakePresign struct {
	url string
}

func (f *fakePresign) PresignPutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return &v4.PresignedHTTPRequest{URL: f.url + "/" + *in.Key}, nil
}

func TestKeys(t *testing.T) {
	t.Parallel()

	if got, want := ExecKey("run-1", "0002"), "tmp/exec/run-1/0002/exec.zip"; got != want {
		t.Errorf("ExecKey got %q, want %q", got, want)
	}
	if got, want := CallbackKey("run-1", "0002"), "tmp/callbacks/runs/run-1/0002/result.json"; got != want {
		t.Errorf("CallbackKey got %q, want %q", got, want)
	}
}

func TestParseURI(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		uri       string
		expBucket string
		expKey    string
		expErr    bool
	}{
		{
			name:      "full_uri",
			uri:       "s3://my-bucket/tmp/exec/run-1/0001/exec.zip",
			expBucket: "my-bucket",
			expKey:    "tmp/exec/run-1/0001/exec.zip",
		},
		{
			name:      "bucket_only",
			uri:       "s3://my-bucket",
			expBucket: "my-bucket",
		},
		{
			name:   "not_s3",
			uri:    "https://example.com/thing",
			expErr: true,
		},
		{
			name:   "empty_bucket",
			uri:    "s3:///key",
			expErr: true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			bucket, key, err := ParseURI(tc.uri)
			if tc.expErr {
				if err == nil {
					t.Fatalf("expected error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if bucket != tc.expBucket {
				t.Errorf("bucket got %q, want %q", bucket, tc.expBucket)
			}
			if key != tc.expKey {
				t.Errorf("key got %q, want %q", key, tc.expKey)
			}
		})
	}
}

func TestReadResult(t *testing.T) {
	t.Parallel()

	api := newFakeS3()
	api.objects["internal/"+CallbackKey("run-1", "0001")] = []byte(`{"status":"succeeded","log":"ok"}`)

	c := New(api, &fakePresign{}, "internal", "done")

	res, err := c.ReadResult(context.Background(), "run-1", "0001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(&model.Result{Status: "succeeded", Log: "ok"}, res); diff != "" {
		t.Errorf("result mismatch (-want, +got):\n%s", diff)
	}
}

func TestReadResult_AbsentIsNil(t *testing.T) {
	t.Parallel()

	c := New(newFakeS3(), &fakePresign{}, "internal", "done")

	res, err := c.ReadResult(context.Background(), "run-1", "0001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != nil {
		t.Errorf("expected nil result for absent callback, got %+v", res)
	}
}

func TestResultExists(t *testing.T) {
	t.Parallel()

	api := newFakeS3()
	api.objects["internal/"+CallbackKey("run-1", "0001")] = []byte(`{}`)
	c := New(api, &fakePresign{}, "internal", "done")

	exists, err := c.ResultExists(context.Background(), "run-1", "0001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !exists {
		t.Errorf("expected callback to exist")
	}

	exists, err = c.ResultExists(context.Background(), "run-1", "0002")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exists {
		t.Errorf("expected callback to be absent")
	}
}

func TestWriteInitTrigger(t *testing.T) {
	t.Parallel()

	api := newFakeS3()
	c := New(api, &fakePresign{}, "internal", "done")

	if err := c.WriteInitTrigger(context.Background(), "run-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body, ok := api.objects["internal/"+CallbackKey("run-1", "0000")]
	if !ok {
		t.Fatalf("init trigger not written")
	}
	var res model.Result
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("failed to parse trigger body: %v", err)
	}
	if diff := cmp.Diff(model.Result{Status: "init", Log: ""}, res); diff != "" {
		t.Errorf("trigger body mismatch (-want, +got):\n%s", diff)
	}
}

func TestWriteDone(t *testing.T) {
	t.Parallel()

	api := newFakeS3()
	c := New(api, &fakePresign{}, "internal", "done-bucket")

	summary := &model.JobSummary{Succeeded: 2, Failed: 1}
	if err := c.WriteDone(context.Background(), "run-1", "failed", summary); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body, ok := api.objects["done-bucket/run-1/done"]
	if !ok {
		t.Fatalf("done artifact not written")
	}
	var got doneArtifact
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("failed to parse done body: %v", err)
	}
	if got.Status != "failed" {
		t.Errorf("done status got %q, want %q", got.Status, "failed")
	}
	if diff := cmp.Diff(summary, got.Summary); diff != "" {
		t.Errorf("summary mismatch (-want, +got):\n%s", diff)
	}
}

func TestPresignCallbackURL(t *testing.T) {
	t.Parallel()

	c := New(newFakeS3(), &fakePresign{url: "https://s3.example.com"}, "internal", "done")

	url, err := c.PresignCallbackURL(context.Background(), "run-1", "0001", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "https://s3.example.com/" + CallbackKey("run-1", "0001"); url != want {
		t.Errorf("url got %q, want %q", url, want)
	}
}

func TestUploadAndFetchRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "exec.zip")
	if err := os.WriteFile(src, []byte("zip-bytes"), 0o644); err != nil {
		t.Fatalf("failed to seed archive: %v", err)
	}

	api := newFakeS3()
	c := New(api, &fakePresign{}, "internal", "done")

	loc, err := c.UploadExecZip(context.Background(), "run-1", "0001", src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "s3://internal/" + ExecKey("run-1", "0001"); loc != want {
		t.Errorf("location got %q, want %q", loc, want)
	}

	dest := filepath.Join(dir, "fetched.zip")
	bucket, key, err := ParseURI(loc)
	if err != nil {
		t.Fatalf("failed to parse location: %v", err)
	}
	if err := c.FetchObject(context.Background(), bucket, key, dest); err != nil {
		t.Fatalf("failed to fetch: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("failed to read fetched file: %v", err)
	}
	if string(got) != "zip-bytes" {
		t.Errorf("fetched body got %q, want %q", got, "zip-bytes")
	}
}
