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

// Package storage is the object-store adapter: execution archives,
// callback result objects, the init trigger, and the terminal done
// artifact all live here under run-scoped keys.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/abcxyz/iac-ci/pkg/awsretry"
	"github.com/abcxyz/iac-ci/pkg/model"
)

// API is the subset of the S3 client the adapter uses.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// PresignAPI is the subset of the S3 presign client the adapter uses.
type PresignAPI interface {
	PresignPutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Client wraps the object store with the engine's canonical key layout.
type Client struct {
	s3             API
	presign        PresignAPI
	internalBucket string
	doneBucket     string
}

// New creates a storage client over the given S3 clients.
func New(api API, presign PresignAPI, internalBucket, doneBucket string) *Client {
	return &Client{
		s3:             api,
		presign:        presign,
		internalBucket: internalBucket,
		doneBucket:     doneBucket,
	}
}

// NewFromS3 creates a storage client and its presign client from a
// concrete S3 client.
func NewFromS3(client *s3.Client, internalBucket, doneBucket string) *Client {
	return New(client, s3.NewPresignClient(client), internalBucket, doneBucket)
}

// ExecKey is the canonical archive key for an order.
func ExecKey(runID, orderNum string) string {
	return fmt.Sprintf("tmp/exec/%s/%s/exec.zip", runID, orderNum)
}

// CallbackKey is the canonical callback key for an order. The callback is
// a single-version key: last write wins.
func CallbackKey(runID, orderNum string) string {
	return fmt.Sprintf("tmp/callbacks/runs/%s/%s/result.json", runID, orderNum)
}

// ParseURI splits an s3://bucket/key location.
func ParseURI(uri string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(uri, "s3://")
	if trimmed == uri {
		return "", "", fmt.Errorf("not an s3 uri: %q", uri)
	}
	bucket, key, _ = strings.Cut(trimmed, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("missing bucket in %q", uri)
	}
	return bucket, key, nil
}

// UploadExecZip uploads a local archive to the canonical exec key and
// returns the s3:// location.
func (c *Client) UploadExecZip(ctx context.Context, runID, orderNum, filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open archive %s: %w", filePath, err)
	}
	defer f.Close()

	key := ExecKey(runID, orderNum)
	if err := awsretry.Do(ctx, func(ctx context.Context) error {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("failed to rewind archive: %w", err)
		}
		_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(c.internalBucket),
			Key:    aws.String(key),
			Body:   f,
		})
		return err
	}); err != nil {
		return "", fmt.Errorf("failed to upload archive: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", c.internalBucket, key), nil
}

// PresignCallbackURL generates a presigned PUT URL for an order's callback
// object.
func (c *Client) PresignCallbackURL(ctx context.Context, runID, orderNum string, expiry time.Duration) (string, error) {
	req, err := c.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.internalBucket),
		Key:    aws.String(CallbackKey(runID, orderNum)),
	}, func(o *s3.PresignOptions) {
		o.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("failed to presign callback url: %w", err)
	}
	return req.URL, nil
}

// ReadResult reads and parses an order's callback object. Returns
// (nil, nil) when the object does not exist yet.
func (c *Client) ReadResult(ctx context.Context, runID, orderNum string) (*model.Result, error) {
	var body []byte
	if err := awsretry.Do(ctx, func(ctx context.Context) error {
		out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(c.internalBucket),
			Key:    aws.String(CallbackKey(runID, orderNum)),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		body, err = io.ReadAll(out.Body)
		return err
	}); err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read callback object: %w", err)
	}

	var res model.Result
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("failed to parse callback object: %w", err)
	}
	return &res, nil
}

// ResultExists reports whether an order's callback object exists.
func (c *Client) ResultExists(ctx context.Context, runID, orderNum string) (bool, error) {
	err := awsretry.Do(ctx, func(ctx context.Context) error {
		_, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(c.internalBucket),
			Key:    aws.String(CallbackKey(runID, orderNum)),
		})
		return err
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head callback object: %w", err)
	}
	return true, nil
}

// WriteResult writes a callback object directly. Used by the watchdog to
// certify a timeout; workers write through the presigned URL instead.
func (c *Client) WriteResult(ctx context.Context, runID, orderNum, status, log string) error {
	return c.putJSON(ctx, c.internalBucket, CallbackKey(runID, orderNum), &model.Result{Status: status, Log: log})
}

// WriteInitTrigger writes the distinguished init callback at order 0000.
// Its creation is the event that triggers the first controller pass.
func (c *Client) WriteInitTrigger(ctx context.Context, runID string) error {
	return c.putJSON(ctx, c.internalBucket, CallbackKey(runID, "0000"), &model.Result{Status: "init", Log: ""})
}

// doneArtifact is the terminal artifact body.
type doneArtifact struct {
	Status  string            `json:"status"`
	Summary *model.JobSummary `json:"summary"`
}

// WriteDone writes the terminal artifact at <done-bucket>/<run_id>/done.
func (c *Client) WriteDone(ctx context.Context, runID, status string, summary *model.JobSummary) error {
	return c.putJSON(ctx, c.doneBucket, runID+"/done", &doneArtifact{Status: status, Summary: summary})
}

// FetchObject downloads an arbitrary object to a local file.
func (c *Client) FetchObject(ctx context.Context, bucket, key, destPath string) error {
	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	defer f.Close()

	if err := awsretry.Do(ctx, func(ctx context.Context) error {
		out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("failed to rewind %s: %w", destPath, err)
		}
		if err := f.Truncate(0); err != nil {
			return fmt.Errorf("failed to truncate %s: %w", destPath, err)
		}
		_, err = io.Copy(f, out.Body)
		return err
	}); err != nil {
		return fmt.Errorf("failed to fetch s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

func (c *Client) putJSON(ctx context.Context, bucket, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := awsretry.Do(ctx, func(ctx context.Context) error {
		_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(b),
			ContentType: aws.String("application/json"),
		})
		return err
	}); err != nil {
		return fmt.Errorf("failed to write s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}
