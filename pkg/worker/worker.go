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

// Package worker executes one order: it downloads the execution archive,
// decrypts the envelope, runs the order's commands, and reports the
// outcome through the presigned callback.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/abcxyz/iac-ci/pkg/codesource"
	"github.com/abcxyz/iac-ci/pkg/envelope"
	"github.com/abcxyz/iac-ci/pkg/model"
	"github.com/abcxyz/iac-ci/pkg/storage"
	"github.com/abcxyz/pkg/logging"
)

// maxLogBytes bounds the combined output shipped in the callback body.
const maxLogBytes = 64 * 1024

// callbackRetries is the minimum retry count on the callback PUT.
const callbackRetries = 3

// EventsDirEnv advertises the shared directory commands may write
// auxiliary event files into.
const EventsDirEnv = "IAC_CI_EVENTS_DIR"

// Input is the worker's invocation payload.
type Input struct {
	ArchiveLocation string `json:"archive_location"`
	InternalBucket  string `json:"internal_bucket"`
	EnvelopeKeyRef  string `json:"envelope_key_ref,omitempty"`
	RunID           string `json:"run_id"`
	OrderNum        string `json:"order_num"`
	Timeout         int64  `json:"timeout,omitempty"`
}

// ObjectStore fetches the execution archive.
type ObjectStore interface {
	FetchObject(ctx context.Context, bucket, key, destPath string) error
}

// KeyFetcher reads an envelope private key back from the secret store.
type KeyFetcher interface {
	FetchEnvelopeKey(ctx context.Context, path string) (string, error)
}

// EventSink transcribes auxiliary events; may be nil when no events table
// is configured.
type EventSink interface {
	PutEvent(ctx context.Context, ev *model.OrderEvent) error
}

// Worker runs orders.
type Worker struct {
	store  ObjectStore
	keys   KeyFetcher
	events EventSink
	client *http.Client
}

// New creates a worker. events may be nil.
func New(store ObjectStore, keys KeyFetcher, events EventSink) *Worker {
	return &Worker{
		store:  store,
		keys:   keys,
		events: events,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Run executes one order end to end. The returned result mirrors what was
// reported through the callback.
func (w *Worker) Run(ctx context.Context, in *Input) (*model.Result, error) {
	logger := logging.FromContext(ctx)

	workDir, err := os.MkdirTemp("", "iac-ci-worker-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	codeDir := filepath.Join(workDir, "code")
	if err := os.MkdirAll(codeDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create code dir: %w", err)
	}
	if err := w.fetchArchive(ctx, in, workDir, codeDir); err != nil {
		return nil, err
	}

	env, err := w.decryptEnv(ctx, in, codeDir)
	if err != nil {
		return nil, err
	}

	cmds, err := readCmds(env, codeDir)
	if err != nil {
		return nil, err
	}

	eventsDir := eventsDir(env)
	if err := os.MkdirAll(eventsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create events dir: %w", err)
	}
	env[EventsDirEnv] = eventsDir

	result := w.runCmds(ctx, cmds, codeDir, env, in.Timeout)

	w.transcribeEvents(ctx, eventsDir, env)

	if cb := env["CALLBACK_URL"]; cb != "" {
		if err := w.putCallback(ctx, cb, result); err != nil {
			return result, fmt.Errorf("failed to deliver callback: %w", err)
		}
	} else {
		logger.ErrorContext(ctx, "no callback url in envelope, result not delivered",
			"run_id", in.RunID,
			"order_num", in.OrderNum)
	}
	return result, nil
}

func (w *Worker) fetchArchive(ctx context.Context, in *Input, workDir, codeDir string) error {
	bucket, key, err := storage.ParseURI(in.ArchiveLocation)
	if err != nil {
		return fmt.Errorf("failed to parse archive location: %w", err)
	}
	zipPath := filepath.Join(workDir, "exec.zip")
	if err := w.store.FetchObject(ctx, bucket, key, zipPath); err != nil {
		return fmt.Errorf("failed to fetch archive: %w", err)
	}
	if err := codesource.Unzip(zipPath, codeDir); err != nil {
		return fmt.Errorf("failed to extract archive: %w", err)
	}
	return nil
}

// decryptEnv opens the archive's envelope with the identity from the
// secret store (when a ref is given) or from the worker's own
// environment.
func (w *Worker) decryptEnv(ctx context.Context, in *Input, codeDir string) (map[string]string, error) {
	body, err := os.ReadFile(filepath.Join(codeDir, envelope.EncFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", envelope.EncFileName, err)
	}

	key, err := w.envelopeKey(ctx, in)
	if err != nil {
		return nil, err
	}

	env, err := envelope.Decrypt(body, key)
	if err != nil {
		return nil, fmt.Errorf("failed to open envelope: %w", err)
	}
	return env, nil
}

func (w *Worker) envelopeKey(ctx context.Context, in *Input) (string, error) {
	if in.EnvelopeKeyRef != "" {
		key, err := w.keys.FetchEnvelopeKey(ctx, in.EnvelopeKeyRef)
		if err != nil {
			return "", err
		}
		return key, nil
	}
	if key := os.Getenv("AGE_SECRET_KEY"); key != "" {
		return key, nil
	}
	if file := os.Getenv("AGE_SECRET_KEY_FILE"); file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("failed to read AGE_SECRET_KEY_FILE: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	return "", fmt.Errorf("no envelope key: no ref given and no AGE_SECRET_KEY in environment")
}

// readCmds reads the order's commands: a CMDS env var (JSON array) wins
// over the archive's cmds.json.
func readCmds(env map[string]string, codeDir string) ([]string, error) {
	raw := env["CMDS"]
	if raw == "" {
		b, err := os.ReadFile(filepath.Join(codeDir, "cmds.json"))
		if err != nil {
			return nil, fmt.Errorf("no commands: CMDS unset and cmds.json unreadable: %w", err)
		}
		raw = string(b)
	}

	var cmds []string
	if err := json.Unmarshal([]byte(raw), &cmds); err != nil {
		return nil, fmt.Errorf("failed to parse commands: %w", err)
	}
	if len(cmds) == 0 {
		return nil, fmt.Errorf("command list is empty")
	}
	return cmds, nil
}

func eventsDir(env map[string]string) string {
	if dir := env[EventsDirEnv]; dir != "" {
		return dir
	}
	return filepath.Join("/var/tmp/share", env["TRACE_ID"], "events")
}

// runCmds runs the commands sequentially in codeDir with env exported,
// stopping at the first non-zero exit or at the order deadline. Combined
// output is captured (bounded) for the callback log.
func (w *Worker) runCmds(ctx context.Context, cmds []string, codeDir string, env map[string]string, timeout int64) *model.Result {
	logger := logging.FromContext(ctx)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
		defer cancel()
	}

	procEnv := os.Environ()
	for k, v := range env {
		procEnv = append(procEnv, k+"="+v)
	}

	var out bytes.Buffer
	for _, c := range cmds {
		fmt.Fprintf(&out, "$ %s\n", c)

		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", c)
		cmd.Dir = codeDir
		cmd.Env = procEnv
		cmd.Stdout = &out
		cmd.Stderr = &out

		err := cmd.Run()
		if ctx.Err() != nil {
			logger.InfoContext(ctx, "command deadline exceeded", "cmd", c)
			return &model.Result{Status: model.StatusTimedOut, Log: truncate(out.String())}
		}
		if err != nil {
			fmt.Fprintf(&out, "error: %v\n", err)
			return &model.Result{Status: model.StatusFailed, Log: truncate(out.String())}
		}
	}
	return &model.Result{Status: model.StatusSucceeded, Log: truncate(out.String())}
}

func truncate(s string) string {
	if len(s) > maxLogBytes {
		return s[len(s)-maxLogBytes:]
	}
	return s
}

// auxEvent is the shape of an auxiliary event file a command may drop
// into the shared events directory.
type auxEvent struct {
	EventType string `json:"event_type"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

// transcribeEvents folds auxiliary event files into the order event log.
// Transcription is best effort; a bad file is skipped, not fatal.
func (w *Worker) transcribeEvents(ctx context.Context, dir string, env map[string]string) {
	if w.events == nil {
		return
	}
	logger := logging.FromContext(ctx)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var aux auxEvent
		if err := json.Unmarshal(b, &aux); err != nil {
			logger.InfoContext(ctx, "skipping malformed event file", "file", e.Name())
			continue
		}

		orderName := env["ORDER_ID"]
		if orderName == "" {
			orderName = env["ORDER_NUM"]
		}
		if err := w.events.PutEvent(ctx, &model.OrderEvent{
			TraceID:   env["TRACE_ID"],
			OrderName: orderName,
			EventType: aux.EventType,
			Status:    aux.Status,
			RunID:     env["RUN_ID"],
			FlowID:    env["FLOW_ID"],
			OrderNum:  env["ORDER_NUM"],
			Message:   aux.Message,
		}); err != nil {
			logger.ErrorContext(ctx, "failed to transcribe event file",
				"file", e.Name(),
				"error", err)
		}
	}
}

// putCallback delivers the result to the presigned URL with bounded
// retries.
func (w *Worker) putCallback(ctx context.Context, url string, res *model.Result) error {
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	b := retry.WithMaxRetries(callbackRetries, retry.NewExponential(1*time.Second))
	if err := retry.Do(ctx, b, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build callback request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("callback returned %d", resp.StatusCode))
		}
		if resp.StatusCode >= 300 {
			return fmt.Errorf("callback returned %d", resp.StatusCode)
		}
		return nil
	}); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return err
	}
	return nil
}
