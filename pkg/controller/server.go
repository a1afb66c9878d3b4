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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/abcxyz/iac-ci/pkg/backend"
	"github.com/abcxyz/iac-ci/pkg/datastore"
	"github.com/abcxyz/iac-ci/pkg/model"
	"github.com/abcxyz/iac-ci/pkg/storage"
	"github.com/abcxyz/iac-ci/pkg/version"
	"github.com/abcxyz/pkg/healthcheck"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
)

// Runner executes one controller pass; satisfied by *Controller and by
// test mocks.
type Runner interface {
	Execute(ctx context.Context, runID string) (*Outcome, error)
}

// Server provides the controller's HTTP trigger surface.
type Server struct {
	runner Runner
	h      *renderer.Renderer
}

var (
	errMethodNotAllowed = fmt.Errorf("method not allowed")
	errReadingTrigger   = fmt.Errorf("failed to read trigger payload")
	errNoRunID          = fmt.Errorf("trigger carries no run id")
	errExecuting        = fmt.Errorf("failed to process run")
)

// NewFromConfig creates a controller wired to the live AWS stack.
func NewFromConfig(ctx context.Context, cfg *Config) (*Controller, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	ds := datastore.New(dynamodb.NewFromConfig(awsCfg), cfg.OrdersTable, cfg.OrderEventsTable, cfg.LocksTable)
	store := storage.NewFromS3(s3.NewFromConfig(awsCfg), cfg.InternalBucket, cfg.DoneBucket)

	launchers := map[string]backend.Launcher{
		model.TargetFunction: backend.NewFunctionLauncher(lambda.NewFromConfig(awsCfg), cfg.WorkerFunctionName),
		model.TargetBuild:    backend.NewBuildLauncher(codebuild.NewFromConfig(awsCfg), cfg.WorkerBuildProject),
		model.TargetAgent:    backend.NewAgentLauncher(ssm.NewFromConfig(awsCfg), cfg.AgentDocumentName),
	}
	wd := backend.NewWatchdogStarter(sfn.NewFromConfig(awsCfg), cfg.WatchdogStateMachineARN)

	return New(ds, store, launchers, wd, cfg.InternalBucket, cfg.LockTTL), nil
}

// NewServer creates a controller server wired to the live AWS stack.
func NewServer(ctx context.Context, cfg *Config, h *renderer.Renderer) (*Server, error) {
	ctrl, err := NewFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewServerWithRunner(ctrl, h), nil
}

// NewServerWithRunner creates a server over an existing runner.
func NewServerWithRunner(r Runner, h *renderer.Renderer) *Server {
	return &Server{runner: r, h: h}
}

// Routes creates a ServeMux of all of the routes that this server
// supports.
func (s *Server) Routes(ctx context.Context) http.Handler {
	logger := logging.FromContext(ctx)
	mux := http.NewServeMux()
	mux.Handle("/healthz", healthcheck.HandleHTTPHealthCheck())
	mux.Handle("/trigger", s.handleTrigger())
	mux.Handle("/version", s.handleVersion())

	root := logging.HTTPInterceptor(logger, "")(mux)

	return root
}

func (s *Server) handleVersion() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"version":%q}`+"\n", version.HumanVersion)
	})
}

// trigger is the accepted trigger body: either an object-store event
// notification envelope or a direct run id.
type trigger struct {
	RunID   string `json:"run_id"`
	Records []struct {
		S3 struct {
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// runIDFromTrigger extracts the run id from a trigger body.
func runIDFromTrigger(body []byte) (string, error) {
	var t trigger
	if err := json.Unmarshal(body, &t); err != nil {
		return "", fmt.Errorf("failed to parse trigger payload: %w", err)
	}
	if t.RunID != "" {
		return t.RunID, nil
	}
	for _, rec := range t.Records {
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			return "", fmt.Errorf("failed to unescape object key: %w", err)
		}
		runID, err := ParseRunID(key)
		if err != nil {
			return "", err
		}
		return runID, nil
	}
	return "", fmt.Errorf("no run id and no records in trigger")
}

// handleTrigger processes a callback-creation trigger: it parses the run
// id and executes one controller pass.
func (s *Server) handleTrigger() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		if r.Method != http.MethodPost {
			logger.ErrorContext(ctx, "method not allowed",
				"code", http.StatusMethodNotAllowed,
				"method", r.Method)
			s.h.RenderJSON(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			logger.ErrorContext(ctx, "failed to read trigger body",
				"code", http.StatusInternalServerError,
				"error", err)
			s.h.RenderJSON(w, http.StatusInternalServerError, errReadingTrigger)
			return
		}

		runID, err := runIDFromTrigger(body)
		if err != nil {
			logger.ErrorContext(ctx, "failed to extract run id from trigger",
				"code", http.StatusBadRequest,
				"error", err)
			s.h.RenderJSON(w, http.StatusBadRequest, errNoRunID)
			return
		}

		outcome, err := s.runner.Execute(ctx, runID)
		if err != nil {
			logger.ErrorContext(ctx, "controller pass failed",
				"code", http.StatusInternalServerError,
				"run_id", runID,
				"error", err)
			s.h.RenderJSON(w, http.StatusInternalServerError, errExecuting)
			return
		}

		logger.InfoContext(ctx, "controller pass complete",
			"run_id", runID,
			"status", outcome.Status,
			"dispatched", outcome.Dispatched)
		s.h.RenderJSON(w, http.StatusOK, outcome)
	})
}
