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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/abcxyz/iac-ci/pkg/datastore"
	"github.com/abcxyz/iac-ci/pkg/secrets"
	"github.com/abcxyz/iac-ci/pkg/storage"
	"github.com/abcxyz/iac-ci/pkg/vcs"
	"github.com/abcxyz/iac-ci/pkg/version"
	"github.com/abcxyz/pkg/healthcheck"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
)

// Submitter processes one submission; satisfied by *Initiator and by test
// mocks.
type Submitter interface {
	Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error)
}

// Server provides the initiator's HTTP submission surface.
type Server struct {
	submitter Submitter
	h         *renderer.Renderer
}

var (
	errMethodNotAllowed = fmt.Errorf("method not allowed")
	errReadingPayload   = fmt.Errorf("failed to read submission payload")
	errNoPayload        = fmt.Errorf("no payload received")
	errSubmitting       = fmt.Errorf("failed to process submission")
)

// NewFromConfig creates an initiator wired to the live AWS stack.
func NewFromConfig(ctx context.Context, cfg *Config) (*Initiator, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	ds := datastore.New(dynamodb.NewFromConfig(awsCfg), cfg.OrdersTable, cfg.OrderEventsTable, "")
	store := storage.NewFromS3(s3.NewFromConfig(awsCfg), cfg.InternalBucket, cfg.DoneBucket)
	sec := secrets.New(ssm.NewFromConfig(awsCfg), secretsmanager.NewFromConfig(awsCfg), cfg.SopsKeyPrefix)

	var commenter Commenter
	if cfg.GitHubTokenLocation != "" {
		token, err := sec.ResolveRef(ctx, cfg.GitHubTokenLocation)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve github token: %w", err)
		}
		commenter = vcs.NewHelper(vcs.NewGitHub(ctx, token))
	}

	return New(ds, store, sec, commenter, cfg.DoneBucket), nil
}

// NewServer creates an initiator server wired to the live AWS stack.
func NewServer(ctx context.Context, cfg *Config, h *renderer.Renderer) (*Server, error) {
	init, err := NewFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewServerWithSubmitter(init, h), nil
}

// NewServerWithSubmitter creates a server over an existing submitter.
func NewServerWithSubmitter(s Submitter, h *renderer.Renderer) *Server {
	return &Server{submitter: s, h: h}
}

// Routes creates a ServeMux of all of the routes that this server
// supports.
func (s *Server) Routes(ctx context.Context) http.Handler {
	logger := logging.FromContext(ctx)
	mux := http.NewServeMux()
	mux.Handle("/healthz", healthcheck.HandleHTTPHealthCheck())
	mux.Handle("/submit", s.handleSubmit())
	mux.Handle("/version", s.handleVersion())

	root := logging.HTTPInterceptor(logger, "")(mux)

	return root
}

func (s *Server) handleVersion() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"version":%q}`+"\n", version.HumanVersion)
	})
}

// handleSubmit accepts a job submission and returns the receipt.
// Validation problems render 400 with per-order messages; anything else
// unexpected renders 500.
func (s *Server) handleSubmit() http.Handler {
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

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<22))
		if err != nil {
			logger.ErrorContext(ctx, "failed to read submission body",
				"code", http.StatusInternalServerError,
				"error", err)
			s.h.RenderJSON(w, http.StatusInternalServerError, errReadingPayload)
			return
		}

		var req SubmitRequest
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				logger.ErrorContext(ctx, "failed to parse submission body",
					"code", http.StatusBadRequest,
					"error", err)
				s.h.RenderJSON(w, http.StatusBadRequest, fmt.Errorf("malformed submission body"))
				return
			}
		}
		if req.JobB64 == "" {
			logger.ErrorContext(ctx, "no payload received",
				"code", http.StatusBadRequest)
			s.h.RenderJSON(w, http.StatusBadRequest, errNoPayload)
			return
		}

		res, err := s.submitter.Submit(ctx, &req)
		if err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				logger.ErrorContext(ctx, "submission rejected",
					"code", http.StatusBadRequest,
					"problems", verr.Problems)
				s.h.RenderJSON(w, http.StatusBadRequest, &SubmitResult{
					Status: "error",
					Errors: verr.Problems,
				})
				return
			}
			logger.ErrorContext(ctx, "submission failed",
				"code", http.StatusInternalServerError,
				"error", err)
			s.h.RenderJSON(w, http.StatusInternalServerError, errSubmitting)
			return
		}

		logger.InfoContext(ctx, "submission accepted",
			"run_id", res.RunID,
			"trace_id", res.TraceID)
		s.h.RenderJSON(w, http.StatusOK, res)
	})
}
