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

// Package backend launches order execution on one of the three back-ends
// (function, build, agent) and starts the per-order watchdog.
package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	cbtypes "github.com/aws/aws-sdk-go-v2/service/codebuild/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/abcxyz/iac-ci/pkg/awsretry"
	"github.com/abcxyz/iac-ci/pkg/model"
)

// Request carries everything a back-end needs to launch one order.
type Request struct {
	RunID           string
	OrderNum        string
	TraceID         string
	FlowID          string
	S3Location      string
	InternalBucket  string
	EnvelopeKeyRef  string
	Timeout         int64
	SSMTargets      *model.SSMTargets
	SSMDocumentName string
}

// Handle identifies a launched execution for the order record.
type Handle struct {
	ExecutionURL string
}

// Launcher starts an order on an execution back-end.
type Launcher interface {
	Launch(ctx context.Context, req *Request) (*Handle, error)
}

// LambdaAPI is the subset of the Lambda client the function back-end uses.
type LambdaAPI interface {
	Invoke(ctx context.Context, in *lambda.InvokeInput, opts ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// CodeBuildAPI is the subset of the CodeBuild client the build back-end
// uses.
type CodeBuildAPI interface {
	StartBuild(ctx context.Context, in *codebuild.StartBuildInput, opts ...func(*codebuild.Options)) (*codebuild.StartBuildOutput, error)
}

// SSMAPI is the subset of the SSM client the agent back-end uses.
type SSMAPI interface {
	SendCommand(ctx context.Context, in *ssm.SendCommandInput, opts ...func(*ssm.Options)) (*ssm.SendCommandOutput, error)
}

// SFNAPI is the subset of the Step Functions client the watchdog starter
// uses.
type SFNAPI interface {
	StartExecution(ctx context.Context, in *sfn.StartExecutionInput, opts ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error)
}

// workerPayload is the event body the function back-end delivers to a
// worker.
type workerPayload struct {
	ArchiveLocation string `json:"archive_location"`
	InternalBucket  string `json:"internal_bucket"`
	EnvelopeKeyRef  string `json:"envelope_key_ref,omitempty"`
	RunID           string `json:"run_id"`
	OrderNum        string `json:"order_num"`
	Timeout         int64  `json:"timeout,omitempty"`
}

// FunctionLauncher runs orders on the serverless function back-end.
type FunctionLauncher struct {
	client       LambdaAPI
	functionName string
}

// NewFunctionLauncher creates a function launcher.
func NewFunctionLauncher(client LambdaAPI, functionName string) *FunctionLauncher {
	return &FunctionLauncher{client: client, functionName: functionName}
}

// Launch invokes the worker function asynchronously.
func (l *FunctionLauncher) Launch(ctx context.Context, req *Request) (*Handle, error) {
	payload, err := json.Marshal(&workerPayload{
		ArchiveLocation: req.S3Location,
		InternalBucket:  req.InternalBucket,
		EnvelopeKeyRef:  req.EnvelopeKeyRef,
		RunID:           req.RunID,
		OrderNum:        req.OrderNum,
		Timeout:         req.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal worker payload: %w", err)
	}

	var out *lambda.InvokeOutput
	if err := awsretry.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = l.client.Invoke(ctx, &lambda.InvokeInput{
			FunctionName:   aws.String(l.functionName),
			InvocationType: lambdatypes.InvocationTypeEvent,
			Payload:        payload,
		})
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to invoke worker function: %w", err)
	}

	requestID, _ := awsmiddleware.GetRequestIDMetadata(out.ResultMetadata)
	return &Handle{ExecutionURL: fmt.Sprintf("lambda://%s/%s", l.functionName, requestID)}, nil
}

// BuildLauncher runs orders on the build-service back-end.
type BuildLauncher struct {
	client      CodeBuildAPI
	projectName string
}

// NewBuildLauncher creates a build launcher.
func NewBuildLauncher(client CodeBuildAPI, projectName string) *BuildLauncher {
	return &BuildLauncher{client: client, projectName: projectName}
}

// Launch starts a build with the order's location exported to the build
// environment.
func (l *BuildLauncher) Launch(ctx context.Context, req *Request) (*Handle, error) {
	env := []cbtypes.EnvironmentVariable{
		{Name: aws.String("S3_LOCATION"), Value: aws.String(req.S3Location)},
		{Name: aws.String("INTERNAL_BUCKET"), Value: aws.String(req.InternalBucket)},
		{Name: aws.String("RUN_ID"), Value: aws.String(req.RunID)},
		{Name: aws.String("ORDER_NUM"), Value: aws.String(req.OrderNum)},
	}
	if req.EnvelopeKeyRef != "" {
		env = append(env, cbtypes.EnvironmentVariable{
			Name:  aws.String("ENVELOPE_KEY_REF"),
			Value: aws.String(req.EnvelopeKeyRef),
		})
	}

	var out *codebuild.StartBuildOutput
	if err := awsretry.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = l.client.StartBuild(ctx, &codebuild.StartBuildInput{
			ProjectName:                  aws.String(l.projectName),
			EnvironmentVariablesOverride: env,
		})
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to start build: %w", err)
	}
	return &Handle{ExecutionURL: fmt.Sprintf("codebuild://%s", aws.ToString(out.Build.Id))}, nil
}

// AgentLauncher runs orders on long-lived agents through run-command
// documents.
type AgentLauncher struct {
	client       SSMAPI
	documentName string
}

// NewAgentLauncher creates an agent launcher. documentName is the default
// document; orders may override it.
func NewAgentLauncher(client SSMAPI, documentName string) *AgentLauncher {
	return &AgentLauncher{client: client, documentName: documentName}
}

// Launch sends the run-command to the order's target instances or tags.
func (l *AgentLauncher) Launch(ctx context.Context, req *Request) (*Handle, error) {
	if req.SSMTargets == nil {
		return nil, fmt.Errorf("agent order %s:%s has no targets", req.RunID, req.OrderNum)
	}

	doc := req.SSMDocumentName
	if doc == "" {
		doc = l.documentName
	}

	in := &ssm.SendCommandInput{
		DocumentName: aws.String(doc),
		Parameters: map[string][]string{
			"archiveLocation": {req.S3Location},
			"internalBucket":  {req.InternalBucket},
			"runId":           {req.RunID},
			"orderNum":        {req.OrderNum},
		},
	}
	if req.EnvelopeKeyRef != "" {
		in.Parameters["envelopeKeyRef"] = []string{req.EnvelopeKeyRef}
	}

	switch {
	case len(req.SSMTargets.InstanceIDs) > 0:
		in.InstanceIds = req.SSMTargets.InstanceIDs
	case len(req.SSMTargets.Tags) > 0:
		for k, v := range req.SSMTargets.Tags {
			in.Targets = append(in.Targets, ssmtypes.Target{
				Key:    aws.String("tag:" + k),
				Values: []string{v},
			})
		}
	default:
		return nil, fmt.Errorf("agent order %s:%s has empty targets", req.RunID, req.OrderNum)
	}

	var out *ssm.SendCommandOutput
	if err := awsretry.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = l.client.SendCommand(ctx, in)
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to send agent command: %w", err)
	}
	return &Handle{ExecutionURL: fmt.Sprintf("ssm://%s/%s", doc, aws.ToString(out.Command.CommandId))}, nil
}

// watchdogInput is the state-machine input for one order's watchdog.
type watchdogInput struct {
	RunID          string `json:"run_id"`
	OrderNum       string `json:"order_num"`
	Timeout        int64  `json:"timeout"`
	StartTime      int64  `json:"start_time"`
	InternalBucket string `json:"internal_bucket"`
}

// WatchdogStarter starts the timeout state machine for dispatched orders.
type WatchdogStarter struct {
	client          SFNAPI
	stateMachineARN string
}

// NewWatchdogStarter creates a watchdog starter.
func NewWatchdogStarter(client SFNAPI, stateMachineARN string) *WatchdogStarter {
	return &WatchdogStarter{client: client, stateMachineARN: stateMachineARN}
}

// Start begins a watchdog execution named <run_id>-<order_num>. Execution
// names are unique per state machine, so a double dispatch of the same
// order is rejected by the service rather than spawning a second watchdog.
func (w *WatchdogStarter) Start(ctx context.Context, runID, orderNum string, timeout, startTime int64, internalBucket string) (string, error) {
	input, err := json.Marshal(&watchdogInput{
		RunID:          runID,
		OrderNum:       orderNum,
		Timeout:        timeout,
		StartTime:      startTime,
		InternalBucket: internalBucket,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal watchdog input: %w", err)
	}

	var out *sfn.StartExecutionOutput
	if err := awsretry.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = w.client.StartExecution(ctx, &sfn.StartExecutionInput{
			StateMachineArn: aws.String(w.stateMachineARN),
			Name:            aws.String(fmt.Sprintf("%s-%s", runID, orderNum)),
			Input:           aws.String(string(input)),
		})
		return err
	}); err != nil {
		return "", fmt.Errorf("failed to start watchdog: %w", err)
	}
	return aws.ToString(out.ExecutionArn), nil
}
