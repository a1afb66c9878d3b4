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

// Package secrets resolves parameter-store and secret-manager references
// into environment variables and stores the short-lived envelope keys.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/abcxyz/iac-ci/pkg/awsretry"
)

// SSMAPI is the subset of the SSM client the resolver uses.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, opts ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, in *ssm.PutParameterInput, opts ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
	DeleteParameter(ctx context.Context, in *ssm.DeleteParameterInput, opts ...func(*ssm.Options)) (*ssm.DeleteParameterOutput, error)
}

// SecretsAPI is the subset of the Secrets Manager client the resolver uses.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Client resolves secret references and manages envelope keys.
type Client struct {
	ssm       SSMAPI
	sm        SecretsAPI
	keyPrefix string

	// now is swappable for tests.
	now func() time.Time
}

// New creates a secrets client. keyPrefix is the parameter-store prefix
// under which envelope keys live, e.g. "/iac-ci".
func New(ssmClient SSMAPI, smClient SecretsAPI, keyPrefix string) *Client {
	return &Client{
		ssm:       ssmClient,
		sm:        smClient,
		keyPrefix: strings.TrimSuffix(keyPrefix, "/"),
		now:       time.Now,
	}
}

// EnvName derives the environment variable name from a reference path: the
// last path segment, uppercased, with "-" mapped to "_".
func EnvName(path string) string {
	seg := path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		seg = path[i+1:]
	}
	return strings.ToUpper(strings.ReplaceAll(seg, "-", "_"))
}

// FetchSSMParams resolves parameter-store paths into an env map. Missing
// parameters are an error; resolution is fail-fast.
func (c *Client) FetchSSMParams(ctx context.Context, paths []string) (map[string]string, error) {
	env := make(map[string]string, len(paths))
	for _, p := range paths {
		var out *ssm.GetParameterOutput
		if err := awsretry.Do(ctx, func(ctx context.Context) error {
			var err error
			out, err = c.ssm.GetParameter(ctx, &ssm.GetParameterInput{
				Name:           aws.String(p),
				WithDecryption: aws.Bool(true),
			})
			return err
		}); err != nil {
			return nil, fmt.Errorf("failed to fetch parameter %s: %w", p, err)
		}
		env[EnvName(p)] = aws.ToString(out.Parameter.Value)
	}
	return env, nil
}

// FetchSecrets resolves secret-manager paths into an env map. Missing
// secrets are an error; resolution is fail-fast.
func (c *Client) FetchSecrets(ctx context.Context, paths []string) (map[string]string, error) {
	env := make(map[string]string, len(paths))
	for _, p := range paths {
		var out *secretsmanager.GetSecretValueOutput
		if err := awsretry.Do(ctx, func(ctx context.Context) error {
			var err error
			out, err = c.sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
				SecretId: aws.String(p),
			})
			return err
		}); err != nil {
			return nil, fmt.Errorf("failed to fetch secret %s: %w", p, err)
		}
		env[EnvName(p)] = aws.ToString(out.SecretString)
	}
	return env, nil
}

// ResolveRef fetches one credential by reference. References beginning
// with "/" are parameter-store paths; anything else is a secret-manager
// id.
func (c *Client) ResolveRef(ctx context.Context, ref string) (string, error) {
	if strings.HasPrefix(ref, "/") {
		var out *ssm.GetParameterOutput
		if err := awsretry.Do(ctx, func(ctx context.Context) error {
			var err error
			out, err = c.ssm.GetParameter(ctx, &ssm.GetParameterInput{
				Name:           aws.String(ref),
				WithDecryption: aws.Bool(true),
			})
			return err
		}); err != nil {
			return "", fmt.Errorf("failed to resolve parameter ref %s: %w", ref, err)
		}
		return aws.ToString(out.Parameter.Value), nil
	}

	var out *secretsmanager.GetSecretValueOutput
	if err := awsretry.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = c.sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
			SecretId: aws.String(ref),
		})
		return err
	}); err != nil {
		return "", fmt.Errorf("failed to resolve secret ref %s: %w", ref, err)
	}
	return aws.ToString(out.SecretString), nil
}

// EnvelopeKeyPath is the canonical parameter path for an order's envelope
// private key.
func (c *Client) EnvelopeKeyPath(runID, orderNum string) string {
	return fmt.Sprintf("%s/sops-keys/%s/%s", c.keyPrefix, runID, orderNum)
}

// Stored envelope keys expire on their own after two hours; the advanced
// tier is required for parameter policies.
const keyExpiration = 2 * time.Hour

// StoreEnvelopeKey writes an order's envelope private key as an advanced
// tier secure-string parameter that expires on its own. Returns the
// parameter path.
func (c *Client) StoreEnvelopeKey(ctx context.Context, runID, orderNum, privateKey string) (string, error) {
	path := c.EnvelopeKeyPath(runID, orderNum)
	expires := c.now().UTC().Add(keyExpiration).Format(time.RFC3339)
	policy := fmt.Sprintf(`[{"Type":"Expiration","Version":"1.0","Attributes":{"Timestamp":%q}}]`, expires)

	if err := awsretry.Do(ctx, func(ctx context.Context) error {
		_, err := c.ssm.PutParameter(ctx, &ssm.PutParameterInput{
			Name:      aws.String(path),
			Value:     aws.String(privateKey),
			Type:      ssmtypes.ParameterTypeSecureString,
			Tier:      ssmtypes.ParameterTierAdvanced,
			Policies:  aws.String(policy),
			Overwrite: aws.Bool(true),
		})
		return err
	}); err != nil {
		return "", fmt.Errorf("failed to store envelope key %s: %w", path, err)
	}
	return path, nil
}

// FetchEnvelopeKey reads an envelope private key back from the parameter
// store. path is the value returned by StoreEnvelopeKey.
func (c *Client) FetchEnvelopeKey(ctx context.Context, path string) (string, error) {
	var out *ssm.GetParameterOutput
	if err := awsretry.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = c.ssm.GetParameter(ctx, &ssm.GetParameterInput{
			Name:           aws.String(path),
			WithDecryption: aws.Bool(true),
		})
		return err
	}); err != nil {
		return "", fmt.Errorf("failed to fetch envelope key %s: %w", path, err)
	}
	return aws.ToString(out.Parameter.Value), nil
}

// DeleteEnvelopeKey removes an envelope key eagerly after use. A key that
// already expired is not an error.
func (c *Client) DeleteEnvelopeKey(ctx context.Context, path string) error {
	if err := awsretry.Do(ctx, func(ctx context.Context) error {
		_, err := c.ssm.DeleteParameter(ctx, &ssm.DeleteParameterInput{
			Name: aws.String(path),
		})
		return err
	}); err != nil {
		var nf *ssmtypes.ParameterNotFound
		if errors.As(err, &nf) {
			return nil
		}
		return fmt.Errorf("failed to delete envelope key %s: %w", path, err)
	}
	return nil
}
