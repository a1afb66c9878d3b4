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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/abcxyz/iac-ci/pkg/bundler"
	"github.com/abcxyz/iac-ci/pkg/codesource"
	"github.com/abcxyz/iac-ci/pkg/envelope"
	"github.com/abcxyz/iac-ci/pkg/model"
	"github.com/abcxyz/iac-ci/pkg/storage"
	"github.com/abcxyz/pkg/logging"
)

// cloneFunc materializes one shared clone.
type cloneFunc func(ctx context.Context, src codesource.Source, destDir, token, sshKeyPath string) error

func defaultClone(ctx context.Context, src codesource.Source, destDir, token, sshKeyPath string) error {
	return codesource.Clone(ctx, src, destDir, token, sshKeyPath)
}

// orderDesc is the repackager output for one order.
type orderDesc struct {
	order       *model.Order
	orderNum    string
	s3Location  string
	callbackURL string
	gitB64      string
	sopsKeyPath string
	env         map[string]string
}

// repackage builds and uploads every order's execution archive. Shared
// clones are removed on both success and failure; cloning happens at most
// once per distinct (repo, commit) in the job.
func (i *Initiator) repackage(ctx context.Context, job *model.Job, runID, traceID, flowID string) (_ []*orderDesc, retErr error) {
	logger := logging.FromContext(ctx)

	workRoot, err := os.MkdirTemp("", "iac-ci-repackage-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workRoot); err != nil && retErr == nil {
			retErr = fmt.Errorf("failed to clean work dir: %w", err)
		}
	}()

	token, sshKeyPath, err := i.resolveGitCredentials(ctx, job, workRoot)
	if err != nil {
		return nil, err
	}

	cloneDirs, err := i.cloneSources(ctx, job, workRoot, token, sshKeyPath)
	if err != nil {
		return nil, err
	}

	descs := make([]*orderDesc, 0, len(job.Orders))
	for idx, o := range job.Orders {
		orderNum := model.OrderNum(idx)

		codeDir := filepath.Join(workRoot, "orders", orderNum)
		if err := os.MkdirAll(codeDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create code dir for %s: %w", orderNum, err)
		}

		desc := &orderDesc{order: o, orderNum: orderNum}
		if err := i.materializeCode(ctx, job, o, desc, cloneDirs, codeDir, token, sshKeyPath); err != nil {
			return nil, err
		}

		if err := i.packageOrder(ctx, job, o, desc, codeDir, runID, traceID, flowID, workRoot); err != nil {
			return nil, err
		}
		descs = append(descs, desc)

		logger.InfoContext(ctx, "order repackaged",
			"run_id", runID,
			"order_num", orderNum,
			"location", desc.s3Location)
	}
	return descs, nil
}

// resolveGitCredentials fetches the job's git token and SSH key once. The
// key material lands in a 0600 file under the work root.
func (i *Initiator) resolveGitCredentials(ctx context.Context, job *model.Job, workRoot string) (token, sshKeyPath string, err error) {
	if !jobNeedsGit(job) {
		return "", "", nil
	}

	if job.GitTokenLocation != "" {
		if token, err = i.secrets.ResolveRef(ctx, job.GitTokenLocation); err != nil {
			return "", "", fmt.Errorf("failed to resolve git token: %w", err)
		}
	}
	if job.GitSSHKeyLocation != "" {
		key, err := i.secrets.ResolveRef(ctx, job.GitSSHKeyLocation)
		if err != nil {
			return "", "", fmt.Errorf("failed to resolve git ssh key: %w", err)
		}
		sshKeyPath = filepath.Join(workRoot, "id_deploy")
		if err := os.WriteFile(sshKeyPath, []byte(key), 0o600); err != nil {
			return "", "", fmt.Errorf("failed to write ssh key file: %w", err)
		}
	}
	return token, sshKeyPath, nil
}

func jobNeedsGit(job *model.Job) bool {
	for _, o := range job.Orders {
		if o.S3Location == "" && (o.GitRepo != "" || job.GitRepo != "") {
			return true
		}
	}
	return false
}

// cloneSources clones once per distinct (repo, commit) among the
// git-sourced orders, returning the clone dir per source.
func (i *Initiator) cloneSources(ctx context.Context, job *model.Job, workRoot, token, sshKeyPath string) (map[codesource.Source]string, error) {
	dirs := map[codesource.Source]string{}
	n := 0
	for _, o := range job.Orders {
		if o.S3Location != "" {
			continue
		}
		src := codesource.Resolve(o.GitRepo, o.CommitHash, job.GitRepo, job.CommitHash)
		if src.Repo == "" {
			continue
		}
		if _, ok := dirs[src]; ok {
			continue
		}

		dir := filepath.Join(workRoot, "clones", fmt.Sprintf("%d", n))
		n++
		if err := i.cloneFunc(ctx, src, dir, token, sshKeyPath); err != nil {
			return nil, fmt.Errorf("failed to clone %s: %w", src.Repo, err)
		}
		dirs[src] = dir
	}
	return dirs, nil
}

// materializeCode fills the order's code dir from its source: an isolated
// copy of a shared clone, a fetched object-store archive, or nothing
// (agent orders may ship without code).
func (i *Initiator) materializeCode(ctx context.Context, job *model.Job, o *model.Order, desc *orderDesc, cloneDirs map[codesource.Source]string, codeDir, token, sshKeyPath string) error {
	if o.S3Location != "" {
		bucket, key, err := storage.ParseURI(o.S3Location)
		if err != nil {
			return fmt.Errorf("failed to parse s3_location for %s: %w", desc.orderNum, err)
		}
		zipPath := codeDir + ".src.zip"
		if err := i.store.FetchObject(ctx, bucket, key, zipPath); err != nil {
			return fmt.Errorf("failed to fetch code for %s: %w", desc.orderNum, err)
		}
		if err := codesource.Unzip(zipPath, codeDir); err != nil {
			return fmt.Errorf("failed to extract code for %s: %w", desc.orderNum, err)
		}
		return nil
	}

	src := codesource.Resolve(o.GitRepo, o.CommitHash, job.GitRepo, job.CommitHash)
	if src.Repo == "" {
		// No code source; permitted for agent orders only, enforced by
		// validation.
		return nil
	}

	cloneDir, ok := cloneDirs[src]
	if !ok {
		return fmt.Errorf("no clone for %s", src.Repo)
	}
	if err := codesource.ExtractFolder(cloneDir, o.GitFolder, codeDir); err != nil {
		return fmt.Errorf("failed to extract folder for %s: %w", desc.orderNum, err)
	}

	gitB64, err := (&model.GitSource{
		Repo:           src.Repo,
		TokenLocation:  job.GitTokenLocation,
		Folder:         o.GitFolder,
		SSHKeyLocation: job.GitSSHKeyLocation,
		CommitHash:     src.Commit,
	}).ToB64()
	if err != nil {
		return fmt.Errorf("failed to encode git source for %s: %w", desc.orderNum, err)
	}
	desc.gitB64 = gitB64
	return nil
}

// packageOrder assembles the env set, seals the secret artifacts, archives
// the code dir, and uploads it.
func (i *Initiator) packageOrder(ctx context.Context, job *model.Job, o *model.Order, desc *orderDesc, codeDir, runID, traceID, flowID, workRoot string) error {
	ssmEnv, err := i.secrets.FetchSSMParams(ctx, o.SSMPaths)
	if err != nil {
		return fmt.Errorf("failed to resolve parameters for %s: %w", desc.orderNum, err)
	}
	secretEnv, err := i.secrets.FetchSecrets(ctx, o.SecretManagerPaths)
	if err != nil {
		return fmt.Errorf("failed to resolve secrets for %s: %w", desc.orderNum, err)
	}

	callbackURL, err := i.store.PresignCallbackURL(ctx, runID, desc.orderNum, time.Duration(job.PresignExpiry)*time.Second)
	if err != nil {
		return fmt.Errorf("failed to presign callback for %s: %w", desc.orderNum, err)
	}
	desc.callbackURL = callbackURL

	env := bundler.AssembleEnv(o.EnvVars, ssmEnv, secretEnv, callbackURL, bundler.Introspection{
		TraceID:  traceID,
		RunID:    runID,
		OrderID:  o.OrderName,
		OrderNum: desc.orderNum,
		FlowID:   flowID,
	})
	desc.env = env

	recipient := o.SopsKey
	if recipient == "" {
		kp, err := envelope.NewKeyPair()
		if err != nil {
			return fmt.Errorf("failed to generate envelope key for %s: %w", desc.orderNum, err)
		}
		recipient = kp.Recipient
		path, err := i.secrets.StoreEnvelopeKey(ctx, runID, desc.orderNum, kp.PrivateKey)
		if err != nil {
			return fmt.Errorf("failed to store envelope key for %s: %w", desc.orderNum, err)
		}
		desc.sopsKeyPath = path
	}

	srcPaths := make([]string, 0, len(o.SSMPaths)+len(o.SecretManagerPaths))
	srcPaths = append(srcPaths, o.SSMPaths...)
	srcPaths = append(srcPaths, o.SecretManagerPaths...)
	if err := bundler.WriteArtifacts(codeDir, env, recipient, srcPaths); err != nil {
		return fmt.Errorf("failed to write secret artifacts for %s: %w", desc.orderNum, err)
	}

	if o.ExecutionTarget == model.TargetAgent {
		if err := bundler.WriteAgentFiles(codeDir, o.Cmds, env); err != nil {
			return fmt.Errorf("failed to write agent files for %s: %w", desc.orderNum, err)
		}
	}

	zipPath := filepath.Join(workRoot, "archives", desc.orderNum+".zip")
	if err := os.MkdirAll(filepath.Dir(zipPath), 0o755); err != nil {
		return fmt.Errorf("failed to create archive dir: %w", err)
	}
	if err := codesource.ZipDirectory(codeDir, zipPath); err != nil {
		return fmt.Errorf("failed to archive %s: %w", desc.orderNum, err)
	}

	location, err := i.store.UploadExecZip(ctx, runID, desc.orderNum, zipPath)
	if err != nil {
		return fmt.Errorf("failed to upload archive for %s: %w", desc.orderNum, err)
	}
	desc.s3Location = location
	return nil
}
