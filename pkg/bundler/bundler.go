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

// Package bundler assembles the per-order environment set and writes the
// secret artifacts into an order's code directory before archiving.
package bundler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/abcxyz/iac-ci/pkg/envelope"
)

// SrcFileName lists the credential-reference keys that were resolved into
// the env set (never their values).
const SrcFileName = "secrets.src"

// Agent orders carry their commands and plaintext env in the archive
// because the remote agent document cannot receive them out of band.
const (
	CmdsFileName     = "cmds.json"
	AgentEnvFileName = "env_vars.json"
)

// Introspection is the set of identity fields every order's environment
// receives. They are written unconditionally; absent values stay empty.
type Introspection struct {
	TraceID  string
	RunID    string
	OrderID  string
	OrderNum string
	FlowID   string
}

// AssembleEnv merges the env sources for one order. Later sources win on
// collision: user env vars, then parameter-store values, then secret-store
// values, then CALLBACK_URL, then the introspection fields.
func AssembleEnv(orderEnv, ssmEnv, secretEnv map[string]string, callbackURL string, in Introspection) map[string]string {
	env := make(map[string]string, len(orderEnv)+len(ssmEnv)+len(secretEnv)+6)
	for k, v := range orderEnv {
		env[k] = v
	}
	for k, v := range ssmEnv {
		env[k] = v
	}
	for k, v := range secretEnv {
		env[k] = v
	}
	if callbackURL != "" {
		env["CALLBACK_URL"] = callbackURL
	}
	env["TRACE_ID"] = in.TraceID
	env["RUN_ID"] = in.RunID
	env["ORDER_ID"] = in.OrderID
	env["ORDER_NUM"] = in.OrderNum
	env["FLOW_ID"] = in.FlowID
	return env
}

// SourcesManifest renders the secrets.src body: every resolved reference
// path, sorted, one per line.
func SourcesManifest(paths []string) []byte {
	if len(paths) == 0 {
		return nil
	}
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)
	return []byte(strings.Join(sorted, "\n") + "\n")
}

// WriteArtifacts emits the three secret artifacts into an order's code
// directory: the envelope ciphertext, the names-only env manifest, and
// the sources manifest.
func WriteArtifacts(dir string, env map[string]string, recipient string, srcPaths []string) error {
	if _, _, err := envelope.WriteFiles(dir, env, recipient); err != nil {
		return err
	}
	srcPath := filepath.Join(dir, SrcFileName)
	if err := os.WriteFile(srcPath, SourcesManifest(srcPaths), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", SrcFileName, err)
	}
	return nil
}

// WriteAgentFiles emits the agent-only artifacts: the command list and the
// plaintext env map the agent document reads directly.
func WriteAgentFiles(dir string, cmds []string, env map[string]string) error {
	cb, err := json.Marshal(cmds)
	if err != nil {
		return fmt.Errorf("failed to marshal commands: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, CmdsFileName), cb, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", CmdsFileName, err)
	}

	eb, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal env map: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, AgentEnvFileName), eb, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", AgentEnvFileName, err)
	}
	return nil
}
