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

// Package envelope encrypts per-order secret material with a one-time age
// keypair. The ciphertext ships inside the execution archive; the private
// key travels out of band and expires shortly after the run.
package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"filippo.io/age"
)

// EncFileName is the ciphertext file written into the execution archive.
const EncFileName = "secrets.enc.json"

// ManifestFileName lists the secret env var names (never values) so a
// worker knows what to expect before decrypting.
const ManifestFileName = "env_vars.env"

const schemaVersion = "1"

// KeyPair is a freshly generated envelope keypair. PrivateKey is the age
// identity string; Recipient is the matching public key.
type KeyPair struct {
	PrivateKey string
	Recipient  string
}

// NewKeyPair generates a one-time X25519 keypair.
func NewKeyPair() (*KeyPair, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("failed to generate envelope key: %w", err)
	}
	return &KeyPair{
		PrivateKey: id.String(),
		Recipient:  id.Recipient().String(),
	}, nil
}

// encFile is the on-disk shape of the ciphertext file.
type encFile struct {
	Schema    string `json:"schema"`
	Recipient string `json:"recipient"`
	Data      string `json:"data"`
}

// Encrypt seals an env map to a recipient and returns the ciphertext file
// body.
func Encrypt(env map[string]string, recipient string) ([]byte, error) {
	r, err := age.ParseX25519Recipient(recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to parse recipient: %w", err)
	}

	plain, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal env map: %w", err)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, r)
	if err != nil {
		return nil, fmt.Errorf("failed to start encryption: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return nil, fmt.Errorf("failed to encrypt env map: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish encryption: %w", err)
	}

	out, err := json.Marshal(&encFile{
		Schema:    schemaVersion,
		Recipient: recipient,
		Data:      base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ciphertext file: %w", err)
	}
	return out, nil
}

// Decrypt opens a ciphertext file body with the given private key and
// returns the env map.
func Decrypt(body []byte, privateKey string) (map[string]string, error) {
	var ef encFile
	if err := json.Unmarshal(body, &ef); err != nil {
		return nil, fmt.Errorf("failed to parse ciphertext file: %w", err)
	}
	if ef.Schema != schemaVersion {
		return nil, fmt.Errorf("unsupported ciphertext schema %q", ef.Schema)
	}

	id, err := age.ParseX25519Identity(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse envelope key: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(ef.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(raw), id)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt env map: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read decrypted env map: %w", err)
	}

	env := map[string]string{}
	if err := json.Unmarshal(plain, &env); err != nil {
		return nil, fmt.Errorf("failed to parse decrypted env map: %w", err)
	}
	return env, nil
}

// Manifest renders the names-only manifest body: one env var name per
// line, sorted, trailing newline.
func Manifest(env map[string]string) []byte {
	names := make([]string, 0, len(env))
	for k := range env {
		names = append(names, k)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil
	}
	return []byte(strings.Join(names, "\n") + "\n")
}

// WriteFiles writes the ciphertext and manifest into dir, returning the
// two file paths.
func WriteFiles(dir string, env map[string]string, recipient string) (encPath, manifestPath string, err error) {
	body, err := Encrypt(env, recipient)
	if err != nil {
		return "", "", err
	}

	encPath = filepath.Join(dir, EncFileName)
	if err := os.WriteFile(encPath, body, 0o600); err != nil {
		return "", "", fmt.Errorf("failed to write %s: %w", EncFileName, err)
	}

	manifestPath = filepath.Join(dir, ManifestFileName)
	if err := os.WriteFile(manifestPath, Manifest(env), 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write %s: %w", ManifestFileName, err)
	}
	return encPath, manifestPath, nil
}
