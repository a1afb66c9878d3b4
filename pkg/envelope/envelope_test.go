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

package envelope

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	kp, err := NewKeyPair()
	if err != nil {
		t.Fatalf("failed to generate keypair: %v", err)
	}

	env := map[string]string{
		"DB_PASSWORD": "hunter2",
		"API_KEY":     "k-123",
	}

	body, err := Encrypt(env, kp.Recipient)
	if err != nil {
		t.Fatalf("failed to encrypt: %v", err)
	}
	if strings.Contains(string(body), "hunter2") {
		t.Fatalf("ciphertext leaks plaintext value")
	}

	got, err := Decrypt(body, kp.PrivateKey)
	if err != nil {
		t.Fatalf("failed to decrypt: %v", err)
	}
	if diff := cmp.Diff(env, got); diff != "" {
		t.Errorf("env mismatch (-want, +got):\n%s", diff)
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	t.Parallel()

	kp1, err := NewKeyPair()
	if err != nil {
		t.Fatalf("failed to generate keypair: %v", err)
	}
	kp2, err := NewKeyPair()
	if err != nil {
		t.Fatalf("failed to generate keypair: %v", err)
	}

	body, err := Encrypt(map[string]string{"A": "b"}, kp1.Recipient)
	if err != nil {
		t.Fatalf("failed to encrypt: %v", err)
	}
	if _, err := Decrypt(body, kp2.PrivateKey); err == nil {
		t.Fatalf("decrypting with the wrong key should fail")
	}
}

func TestDecrypt_BadSchema(t *testing.T) {
	t.Parallel()

	kp, err := NewKeyPair()
	if err != nil {
		t.Fatalf("failed to generate keypair: %v", err)
	}

	if _, err := Decrypt([]byte(`{"schema":"99","recipient":"x","data":""}`), kp.PrivateKey); err == nil {
		t.Fatalf("unknown schema should fail")
	}
}

func TestManifest(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		env  map[string]string
		exp  string
	}{
		{
			name: "sorted_names_only",
			env:  map[string]string{"ZEBRA": "1", "ALPHA": "2", "MID": "3"},
			exp:  "ALPHA\nMID\nZEBRA\n",
		},
		{
			name: "empty",
			env:  map[string]string{},
			exp:  "",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := string(Manifest(tc.env)); got != tc.exp {
				t.Errorf("manifest got %q, want %q", got, tc.exp)
			}
		})
	}
}

func TestWriteFiles(t *testing.T) {
	t.Parallel()

	kp, err := NewKeyPair()
	if err != nil {
		t.Fatalf("failed to generate keypair: %v", err)
	}

	dir := t.TempDir()
	env := map[string]string{"TOKEN": "secret-value"}

	encPath, manifestPath, err := WriteFiles(dir, env, kp.Recipient)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(encPath) != EncFileName {
		t.Errorf("ciphertext file got %q, want %q", filepath.Base(encPath), EncFileName)
	}
	if filepath.Base(manifestPath) != ManifestFileName {
		t.Errorf("manifest file got %q, want %q", filepath.Base(manifestPath), ManifestFileName)
	}

	manifest, err := os.ReadFile(manifestPath)
	if err != nil {
		t.Fatalf("failed to read manifest: %v", err)
	}
	if string(manifest) != "TOKEN\n" {
		t.Errorf("manifest got %q, want %q", manifest, "TOKEN\n")
	}
	if strings.Contains(string(manifest), "secret-value") {
		t.Errorf("manifest leaks secret value")
	}

	body, err := os.ReadFile(encPath)
	if err != nil {
		t.Fatalf("failed to read ciphertext: %v", err)
	}
	got, err := Decrypt(body, kp.PrivateKey)
	if err != nil {
		t.Fatalf("failed to decrypt written file: %v", err)
	}
	if diff := cmp.Diff(env, got); diff != "" {
		t.Errorf("env mismatch (-want, +got):\n%s", diff)
	}
}
