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

// Package codesource materializes order code directories: shallow git
// clones shared per (repo, commit), isolated per-order copies, and zip
// archiving.
package codesource

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"

	"github.com/abcxyz/pkg/logging"
)

// Source identifies one shared clone: a resolved repo URL and an optional
// pinned commit. Every order mapping to the same Source shares one clone.
type Source struct {
	Repo   string
	Commit string
}

// Resolve picks the effective repo and commit for an order, order-level
// values winning over job-level defaults. The job-level commit only
// applies to orders using the job-level repo.
func Resolve(orderRepo, orderCommit, jobRepo, jobCommit string) Source {
	if orderRepo != "" {
		return Source{Repo: orderRepo, Commit: orderCommit}
	}
	commit := orderCommit
	if commit == "" {
		commit = jobCommit
	}
	return Source{Repo: jobRepo, Commit: commit}
}

// Clone performs a shallow clone of src into destDir. Depth is 2 when a
// commit is pinned (so the pin's parent is available for diffing) and 1
// otherwise; a pinned commit is checked out after the clone. Auth order:
// HTTPS with token, SSH when a key is available, then anonymous HTTPS.
func Clone(ctx context.Context, src Source, destDir, token, sshKeyPath string) error {
	logger := logging.FromContext(ctx)

	depth := 1
	if src.Commit != "" {
		depth = 2
	}

	var auths []transport.AuthMethod
	if token != "" {
		auths = append(auths, &githttp.BasicAuth{Username: "x-access-token", Password: token})
	}
	if sshKeyPath != "" {
		keys, err := gitssh.NewPublicKeysFromFile("git", sshKeyPath, "")
		if err != nil {
			return fmt.Errorf("failed to load ssh key: %w", err)
		}
		auths = append(auths, keys)
	}
	auths = append(auths, nil)

	var lastErr error
	for _, auth := range auths {
		url := src.Repo
		if _, isSSH := auth.(*gitssh.PublicKeys); isSSH {
			url = toSSHURL(src.Repo)
		}

		repo, err := git.PlainCloneContext(ctx, destDir, false, &git.CloneOptions{
			URL:   url,
			Depth: depth,
			Auth:  auth,
		})
		if err != nil {
			lastErr = err
			logger.InfoContext(ctx, "clone attempt failed, trying next auth method",
				"repo", src.Repo,
				"error", err)
			if rmErr := os.RemoveAll(destDir); rmErr != nil {
				return fmt.Errorf("failed to reset clone dir: %w", rmErr)
			}
			continue
		}

		if src.Commit != "" {
			wt, err := repo.Worktree()
			if err != nil {
				return fmt.Errorf("failed to open worktree: %w", err)
			}
			if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(src.Commit)}); err != nil {
				return fmt.Errorf("failed to checkout %s: %w", src.Commit, err)
			}
		}
		return nil
	}
	return fmt.Errorf("failed to clone %s: %w", src.Repo, lastErr)
}

// toSSHURL converts an HTTPS repo URL to its SSH form. Non-HTTPS URLs
// pass through unchanged.
func toSSHURL(repo string) string {
	trimmed := strings.TrimPrefix(repo, "https://")
	if trimmed == repo {
		return repo
	}
	host, path, ok := strings.Cut(trimmed, "/")
	if !ok {
		return repo
	}
	if !strings.HasSuffix(path, ".git") {
		path += ".git"
	}
	return fmt.Sprintf("git@%s:%s", host, path)
}

// ExtractFolder copies a clone's sub-folder (or the whole tree when folder
// is empty) into destDir, excluding .git. Each order gets an isolated
// copy so later mutation cannot leak across orders sharing a clone.
func ExtractFolder(cloneDir, folder, destDir string) error {
	srcDir := cloneDir
	if folder != "" {
		srcDir = filepath.Join(cloneDir, folder)
	}
	info, err := os.Stat(srcDir)
	if err != nil {
		return fmt.Errorf("failed to stat source folder %s: %w", folder, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source folder %s is not a directory", folder)
	}
	return copyTree(srcDir, destDir)
}

func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return fmt.Errorf("failed to relativize %s: %w", path, err)
		}
		if rel == ".git" || strings.HasPrefix(rel, ".git"+string(os.PathSeparator)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}

// ZipDirectory archives srcDir (compressed) into zipPath. Entry names are
// slash-separated paths relative to srcDir.
func ZipDirectory(srcDir, zipPath string) (retErr error) {
	f, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("failed to create archive %s: %w", zipPath, err)
	}
	defer func() {
		if err := f.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("failed to close archive: %w", err)
		}
	}()

	zw := zip.NewWriter(f)
	err = filepath.WalkDir(srcDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return fmt.Errorf("failed to relativize %s: %w", path, err)
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return fmt.Errorf("failed to build header for %s: %w", rel, err)
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.Method = zip.Deflate

		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("failed to add %s: %w", rel, err)
		}
		in, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer in.Close()
		if _, err := io.Copy(w, in); err != nil {
			return fmt.Errorf("failed to write %s: %w", rel, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", srcDir, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	return nil
}

// Unzip extracts an archive into destDir, rejecting entries that escape
// the destination.
func Unzip(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", zipPath, err)
	}
	defer r.Close()

	for _, entry := range r.File {
		target := filepath.Join(destDir, filepath.FromSlash(entry.Name))
		rel, err := filepath.Rel(destDir, target)
		if err != nil || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("archive entry %q escapes destination", entry.Name)
		}

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", target, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create parent of %s: %w", target, err)
		}

		if err := extractFile(entry, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(entry *zip.File, target string) error {
	in, err := entry.Open()
	if err != nil {
		return fmt.Errorf("failed to open archive entry %s: %w", entry.Name, err)
	}
	defer in.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, entry.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to extract %s: %w", entry.Name, err)
	}
	return out.Close()
}
