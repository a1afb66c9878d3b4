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

package vcs

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v56/github"
	"golang.org/x/oauth2"
)

// GitHub implements Provider over the GitHub issues API. PR comments are
// issue comments.
type GitHub struct {
	client *github.Client
}

// NewGitHub creates a GitHub provider from an access token.
func NewGitHub(ctx context.Context, accessToken string) *GitHub {
	src := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: accessToken},
	)
	httpClient := oauth2.NewClient(ctx, src)
	return &GitHub{client: github.NewClient(httpClient)}
}

// NewGitHubFromClient wraps an existing client, for tests.
func NewGitHubFromClient(client *github.Client) *GitHub {
	return &GitHub{client: client}
}

// VerifyWebhook reports whether a delivery's HMAC signature matches the
// shared secret. The sha256 header is preferred, the legacy sha1 header
// accepted.
func (g *GitHub) VerifyWebhook(headers http.Header, body []byte, secret string) bool {
	signature := headers.Get(github.SHA256SignatureHeader)
	if signature == "" {
		signature = headers.Get(github.SHA1SignatureHeader)
	}
	if signature == "" {
		return false
	}
	return github.ValidateSignature(signature, body, []byte(secret)) == nil
}

// GetComments lists every comment on an issue or PR, following pagination.
func (g *GitHub) GetComments(ctx context.Context, owner, repo string, number int) ([]*Comment, error) {
	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var out []*Comment
	for {
		comments, resp, err := g.client.Issues.ListComments(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list comments for %s/%s#%d: %w", owner, repo, number, err)
		}
		for _, c := range comments {
			out = append(out, &Comment{ID: c.GetID(), Body: c.GetBody()})
		}
		if resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// CreateComment posts a new comment.
func (g *GitHub) CreateComment(ctx context.Context, owner, repo string, number int, body string) (*Comment, error) {
	created, _, err := g.client.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{
		Body: github.String(body),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create comment on %s/%s#%d: %w", owner, repo, number, err)
	}
	return &Comment{ID: created.GetID(), Body: created.GetBody()}, nil
}

// UpdateComment replaces a comment's body.
func (g *GitHub) UpdateComment(ctx context.Context, owner, repo string, commentID int64, body string) error {
	if _, _, err := g.client.Issues.EditComment(ctx, owner, repo, commentID, &github.IssueComment{
		Body: github.String(body),
	}); err != nil {
		return fmt.Errorf("failed to edit comment %d on %s/%s: %w", commentID, owner, repo, err)
	}
	return nil
}

// DeleteComment removes a comment.
func (g *GitHub) DeleteComment(ctx context.Context, owner, repo string, commentID int64) error {
	if _, err := g.client.Issues.DeleteComment(ctx, owner, repo, commentID); err != nil {
		return fmt.Errorf("failed to delete comment %d on %s/%s: %w", commentID, owner, repo, err)
	}
	return nil
}

// FindCommentByTag returns the first comment containing tag anywhere in
// its body, or nil when none exists.
func (g *GitHub) FindCommentByTag(ctx context.Context, owner, repo string, number int, tag string) (*Comment, error) {
	comments, err := g.GetComments(ctx, owner, repo, number)
	if err != nil {
		return nil, err
	}
	for _, c := range comments {
		if strings.Contains(c.Body, tag) {
			return c, nil
		}
	}
	return nil, nil
}
