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

// Package vcs is the pull-request comment surface. Comments written by
// the engine carry a machine-readable tag block on their last line so a
// later pass can find and update them.
package vcs

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// Comment is a provider-neutral issue or PR comment.
type Comment struct {
	ID   int64
	Body string
}

// Provider is the comment and webhook surface a VCS host must implement.
type Provider interface {
	// VerifyWebhook reports whether a webhook delivery's signature
	// matches the shared secret.
	VerifyWebhook(headers http.Header, body []byte, secret string) bool
	GetComments(ctx context.Context, owner, repo string, number int) ([]*Comment, error)
	CreateComment(ctx context.Context, owner, repo string, number int, body string) (*Comment, error)
	UpdateComment(ctx context.Context, owner, repo string, commentID int64, body string) error
	DeleteComment(ctx context.Context, owner, repo string, commentID int64) error
	// FindCommentByTag returns the first comment containing tag anywhere
	// in its body, or nil when none exists.
	FindCommentByTag(ctx context.Context, owner, repo string, number int, tag string) (*Comment, error)
}

// FormatTags renders a tag block: ###<search>### followed by #-prefixed
// tags.
func FormatTags(search string, tags ...string) string {
	parts := make([]string, 0, len(tags)+1)
	parts = append(parts, fmt.Sprintf("###%s###", search))
	for _, t := range tags {
		parts = append(parts, "#"+t)
	}
	return strings.Join(parts, " ")
}

// TagsAtLastLine reports whether the comment body's last line is a tag
// block for the given search key, returning the tags when it is.
func TagsAtLastLine(body, search string) (tags []string, ok bool) {
	lines := strings.Split(strings.TrimRight(body, "\n"), "\n")
	last := lines[len(lines)-1]

	re := regexp.MustCompile(`^###` + regexp.QuoteMeta(search) + `###\s*(.*)$`)
	m := re.FindStringSubmatch(strings.TrimSpace(last))
	if m == nil {
		return nil, false
	}
	for _, f := range strings.Fields(m[1]) {
		tags = append(tags, strings.TrimPrefix(f, "#"))
	}
	return tags, true
}

// Helper searches and upserts tagged comments through a Provider.
type Helper struct {
	provider Provider
}

// NewHelper creates a comment helper.
func NewHelper(p Provider) *Helper {
	return &Helper{provider: p}
}

// VerifyWebhook delegates signature verification to the provider.
func (h *Helper) VerifyWebhook(headers http.Header, body []byte, secret string) bool {
	return h.provider.VerifyWebhook(headers, body, secret)
}

// FindCommentByTag delegates the whole-body substring search to the
// provider. FindComment is the strict last-line variant.
func (h *Helper) FindCommentByTag(ctx context.Context, owner, repo string, number int, tag string) (*Comment, error) {
	return h.provider.FindCommentByTag(ctx, owner, repo, number, tag)
}

// FindComment returns the first comment whose last line is a tag block
// for search, or nil when none exists.
func (h *Helper) FindComment(ctx context.Context, owner, repo string, number int, search string) (*Comment, error) {
	comments, err := h.provider.GetComments(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	for _, c := range comments {
		if _, ok := TagsAtLastLine(c.Body, search); ok {
			return c, nil
		}
	}
	return nil, nil
}

// Upsert creates or updates the tagged comment for search. body should not
// include the tag block; it is appended here as the last line.
func (h *Helper) Upsert(ctx context.Context, owner, repo string, number int, search, body string, tags ...string) (*Comment, error) {
	full := strings.TrimRight(body, "\n") + "\n\n" + FormatTags(search, tags...)

	existing, err := h.FindComment(ctx, owner, repo, number, search)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := h.provider.UpdateComment(ctx, owner, repo, existing.ID, full); err != nil {
			return nil, fmt.Errorf("failed to update comment %d: %w", existing.ID, err)
		}
		existing.Body = full
		return existing, nil
	}

	created, err := h.provider.CreateComment(ctx, owner, repo, number, full)
	if err != nil {
		return nil, fmt.Errorf("failed to create comment: %w", err)
	}
	return created, nil
}
