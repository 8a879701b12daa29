package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/tokenlens/tokenlens/internal/router"
	"github.com/tokenlens/tokenlens/pkg/crawl"
	"github.com/tokenlens/tokenlens/pkg/logging"
)

// GitArchive persists crawl results as versioned files in a git
// repository, one commit per result. The commit history doubles as the
// audit trail: corrections land as new commits, never rewrites.
type GitArchive struct {
	repo     *git.Repository
	repoPath string

	authorName  string
	authorEmail string
}

// NewGitArchive opens the repository at repoPath, initializing it when
// it does not exist yet
func NewGitArchive(repoPath string) (*GitArchive, error) {
	repo, err := git.PlainOpen(repoPath)
	if err == git.ErrRepositoryNotExists {
		repo, err = git.PlainInit(repoPath, false)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open archive repository: %w", err)
	}

	return &GitArchive{
		repo:        repo,
		repoPath:    repoPath,
		authorName:  "TokenLens Archive",
		authorEmail: "archive@tokenlens.io",
	}, nil
}

// Emit writes the result and its persona assignments into the archive
// and commits them
func (a *GitArchive) Emit(ctx context.Context, result *crawl.CrawlResult, assignments []router.Assignment) error {
	if err := result.Validate(); err != nil {
		return fmt.Errorf("result validation failed: %w", err)
	}

	relPath := resultPath(result)
	docPath := filepath.Join(a.repoPath, relPath)
	if err := os.MkdirAll(docPath, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", docPath, err)
	}

	resultBytes, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := os.WriteFile(filepath.Join(docPath, "result.json"), resultBytes, 0644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}

	if len(assignments) > 0 {
		assignmentBytes, err := json.MarshalIndent(assignments, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal assignments: %w", err)
		}
		if err := os.WriteFile(filepath.Join(docPath, "assignments.json"), assignmentBytes, 0644); err != nil {
			return fmt.Errorf("failed to write assignments: %w", err)
		}
	}

	w, err := a.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}

	if _, err := w.Add(relPath); err != nil {
		return fmt.Errorf("failed to add files: %w", err)
	}

	commit, err := w.Commit(fmt.Sprintf("Archive result %s", result.ID), &git.CommitOptions{
		Author: &object.Signature{
			Name:  a.authorName,
			Email: a.authorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	srcLog := logging.GetSourceLogger(result.SourceID, "archive")
	srcLog.Debug().
		Str("result_id", result.ID).
		Str("commit", commit.String()).
		Str("path", relPath).
		Msg("Result archived")

	return nil
}

// Health reports whether the archive repository is usable. A repository
// with no commits yet is healthy.
func (a *GitArchive) Health(ctx context.Context) error {
	_, err := a.repo.Head()
	if err == nil || err == plumbing.ErrReferenceNotFound {
		return nil
	}
	return err
}

// resultPath lays results out by source and creation date so the tree
// stays browsable as it grows
func resultPath(result *crawl.CrawlResult) string {
	sourceID := result.SourceID
	if sourceID == "" {
		sourceID = "unattributed"
	}
	return filepath.Join("results", sourceID, result.CreatedAt.Format("2006/01/02"), result.ID)
}
