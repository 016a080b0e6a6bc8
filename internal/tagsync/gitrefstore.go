package tagsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/LibertasSpZ/mathlib4-libertas/internal/gitcli"
)

// GitRefStore is a RefStore that operates on a remote of a local git
// repository via the git command line client.
// The local repository is only used to transfer objects, tags are never
// created in it.
type GitRefStore struct {
	repo   *gitcli.Repository
	remote string
	// mu serializes fetches into the shared local repository.
	mu sync.Mutex
}

func NewGitRefStore(repo *gitcli.Repository, remote string) *GitRefStore {
	return &GitRefStore{
		repo:   repo,
		remote: remote,
	}
}

func (s *GitRefStore) TagExists(ctx context.Context, tag string) (bool, error) {
	id, err := s.repo.LsRemoteRef(ctx, s.remote, "refs/tags/"+tag)
	if err != nil {
		return false, err
	}

	return id != "", nil
}

// CreateTag pushes commit as refs/tags/<tag> to the remote. Pushing is
// rejected by the remote if the tag exists there.
// If commit is missing in the local repository it is fetched first.
func (s *GitRefStore) CreateTag(ctx context.Context, tag, commit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureCommit(ctx, commit); err != nil {
		return err
	}

	ref := "refs/tags/" + tag
	err := s.repo.PushRef(ctx, s.remote, commit, ref)
	if err != nil {
		if gitcli.IsAlreadyExistsRejection(err) {
			return fmt.Errorf("%s: %w", ref, errors.Join(ErrTagAlreadyExists, err))
		}

		return err
	}

	return nil
}

func (s *GitRefStore) ensureCommit(ctx context.Context, commit string) error {
	if _, err := s.repo.RevParse(ctx, commit); err == nil {
		return nil
	}

	if err := s.repo.FetchAll(ctx, s.remote); err != nil {
		return fmt.Errorf("fetching %s failed: %w", s.remote, err)
	}

	if _, err := s.repo.RevParse(ctx, commit); err == nil {
		return nil
	}

	// the commit is not reachable from a branch of the remote anymore,
	// e.g. after a force-push, request it directly
	if err := s.repo.Fetch(ctx, s.remote, commit); err != nil {
		return fmt.Errorf("fetching commit %s from %s failed: %w", commit, s.remote, err)
	}

	if _, err := s.repo.RevParse(ctx, commit); err != nil {
		return fmt.Errorf("commit %s not found after fetching from %s: %w", commit, s.remote, err)
	}

	return nil
}

func (s *GitRefStore) BranchTip(ctx context.Context, branch string) (string, error) {
	id, err := s.repo.LsRemoteRef(ctx, s.remote, "refs/heads/"+branch)
	if err != nil {
		return "", err
	}

	if id == "" {
		return "", fmt.Errorf("branch %s does not exist on remote %s", branch, s.remote)
	}

	return id, nil
}
