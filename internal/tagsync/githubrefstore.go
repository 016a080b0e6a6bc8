package tagsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/LibertasSpZ/mathlib4-libertas/internal/githubclt"
)

// GithubClient is the subset of githubclt.Client used by GithubRefStore.
type GithubClient interface {
	TagExists(ctx context.Context, owner, repo, tag string) (bool, error)
	CreateTag(ctx context.Context, owner, repo, tag, commit string) error
	BranchHead(ctx context.Context, owner, repo, branch string) (string, error)
}

// GithubRefStore is a RefStore operating on a GitHub repository via the
// GitHub API.
type GithubRefStore struct {
	clt   GithubClient
	owner string
	repo  string
}

func NewGithubRefStore(clt GithubClient, owner, repo string) *GithubRefStore {
	return &GithubRefStore{
		clt:   clt,
		owner: owner,
		repo:  repo,
	}
}

func (s *GithubRefStore) TagExists(ctx context.Context, tag string) (bool, error) {
	return s.clt.TagExists(ctx, s.owner, s.repo, tag)
}

func (s *GithubRefStore) CreateTag(ctx context.Context, tag, commit string) error {
	err := s.clt.CreateTag(ctx, s.owner, s.repo, tag, commit)
	if errors.Is(err, githubclt.ErrRefAlreadyExists) {
		return fmt.Errorf("%w: %w", ErrTagAlreadyExists, err)
	}

	return err
}

func (s *GithubRefStore) BranchTip(ctx context.Context, branch string) (string, error) {
	return s.clt.BranchHead(ctx, s.owner, s.repo, branch)
}
