package upstream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/LibertasSpZ/mathlib4-libertas/internal/gitcli"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/logfields"
)

// WorkTreeConfig describes where the work tree of the second repository is
// located and which remotes it uses.
type WorkTreeConfig struct {
	Dir string
	// CloneURL is used to clone the repository when Dir does not contain
	// a git repository. The clone has the remote "origin".
	CloneURL   string
	TagsRemote string
	TagsURL    string
}

// OpenWorkTree returns the repository in cfg.Dir, cloning it first if
// it does not exist. The tags remote is created or updated.
func OpenWorkTree(ctx context.Context, cfg *WorkTreeConfig, opts ...gitcli.Option) (*gitcli.Repository, error) {
	logger := zap.L().Named(loggerName).With(logfields.WorkDir(cfg.Dir))

	var repo *gitcli.Repository

	_, err := os.Stat(filepath.Join(cfg.Dir, ".git"))
	switch {
	case err == nil:
		repo = gitcli.NewRepository(cfg.Dir, opts...)

	case errors.Is(err, os.ErrNotExist):
		if cfg.CloneURL == "" {
			return nil, fmt.Errorf("%s is not a git repository and no clone url is configured", cfg.Dir)
		}

		logger.Info("cloning repository", logfields.Event("upstream_repository_cloning"))

		repo, err = gitcli.Clone(ctx, cfg.CloneURL, cfg.Dir, opts...)
		if err != nil {
			return nil, fmt.Errorf("cloning repository failed: %w", err)
		}

	default:
		return nil, err
	}

	if cfg.TagsURL != "" {
		if err := repo.EnsureRemote(ctx, cfg.TagsRemote, cfg.TagsURL); err != nil {
			return nil, fmt.Errorf("configuring remote %s failed: %w", cfg.TagsRemote, err)
		}
	}

	return repo, nil
}
