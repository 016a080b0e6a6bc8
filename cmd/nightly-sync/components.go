package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/LibertasSpZ/mathlib4-libertas/internal/cfg"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/githubclt"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/gitcli"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/history"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/logfields"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/nightlysync"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/notify"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/tagsync"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/upstream"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/zulip"
)

func newGithubClient(config *cfg.Config) (*githubclt.Client, error) {
	if config.GithubAPIURL == "" {
		return githubclt.New(config.GithubAPIToken), nil
	}

	return githubclt.NewEnterprise(config.GithubAPIToken, config.GithubAPIURL, config.GithubGraphQLURL)
}

// components are the dependencies of the pipeline that are created from
// the configuration.
type components struct {
	githubClt *githubclt.Client
	history   *history.Store
	pipeline  *nightlysync.Pipeline
}

// Close releases the resources of the components.
func (c *components) Close() {
	if c.history == nil {
		return
	}

	if err := c.history.Close(); err != nil {
		logger.Warn(
			"closing state database failed",
			logfields.Event("state_db_close_failed"),
			zap.Error(err),
		)
	}
}

func newComponents(
	ctx context.Context,
	config *cfg.Config,
	githubClt *githubclt.Client,
	pins nightlysync.PinSource,
	dryRun bool,
) (*components, error) {
	var err error

	result := components{githubClt: githubClt}

	// the state database is not modified in dry-run mode
	if config.StateDB != "" && !dryRun {
		result.history, err = history.Open(config.StateDB)
		if err != nil {
			return nil, fmt.Errorf("opening state database failed: %w", err)
		}
	}

	refStore, err := newRefStore(config, result.githubClt, dryRun)
	if err != nil {
		result.Close()
		return nil, err
	}

	gate, err := newGate(config, result.history, dryRun)
	if err != nil {
		result.Close()
		return nil, err
	}

	var opts []nightlysync.Option

	if config.Upstream.Enabled() {
		merger, err := newMerger(ctx, config, dryRun)
		if err != nil {
			result.Close()
			return nil, err
		}

		opts = append(opts, nightlysync.WithMerger(merger))
	}

	if result.history != nil {
		opts = append(opts, nightlysync.WithRecorder(result.history))
	}

	var tagOpts []tagsync.Option
	if config.Source.TagPrefix != "" {
		tagOpts = append(tagOpts, tagsync.WithTagPrefix(config.Source.TagPrefix))
	}

	result.pipeline = nightlysync.NewPipeline(
		config.TrackedBranch,
		pins,
		tagsync.NewSynchronizer(refStore, config.TrackedBranch, tagOpts...),
		gate,
		opts...,
	)

	return &result, nil
}

func newRefStore(config *cfg.Config, githubClt *githubclt.Client, dryRun bool) (tagsync.RefStore, error) {
	var store tagsync.RefStore

	switch config.Source.Backend {
	case cfg.BackendGit:
		store = tagsync.NewGitRefStore(gitcli.NewRepository(config.Source.WorkDir), config.Source.Remote)

	case cfg.BackendGithub:
		store = tagsync.NewGithubRefStore(githubClt, config.Source.Owner, config.Source.Repository)

	default:
		return nil, fmt.Errorf("unsupported source backend: %q", config.Source.Backend)
	}

	if dryRun {
		return tagsync.NewDryRefStore(store, logger), nil
	}

	return store, nil
}

func newGate(config *cfg.Config, stateStore *history.Store, dryRun bool) (*notify.Gate, error) {
	var messenger notify.Messenger = zulip.New(
		config.Notification.ZulipSite,
		config.Notification.ZulipEmail,
		config.Notification.ZulipAPIKey,
		zulip.WithRequestsPerSecond(config.Notification.RequestsPerSecond),
	)

	if dryRun {
		messenger = notify.NewDryMessenger(messenger, logger)
	}

	opts := []notify.Option{
		notify.WithMessages(config.Notification.SuccessMessage, config.Notification.FailureMessage),
	}

	if config.GithubServerURL != "" {
		opts = append(opts, notify.WithServerURL(config.GithubServerURL))
	}

	if stateStore != nil {
		opts = append(opts, notify.WithStateStore(stateStore, notify.DedupSource(config.Notification.DedupSource)))
	}

	return notify.NewGate(messenger, config.Notification.Stream, config.Notification.Topic, opts...)
}

func newMerger(ctx context.Context, config *cfg.Config, dryRun bool) (*upstream.Merger, error) {
	repo, err := upstream.OpenWorkTree(ctx, &upstream.WorkTreeConfig{
		Dir:        config.Upstream.WorkDir,
		CloneURL:   config.Upstream.CloneURL,
		TagsRemote: config.Upstream.TagsRemote,
		TagsURL:    config.Upstream.TagsURL,
	})
	if err != nil {
		return nil, fmt.Errorf("opening upstream work tree failed: %w", err)
	}

	opts := []upstream.Option{
		upstream.WithRemote(config.Upstream.Remote),
		upstream.WithTagsRemote(config.Upstream.TagsRemote),
	}

	if config.Upstream.TrackingBranch != "" {
		opts = append(opts, upstream.WithTrackingBranch(config.Upstream.TrackingBranch))
	}

	if config.Upstream.TagPrefix != "" {
		opts = append(opts, upstream.WithTagPrefix(config.Upstream.TagPrefix))
	}

	if dryRun {
		opts = append(opts, upstream.WithDryRun())
	}

	return upstream.NewMerger(repo, opts...), nil
}
