// Package upstream advances the tracking branch of the second repository by
// merging upstream nightly release tags into it.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/LibertasSpZ/mathlib4-libertas/internal/gitcli"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/logfields"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/syncerr"
)

//go:generate mockgen -destination=mocks/mock_repository.go -package=mocks . Repository

const loggerName = "upstream_merger"

const (
	DefaultTagPrefix      = "nightly-"
	DefaultTrackingBranch = "nightly-with-mathlib"
	DefaultRemote         = "origin"
	DefaultTagsRemote     = "nightly"
)

// Repository is the git work tree the merge is done in.
// It is implemented by *gitcli.Repository.
type Repository interface {
	FetchTags(ctx context.Context, remote string) error
	Fetch(ctx context.Context, remote, branch string) error
	CheckoutRemoteBranch(ctx context.Context, remote, branch string) error
	RevParse(ctx context.Context, rev string) (string, error)
	IsAncestor(ctx context.Context, ancestor, rev string) (bool, error)
	Merge(ctx context.Context, rev string, opts gitcli.MergeOptions) (string, error)
	MergeAbort(ctx context.Context) error
	Push(ctx context.Context, remote, branch string) error
}

// Result describes the outcome of Merger.Merge.
type Result uint8

const (
	ResultUndefined Result = iota
	// Merged is returned when a merge commit was created and published.
	Merged
	// AlreadyMerged is returned when the release tag is already an
	// ancestor of the tracking branch.
	AlreadyMerged
	// UpToDate is returned when git reported that there was nothing to
	// merge.
	UpToDate
)

var resultStrings = [...]string{
	ResultUndefined: "undefined",
	Merged:          "merged",
	AlreadyMerged:   "already_merged",
	UpToDate:        "up_to_date",
}

func (r Result) String() string {
	if int(r) > len(resultStrings)-1 {
		return fmt.Sprintf("unsupported Result value: %d", r)
	}

	return resultStrings[r]
}

// Merger merges upstream release tags into a tracking branch and pushes the
// branch.
type Merger struct {
	repo           Repository
	remote         string
	tagsRemote     string
	trackingBranch string
	tagPrefix      string
	dryRun         bool
	logger         *zap.Logger

	// mu serializes operations on the work tree.
	mu sync.Mutex
}

type Option func(*Merger)

// WithRemote sets the remote the tracking branch is fetched from and pushed
// to.
func WithRemote(remote string) Option {
	return func(m *Merger) {
		m.remote = remote
	}
}

// WithTagsRemote sets the remote the release tags are fetched from.
func WithTagsRemote(remote string) Option {
	return func(m *Merger) {
		m.tagsRemote = remote
	}
}

func WithTrackingBranch(branch string) Option {
	return func(m *Merger) {
		m.trackingBranch = branch
	}
}

func WithTagPrefix(prefix string) Option {
	return func(m *Merger) {
		m.tagPrefix = prefix
	}
}

// WithDryRun enables the dry-run mode, the merge is done in the local work
// tree but never pushed.
func WithDryRun() Option {
	return func(m *Merger) {
		m.dryRun = true
	}
}

func NewMerger(repo Repository, opts ...Option) *Merger {
	m := Merger{
		repo:           repo,
		remote:         DefaultRemote,
		tagsRemote:     DefaultTagsRemote,
		trackingBranch: DefaultTrackingBranch,
		tagPrefix:      DefaultTagPrefix,
	}

	for _, o := range opts {
		o(&m)
	}

	if m.logger == nil {
		m.logger = zap.L().Named(loggerName)
	}

	return &m
}

// TagName returns the name of the upstream tag of releaseID.
func (m *Merger) TagName(releaseID string) string {
	return m.tagPrefix + releaseID
}

// Merge merges the upstream tag of releaseID into the tracking branch and
// pushes the branch.
// Conflicts are resolved in favor of the tracking branch, histories without
// a common ancestor can be merged.
// If the tag is already part of the branch, nothing is changed.
// All errors are returned as syncerr.ErrMerge errors.
// Concurrent calls are serialized, they operate on the same work tree.
func (m *Merger) Merge(ctx context.Context, releaseID string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tag := m.TagName(releaseID)
	logger := m.logger.With(
		logfields.Tag(tag),
		logfields.Branch(m.trackingBranch),
		logfields.ReleaseID(releaseID),
	)

	if err := m.repo.FetchTags(ctx, m.tagsRemote); err != nil {
		return ResultUndefined, syncerr.Newf(syncerr.KindMerge, "fetching tags from %s failed: %w", m.tagsRemote, err)
	}

	if err := m.repo.Fetch(ctx, m.remote, m.trackingBranch); err != nil {
		return ResultUndefined, syncerr.Newf(syncerr.KindMerge, "fetching branch %s failed: %w", m.trackingBranch, err)
	}

	if err := m.repo.CheckoutRemoteBranch(ctx, m.remote, m.trackingBranch); err != nil {
		return ResultUndefined, syncerr.Newf(syncerr.KindMerge, "checking out branch %s failed: %w", m.trackingBranch, err)
	}

	tagCommit, err := m.repo.RevParse(ctx, "refs/tags/"+tag)
	if err != nil {
		return ResultUndefined, syncerr.Newf(syncerr.KindMerge, "tag %s not found: %w", tag, err)
	}

	logger = logger.With(logfields.Commit(tagCommit))

	isAncestor, err := m.repo.IsAncestor(ctx, tagCommit, "HEAD")
	if err != nil {
		return ResultUndefined, syncerr.Newf(syncerr.KindMerge, "checking ancestry of %s failed: %w", tag, err)
	}

	if isAncestor {
		logger.Info(
			"tag is already merged into tracking branch, nothing to do",
			logfields.Event("upstream_tag_already_merged"),
		)

		return AlreadyMerged, nil
	}

	out, err := m.repo.Merge(ctx, "refs/tags/"+tag, gitcli.MergeOptions{
		StrategyOption:          "ours",
		AllowUnrelatedHistories: true,
		Message:                 fmt.Sprintf("Merge %s into %s", tag, m.trackingBranch),
	})
	if gitcli.IsAlreadyUpToDate(out) {
		logger.Info(
			"tracking branch is already up to date",
			logfields.Event("upstream_merge_up_to_date"),
		)

		return UpToDate, nil
	}

	if err != nil {
		abortErr := m.repo.MergeAbort(ctx)
		if abortErr != nil {
			logger.Warn(
				"aborting failed merge failed",
				logfields.Event("upstream_merge_abort_failed"),
				zap.Error(abortErr),
			)
		}

		return ResultUndefined, syncerr.Newf(syncerr.KindMerge, "merging %s failed: %w", tag, errors.Join(err, abortErr))
	}

	if m.dryRun {
		logger.Info(
			"simulated pushing tracking branch, branch was not pushed",
			logfields.Event("dry_run_tracking_branch_push_skipped"),
		)

		return Merged, nil
	}

	if err := m.repo.Push(ctx, m.remote, m.trackingBranch); err != nil {
		return ResultUndefined, syncerr.Newf(syncerr.KindMerge, "pushing branch %s failed: %w", m.trackingBranch, err)
	}

	logger.Info(
		"upstream tag merged into tracking branch",
		logfields.Event("upstream_tag_merged"),
	)

	return Merged, nil
}
