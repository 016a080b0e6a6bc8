// Package tagsync ensures that a release tag exists on the source repository.
package tagsync

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/LibertasSpZ/mathlib4-libertas/internal/logfields"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/syncerr"
)

//go:generate mockgen -destination=mocks/mock_refstore.go -package=mocks . RefStore

const loggerName = "tag_synchronizer"

// DefaultTagPrefix is prepended to the release id to form the tag name.
const DefaultTagPrefix = "nightly-testing-"

// ErrTagAlreadyExists is returned by RefStore.CreateTag when the remote
// rejected the creation because the tag exists.
var ErrTagAlreadyExists = errors.New("tag already exists")

// RefStore provides access to the refs of a remote repository.
type RefStore interface {
	// TagExists looks up if the tag exists on the remote.
	TagExists(ctx context.Context, tag string) (bool, error)
	// CreateTag creates the tag pointing to commit on the remote.
	// It must never move an existing tag. If the tag exists, an error
	// wrapping ErrTagAlreadyExists is returned.
	CreateTag(ctx context.Context, tag, commit string) error
	// BranchTip returns the commit the branch points to on the remote.
	BranchTip(ctx context.Context, branch string) (string, error)
}

// Result describes what Ensure did.
type Result uint8

const (
	ResultUndefined Result = iota
	// TagCreated is returned when the tag was created by the call.
	TagCreated
	// TagExisted is returned when the tag existed before the call.
	TagExisted
	// TagRaceLost is returned when the tag did not exist on lookup but was
	// created concurrently by another invocation before the push.
	TagRaceLost
)

var resultStrings = [...]string{
	ResultUndefined: "undefined",
	TagCreated:      "created",
	TagExisted:      "existed",
	TagRaceLost:     "race_lost",
}

func (r Result) String() string {
	if int(r) > len(resultStrings)-1 {
		return fmt.Sprintf("unsupported Result value: %d", r)
	}

	return resultStrings[r]
}

// Synchronizer guarantees that a release tag exists in a RefStore.
type Synchronizer struct {
	store         RefStore
	prefix        string
	trackedBranch string
	logger        *zap.Logger
}

type Option func(*Synchronizer)

// WithTagPrefix overwrites DefaultTagPrefix.
func WithTagPrefix(prefix string) Option {
	return func(s *Synchronizer) {
		s.prefix = prefix
	}
}

// NewSynchronizer returns a Synchronizer that tags the tip of trackedBranch
// when Ensure is called without a commit.
func NewSynchronizer(store RefStore, trackedBranch string, opts ...Option) *Synchronizer {
	s := Synchronizer{
		store:         store,
		prefix:        DefaultTagPrefix,
		trackedBranch: trackedBranch,
	}

	for _, o := range opts {
		o(&s)
	}

	if s.logger == nil {
		s.logger = zap.L().Named(loggerName)
	}

	return &s
}

// TagName returns the name of the tag for releaseID.
func (s *Synchronizer) TagName(releaseID string) string {
	return s.prefix + releaseID
}

// Ensure guarantees that the tag for releaseID exists on the remote.
// If it does not exist, it is created at tip. When tip is empty the current
// commit of the tracked branch is used.
// An existing tag is never moved.
// Errors are returned as syncerr.ErrTagPublish errors.
func (s *Synchronizer) Ensure(ctx context.Context, releaseID, tip string) (Result, error) {
	tag := s.TagName(releaseID)
	logger := s.logger.With(logfields.Tag(tag), logfields.ReleaseID(releaseID))

	exists, err := s.store.TagExists(ctx, tag)
	if err != nil {
		return ResultUndefined, syncerr.Newf(syncerr.KindTagPublish, "looking up tag %s failed: %w", tag, err)
	}

	if exists {
		logger.Info(
			"tag exists already, nothing to do",
			logfields.Event("release_tag_exists"),
		)

		return TagExisted, nil
	}

	if tip == "" {
		tip, err = s.store.BranchTip(ctx, s.trackedBranch)
		if err != nil {
			return ResultUndefined, syncerr.Newf(
				syncerr.KindTagPublish,
				"resolving tip of branch %s failed: %w", s.trackedBranch, err,
			)
		}
	}

	logger = logger.With(logfields.Commit(tip))

	err = s.store.CreateTag(ctx, tag, tip)
	if err != nil {
		if errors.Is(err, ErrTagAlreadyExists) {
			logger.Info(
				"tag was created concurrently by another run",
				logfields.Event("release_tag_race_lost"),
				zap.Error(err),
			)

			return TagRaceLost, nil
		}

		return ResultUndefined, syncerr.Newf(syncerr.KindTagPublish, "publishing tag %s failed: %w", tag, err)
	}

	logger.Info(
		"tag created",
		logfields.Event("release_tag_created"),
	)

	return TagCreated, nil
}
