package tagsync

import (
	"context"

	"go.uber.org/zap"

	"github.com/LibertasSpZ/mathlib4-libertas/internal/logfields"
)

// DryRefStore is a RefStore that does not create any refs.
// Creating a tag is simulated and always succeeds. Lookups are forwarded to
// the wrapped RefStore.
type DryRefStore struct {
	store  RefStore
	logger *zap.Logger
}

func NewDryRefStore(store RefStore, logger *zap.Logger) *DryRefStore {
	return &DryRefStore{
		store:  store,
		logger: logger.Named("dry_ref_store"),
	}
}

func (s *DryRefStore) TagExists(ctx context.Context, tag string) (bool, error) {
	return s.store.TagExists(ctx, tag)
}

func (s *DryRefStore) CreateTag(_ context.Context, tag, commit string) error {
	s.logger.Info(
		"simulated creating tag, no tag was pushed",
		logfields.Event("dry_run_tag_creation_skipped"),
		logfields.Tag(tag),
		logfields.Commit(commit),
	)

	return nil
}

func (s *DryRefStore) BranchTip(ctx context.Context, branch string) (string, error) {
	return s.store.BranchTip(ctx, branch)
}
