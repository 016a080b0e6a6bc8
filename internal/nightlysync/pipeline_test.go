package nightlysync

import (
	"context"
	"errors"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/LibertasSpZ/mathlib4-libertas/internal/ci"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/history"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/notify"
	notifymocks "github.com/LibertasSpZ/mathlib4-libertas/internal/notify/mocks"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/syncerr"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/tagsync"
	tagsyncmocks "github.com/LibertasSpZ/mathlib4-libertas/internal/tagsync/mocks"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/toolchain"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/upstream"
	upstreammocks "github.com/LibertasSpZ/mathlib4-libertas/internal/upstream/mocks"
)

const (
	pin        = "leanprover/lean4:nightly-2024-01-15"
	releaseTag = "nightly-testing-2024-01-15"
	tip        = "2222222222222222222222222222222222222222"
	tagCommit  = "1111111111111111111111111111111111111111"

	stream = "nightly-testing"
	topic  = "Mathlib status updates"

	successMsg = "✅ The latest CI for branch#nightly-testing has succeeded!"
	failureMsg = "❌ The latest CI for branch#nightly-testing has [failed](https://github.com/leanprover-community/mathlib4/actions/runs/42)."
)

type staticPin string

func (p staticPin) ReleaseID(context.Context, *ci.Verdict) (string, error) {
	return toolchain.ParsePin(string(p))
}

type unavailablePin struct{}

func (unavailablePin) ReleaseID(context.Context, *ci.Verdict) (string, error) {
	return "", syncerr.New(syncerr.KindPinUnavailable, errors.New("no such file"))
}

type testEnv struct {
	refs      *tagsyncmocks.MockRefStore
	repo      *upstreammocks.MockRepository
	messenger *notifymocks.MockMessenger
	pipeline  *Pipeline
}

func newTestEnv(t *testing.T, pins PinSource, opts ...Option) *testEnv {
	t.Helper()
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	env := testEnv{
		refs:      tagsyncmocks.NewMockRefStore(mockctrl),
		repo:      upstreammocks.NewMockRepository(mockctrl),
		messenger: notifymocks.NewMockMessenger(mockctrl),
	}

	gate, err := notify.NewGate(env.messenger, stream, topic)
	require.NoError(t, err)

	env.pipeline = NewPipeline(
		DefaultTrackedBranch,
		pins,
		tagsync.NewSynchronizer(env.refs, DefaultTrackedBranch),
		gate,
		append([]Option{WithMerger(upstream.NewMerger(env.repo))}, opts...)...,
	)

	return &env
}

func verdict(outcome ci.Outcome) *ci.Verdict {
	return &ci.Verdict{
		Outcome:    outcome,
		Branch:     DefaultTrackedBranch,
		RunID:      "42",
		Repository: "leanprover-community/mathlib4",
	}
}

// expectMergePrepare mocks the git operations of the merger up to the
// ancestry check.
func (e *testEnv) expectMergePrepare(isAncestor bool) {
	e.repo.EXPECT().FetchTags(gomock.Any(), gomock.Any()).Return(nil)
	e.repo.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	e.repo.EXPECT().CheckoutRemoteBranch(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	e.repo.EXPECT().RevParse(gomock.Any(), gomock.Eq("refs/tags/nightly-2024-01-15")).Return(tagCommit, nil)
	e.repo.EXPECT().IsAncestor(gomock.Any(), gomock.Eq(tagCommit), gomock.Eq("HEAD")).Return(isAncestor, nil)
}

func (e *testEnv) expectNoSideEffects() {
	e.refs.EXPECT().CreateTag(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
	e.repo.EXPECT().Merge(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
	e.repo.EXPECT().Push(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
	e.messenger.EXPECT().PostMessage(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
}

func TestSuccessCreatesTagMergesAndAnnouncesAfterFailure(t *testing.T) {
	env := newTestEnv(t, staticPin(pin))

	gomock.InOrder(
		env.refs.EXPECT().TagExists(gomock.Any(), gomock.Eq(releaseTag)).Return(false, nil),
		env.refs.EXPECT().BranchTip(gomock.Any(), gomock.Eq(DefaultTrackedBranch)).Return(tip, nil),
		env.refs.EXPECT().CreateTag(gomock.Any(), gomock.Eq(releaseTag), gomock.Eq(tip)).Return(nil),
	)

	env.expectMergePrepare(false)
	env.repo.EXPECT().Merge(gomock.Any(), gomock.Eq("refs/tags/nightly-2024-01-15"), gomock.Any()).Return("Merge made by the 'ort' strategy.", nil)
	env.repo.EXPECT().Push(gomock.Any(), gomock.Eq(upstream.DefaultRemote), gomock.Eq(upstream.DefaultTrackingBranch)).Return(nil)

	env.messenger.EXPECT().LastMessage(gomock.Any(), gomock.Eq(stream), gomock.Eq(topic)).Return(failureMsg, true, nil)
	env.messenger.EXPECT().PostMessage(gomock.Any(), gomock.Eq(stream), gomock.Eq(topic), gomock.Eq(successMsg)).Return(nil).Times(1)

	report, err := env.pipeline.Run(context.Background(), verdict(ci.Success))
	require.NoError(t, err)

	assert.Equal(t, "2024-01-15", report.ReleaseID)
	assert.Equal(t, tagsync.TagCreated, report.TagResult)
	assert.Equal(t, upstream.Merged, report.MergeResult)
	assert.Equal(t, notify.Posted, report.Notification)
	assert.Equal(t, 0, report.ExitCode())
}

func TestRepeatedSuccessDoesNothing(t *testing.T) {
	env := newTestEnv(t, staticPin(pin))

	env.refs.EXPECT().TagExists(gomock.Any(), gomock.Eq(releaseTag)).Return(true, nil)
	env.expectMergePrepare(true)
	env.messenger.EXPECT().LastMessage(gomock.Any(), gomock.Any(), gomock.Any()).Return(successMsg, true, nil)
	env.expectNoSideEffects()

	report, err := env.pipeline.Run(context.Background(), verdict(ci.Success))
	require.NoError(t, err)

	assert.Equal(t, tagsync.TagExisted, report.TagResult)
	assert.Equal(t, upstream.AlreadyMerged, report.MergeResult)
	assert.Equal(t, notify.Skipped, report.Notification)
}

func TestFailureOnlyNotifies(t *testing.T) {
	env := newTestEnv(t, unavailablePin{})

	env.refs.EXPECT().TagExists(gomock.Any(), gomock.Any()).Times(0)
	env.repo.EXPECT().FetchTags(gomock.Any(), gomock.Any()).Times(0)
	env.messenger.EXPECT().PostMessage(gomock.Any(), gomock.Eq(stream), gomock.Eq(topic), gomock.Eq(failureMsg)).Return(nil).Times(1)

	report, err := env.pipeline.Run(context.Background(), verdict(ci.Failure))
	require.NoError(t, err)
	assert.Equal(t, notify.Posted, report.Notification)
}

func TestOtherBranchIsIgnored(t *testing.T) {
	env := newTestEnv(t, staticPin(pin))
	env.messenger.EXPECT().LastMessage(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
	env.refs.EXPECT().TagExists(gomock.Any(), gomock.Any()).Times(0)
	env.expectNoSideEffects()

	for _, outcome := range []ci.Outcome{ci.Success, ci.Failure} {
		v := verdict(outcome)
		v.Branch = "master"

		report, err := env.pipeline.Run(context.Background(), v)
		require.NoError(t, err)
		assert.True(t, report.Ignored)
		assert.Equal(t, 0, report.ExitCode())
	}
}

func TestMalformedPinAbortsBeforeSideEffects(t *testing.T) {
	env := newTestEnv(t, staticPin("leanprover/lean4:v4.5.0"))
	env.refs.EXPECT().TagExists(gomock.Any(), gomock.Any()).Times(0)
	env.messenger.EXPECT().LastMessage(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
	env.expectNoSideEffects()

	report, err := env.pipeline.Run(context.Background(), verdict(ci.Success))
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrMalformedPin)
	assert.Equal(t, syncerr.KindMalformedPin.ExitCode(), report.ExitCode())
}

func TestPinUnavailableAbortsBeforeSideEffects(t *testing.T) {
	env := newTestEnv(t, unavailablePin{})
	env.refs.EXPECT().TagExists(gomock.Any(), gomock.Any()).Times(0)
	env.messenger.EXPECT().LastMessage(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
	env.expectNoSideEffects()

	report, err := env.pipeline.Run(context.Background(), verdict(ci.Success))
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrPinUnavailable)
	assert.Equal(t, syncerr.KindPinUnavailable.ExitCode(), report.ExitCode())
}

func TestTagPublishErrorSkipsMergeButNotifies(t *testing.T) {
	env := newTestEnv(t, staticPin(pin))

	env.refs.EXPECT().TagExists(gomock.Any(), gomock.Any()).Return(false, nil)
	env.refs.EXPECT().BranchTip(gomock.Any(), gomock.Any()).Return(tip, nil)
	env.refs.EXPECT().CreateTag(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("authentication failed"))
	env.repo.EXPECT().FetchTags(gomock.Any(), gomock.Any()).Times(0)
	env.messenger.EXPECT().LastMessage(gomock.Any(), gomock.Any(), gomock.Any()).Return(failureMsg, true, nil)
	env.messenger.EXPECT().PostMessage(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Eq(successMsg)).Return(nil)

	report, err := env.pipeline.Run(context.Background(), verdict(ci.Success))
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrTagPublish)
	assert.Equal(t, notify.Posted, report.Notification)
	assert.Equal(t, syncerr.KindTagPublish.ExitCode(), report.ExitCode())
}

func TestMergeErrorIsNotFatal(t *testing.T) {
	env := newTestEnv(t, staticPin(pin))

	env.refs.EXPECT().TagExists(gomock.Any(), gomock.Any()).Return(true, nil)
	env.expectMergePrepare(false)
	env.repo.EXPECT().Merge(gomock.Any(), gomock.Any(), gomock.Any()).Return("fatal: refusing to merge", errors.New("exit status 128"))
	env.repo.EXPECT().MergeAbort(gomock.Any()).Return(nil)
	env.messenger.EXPECT().LastMessage(gomock.Any(), gomock.Any(), gomock.Any()).Return(failureMsg, true, nil)
	env.messenger.EXPECT().PostMessage(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Eq(successMsg)).Return(nil)

	report, err := env.pipeline.Run(context.Background(), verdict(ci.Success))
	require.NoError(t, err)
	assert.ErrorIs(t, report.MergeErr, syncerr.ErrMerge)
	assert.Equal(t, notify.Posted, report.Notification)
	assert.Equal(t, 0, report.ExitCode())
}

func TestNotificationDeliveryErrorIsFatal(t *testing.T) {
	env := newTestEnv(t, staticPin(pin))

	env.messenger.EXPECT().PostMessage(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("401 unauthorized"))

	report, err := env.pipeline.Run(context.Background(), verdict(ci.Failure))
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrNotificationDelivery)
	assert.Equal(t, syncerr.KindNotificationDelivery.ExitCode(), report.ExitCode())
}

func TestMultipleFatalErrorsAreCombined(t *testing.T) {
	env := newTestEnv(t, staticPin(pin))

	env.refs.EXPECT().TagExists(gomock.Any(), gomock.Any()).Return(false, errors.New("network unreachable"))
	env.messenger.EXPECT().LastMessage(gomock.Any(), gomock.Any(), gomock.Any()).Return("", false, errors.New("network unreachable"))

	report, err := env.pipeline.Run(context.Background(), verdict(ci.Success))
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrTagPublish)
	assert.ErrorIs(t, err, syncerr.ErrNotificationDelivery)
	assert.Equal(t, syncerr.KindTagPublish.ExitCode(), report.ExitCode())
}

func TestRetryableErrorIsDetectableThroughReport(t *testing.T) {
	env := newTestEnv(t, staticPin(pin))

	env.messenger.EXPECT().PostMessage(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(syncerr.NewRetryableAnytimeError(errors.New("502 bad gateway")))

	_, err := env.pipeline.Run(context.Background(), verdict(ci.Failure))
	require.Error(t, err)
	assert.True(t, syncerr.IsRetryable(err))
}

type memRecorder struct {
	records []*history.Invocation
}

func (r *memRecorder) RecordInvocation(_ context.Context, rec *history.Invocation) (int64, error) {
	r.records = append(r.records, rec)
	return int64(len(r.records)), nil
}

func TestInvocationIsRecorded(t *testing.T) {
	recorder := memRecorder{}
	env := newTestEnv(t, staticPin(pin), WithRecorder(&recorder))

	env.refs.EXPECT().TagExists(gomock.Any(), gomock.Any()).Return(true, nil)
	env.expectMergePrepare(true)
	env.messenger.EXPECT().LastMessage(gomock.Any(), gomock.Any(), gomock.Any()).Return(successMsg, true, nil)

	_, err := env.pipeline.Run(context.Background(), verdict(ci.Success))
	require.NoError(t, err)

	require.Len(t, recorder.records, 1)
	rec := recorder.records[0]
	assert.Equal(t, "42", rec.RunID)
	assert.Equal(t, "success", rec.Outcome)
	assert.Equal(t, "2024-01-15", rec.ReleaseID)
	assert.Equal(t, "existed", rec.TagResult)
	assert.Equal(t, "already_merged", rec.MergeResult)
	assert.Equal(t, "skipped", rec.Notification)
	assert.Empty(t, rec.ErrorMessage)
}

func TestPipelineWithoutMerger(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	refs := tagsyncmocks.NewMockRefStore(mockctrl)
	messenger := notifymocks.NewMockMessenger(mockctrl)

	refs.EXPECT().TagExists(gomock.Any(), gomock.Any()).Return(true, nil)
	messenger.EXPECT().LastMessage(gomock.Any(), gomock.Any(), gomock.Any()).Return(successMsg, true, nil)

	gate, err := notify.NewGate(messenger, stream, topic)
	require.NoError(t, err)

	p := NewPipeline(DefaultTrackedBranch, staticPin(pin), tagsync.NewSynchronizer(refs, DefaultTrackedBranch), gate)

	report, err := p.Run(context.Background(), verdict(ci.Success))
	require.NoError(t, err)
	assert.Equal(t, upstream.ResultUndefined, report.MergeResult)
}
