// Package nightlysync runs the synchronization and notification pipeline for
// completed CI runs of the tracked branch.
//
// On a failed run only the notification is sent. On a successful run the
// release id is read from the toolchain pin, the release tag is ensured on
// the source repository, the upstream release is merged into the tracking
// branch and finally the notification gate runs.
package nightlysync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/LibertasSpZ/mathlib4-libertas/internal/ci"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/history"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/logfields"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/notify"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/syncerr"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/tagsync"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/upstream"
)

const loggerName = "pipeline"

// DefaultTrackedBranch is the branch whose CI runs drive the pipeline.
const DefaultTrackedBranch = "nightly-testing"

// PinSource returns the release id of the toolchain that the run of the
// verdict was tested against.
type PinSource interface {
	ReleaseID(ctx context.Context, v *ci.Verdict) (string, error)
}

type TagSynchronizer interface {
	Ensure(ctx context.Context, releaseID, tip string) (tagsync.Result, error)
}

type UpstreamMerger interface {
	Merge(ctx context.Context, releaseID string) (upstream.Result, error)
}

type Notifier interface {
	Notify(ctx context.Context, v *ci.Verdict) (notify.Action, error)
}

// Recorder stores the result of an invocation.
type Recorder interface {
	RecordInvocation(ctx context.Context, rec *history.Invocation) (int64, error)
}

// Pipeline processes CI verdicts.
type Pipeline struct {
	trackedBranch string
	pins          PinSource
	tags          TagSynchronizer
	merger        UpstreamMerger
	notifier      Notifier
	recorder      Recorder
	logger        *zap.Logger
}

type Option func(*Pipeline)

// WithMerger enables merging the upstream release into the tracking branch.
func WithMerger(m UpstreamMerger) Option {
	return func(p *Pipeline) {
		p.merger = m
	}
}

// WithRecorder records every processed verdict.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) {
		p.recorder = r
	}
}

func NewPipeline(trackedBranch string, pins PinSource, tags TagSynchronizer, notifier Notifier, opts ...Option) *Pipeline {
	p := Pipeline{
		trackedBranch: trackedBranch,
		pins:          pins,
		tags:          tags,
		notifier:      notifier,
	}

	for _, o := range opts {
		o(&p)
	}

	if p.logger == nil {
		p.logger = zap.L().Named(loggerName)
	}

	return &p
}

// Report describes what an invocation did.
type Report struct {
	Verdict *ci.Verdict
	// Ignored is true when the verdict was for another branch than the
	// tracked branch.
	Ignored      bool
	ReleaseID    string
	TagResult    tagsync.Result
	MergeResult  upstream.Result
	Notification notify.Action
	// MergeErr is the non-fatal error of the merge step.
	MergeErr error
	// Err contains all fatal errors.
	Err error
}

// ExitCode returns the process exit code for the report.
// It is 0 when no fatal error happened, otherwise the code of the kind of
// the first fatal error.
func (r *Report) ExitCode() int {
	if r.Err == nil {
		return 0
	}

	return syncerr.KindOf(multierr.Errors(r.Err)[0]).ExitCode()
}

func (r *Report) result() string {
	switch {
	case r.Ignored:
		return "ignored"
	case r.Err != nil:
		return "failure"
	default:
		return "success"
	}
}

// Run processes the verdict v.
// Fatal errors are returned and are also set in Report.Err. A failed merge
// is not fatal and only available via Report.MergeErr.
func (p *Pipeline) Run(ctx context.Context, v *ci.Verdict) (*Report, error) {
	startTime := time.Now()
	report := Report{Verdict: v}
	logger := p.logger.With(v.LogFields()...)

	if v.Branch != p.trackedBranch {
		logger.Info(
			"ignoring verdict, branch is not the tracked branch",
			logfields.Event("verdict_ignored"),
			zap.String("tracked_branch", p.trackedBranch),
		)

		report.Ignored = true
		metrics.InvocationsInc(v.Outcome.String(), report.result())

		return &report, nil
	}

	logger.Info("processing verdict", logfields.Event("verdict_processing"))

	switch v.Outcome {
	case ci.Failure:
		report.Err = p.notify(ctx, logger, v, &report)

	case ci.Success:
		report.Err = p.runSuccess(ctx, logger, v, &report)

	default:
		report.Err = fmt.Errorf("unsupported outcome: %s", v.Outcome)
	}

	metrics.InvocationsInc(v.Outcome.String(), report.result())
	p.record(ctx, logger, &report, startTime)

	if report.Err != nil {
		logger.Error(
			"processing verdict failed",
			logfields.Event("verdict_processing_failed"),
			zap.Error(report.Err),
			zap.Int("exit_code", report.ExitCode()),
		)

		return &report, report.Err
	}

	logger.Info(
		"verdict processed",
		logfields.Event("verdict_processed"),
		zap.Duration("duration", time.Since(startTime)),
	)

	return &report, nil
}

func (p *Pipeline) runSuccess(ctx context.Context, logger *zap.Logger, v *ci.Verdict, report *Report) error {
	var errs error

	releaseID, err := p.pins.ReleaseID(ctx, v)
	if err != nil {
		metrics.StepResultsInc(stepLabelPinVal, syncerr.KindOf(err).String())
		// nothing was changed yet, no notification is sent for an
		// unknown release
		return err
	}

	metrics.StepResultsInc(stepLabelPinVal, "success")
	report.ReleaseID = releaseID
	logger = logger.With(logfields.ReleaseID(releaseID))

	tagResult, err := p.tags.Ensure(ctx, releaseID, v.HeadSHA)
	if err != nil {
		metrics.StepResultsInc(stepLabelTagVal, "failure")
		logger.Error(
			"ensuring release tag failed, skipping merge",
			logfields.Event("release_tag_failed"),
			logfields.Step(string(stepLabelTagVal)),
			zap.Error(err),
		)

		errs = multierr.Append(errs, err)
	} else {
		metrics.StepResultsInc(stepLabelTagVal, tagResult.String())
		report.TagResult = tagResult

		p.merge(ctx, logger, releaseID, report)
	}

	return multierr.Append(errs, p.notify(ctx, logger, v, report))
}

func (p *Pipeline) merge(ctx context.Context, logger *zap.Logger, releaseID string, report *Report) {
	if p.merger == nil {
		return
	}

	mergeResult, err := p.merger.Merge(ctx, releaseID)
	if err != nil {
		metrics.StepResultsInc(stepLabelMergeVal, "failure")
		logger.Warn(
			"merging upstream release failed, continuing",
			logfields.Event("upstream_merge_failed"),
			logfields.Step(string(stepLabelMergeVal)),
			zap.Error(err),
		)

		report.MergeErr = err

		return
	}

	metrics.StepResultsInc(stepLabelMergeVal, mergeResult.String())
	report.MergeResult = mergeResult
}

func (p *Pipeline) notify(ctx context.Context, logger *zap.Logger, v *ci.Verdict, report *Report) error {
	action, err := p.notifier.Notify(ctx, v)
	if err != nil {
		metrics.StepResultsInc(stepLabelNotifyVal, "failure")
		logger.Error(
			"sending notification failed",
			logfields.Event("notification_failed"),
			logfields.Step(string(stepLabelNotifyVal)),
			zap.Error(err),
		)

		if !errors.Is(err, syncerr.ErrNotificationDelivery) {
			return syncerr.New(syncerr.KindNotificationDelivery, err)
		}

		return err
	}

	metrics.StepResultsInc(stepLabelNotifyVal, "success")
	metrics.NotificationsInc(v.Outcome.String(), action.String())
	report.Notification = action

	return nil
}

func (p *Pipeline) record(ctx context.Context, logger *zap.Logger, report *Report, startTime time.Time) {
	if p.recorder == nil {
		return
	}

	rec := history.Invocation{
		RunID:       report.Verdict.RunID,
		Repository:  report.Verdict.Repository,
		Branch:      report.Verdict.Branch,
		Outcome:     report.Verdict.Outcome.String(),
		ReleaseID:   report.ReleaseID,
		StartedAt:   startTime,
		CompletedAt: time.Now(),
	}

	if report.TagResult != tagsync.ResultUndefined {
		rec.TagResult = report.TagResult.String()
	}

	if report.MergeResult != upstream.ResultUndefined {
		rec.MergeResult = report.MergeResult.String()
	} else if report.MergeErr != nil {
		rec.MergeResult = "failure"
	}

	if report.Notification != notify.ActionUndefined {
		rec.Notification = report.Notification.String()
	}

	if err := multierr.Append(report.Err, report.MergeErr); err != nil {
		rec.ErrorMessage = err.Error()
	}

	if _, err := p.recorder.RecordInvocation(ctx, &rec); err != nil {
		logger.Warn(
			"recording invocation failed",
			logfields.Event("invocation_recording_failed"),
			zap.Error(err),
		)
	}
}
