package nightlysync

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/LibertasSpZ/mathlib4-libertas/internal/ci"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/githubclt"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/logfields"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/provider"
)

const DefEventChannelBufferSize = 512

const evLoopLoggerName = "event_loop"

// Runner processes verdicts, it is implemented by *Pipeline.
type Runner interface {
	Run(ctx context.Context, v *ci.Verdict) (*Report, error)
}

// EvLoop receives webhook events, converts workflow_run events of completed
// runs to verdicts and runs them through the pipeline.
// Verdicts are processed asynchronously in go-routines. Retryable errors
// are retried via the Retryer.
type EvLoop struct {
	ch      chan *provider.Event
	logger  *zap.Logger
	filter  *Filter
	runner  Runner
	retryer *Retryer

	runWg      sync.WaitGroup
	runDeferFn func()
	terminated chan struct{}
}

// WithRunRoutineDeferFunc sets a function to be run when a go-routine that
// processes a verdict returns.
// It can be used to set a panic handler.
func WithRunRoutineDeferFunc(fn func()) func(*EvLoop) {
	return func(e *EvLoop) {
		e.runDeferFn = fn
	}
}

func NewEventLoop(runner Runner, filter *Filter, retryer *Retryer, opts ...func(*EvLoop)) *EvLoop {
	evl := EvLoop{
		ch:         make(chan *provider.Event, DefEventChannelBufferSize),
		filter:     filter,
		runner:     runner,
		retryer:    retryer,
		terminated: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(&evl)
	}

	if evl.logger == nil {
		evl.logger = zap.L().Named(evLoopLoggerName)
	}

	return &evl
}

// C returns the event channel.
// Events sent to this channel will be processed.
// The channel is closed when Stop() is called.
func (e *EvLoop) C() chan<- *provider.Event {
	return e.ch
}

// Start processes events until the event channel is closed.
func (e *EvLoop) Start() {
	defer close(e.terminated)

	ctx := context.Background()
	e.logger.Info("ready to process events", logfields.Event("eventloop_started"))

	for ev := range e.ch {
		logger := e.logger.With(ev.LogFields()...)

		logger.Debug("event received", logfields.Event("event_received"))

		match, err := e.filter.Match(ctx, ev.JSON)
		if err != nil {
			logger.Error(
				"evaluating filter query failed, event is ignored",
				logfields.Event("event_filter_failed"),
				zap.String("filter_query", e.filter.String()),
				zap.Error(err),
			)
			continue
		}

		if !match {
			logger.Debug(
				"event does not match filter query, event is ignored",
				logfields.Event("event_filter_mismatch"),
			)
			continue
		}

		verdict, err := VerdictFromEvent(ev)
		if err != nil {
			logger.Info(
				"event is ignored",
				logfields.Event("event_ignored"),
				zap.Error(err),
			)
			continue
		}

		e.scheduleRun(ctx, verdict)
	}

	e.logger.Info(
		"event loop terminated, event channel was closed",
		logfields.Event("eventloop_terminated"),
	)
}

// VerdictFromEvent converts a workflow_run event of a completed run to a
// Verdict.
// An error is returned if the event is not a workflow_run event or the run
// neither succeeded nor failed.
func VerdictFromEvent(ev *provider.Event) (*ci.Verdict, error) {
	if ev.RunID == 0 {
		return nil, errors.New("event is not a workflow_run event")
	}

	status, err := githubclt.RunStatusToCIStatus(ev.Status, ev.Conclusion)
	if err != nil {
		return nil, err
	}

	var outcome ci.Outcome

	switch status {
	case githubclt.CIStatusSuccess:
		outcome = ci.Success
	case githubclt.CIStatusFailure:
		outcome = ci.Failure
	default:
		return nil, errors.New("workflow run did not succeed or fail, status: " + string(status))
	}

	return &ci.Verdict{
		Outcome:    outcome,
		Branch:     ev.Branch,
		RunID:      strconv.FormatInt(ev.RunID, 10),
		Repository: ev.Repository,
		HeadSHA:    ev.CommitID,
	}, nil
}

func (e *EvLoop) scheduleRun(ctx context.Context, v *ci.Verdict) {
	e.runWg.Add(1)

	go func() {
		if e.runDeferFn != nil {
			defer e.runDeferFn()
		}

		defer e.runWg.Done()

		_ = e.retryer.Run(
			ctx,
			func(ctx context.Context) error {
				_, err := e.runner.Run(ctx, v)
				return err
			},
			v.LogFields(),
		)
	}()
}

// Stop stops the event loop and waits until Start returned and all
// scheduled go-routines terminated. Start must have been called before.
// The event channel (Evloop.C()) will be closed.
// Runs waiting for a retry are cancelled.
func (e *EvLoop) Stop() {
	e.logger.Debug("event loop terminating", logfields.Event("eventloop_terminating"))
	close(e.ch)
	<-e.terminated

	e.retryer.Stop()

	e.logger.Debug(
		"waiting for scheduled runs to terminate",
		logfields.Event("eventloop_terminating"),
	)
	e.runWg.Wait()

	e.logger.Info("event loop terminated", logfields.Event("eventloop_terminated"))
}
