// Package notify decides whether the outcome of a CI run is announced in a
// chat stream and posts the announcements.
//
// Failures are always announced. A success is only announced when the
// newest message in the topic is not already the success message, consecutive
// successes result in a single announcement.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"

	"go.uber.org/zap"

	"github.com/LibertasSpZ/mathlib4-libertas/internal/ci"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/logfields"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/syncerr"
)

//go:generate mockgen -destination=mocks/mock_messenger.go -package=mocks . Messenger

const loggerName = "notification_gate"

const (
	DefaultSuccessMessage = "✅ The latest CI for branch#{{.Branch}} has succeeded!"
	DefaultFailureMessage = "❌ The latest CI for branch#{{.Branch}} has [failed]({{.RunURL}})."
)

// Messenger reads and appends messages of a stream topic.
type Messenger interface {
	// LastMessage returns the content of the newest message in the topic.
	// found is false if the topic has no messages.
	LastMessage(ctx context.Context, stream, topic string) (content string, found bool, err error)
	PostMessage(ctx context.Context, stream, topic, content string) error
}

// StateStore persists which outcome was announced last in a topic.
type StateStore interface {
	LastNotified(ctx context.Context, stream, topic string) (ci.Outcome, bool, error)
	SetLastNotified(ctx context.Context, stream, topic string, outcome ci.Outcome) error
}

// DedupSource defines how the Gate determines if a success was already
// announced.
type DedupSource string

const (
	// DedupChannel compares the newest message in the topic with the
	// success message.
	DedupChannel DedupSource = "channel"
	// DedupState uses the outcome recorded in the StateStore.
	DedupState DedupSource = "state"
)

// Action is the decision of the Gate.
type Action uint8

const (
	ActionUndefined Action = iota
	Posted
	Skipped
)

var actionStrings = [...]string{
	ActionUndefined: "undefined",
	Posted:          "posted",
	Skipped:         "skipped",
}

func (a Action) String() string {
	if int(a) > len(actionStrings)-1 {
		return fmt.Sprintf("unsupported Action value: %d", a)
	}

	return actionStrings[a]
}

// Gate announces CI run outcomes in a stream topic.
type Gate struct {
	messenger Messenger
	stream    string
	topic     string
	serverURL string

	successTmpl *template.Template
	failureTmpl *template.Template

	state  StateStore
	dedup  DedupSource
	logger *zap.Logger
}

type Option func(*Gate) error

// WithMessages overwrites the message templates.
// The templates are rendered with the fields of a MessageData value.
// The success message is compared with the newest message of the topic, its
// template must only use the Branch and Repository fields.
func WithMessages(successMsg, failureMsg string) Option {
	return func(g *Gate) error {
		var err error

		if successMsg != "" {
			g.successTmpl, err = template.New("success_message").Parse(successMsg)
			if err != nil {
				return fmt.Errorf("parsing success message template failed: %w", err)
			}

			if err := checkRunIndependent(g.successTmpl); err != nil {
				return fmt.Errorf("invalid success message template: %w", err)
			}
		}

		if failureMsg != "" {
			g.failureTmpl, err = template.New("failure_message").Parse(failureMsg)
			if err != nil {
				return fmt.Errorf("parsing failure message template failed: %w", err)
			}
		}

		return nil
	}
}

// WithServerURL sets the URL of the GitHub server used in run links.
func WithServerURL(url string) Option {
	return func(g *Gate) error {
		g.serverURL = url
		return nil
	}
}

// WithStateStore records every announced outcome in store.
// If dedup is DedupState, the recorded outcome is used to decide if a
// success is announced instead of the newest message of the topic.
func WithStateStore(store StateStore, dedup DedupSource) Option {
	return func(g *Gate) error {
		switch dedup {
		case DedupChannel, DedupState:
		default:
			return fmt.Errorf("unsupported dedup source: %q", dedup)
		}

		g.state = store
		g.dedup = dedup

		return nil
	}
}

func NewGate(messenger Messenger, stream, topic string, opts ...Option) (*Gate, error) {
	g := Gate{
		messenger:   messenger,
		stream:      stream,
		topic:       topic,
		serverURL:   ci.DefaultServerURL,
		successTmpl: template.Must(template.New("success_message").Parse(DefaultSuccessMessage)),
		failureTmpl: template.Must(template.New("failure_message").Parse(DefaultFailureMessage)),
		dedup:       DedupChannel,
	}

	for _, o := range opts {
		if err := o(&g); err != nil {
			return nil, err
		}
	}

	if g.logger == nil {
		g.logger = zap.L().Named(loggerName).With(logfields.Stream(stream), logfields.Topic(topic))
	}

	return &g, nil
}

// MessageData is passed to the message templates.
type MessageData struct {
	Branch     string
	RunID      string
	Repository string
	HeadSHA    string
	RunURL     string
}

// checkRunIndependent returns an error if the output of tmpl differs between
// two runs of the same workflow on the same branch.
func checkRunIndependent(tmpl *template.Template) error {
	var outputs [2]bytes.Buffer

	runs := [2]MessageData{
		{Branch: "b", Repository: "o/r", RunID: "1", HeadSHA: "a1", RunURL: "https://h/1"},
		{Branch: "b", Repository: "o/r", RunID: "2", HeadSHA: "b2", RunURL: "https://h/2"},
	}

	for i := range runs {
		if err := tmpl.Execute(&outputs[i], &runs[i]); err != nil {
			return fmt.Errorf("rendering failed: %w", err)
		}
	}

	if outputs[0].String() != outputs[1].String() {
		return errors.New("message must not contain the RunID, HeadSHA or RunURL fields, it would never equal the newest message of the topic")
	}

	return nil
}

func (g *Gate) render(tmpl *template.Template, v *ci.Verdict) (string, error) {
	var buf bytes.Buffer

	err := tmpl.Execute(&buf, &MessageData{
		Branch:     v.Branch,
		RunID:      v.RunID,
		Repository: v.Repository,
		HeadSHA:    v.HeadSHA,
		RunURL:     v.RunURL(g.serverURL),
	})
	if err != nil {
		return "", fmt.Errorf("rendering %s failed: %w", tmpl.Name(), err)
	}

	return buf.String(), nil
}

// SuccessMessage returns the canonical success message for the verdict.
func (g *Gate) SuccessMessage(v *ci.Verdict) (string, error) {
	return g.render(g.successTmpl, v)
}

// FailureMessage returns the failure message for the verdict, it contains
// the link to the run.
func (g *Gate) FailureMessage(v *ci.Verdict) (string, error) {
	return g.render(g.failureTmpl, v)
}

// Notify announces the outcome of v if required.
// Errors communicating with the messaging service are returned as
// syncerr.ErrNotificationDelivery errors.
func (g *Gate) Notify(ctx context.Context, v *ci.Verdict) (Action, error) {
	logger := g.logger.With(v.LogFields()...)

	switch v.Outcome {
	case ci.Failure:
		msg, err := g.FailureMessage(v)
		if err != nil {
			return ActionUndefined, err
		}

		if err := g.post(ctx, msg, v.Outcome); err != nil {
			return ActionUndefined, err
		}

		logger.Info("failure notification posted", logfields.Event("notification_failure_posted"))

		return Posted, nil

	case ci.Success:
		msg, err := g.SuccessMessage(v)
		if err != nil {
			return ActionUndefined, err
		}

		announced, err := g.successAnnounced(ctx, msg)
		if err != nil {
			return ActionUndefined, err
		}

		if announced {
			logger.Info(
				"success was already announced, skipping notification",
				logfields.Event("notification_success_skipped"),
			)

			return Skipped, nil
		}

		if err := g.post(ctx, msg, v.Outcome); err != nil {
			return ActionUndefined, err
		}

		logger.Info("success notification posted", logfields.Event("notification_success_posted"))

		return Posted, nil

	default:
		return ActionUndefined, fmt.Errorf("unsupported outcome: %s", v.Outcome)
	}
}

func (g *Gate) successAnnounced(ctx context.Context, successMsg string) (bool, error) {
	if g.dedup == DedupState && g.state != nil {
		outcome, found, err := g.state.LastNotified(ctx, g.stream, g.topic)
		if err == nil {
			return found && outcome == ci.Success, nil
		}

		g.logger.Warn(
			"reading last notified state failed, falling back to topic history",
			logfields.Event("notification_state_read_failed"),
			zap.Error(err),
		)
	}

	last, found, err := g.messenger.LastMessage(ctx, g.stream, g.topic)
	if err != nil {
		return false, syncerr.Newf(syncerr.KindNotificationDelivery, "reading last message failed: %w", err)
	}

	return found && last == successMsg, nil
}

func (g *Gate) post(ctx context.Context, msg string, outcome ci.Outcome) error {
	if err := g.messenger.PostMessage(ctx, g.stream, g.topic, msg); err != nil {
		return syncerr.Newf(syncerr.KindNotificationDelivery, "posting %s message failed: %w", outcome, err)
	}

	if g.state == nil {
		return nil
	}

	if err := g.state.SetLastNotified(ctx, g.stream, g.topic, outcome); err != nil {
		g.logger.Warn(
			"recording notified state failed",
			logfields.Event("notification_state_write_failed"),
			zap.Error(err),
		)
	}

	return nil
}
