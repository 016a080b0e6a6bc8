package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/LibertasSpZ/mathlib4-libertas/internal/logfields"
)

// DryMessenger is a Messenger that does not post messages.
// Posting is simulated and always succeeds, reading is forwarded to the
// wrapped Messenger.
type DryMessenger struct {
	messenger Messenger
	logger    *zap.Logger
}

func NewDryMessenger(messenger Messenger, logger *zap.Logger) *DryMessenger {
	return &DryMessenger{
		messenger: messenger,
		logger:    logger.Named("dry_messenger"),
	}
}

func (m *DryMessenger) LastMessage(ctx context.Context, stream, topic string) (string, bool, error) {
	return m.messenger.LastMessage(ctx, stream, topic)
}

func (m *DryMessenger) PostMessage(_ context.Context, stream, topic, content string) error {
	m.logger.Info(
		"simulated posting message, no message was sent",
		logfields.Event("dry_run_message_post_skipped"),
		logfields.Stream(stream),
		logfields.Topic(topic),
		zap.String("content", content),
	)

	return nil
}
