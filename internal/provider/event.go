// Package provider defines the events that are received from webhook
// providers.
package provider

import (
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/LibertasSpZ/mathlib4-libertas/internal/logfields"
)

// Event is a received webhook event.
type Event struct {
	// JSON is the raw event payload.
	JSON     []byte
	Provider string

	// GitHub hook fields, if the value is not available they are empty
	// strings.
	DeliveryID string
	EventType  string
	// Repository is the full name (owner/name) of the repository.
	Repository string
	CommitID   string
	Branch     string

	// Workflow run fields, RunID is 0 if the event is not a workflow_run
	// event.
	RunID      int64
	Action     string
	Status     string
	Conclusion string
}

func (e *Event) String() string {
	return fmt.Sprintf("%s (deliveryID: %s)", e.EventType, e.DeliveryID)
}

func (e *Event) LogFields() []zap.Field {
	fields := []zap.Field{logfields.EventProvider(e.Provider)}

	if e.DeliveryID != "" {
		fields = append(fields, zap.String("github.delivery_id", e.DeliveryID))
	}

	if e.Repository != "" {
		fields = append(fields, logfields.Repository(e.Repository))
	}

	if e.Branch != "" {
		fields = append(fields, logfields.Branch(e.Branch))
	}

	if e.CommitID != "" {
		fields = append(fields, logfields.Commit(e.CommitID))
	}

	if e.RunID != 0 {
		fields = append(fields,
			logfields.RunID(strconv.FormatInt(e.RunID, 10)),
			zap.String("github.workflow_run_status", e.Status),
			zap.String("github.workflow_run_conclusion", e.Conclusion),
		)
	}

	return fields
}
